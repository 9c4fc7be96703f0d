// Package config loads Production documents: the YAML files that enumerate
// the Items a deployment constructs. Layering follows
// a base -> env -> tenant convention; documents are decoded
// with gopkg.in/yaml.v3 into typed structs instead of treated as JSON.
package config

import (
	"fmt"
	"strings"
)

type ItemType string

const (
	ItemService   ItemType = "Service"
	ItemProcess   ItemType = "Process"
	ItemOperation ItemType = "Operation"
)

type ExecutionMode string

const (
	ExecCooperative ExecutionMode = "cooperative"
	ExecThreaded    ExecutionMode = "threaded"
	ExecMultiProcess ExecutionMode = "multi_process"
	ExecSingle      ExecutionMode = "single"
)

type QueueType string

const (
	QueueFIFO      QueueType = "fifo"
	QueuePriority  QueueType = "priority"
	QueueLIFO      QueueType = "lifo"
	QueueUnordered QueueType = "unordered"
)

type OverflowStrategy string

const (
	OverflowBlock      OverflowStrategy = "block"
	OverflowDropOldest OverflowStrategy = "drop_oldest"
	OverflowDropNewest OverflowStrategy = "drop_newest"
	OverflowReject     OverflowStrategy = "reject"
)

type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on_failure"
	RestartAlways    RestartPolicy = "always"
)

type MessagingPattern string

const (
	PatternAsyncReliable   MessagingPattern = "async_reliable"
	PatternSyncReliable    MessagingPattern = "sync_reliable"
	PatternConcurrentAsync MessagingPattern = "concurrent_async"
	PatternConcurrentSync  MessagingPattern = "concurrent_sync"
)

type AckMode string

const (
	AckImmediate   AckMode = "Immediate"
	AckApplication AckMode = "Application"
	AckNever       AckMode = "Never"
)

// HostSettings is the recognised host_settings vocabulary of a
// Production document.
type HostSettings struct {
	TargetConfigNames []string         `yaml:"target_config_names"`
	ExecutionMode     ExecutionMode    `yaml:"execution_mode"`
	WorkerCount       int              `yaml:"worker_count"`
	QueueType         QueueType        `yaml:"queue_type"`
	QueueSize         int              `yaml:"queue_size"`
	OverflowStrategy  OverflowStrategy `yaml:"overflow_strategy"`
	RestartPolicy     RestartPolicy    `yaml:"restart_policy"`
	MaxRestarts       int              `yaml:"max_restarts"`
	RestartDelayMS    int              `yaml:"restart_delay_ms"`
	MessagingPattern  MessagingPattern `yaml:"messaging_pattern"`
	MessageTimeoutMS  int              `yaml:"message_timeout_ms"`
	AckMode           AckMode          `yaml:"ack_mode"`
	// ReplyCodeActions is the ordered pattern=action mini-language,
	// e.g. ":?R=F,:*=S". Kept as the raw string because
	// evaluation order is first-match-wins.
	ReplyCodeActions  string `yaml:"reply_code_actions"`
	BadMessageHandler string `yaml:"bad_message_handler"`

	ListenHost     string `yaml:"listen_host"`
	ListenPort     int    `yaml:"listen_port"`
	MaxConnections int    `yaml:"max_connections"`

	RemoteHost          string `yaml:"remote_host"`
	RemotePort          int    `yaml:"remote_port"`
	ConnectTimeoutMS    int    `yaml:"connect_timeout_ms"`
	WriteTimeoutMS      int    `yaml:"write_timeout_ms"`
	AckTimeoutMS        int    `yaml:"ack_timeout_ms"`
	ReconnectIntervalMS int    `yaml:"reconnect_interval_ms"`
	RetryIntervalMS     int    `yaml:"retry_interval_ms"`
	MaxRetries          int    `yaml:"max_retries"`
	FailureTimeoutMS    int    `yaml:"failure_timeout_ms"`
	ArchiveIO           bool   `yaml:"archive_io"`

	ReadTimeoutMS  int `yaml:"read_timeout_ms"`
	MaxMessageSize int `yaml:"max_message_size"`
	DrainTimeoutMS int `yaml:"drain_timeout_ms"`

	MessageSchemaCategory string `yaml:"message_schema_category"`
}

// RuleAction is the action a matched RoutingRule takes.
type RuleAction string

const (
	ActionSend      RuleAction = "send"
	ActionTransform RuleAction = "transform"
	ActionStop      RuleAction = "stop"
	ActionDelete    RuleAction = "delete"
)

// RoutingRule is one entry of an HL7 Routing Engine's ordered rule list.
// Condition is parsed once, at Router construction, by
// pkg/hl7's rule grammar evaluator.
type RoutingRule struct {
	Name      string     `yaml:"name"`
	Condition string     `yaml:"condition"`
	Action    RuleAction `yaml:"action"`
	Target    string     `yaml:"target"`
	Transform string     `yaml:"transform"`
	// Continue, when true, evaluates subsequent rules even after this one
	// matches.
	Continue bool `yaml:"continue"`
}

// Item is one configured component of a Production.
type Item struct {
	Name            string            `yaml:"name"`
	ItemType        ItemType          `yaml:"item_type"`
	ClassName       string            `yaml:"class_name"`
	Enabled         bool              `yaml:"enabled"`
	PoolSize        int               `yaml:"pool_size"`
	AdapterSettings map[string]string `yaml:"adapter_settings"`
	HostSettings    HostSettings      `yaml:"host_settings"`
	// Rules configures an HL7 Routing Engine Process item;
	// empty for Service/Operation items.
	Rules []RoutingRule `yaml:"rules"`
}

// Production is an ordered collection of Items.
type Production struct {
	ProjectID string `yaml:"project_id"`
	Items     []Item `yaml:"items"`
}

// ItemByName returns the item named n and whether it was found.
func (p Production) ItemByName(n string) (Item, bool) {
	for _, it := range p.Items {
		if it.Name == n {
			return it, true
		}
	}
	return Item{}, false
}

// Validate enforces the topology invariants: unique names, every
// target_config_names entry resolves to an existing enabled item, and no
// cycle in the static topology unless the cycle passes through at least
// one Process item configured with multi_process (the one permitted cycle,
// e.g. a bidirectional routing pair of Process hosts).
func (p Production) Validate() error {
	seen := make(map[string]bool, len(p.Items))
	byName := make(map[string]Item, len(p.Items))
	for _, it := range p.Items {
		name := strings.TrimSpace(it.Name)
		if name == "" {
			return fmt.Errorf("config: item with empty name")
		}
		if seen[name] {
			return fmt.Errorf("config: duplicate item name %q", name)
		}
		seen[name] = true
		byName[name] = it
	}
	for _, it := range p.Items {
		for _, target := range it.HostSettings.TargetConfigNames {
			dst, ok := byName[target]
			if !ok {
				return fmt.Errorf("config: item %q targets unknown item %q", it.Name, target)
			}
			if !dst.Enabled {
				return fmt.Errorf("config: item %q targets disabled item %q", it.Name, target)
			}
		}
	}
	if err := detectIllegalCycle(p.Items, byName); err != nil {
		return err
	}
	return nil
}

func detectIllegalCycle(items []Item, byName map[string]Item) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(items))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("config: cycle detected in topology: %s -> %s", strings.Join(path, " -> "), name)
		}
		it, ok := byName[name]
		if !ok {
			return nil
		}
		if it.HostSettings.ExecutionMode == ExecMultiProcess && it.ItemType == ItemProcess {
			color[name] = black
			return nil
		}
		color[name] = gray
		for _, target := range it.HostSettings.TargetConfigNames {
			if err := visit(target, append(path, name)); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for _, it := range items {
		if color[it.Name] == white {
			if err := visit(it.Name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
