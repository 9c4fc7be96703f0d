package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Options configures the Loader's layering, following a
// base -> env -> tenant convention:
//
//	<root>/<project>.yaml
//	<root>/env/<env>/<project>.yaml
//	<root>/tenants/<tenant>/<project>.yaml
//
// Later layers override earlier ones at the Item level: an Item named in a
// later layer replaces the same-named Item from an earlier layer wholesale.
type Options struct {
	Project string
	Env     string
	Tenant  string
}

var (
	ErrInvalidRoot = errors.New("config: invalid root")
	ErrNotFound    = errors.New("config: no production document found")
)

// Loader loads and layers Production documents from a filesystem root.
type Loader struct {
	root string
	opts Options
}

func NewLoader(root string, opts Options) (*Loader, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidRoot
	}
	if strings.TrimSpace(opts.Project) == "" {
		return nil, fmt.Errorf("%w: project required", ErrInvalidRoot)
	}
	return &Loader{root: root, opts: opts}, nil
}

// Load reads every applicable layer, merges Items by name (later layers
// win), validates the result, and returns the assembled Production.
func (l *Loader) Load() (Production, error) {
	var layers []Production
	base, ok, err := l.readLayer(filepath.Join(l.root, l.opts.Project+".yaml"))
	if err != nil {
		return Production{}, err
	}
	if ok {
		layers = append(layers, base)
	}
	if l.opts.Env != "" {
		env, ok, err := l.readLayer(filepath.Join(l.root, "env", l.opts.Env, l.opts.Project+".yaml"))
		if err != nil {
			return Production{}, err
		}
		if ok {
			layers = append(layers, env)
		}
	}
	if l.opts.Tenant != "" {
		tenant, ok, err := l.readLayer(filepath.Join(l.root, "tenants", l.opts.Tenant, l.opts.Project+".yaml"))
		if err != nil {
			return Production{}, err
		}
		if ok {
			layers = append(layers, tenant)
		}
	}
	if len(layers) == 0 {
		return Production{}, fmt.Errorf("%w: project %q", ErrNotFound, l.opts.Project)
	}
	merged := mergeLayers(layers)
	if err := merged.Validate(); err != nil {
		return Production{}, err
	}
	return merged, nil
}

func (l *Loader) readLayer(path string) (Production, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Production{}, false, nil
		}
		return Production{}, false, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc Production
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Production{}, false, fmt.Errorf("config: parse %s: %w", path, err)
	}
	for i := range doc.Items {
		applyDefaults(&doc.Items[i])
	}
	return doc, true, nil
}

func applyDefaults(it *Item) {
	if it.HostSettings.ExecutionMode == "" {
		it.HostSettings.ExecutionMode = ExecCooperative
	}
	if it.HostSettings.QueueType == "" {
		it.HostSettings.QueueType = QueueFIFO
	}
	if it.HostSettings.QueueSize <= 0 {
		it.HostSettings.QueueSize = 1000
	}
	if it.HostSettings.OverflowStrategy == "" {
		it.HostSettings.OverflowStrategy = OverflowBlock
	}
	if it.HostSettings.RestartPolicy == "" {
		it.HostSettings.RestartPolicy = RestartOnFailure
	}
	if it.HostSettings.MessagingPattern == "" {
		it.HostSettings.MessagingPattern = PatternAsyncReliable
	}
	if it.HostSettings.AckMode == "" {
		it.HostSettings.AckMode = AckImmediate
	}
	if it.HostSettings.WorkerCount <= 0 {
		if it.PoolSize > 0 {
			it.HostSettings.WorkerCount = it.PoolSize
		} else {
			it.HostSettings.WorkerCount = 1
		}
	}
	if it.HostSettings.MaxMessageSize <= 0 {
		it.HostSettings.MaxMessageSize = 10 * 1024 * 1024
	}
	if it.HostSettings.DrainTimeoutMS <= 0 {
		it.HostSettings.DrainTimeoutMS = 30_000
	}
}

// mergeLayers overlays later layers' items onto earlier ones by name,
// preserving the first layer's item ordering and appending any item
// introduced only by a later layer.
func mergeLayers(layers []Production) Production {
	out := layers[0]
	byName := make(map[string]int, len(out.Items))
	for i, it := range out.Items {
		byName[it.Name] = i
	}
	for _, layer := range layers[1:] {
		if layer.ProjectID != "" {
			out.ProjectID = layer.ProjectID
		}
		for _, it := range layer.Items {
			if idx, ok := byName[it.Name]; ok {
				out.Items[idx] = it
			} else {
				byName[it.Name] = len(out.Items)
				out.Items = append(out.Items, it)
			}
		}
	}
	return out
}
