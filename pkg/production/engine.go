package production

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conduit-hie/conduit/pkg/broker"
	"github.com/conduit-hie/conduit/pkg/cerrors"
	"github.com/conduit-hie/conduit/pkg/config"
	"github.com/conduit-hie/conduit/pkg/envelope"
	"github.com/conduit-hie/conduit/pkg/hl7"
	"github.com/conduit-hie/conduit/pkg/host"
	"github.com/conduit-hie/conduit/pkg/registry"
	"github.com/conduit-hie/conduit/pkg/telemetry"
	"github.com/conduit-hie/conduit/pkg/tracer"
	"github.com/conduit-hie/conduit/pkg/wal"
)

// Engine owns the WAL, the MessageStore, and the set of Hosts for each
// deployed Production. It is the only process-wide state in the runtime.
// Everything else hangs off a deployment generation.
type Engine struct {
	wal        wal.WAL
	store      wal.MessageStore
	logger     *telemetry.Logger
	classes    *ClassRegistry
	transforms map[string]hl7.Transform
	maxHops    int

	mu   sync.Mutex
	gens map[string]*generation // project id -> active generation
}

// generation is one deployed instance of a Production: its Hosts, their
// Service Registry, Broker, and Tracer. A redeploy builds a whole new
// generation and swaps it in; the WAL and MessageStore are shared across
// generations.
type generation struct {
	project config.Production
	reg     *registry.Registry
	broker  *broker.Broker
	tracer  *tracer.Tracer
	hosts   []*host.Host // config order
	byName  map[string]*host.Host

	started  bool
	replayed bool

	supCancel context.CancelFunc
	supDone   chan struct{}
}

// Options configures an Engine.
type Options struct {
	WAL    wal.WAL
	Store  wal.MessageStore
	Logger *telemetry.Logger
	// Classes defaults to DefaultClasses().
	Classes *ClassRegistry
	// Transforms are the named transform callables routing rules may
	// reference.
	Transforms map[string]hl7.Transform
	// MaxHops bounds routing.hop_count; 0 means the broker default.
	MaxHops int
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.Nop
	}
	classes := opts.Classes
	if classes == nil {
		classes = DefaultClasses()
	}
	return &Engine{
		wal:        opts.WAL,
		store:      opts.Store,
		logger:     logger,
		classes:    classes,
		transforms: opts.Transforms,
		maxHops:    opts.MaxHops,
		gens:       make(map[string]*generation),
	}
}

// Deploy validates prod, constructs a new generation, and — when a
// previous generation of the same project is running — starts the new one,
// swaps it in, and stops the old one with drain. If the new
// generation fails to construct or start, the old one remains active.
func (e *Engine) Deploy(ctx context.Context, prod config.Production) error {
	if prod.ProjectID == "" {
		return cerrors.New(cerrors.InvalidConfig, "production: project_id required")
	}
	if err := prod.Validate(); err != nil {
		return cerrors.Wrap(cerrors.InvalidConfig, "production: config rejected", err)
	}

	gen, err := e.buildGeneration(ctx, prod)
	if err != nil {
		return err
	}

	e.mu.Lock()
	old := e.gens[prod.ProjectID]
	e.mu.Unlock()

	if old != nil && old.started {
		if err := e.startGeneration(ctx, gen); err != nil {
			e.stopGeneration(context.Background(), gen, 5*time.Second)
			return err
		}
	}

	e.mu.Lock()
	e.gens[prod.ProjectID] = gen
	e.mu.Unlock()

	if old != nil {
		e.stopGeneration(ctx, old, drainTimeoutFor(old.project))
	}
	e.logger.Info(ctx, "production_deployed", map[string]any{
		"project": prod.ProjectID, "items": len(prod.Items), "replaced": old != nil,
	})
	return nil
}

// Start starts the project's Hosts in dependency order — Operations, then
// Processes, then Services — and replays the WAL once per deployed
// generation (a redeploy builds a new generation, which replays again).
func (e *Engine) Start(ctx context.Context, projectID string) error {
	gen, err := e.activeGeneration(projectID)
	if err != nil {
		return err
	}
	if gen.started {
		return nil
	}
	return e.startGeneration(ctx, gen)
}

// Stop stops the project's Hosts in reverse order — Services first to
// quiesce ingress, then drain, then Processes, then Operations.
func (e *Engine) Stop(ctx context.Context, projectID string, timeout time.Duration) error {
	gen, err := e.activeGeneration(projectID)
	if err != nil {
		return err
	}
	e.stopGeneration(ctx, gen, timeout)
	return nil
}

// ReloadHost hot-reloads one Host with new settings; the Host instance and
// its queue survive.
func (e *Engine) ReloadHost(ctx context.Context, projectID, itemName string, newSettings config.HostSettings) error {
	gen, err := e.activeGeneration(projectID)
	if err != nil {
		return err
	}
	h, ok := gen.byName[itemName]
	if !ok {
		return cerrors.New(cerrors.UnknownTarget, fmt.Sprintf("production: no item %q in project %q", itemName, projectID))
	}
	return h.Reload(ctx, newSettings)
}

// TestSend frames and sends one raw message through an outbound item,
// bypassing its queue, and returns the peer's ACK. A trace
// row is recorded under a SES-test session.
func (e *Engine) TestSend(ctx context.Context, projectID, itemName string, raw []byte) ([]byte, error) {
	gen, err := e.activeGeneration(projectID)
	if err != nil {
		return nil, err
	}
	h, ok := gen.byName[itemName]
	if !ok {
		return nil, cerrors.New(cerrors.UnknownTarget, fmt.Sprintf("production: no item %q in project %q", itemName, projectID))
	}
	op, ok := h.Behaviour().(*hl7.Operation)
	if !ok {
		return nil, cerrors.New(cerrors.InvalidConfig, fmt.Sprintf("production: item %q is not an outbound HL7 operation", itemName))
	}

	sessionID := envelope.SessionPrefix + "test-" + envelope.NewMessageID()
	env := envelope.New(itemName, sessionID, testMessageType(raw))
	env.Payload = envelope.NewPayload(raw, "application/hl7-v2", "UTF-8", "", "urn:hl7-org:v2", hl7.Properties)
	received := time.Now().UTC()

	ack, sendErr := op.SendRaw(ctx, raw)
	status, errMsg := "delivered", ""
	if sendErr != nil {
		status, errMsg = "failed", sendErr.Error()
	}
	_ = gen.tracer.Record(ctx, tracer.Visit{
		Item:         itemName,
		ItemType:     string(config.ItemOperation),
		Direction:    wal.DirectionOutbound,
		Envelope:     env,
		Status:       status,
		ErrorMessage: errMsg,
		AckContent:   string(ack),
		ReceivedAt:   received,
		CompletedAt:  time.Now().UTC(),
	})
	return ack, sendErr
}

// HostOf returns the live Host for one item — the handle item-level verbs
// (pause, resume, inspection) operate on.
func (e *Engine) HostOf(projectID, itemName string) (*host.Host, error) {
	gen, err := e.activeGeneration(projectID)
	if err != nil {
		return nil, err
	}
	h, ok := gen.byName[itemName]
	if !ok {
		return nil, cerrors.New(cerrors.UnknownTarget, fmt.Sprintf("production: no item %q in project %q", itemName, projectID))
	}
	return h, nil
}

// ListSessions returns session summaries for the admin list_sessions verb.
func (e *Engine) ListSessions(ctx context.Context, projectID string, limit, offset int) ([]wal.SessionSummary, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.ListSessions(ctx, projectID, limit, offset)
}

// SessionTrace returns the ordered trace rows for one session.
func (e *Engine) SessionTrace(ctx context.Context, sessionID string) ([]wal.StoredMessage, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.SessionTrace(ctx, sessionID)
}

// ListMessages exposes the MessageStore listing for the admin surface.
func (e *Engine) ListMessages(ctx context.Context, f wal.ListFilter) ([]wal.StoredMessage, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.List(ctx, f)
}

// Health builds the current health snapshot for a project.
func (e *Engine) Health(projectID string) (telemetry.HealthSnapshot, error) {
	gen, err := e.activeGeneration(projectID)
	if err != nil {
		return telemetry.HealthSnapshot{}, err
	}
	comps := make([]telemetry.ComponentStatus, 0, len(gen.hosts))
	for _, h := range gen.hosts {
		comps = append(comps, h.Health())
	}
	return telemetry.NewHealthSnapshot(projectID, comps, time.Now().UTC()), nil
}

// Projects lists the currently deployed project ids.
func (e *Engine) Projects() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.gens))
	for id := range e.gens {
		out = append(out, id)
	}
	return out
}

// Shutdown stops every deployed generation and closes the WAL.
func (e *Engine) Shutdown(ctx context.Context, timeout time.Duration) {
	e.mu.Lock()
	gens := make([]*generation, 0, len(e.gens))
	for _, g := range e.gens {
		gens = append(gens, g)
	}
	e.mu.Unlock()
	for _, g := range gens {
		e.stopGeneration(ctx, g, timeout)
	}
	if e.wal != nil {
		_ = e.wal.Close()
	}
}

func (e *Engine) activeGeneration(projectID string) (*generation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	gen, ok := e.gens[projectID]
	if !ok {
		return nil, cerrors.New(cerrors.UnknownTarget, "production: project not deployed: "+projectID)
	}
	return gen, nil
}

// buildGeneration constructs and initialises the Host graph for prod.
func (e *Engine) buildGeneration(ctx context.Context, prod config.Production) (*generation, error) {
	reg := registry.New()
	b := broker.New(prod.ProjectID, reg, e.wal, e.logger, e.maxHops)
	tr := tracer.New(prod.ProjectID, e.store, e.logger)
	gen := &generation{
		project: prod,
		reg:     reg,
		broker:  b,
		tracer:  tr,
		byName:  make(map[string]*host.Host),
	}

	for _, item := range prod.Items {
		if !item.Enabled {
			continue
		}
		settings := item.HostSettings
		if settings.WorkerCount <= 0 {
			settings.WorkerCount = item.PoolSize
		}
		fc := FactoryContext{
			Item:       item,
			ProjectID:  prod.ProjectID,
			Broker:     b,
			WAL:        e.wal,
			Tracer:     tr,
			Logger:     e.logger,
			Transforms: e.transforms,
		}
		fc.Item.HostSettings = settings
		behaviour, err := e.classes.buildBehaviour(fc)
		if err != nil {
			return nil, err
		}
		h := host.New(host.Options{
			Name:      item.Name,
			Kind:      item.ItemType,
			ClassName: item.ClassName,
			Settings:  settings,
			Behaviour: behaviour,
			Broker:    b,
			Tracer:    tr,
			Logger:    e.logger,
		})
		if err := h.Init(ctx); err != nil {
			return nil, cerrors.Wrap(cerrors.InvalidConfig, "production: init item "+item.Name, err)
		}
		if err := reg.Register(item.Name, h); err != nil {
			return nil, cerrors.Wrap(cerrors.InvalidConfig, "production: register item "+item.Name, err)
		}
		gen.hosts = append(gen.hosts, h)
		gen.byName[item.Name] = h
	}
	return gen, nil
}

// startGeneration starts Hosts Operations -> Processes -> Services, then
// replays the WAL, then launches the supervisor.
func (e *Engine) startGeneration(ctx context.Context, gen *generation) error {
	for _, kind := range []config.ItemType{config.ItemOperation, config.ItemProcess, config.ItemService} {
		for _, h := range gen.hosts {
			if config.ItemType(h.Kind()) != kind {
				continue
			}
			if err := h.Start(ctx); err != nil {
				return cerrors.Wrap(cerrors.Internal, "production: start item "+h.Name(), err)
			}
		}
	}
	if !gen.replayed {
		if err := e.replayWAL(ctx, gen); err != nil {
			e.logger.Error(ctx, "production_replay_failed", map[string]any{
				"project": gen.project.ProjectID, "error": err.Error(),
			})
		}
		gen.replayed = true
	}

	supCtx, cancel := context.WithCancel(context.Background())
	gen.supCancel = cancel
	gen.supDone = make(chan struct{})
	go e.supervise(supCtx, gen)

	gen.started = true
	return nil
}

// stopGeneration stops Services first, waits for the queues to drain up to
// timeout, then stops Processes and Operations. Whatever does not drain
// stays in the WAL for replay.
func (e *Engine) stopGeneration(ctx context.Context, gen *generation, timeout time.Duration) {
	if gen.supCancel != nil {
		gen.supCancel()
		<-gen.supDone
		gen.supCancel = nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	for _, h := range gen.hostsOfKind(config.ItemService) {
		_ = h.Stop(ctx, timeout)
	}
	e.drainQueues(gen, timeout)
	for _, h := range gen.hostsOfKind(config.ItemProcess) {
		_ = h.Stop(ctx, timeout)
	}
	for _, h := range gen.hostsOfKind(config.ItemOperation) {
		_ = h.Stop(ctx, timeout)
	}
	gen.broker.CancelAll(cerrors.New(cerrors.SyncTimeout, "production stopping"))
	gen.started = false
}

func (g *generation) hostsOfKind(kind config.ItemType) []*host.Host {
	var out []*host.Host
	for _, h := range g.hosts {
		if config.ItemType(h.Kind()) == kind {
			out = append(out, h)
		}
	}
	return out
}

// drainQueues waits until every Process/Operation queue is empty or the
// deadline passes.
func (e *Engine) drainQueues(gen *generation, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		depth := 0
		for _, h := range gen.hosts {
			depth += h.QueueLen()
		}
		if depth == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// replayWAL republishes every non-terminal record to the owning Host's
// queue in write order.
func (e *Engine) replayWAL(ctx context.Context, gen *generation) error {
	if e.wal == nil {
		return nil
	}
	replayed := 0
	err := e.wal.Replay(ctx, func(rec wal.Record) error {
		if rec.ProjectID != "" && rec.ProjectID != gen.project.ProjectID {
			return nil
		}
		h, ok := gen.byName[rec.ItemName]
		if !ok {
			// The item no longer exists in this generation; dead-letter so
			// the message is not silently lost.
			return gen.tracer.Record(ctx, tracer.Visit{
				Item:            envelope.DeadLetterSink,
				ItemType:        string(config.ItemProcess),
				Direction:       wal.DirectionInternal,
				Envelope:        rec.Envelope.WithState(envelope.StateDeadLettered),
				Status:          "dead_lettered",
				ErrorMessage:    "replay: unknown item " + rec.ItemName,
				DestinationItem: envelope.DeadLetterSink,
			})
		}
		env := rec.Envelope
		env.Payload = rec.Payload
		if err := h.TryEnqueue(env); err != nil {
			return err
		}
		replayed++
		return nil
	})
	if replayed > 0 {
		e.logger.Info(ctx, "production_replayed", map[string]any{
			"project": gen.project.ProjectID, "messages": replayed,
		})
	}
	return err
}

// supervise polls Host states, applies restart_policy, and periodically
// resets restart counters after sustained running.
func (e *Engine) supervise(ctx context.Context, gen *generation) {
	defer close(gen.supDone)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, h := range gen.hosts {
			h.MaybeResetRestartCount()
			if h.State() != host.StateError {
				continue
			}
			if !h.RestartAllowed() {
				continue
			}
			h.NoteRestart()
			delay := h.RestartDelay()
			e.logger.Warn(ctx, "production_restarting_host", map[string]any{
				"project": gen.project.ProjectID, "host": h.Name(),
				"restart": h.RestartCount(), "delay": delay.String(),
			})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			if err := e.restartHost(ctx, h); err != nil {
				e.logger.Error(ctx, "production_restart_failed", map[string]any{
					"project": gen.project.ProjectID, "host": h.Name(), "error": err.Error(),
				})
			}
		}
	}
}

// restartHost restarts a Host in StateError with its current settings.
// Such a Host cannot Reload, so this goes through Recover, which stops and
// restarts its workers.
func (e *Engine) restartHost(ctx context.Context, h *host.Host) error {
	return h.Recover(ctx)
}

func drainTimeoutFor(prod config.Production) time.Duration {
	max := 10 * time.Second
	for _, it := range prod.Items {
		if d := time.Duration(it.HostSettings.DrainTimeoutMS) * time.Millisecond; d > max {
			max = d
		}
	}
	return max
}

func testMessageType(raw []byte) string {
	if m, err := hl7.Parse(raw); err == nil {
		return m.MessageType()
	}
	return ""
}
