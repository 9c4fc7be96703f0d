// Package host implements the Host base: the lifecycle
// state machine, worker loop, hook chain, messaging patterns and
// auto-restart bookkeeping shared by every concrete Service, Process, and
// Operation in pkg/hl7. Composition over inheritance is
// realised as the Behaviour interface: Host owns everything generic: a
// concrete type supplies only Process and the lifecycle hooks it cares
// about.
package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conduit-hie/conduit/pkg/broker"
	"github.com/conduit-hie/conduit/pkg/config"
	"github.com/conduit-hie/conduit/pkg/envelope"
	"github.com/conduit-hie/conduit/pkg/exec"
	"github.com/conduit-hie/conduit/pkg/queue"
	"github.com/conduit-hie/conduit/pkg/telemetry"
	"github.com/conduit-hie/conduit/pkg/tracer"
	"github.com/conduit-hie/conduit/pkg/wal"
)

// State is a Host's lifecycle state.
type State string

const (
	StateInitialising State = "initialising"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Behaviour is what a concrete Host (pkg/hl7's Service/Operation/Router)
// supplies; Host supplies the lifecycle, worker loop, and messaging
// pattern machinery around it.
type Behaviour interface {
	// Process handles one envelope dequeued by a worker and returns the
	// envelope to deliver downstream or back to a waiting caller.
	Process(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error)

	OnInit(ctx context.Context) error
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
	OnTeardown(ctx context.Context) error
}

// Optional per-message hook interfaces a Behaviour may additionally
// implement. A Behaviour that implements none of these gets the default
// identity / log-and-propagate handling.
type (
	BeforeProcessHook interface {
		OnBeforeProcess(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error)
	}
	AfterProcessHook interface {
		OnAfterProcess(ctx context.Context, env, result envelope.Envelope) (envelope.Envelope, error)
	}
	// ProcessErrorHook lets a Behaviour replace a processing failure's
	// result; handled=false means the default failure handling applies.
	ProcessErrorHook interface {
		OnProcessError(ctx context.Context, env envelope.Envelope, procErr error) (result envelope.Envelope, handled bool)
	}
	// FatalErrorHook marks a processing error as host-fatal (e.g. an
	// Operation's connection died), triggering the StateError transition
	// the Production Engine's supervisor watches for.
	FatalErrorHook interface {
		IsFatal(err error) bool
	}
	// VisitAnnotator lets a Behaviour enrich the trace row the worker loop
	// records for an envelope — the HL7 Operation attaches remote
	// host/port and the peer's ACK this way.
	VisitAnnotator interface {
		AnnotateVisit(env envelope.Envelope, v *tracer.Visit)
	}
	// FailureNotifier is implemented by Behaviours whose adapters can die
	// outside the worker loop (a Service's accept loop). Host hands them a
	// callback that transitions it to StateError for the supervisor.
	FailureNotifier interface {
		NotifyFailure(fail func(error))
	}
)

// NopLifecycle gives a Behaviour identity lifecycle hooks it doesn't need
// to implement itself.
type NopLifecycle struct{}

func (NopLifecycle) OnInit(context.Context) error     { return nil }
func (NopLifecycle) OnStart(context.Context) error    { return nil }
func (NopLifecycle) OnStop(context.Context) error     { return nil }
func (NopLifecycle) OnTeardown(context.Context) error { return nil }

// Direction classifies a Host's trace rows.
func directionFor(kind config.ItemType) wal.Direction {
	switch kind {
	case config.ItemService:
		return wal.DirectionInbound
	case config.ItemOperation:
		return wal.DirectionOutbound
	default:
		return wal.DirectionInternal
	}
}

// Host is the generic runtime wrapper around a Behaviour.
type Host struct {
	name      string
	kind      config.ItemType
	className string
	behaviour Behaviour

	settings config.HostSettings

	q        *queue.Queue
	strategy exec.Strategy
	handle   exec.Handle

	broker  *broker.Broker
	trace   *tracer.Tracer
	logger  *telemetry.Logger
	metrics *telemetry.HostMetrics

	rootCtx    context.Context
	rootCancel context.CancelFunc

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool

	mu           sync.RWMutex
	state        State
	initialized  bool
	restartCount int
	runningSince time.Time
	lastErr      error
}

// Options configures a new Host.
type Options struct {
	Name      string
	Kind      config.ItemType
	ClassName string
	Settings  config.HostSettings
	Behaviour Behaviour
	Broker    *broker.Broker
	Tracer    *tracer.Tracer
	Logger    *telemetry.Logger
}

func New(opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.Nop
	}
	strat, err := exec.ForName(string(opts.Settings.ExecutionMode))
	if err != nil {
		strat = exec.Cooperative{}
	}
	h := &Host{
		name:      opts.Name,
		kind:      opts.Kind,
		className: opts.ClassName,
		behaviour: opts.Behaviour,
		settings:  opts.Settings,
		strategy:  strat,
		broker:    opts.Broker,
		trace:     opts.Tracer,
		logger:    logger,
		metrics:   telemetry.NewHostMetrics(nil),
		state:     StateInitialising,
	}
	h.pauseCond = sync.NewCond(&h.pauseMu)
	h.q = queue.New(queue.Options{
		Kind:     queue.Kind(opts.Settings.QueueType),
		Capacity: opts.Settings.QueueSize,
		Overflow: queue.Overflow(opts.Settings.OverflowStrategy),
		OnDrop:   h.onDrop,
	})
	h.rootCtx, h.rootCancel = context.WithCancel(context.Background())
	if fn, ok := opts.Behaviour.(FailureNotifier); ok {
		fn.NotifyFailure(h.fail)
	}
	return h
}

// Name and Kind satisfy broker.Target.
func (h *Host) Name() string { return h.name }
func (h *Host) Kind() string { return string(h.kind) }

// ClassName is the config.Item.class_name this Host was constructed from.
func (h *Host) ClassName() string { return h.className }

// Settings returns the host_settings currently in effect.
func (h *Host) Settings() config.HostSettings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.settings
}

// State reports the current lifecycle state.
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// RestartCount reports how many times the supervisor has restarted this
// Host since it last sustained StateRunning.
func (h *Host) RestartCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.restartCount
}

// LastError reports the error that drove the most recent StateError
// transition, if any.
func (h *Host) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// Enqueue and TryEnqueue satisfy broker.Target: they are the sole path by
// which another Host's envelope reaches this Host's queue.
func (h *Host) Enqueue(ctx context.Context, env envelope.Envelope) error {
	return h.q.Enqueue(ctx, env)
}

func (h *Host) TryEnqueue(env envelope.Envelope) error {
	return h.q.TryEnqueue(env)
}

// QueueLen exposes queue depth for admin/health snapshots.
func (h *Host) QueueLen() int { return h.q.Len() }

// Behaviour exposes the concrete behaviour for verbs that need a direct
// capability, e.g. admin test_send asserting an outbound SendRaw.
func (h *Host) Behaviour() Behaviour { return h.behaviour }

// Health grades this Host into one component of the Production health
// snapshot the supervisor emits.
func (h *Host) Health() telemetry.ComponentStatus {
	h.mu.RLock()
	state := h.state
	restarts := h.restartCount
	lastErr := errString(h.lastErr)
	h.mu.RUnlock()

	status := telemetry.StatusOK
	switch state {
	case StateError:
		status = telemetry.StatusFatal
	case StatePaused, StateStarting, StateStopping, StateInitialising:
		status = telemetry.StatusDegraded
	case StateStopped:
		status = telemetry.StatusUnknown
	}
	return telemetry.ComponentStatus{
		Name:      h.name,
		ItemType:  string(h.kind),
		Status:    status,
		State:     string(state),
		Restarts:  restarts,
		LastError: lastErr,
		Metrics:   h.metrics.Snapshot(h.q.Len()),
	}
}

func (h *Host) onDrop(d queue.Dropped) {
	h.logger.Warn(context.Background(), "host_queue_overflow", map[string]any{
		"host": h.name, "reason": d.Reason, "message_id": d.Envelope.MessageID,
	})
	dead := d.Envelope.WithState(envelope.StateDeadLettered)
	h.recordTrace(context.Background(), dead, "dead_lettered", "queue overflow: "+d.Reason, time.Now().UTC(), time.Now().UTC())
	h.broker.CommitTerminal(context.Background(), h.name, dead)
}

func (h *Host) execLogger(level, msg string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["host"] = h.name
	switch level {
	case "debug":
		h.logger.Debug(context.Background(), msg, fields)
	case "warn":
		h.logger.Warn(context.Background(), msg, fields)
	case "error":
		h.logger.Error(context.Background(), msg, fields)
	default:
		h.logger.Info(context.Background(), msg, fields)
	}
}

func (h *Host) recordTrace(ctx context.Context, env envelope.Envelope, status, errMsg string, received, completed time.Time) {
	if h.trace == nil {
		return
	}
	v := tracer.Visit{
		Item:         h.name,
		ItemType:     string(h.kind),
		Direction:    directionFor(h.kind),
		Envelope:     env,
		Status:       status,
		ErrorMessage: errMsg,
		SourceItem:   env.Routing.Source,
		ReceivedAt:   received,
		CompletedAt:  completed,
	}
	if va, ok := h.behaviour.(VisitAnnotator); ok {
		va.AnnotateVisit(env, &v)
	}
	_ = h.trace.Record(ctx, v)
}

var _ broker.Target = (*Host)(nil)

// fail transitions the Host to StateError, recording err for the
// supervisor and for admin health snapshots.
func (h *Host) fail(err error) {
	h.mu.Lock()
	h.state = StateError
	h.lastErr = err
	h.mu.Unlock()
	h.logger.Error(context.Background(), "host_error", map[string]any{"host": h.name, "error": errString(err)})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var errNotInitialised = func(name string) error { return fmt.Errorf("host %s: start before init", name) }
