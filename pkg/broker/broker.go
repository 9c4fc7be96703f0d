// Package broker is the message router of the runtime: it resolves Host
// names through the Service Registry, performs loop-protected delivery,
// tracks pending synchronous requests by correlation_id, and is the sole
// path by which one Host's envelope reaches another Host's queue.
//
// Broker never imports pkg/host — the Engine owns both and injects a
// Broker handle into each Host. Hosts are addressed through the narrow Target
// interface below, which host.Host satisfies without either package
// importing the other.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/conduit-hie/conduit/pkg/cerrors"
	"github.com/conduit-hie/conduit/pkg/envelope"
	"github.com/conduit-hie/conduit/pkg/registry"
	"github.com/conduit-hie/conduit/pkg/telemetry"
	"github.com/conduit-hie/conduit/pkg/wal"
)

// DefaultMaxHops is the loop-protection ceiling applied when a
// production does not configure one.
const DefaultMaxHops = 16

// Target is the surface a Host exposes to the Broker: enough to enqueue an
// envelope, nothing else. host.Host implements this.
type Target interface {
	Name() string
	Kind() string // "Service" | "Process" | "Operation"
	Enqueue(ctx context.Context, env envelope.Envelope) error
	TryEnqueue(env envelope.Envelope) error
}

// Response is what a synchronous request resolves to: the envelope a
// worker produced, or an error (Timeout, RequestRejected, RequestErrored).
type Response struct {
	Envelope envelope.Envelope
	Err      error
}

type pendingSlot struct {
	ch   chan Response
	once sync.Once
}

func (s *pendingSlot) resolve(r Response) {
	s.once.Do(func() { s.ch <- r })
}

// Broker is owned by the Production Engine for one deployment generation
// and shared read-only by every Host in it.
type Broker struct {
	projectID string
	registry  *registry.Registry
	wal       wal.WAL
	logger    *telemetry.Logger
	maxHops   int

	mu      sync.Mutex
	pending map[string]*pendingSlot
}

func New(projectID string, reg *registry.Registry, w wal.WAL, logger *telemetry.Logger, maxHops int) *Broker {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Broker{
		projectID: projectID,
		registry:  reg,
		wal:       w,
		logger:    logger,
		maxHops:   maxHops,
		pending:   make(map[string]*pendingSlot),
	}
}

// resolve looks up target and type-asserts it to Target, mapping registry
// misses and type mismatches alike onto UnknownTarget.
func (b *Broker) resolve(target string) (Target, error) {
	h, ok := b.registry.Get(target)
	if !ok {
		return nil, cerrors.New(cerrors.UnknownTarget, "broker: target not registered: "+target)
	}
	t, ok := h.(Target)
	if !ok {
		return nil, cerrors.New(cerrors.UnknownTarget, "broker: target does not implement broker.Target: "+target)
	}
	return t, nil
}

// SendRequestAsync enqueues env onto target's queue after a durable WAL
// append and returns immediately with the message id.
func (b *Broker) SendRequestAsync(ctx context.Context, source, target string, env envelope.Envelope) (string, error) {
	t, err := b.resolve(target)
	if err != nil {
		b.deadLetter(ctx, env, "unknown_target")
		return "", err
	}
	routed, err := env.Rerouted(target, b.maxHops)
	if err != nil {
		b.deadLetter(ctx, routed, "loop_detected")
		return "", cerrors.Wrap(cerrors.LoopDetected, "broker: hop_count exceeded", err)
	}
	routed.CorrelationID = envelope.NewMessageID()
	routed = routed.WithState(envelope.StateEnqueued)

	if err := b.appendWAL(ctx, t, routed); err != nil {
		return "", err
	}
	if err := t.Enqueue(ctx, routed); err != nil {
		return "", cerrors.Wrap(cerrors.QueueFull, "broker: enqueue to "+target, err)
	}
	return routed.MessageID, nil
}

// SendRequestSync allocates a response slot keyed by a fresh correlation
// id, enqueues env onto target, and blocks until a worker calls
// SendResponse for that correlation id, ctx is cancelled, or timeout
// elapses.
func (b *Broker) SendRequestSync(ctx context.Context, source, target string, env envelope.Envelope, timeout time.Duration) (Response, error) {
	t, err := b.resolve(target)
	if err != nil {
		b.deadLetter(ctx, env, "unknown_target")
		return Response{}, err
	}
	routed, err := env.Rerouted(target, b.maxHops)
	if err != nil {
		b.deadLetter(ctx, routed, "loop_detected")
		return Response{}, cerrors.Wrap(cerrors.LoopDetected, "broker: hop_count exceeded", err)
	}
	correlationID := envelope.NewMessageID()
	routed.CorrelationID = correlationID
	routed = routed.WithState(envelope.StateAwaitingReply)

	slot := &pendingSlot{ch: make(chan Response, 1)}
	b.mu.Lock()
	b.pending[correlationID] = slot
	b.mu.Unlock()
	defer b.clearPending(correlationID)

	if err := b.appendWAL(ctx, t, routed); err != nil {
		return Response{}, err
	}
	if err := t.Enqueue(ctx, routed); err != nil {
		return Response{}, cerrors.Wrap(cerrors.QueueFull, "broker: enqueue to "+target, err)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-slot.ch:
		return resp, resp.Err
	case <-timer.C:
		b.deadLetter(ctx, routed.WithState(envelope.StateFailed), "timeout")
		return Response{}, cerrors.New(cerrors.SyncTimeout, "broker: sync request to "+target+" timed out")
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// SendResponse resolves the pending slot for correlationID, called by a
// worker when the envelope it just finished processing was awaiting a
// synchronous reply. It reports false if no slot is waiting (already
// timed out, cancelled, or never synchronous).
func (b *Broker) SendResponse(correlationID string, resp Response) bool {
	b.mu.Lock()
	slot, ok := b.pending[correlationID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	slot.resolve(resp)
	return true
}

func (b *Broker) clearPending(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, correlationID)
}

// CancelAll resolves every outstanding pending slot with err, called when
// the Production Engine stops so no caller is left blocked.
func (b *Broker) CancelAll(err error) {
	b.mu.Lock()
	slots := make([]*pendingSlot, 0, len(b.pending))
	for _, s := range b.pending {
		slots = append(slots, s)
	}
	b.pending = make(map[string]*pendingSlot)
	b.mu.Unlock()
	for _, s := range slots {
		s.resolve(Response{Err: err})
	}
}

// CommitTerminal appends env's terminal state to the WAL so replay treats
// the message as settled. Failures are logged, not surfaced — the
// worst case is a redundant at-least-once redelivery after a crash.
func (b *Broker) CommitTerminal(ctx context.Context, itemName string, env envelope.Envelope) {
	if b.wal == nil || !env.State.Terminal() {
		return
	}
	rec := wal.Record{
		ProjectID: b.projectID,
		ItemName:  itemName,
		Envelope:  env,
		Payload:   env.Payload,
		WrittenAt: time.Now().UTC(),
	}
	if err := b.wal.Append(ctx, rec); err != nil {
		b.logger.Error(ctx, "broker_wal_terminal_failed", map[string]any{
			"item": itemName, "message_id": env.MessageID, "error": err.Error(),
		})
	}
}

func (b *Broker) appendWAL(ctx context.Context, t Target, env envelope.Envelope) error {
	if b.wal == nil {
		return nil
	}
	rec := wal.Record{
		ProjectID: b.projectID,
		ItemName:  t.Name(),
		Envelope:  env,
		Payload:   env.Payload,
		WrittenAt: time.Now().UTC(),
	}
	if err := b.wal.Append(ctx, rec); err != nil {
		b.logger.Error(ctx, "broker_wal_append_failed", map[string]any{"target": t.Name(), "error": err.Error()})
		return cerrors.Wrap(cerrors.DurabilityFailed, "broker: WAL append failed", err)
	}
	return nil
}

// deadLetter appends a dead_lettered WAL record to envelope.DeadLetterSink.
func (b *Broker) deadLetter(ctx context.Context, env envelope.Envelope, reason string) {
	if b.wal == nil {
		return
	}
	dl := env
	dl.Routing.Destination = envelope.DeadLetterSink
	dl.State = envelope.StateDeadLettered
	dl.Tags = append(append([]string{}, dl.Tags...), "dlq_reason:"+reason)
	rec := wal.Record{
		ProjectID: b.projectID,
		ItemName:  envelope.DeadLetterSink,
		Envelope:  dl,
		Payload:   dl.Payload,
		WrittenAt: time.Now().UTC(),
	}
	if err := b.wal.Append(ctx, rec); err != nil {
		b.logger.Error(ctx, "broker_dlq_append_failed", map[string]any{"message_id": env.MessageID, "error": err.Error()})
	}
}
