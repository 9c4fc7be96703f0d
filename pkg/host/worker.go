package host

import (
	"context"
	"errors"
	"time"

	"github.com/conduit-hie/conduit/pkg/broker"
	"github.com/conduit-hie/conduit/pkg/envelope"
	"github.com/conduit-hie/conduit/pkg/queue"
	"github.com/conduit-hie/conduit/pkg/telemetry"
	"github.com/conduit-hie/conduit/pkg/tracer"
)

// workerFn is the exec.WorkerFn every Strategy drives: await a queue item
// (responsive to pause and cancellation), run it through the hook chain,
// and deliver the result.
func (h *Host) workerFn(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := h.waitIfPaused(ctx); err != nil {
			return
		}
		// Bounded dequeue so the loop re-checks pause and cancellation: a
		// worker parked in an unbounded Dequeue would otherwise grab an
		// item enqueued while the Host is paused.
		dctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		env, err := h.q.Dequeue(dctx)
		cancel()
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			continue
		}
		h.handleOne(ctx, env)
	}
}

// waitIfPaused blocks while the Host is paused, the same condition-variable
// idiom pkg/queue.Queue uses for its own blocking waits.
func (h *Host) waitIfPaused(ctx context.Context) error {
	h.pauseMu.Lock()
	defer h.pauseMu.Unlock()
	for h.paused {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				h.pauseMu.Lock()
				h.pauseCond.Broadcast()
				h.pauseMu.Unlock()
			case <-done:
			}
		}()
		h.pauseCond.Wait()
		close(done)
	}
	return ctx.Err()
}

// handleOne runs one envelope through on_before_process -> process ->
// on_after_process, falling back to on_process_error on failure. Whether
// the dequeued envelope was a synchronous request awaiting a reply is
// captured once, at dequeue time, since the hook chain below overwrites
// State to "processing" and back.
func (h *Host) handleOne(ctx context.Context, env envelope.Envelope) {
	received := time.Now().UTC()
	h.metrics.Received()
	awaitingReply := env.State == envelope.StateAwaitingReply
	working := env.WithState(envelope.StateProcessing)
	ctx = telemetry.ContextWithSpanContext(ctx, telemetry.SpanContext{
		TraceID: env.SessionID,
		SpanID:  env.MessageID,
	})

	if bh, ok := h.behaviour.(BeforeProcessHook); ok {
		next, err := bh.OnBeforeProcess(ctx, working)
		if err != nil {
			h.handleProcessError(ctx, working, awaitingReply, err, received)
			return
		}
		working = next
	}

	result, err := h.behaviour.Process(ctx, working)
	if err != nil {
		h.handleProcessError(ctx, working, awaitingReply, err, received)
		return
	}

	if ah, ok := h.behaviour.(AfterProcessHook); ok {
		next, err := ah.OnAfterProcess(ctx, working, result)
		if err != nil {
			h.handleProcessError(ctx, working, awaitingReply, err, received)
			return
		}
		result = next
	}

	h.deliver(ctx, working, awaitingReply, result, received)
}

// deliver resolves a waiting synchronous caller, or fans the result out to
// target_config_names via the Broker.
func (h *Host) deliver(ctx context.Context, original envelope.Envelope, awaitingReply bool, result envelope.Envelope, received time.Time) {
	completed := time.Now().UTC()
	h.metrics.Processed()
	h.metrics.ObserveLatency(completed.Sub(received))
	delivered := result.WithState(envelope.StateDelivered)
	h.recordTrace(ctx, delivered, "delivered", "", received, completed)
	h.broker.CommitTerminal(ctx, h.name, delivered)

	if awaitingReply && original.CorrelationID != "" {
		h.broker.SendResponse(original.CorrelationID, broker.Response{Envelope: delivered})
		return
	}
	for _, target := range h.Settings().TargetConfigNames {
		next := delivered.Derived(delivered.BodyClassName)
		if _, err := h.broker.SendRequestAsync(ctx, h.name, target, next); err != nil {
			h.logger.Error(ctx, "host_route_failed", map[string]any{
				"host": h.name, "target": target, "message_id": next.MessageID, "error": err.Error(),
			})
		}
	}
}

// handleProcessError applies the optional OnProcessError hook, then the
// default failure handling: fail the response slot if one is waiting,
// record a failed trace row, and, if the Behaviour says the error is
// host-fatal, transition the Host to StateError for the supervisor.
func (h *Host) handleProcessError(ctx context.Context, env envelope.Envelope, awaitingReply bool, procErr error, received time.Time) {
	if eh, ok := h.behaviour.(ProcessErrorHook); ok {
		if replaced, handled := eh.OnProcessError(ctx, env, procErr); handled {
			h.deliver(ctx, env, awaitingReply, replaced, received)
			return
		}
	}

	h.metrics.Failed()
	failed := env.WithState(envelope.StateFailed)
	h.recordTrace(ctx, failed, "failed", procErr.Error(), received, time.Now().UTC())
	h.broker.CommitTerminal(ctx, h.name, failed)
	h.deadLetter(ctx, failed, procErr)

	if awaitingReply && env.CorrelationID != "" {
		h.broker.SendResponse(env.CorrelationID, broker.Response{Envelope: failed, Err: procErr})
	}
	if fe, ok := h.behaviour.(FatalErrorHook); ok && fe.IsFatal(procErr) {
		h.fail(procErr)
	}
}

// deadLetter records the failed envelope against the distinguished DLQ
// sink; unhandled processing failures always land there.
func (h *Host) deadLetter(ctx context.Context, env envelope.Envelope, procErr error) {
	if h.trace == nil {
		return
	}
	dead := env.WithState(envelope.StateDeadLettered)
	_ = h.trace.Record(ctx, tracer.Visit{
		Item:            envelope.DeadLetterSink,
		ItemType:        string(h.kind),
		Direction:       directionFor(h.kind),
		Envelope:        dead,
		Status:          "dead_lettered",
		ErrorMessage:    procErr.Error(),
		SourceItem:      h.name,
		DestinationItem: envelope.DeadLetterSink,
	})
}
