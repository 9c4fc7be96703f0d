package broker

import (
	"context"
	"testing"
	"time"

	"github.com/conduit-hie/conduit/pkg/cerrors"
	"github.com/conduit-hie/conduit/pkg/envelope"
	"github.com/conduit-hie/conduit/pkg/registry"
)

// fakeTarget is a minimal broker.Target used to exercise the Broker without
// pulling in pkg/host.
type fakeTarget struct {
	name   string
	kind   string
	queue  chan envelope.Envelope
	reject bool
}

func newFakeTarget(name string, buf int) *fakeTarget {
	return &fakeTarget{name: name, kind: "Process", queue: make(chan envelope.Envelope, buf)}
}

func (t *fakeTarget) Name() string { return t.name }
func (t *fakeTarget) Kind() string { return t.kind }

func (t *fakeTarget) Enqueue(ctx context.Context, env envelope.Envelope) error {
	if t.reject {
		return cerrors.New(cerrors.QueueFull, "fake: full")
	}
	select {
	case t.queue <- env:
		return nil
	default:
		return cerrors.New(cerrors.QueueFull, "fake: full")
	}
}

func (t *fakeTarget) TryEnqueue(env envelope.Envelope) error {
	return t.Enqueue(context.Background(), env)
}

func mkEnv(source string) envelope.Envelope {
	e := envelope.New(source, envelope.NewSessionID(), "ADT^A01")
	return e
}

func TestSendRequestAsyncEnqueuesAndAppendsWAL(t *testing.T) {
	reg := registry.New()
	target := newFakeTarget("ingest.process", 4)
	if err := reg.Register(target.Name(), target); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := newMemWAL()
	b := New("proj-1", reg, w, nil, 0)

	env := mkEnv("ingest.service")
	id, err := b.SendRequestAsync(context.Background(), "ingest.service", "ingest.process", env)
	if err != nil {
		t.Fatalf("SendRequestAsync: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty message id")
	}
	select {
	case got := <-target.queue:
		if got.Routing.Destination != "ingest.process" {
			t.Fatalf("destination = %q, want ingest.process", got.Routing.Destination)
		}
		if got.Routing.HopCount != 1 {
			t.Fatalf("hop_count = %d, want 1", got.Routing.HopCount)
		}
		if got.State != envelope.StateEnqueued {
			t.Fatalf("state = %q, want enqueued", got.State)
		}
	default:
		t.Fatal("expected envelope to be enqueued")
	}
	if len(w.records) != 1 {
		t.Fatalf("wal records = %d, want 1", len(w.records))
	}
}

func TestSendRequestAsyncUnknownTargetDeadLetters(t *testing.T) {
	reg := registry.New()
	w := newMemWAL()
	b := New("proj-1", reg, w, nil, 0)

	_, err := b.SendRequestAsync(context.Background(), "ingest.service", "nope", mkEnv("ingest.service"))
	if err == nil {
		t.Fatal("expected error for unknown target")
	}
	cerr, ok := err.(*cerrors.Error)
	if !ok || cerr.Code != cerrors.UnknownTarget {
		t.Fatalf("err = %v, want UnknownTarget", err)
	}
	if len(w.records) != 1 {
		t.Fatalf("expected one dead-letter WAL record, got %d", len(w.records))
	}
	if w.records[0].Envelope.Routing.Destination != envelope.DeadLetterSink {
		t.Fatalf("dlq destination = %q", w.records[0].Envelope.Routing.Destination)
	}
}

func TestSendRequestAsyncLoopDetected(t *testing.T) {
	reg := registry.New()
	target := newFakeTarget("p", 4)
	reg.Register(target.Name(), target)
	w := newMemWAL()
	b := New("proj-1", reg, w, nil, 2)

	env := mkEnv("svc")
	env.Routing.HopCount = 2
	_, err := b.SendRequestAsync(context.Background(), "svc", "p", env)
	if err == nil {
		t.Fatal("expected loop detected error")
	}
	cerr, ok := err.(*cerrors.Error)
	if !ok || cerr.Code != cerrors.LoopDetected {
		t.Fatalf("err = %v, want LoopDetected", err)
	}
}

func TestSendRequestSyncResolvesOnResponse(t *testing.T) {
	reg := registry.New()
	target := newFakeTarget("op", 4)
	reg.Register(target.Name(), target)
	w := newMemWAL()
	b := New("proj-1", reg, w, nil, 0)

	go func() {
		env := <-target.queue
		b.SendResponse(env.CorrelationID, Response{Envelope: env.WithState(envelope.StateDelivered)})
	}()

	resp, err := b.SendRequestSync(context.Background(), "svc", "op", mkEnv("svc"), time.Second)
	if err != nil {
		t.Fatalf("SendRequestSync: %v", err)
	}
	if resp.Envelope.State != envelope.StateDelivered {
		t.Fatalf("state = %q, want delivered", resp.Envelope.State)
	}
}

func TestSendRequestSyncTimesOut(t *testing.T) {
	reg := registry.New()
	target := newFakeTarget("op", 4)
	reg.Register(target.Name(), target)
	w := newMemWAL()
	b := New("proj-1", reg, w, nil, 0)

	_, err := b.SendRequestSync(context.Background(), "svc", "op", mkEnv("svc"), 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	cerr, ok := err.(*cerrors.Error)
	if !ok || cerr.Code != cerrors.SyncTimeout {
		t.Fatalf("err = %v, want SyncTimeout", err)
	}
}

func TestCancelAllResolvesPendingSlots(t *testing.T) {
	reg := registry.New()
	target := newFakeTarget("op", 4)
	reg.Register(target.Name(), target)
	w := newMemWAL()
	b := New("proj-1", reg, w, nil, 0)

	done := make(chan error, 1)
	go func() {
		_, err := b.SendRequestSync(context.Background(), "svc", "op", mkEnv("svc"), 5*time.Second)
		done <- err
	}()
	// give the goroutine time to register its slot
	<-target.queue
	b.CancelAll(context.Canceled)

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SendRequestSync did not return after CancelAll")
	}
}
