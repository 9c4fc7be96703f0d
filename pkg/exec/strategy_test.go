package exec

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestCooperativeRunsAllWorkersAndStopsGracefully(t *testing.T) {
	var calls int32
	fn := func(ctx context.Context, id int) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
	}
	h, err := Cooperative{}.Start(context.Background(), fn, 4, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	res := h.Stop(time.Second)
	if res.Forced != 0 {
		t.Fatalf("expected graceful stop, got %+v", res)
	}
	if atomic.LoadInt32(&calls) != 4 {
		t.Fatalf("expected 4 workers to run, got %d", calls)
	}
}

func TestSingleIgnoresCountAndRunsOne(t *testing.T) {
	var calls int32
	fn := func(ctx context.Context, id int) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
	}
	h, err := Single{}.Start(context.Background(), fn, 10, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	h.Stop(time.Second)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 worker, got %d", calls)
	}
}

func TestMultiProcessRestartsAfterPanic(t *testing.T) {
	var attempts int32
	fn := func(ctx context.Context, id int) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			panic("simulated crash")
		}
		<-ctx.Done()
	}
	h, err := MultiProcess{MaxRestarts: 3}.Start(context.Background(), fn, 1, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	h.Stop(time.Second)
	if atomic.LoadInt32(&attempts) < 2 {
		t.Fatalf("expected worker to restart after panic, attempts=%d", attempts)
	}
}

func TestForNameResolvesKnownModes(t *testing.T) {
	for _, mode := range []string{"", "cooperative", "threaded", "multi_process", "single"} {
		if _, err := ForName(mode); err != nil {
			t.Fatalf("ForName(%q): %v", mode, err)
		}
	}
	if _, err := ForName("bogus"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
