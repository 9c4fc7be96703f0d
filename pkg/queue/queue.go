// Package queue implements the bounded, thread-safe queue variants a Host
// dequeues from: FIFO, Priority, LIFO, and Unordered. All
// four share one Queue interface and one overflow policy vocabulary so a
// Host's queue_type/overflow_strategy config can select either
// independently of the other.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/conduit-hie/conduit/pkg/envelope"
)

// Kind selects the ordering discipline.
type Kind string

const (
	KindFIFO      Kind = "fifo"
	KindPriority  Kind = "priority"
	KindLIFO      Kind = "lifo"
	KindUnordered Kind = "unordered"
)

// Overflow selects what happens when a bounded queue is full.
type Overflow string

const (
	OverflowBlock      Overflow = "block"
	OverflowDropOldest Overflow = "drop_oldest"
	OverflowDropNewest Overflow = "drop_newest"
	OverflowReject     Overflow = "reject"
)

var (
	ErrClosed   = errors.New("queue: closed")
	ErrFull     = errors.New("queue: full")
	ErrTimeout  = errors.New("queue: timeout")
)

// Dropped is the reason tag attached to an envelope evicted by an overflow
// policy, surfaced to callers via the OnDrop hook so it can be persisted
// as a dead-letter trace row.
type Dropped struct {
	Envelope envelope.Envelope
	Reason   string
}

// Options configures a Queue.
type Options struct {
	Kind     Kind
	Capacity int
	Overflow Overflow

	// OnDrop is invoked synchronously whenever an envelope is evicted by
	// the overflow policy instead of enqueued. May be nil.
	OnDrop func(Dropped)
}

// Queue is a bounded, concurrency-safe holding area for one Host.
// Producers are the Broker (and, for inbound Hosts, the transport
// listener); consumers are the Host's workers.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	kind     Kind
	cap      int
	overflow Overflow
	onDrop   func(Dropped)

	items  []envelope.Envelope // fifo/lifo/unordered backing slice (head at items[0])
	pq     priorityHeap        // used only when kind == KindPriority
	closed bool
}

// New constructs a Queue per opts. Capacity <= 0 means unbounded (rarely
// appropriate in production — callers should always set queue_size).
func New(opts Options) *Queue {
	if opts.Kind == "" {
		opts.Kind = KindFIFO
	}
	if opts.Overflow == "" {
		opts.Overflow = OverflowBlock
	}
	q := &Queue{
		kind:     opts.Kind,
		cap:      opts.Capacity,
		overflow: opts.Overflow,
		onDrop:   opts.OnDrop,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) size() int {
	if q.kind == KindPriority {
		return len(q.pq)
	}
	return len(q.items)
}

func (q *Queue) full() bool {
	return q.cap > 0 && q.size() >= q.cap
}

// Enqueue adds env to the queue, applying the configured overflow policy
// when full. With OverflowBlock it waits until space is available or ctx
// is cancelled.
func (q *Queue) Enqueue(ctx context.Context, env envelope.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for q.full() {
		switch q.overflow {
		case OverflowDropOldest:
			dropped, ok := q.popLocked()
			if ok {
				q.dropLocked(dropped, "overflow")
			}
		case OverflowDropNewest:
			q.dropLocked(env, "overflow")
			return nil
		case OverflowReject:
			return ErrFull
		default: // OverflowBlock
			if err := q.waitLocked(ctx); err != nil {
				return err
			}
		}
		if q.closed {
			return ErrClosed
		}
	}
	q.pushLocked(env)
	q.notEmpty.Signal()
	return nil
}

// TryEnqueue is the non-blocking form: it never waits and instead applies
// the overflow policy (or ErrFull for block/reject) immediately.
func (q *Queue) TryEnqueue(env envelope.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.full() {
		switch q.overflow {
		case OverflowDropOldest:
			dropped, ok := q.popLocked()
			if ok {
				q.dropLocked(dropped, "overflow")
			}
		case OverflowDropNewest:
			q.dropLocked(env, "overflow")
			return nil
		default:
			return ErrFull
		}
	}
	q.pushLocked(env)
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until an envelope is available, the queue is closed, or
// ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (envelope.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size() == 0 {
		if q.closed {
			return envelope.Envelope{}, ErrClosed
		}
		if err := q.waitLocked(ctx); err != nil {
			return envelope.Envelope{}, err
		}
	}
	env, _ := q.popLocked()
	// The same condition variable covers "has items" and "has space":
	// wake any producer blocked on a full queue.
	q.notEmpty.Broadcast()
	return env, nil
}

// Len reports the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

// Close wakes every blocked Enqueue/Dequeue with ErrClosed. Queued items
// are left in place so WAL replay can still observe them.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}

// Drain returns and removes every item currently queued, in dequeue order,
// so that Restore can put the batch back later.
func (q *Queue) Drain() []envelope.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []envelope.Envelope
	for q.size() > 0 {
		env, _ := q.popLocked()
		out = append(out, env)
	}
	if len(out) > 0 {
		q.notEmpty.Broadcast()
	}
	return out
}

// Restore re-enqueues a previously drained batch, preserving order.
func (q *Queue) Restore(envs []envelope.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range envs {
		env := envs[i]
		if q.kind == KindLIFO {
			// pushLocked prepends for LIFO; push in reverse so the
			// batch's first item is dequeued first again.
			env = envs[len(envs)-1-i]
		}
		q.pushLocked(env)
	}
	if len(envs) > 0 {
		q.notEmpty.Broadcast()
	}
}

func (q *Queue) dropLocked(env envelope.Envelope, reason string) {
	if q.onDrop != nil {
		q.onDrop(Dropped{Envelope: env, Reason: reason})
	}
}

// waitLocked blocks on notEmpty (or "has space", which the same condition
// variable also signals on dequeue/drop) until woken or ctx is done. The
// mutex is held on return in both cases.
func (q *Queue) waitLocked(ctx context.Context) error {
	if ctx == nil {
		q.notEmpty.Wait()
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	q.notEmpty.Wait()
	close(done)
	return ctx.Err()
}

func (q *Queue) pushLocked(env envelope.Envelope) {
	switch q.kind {
	case KindPriority:
		heap.Push(&q.pq, env)
	case KindLIFO:
		q.items = append([]envelope.Envelope{env}, q.items...)
	default: // fifo, unordered: append order is fine for unordered too
		q.items = append(q.items, env)
	}
}

func (q *Queue) popLocked() (envelope.Envelope, bool) {
	switch q.kind {
	case KindPriority:
		if len(q.pq) == 0 {
			return envelope.Envelope{}, false
		}
		return heap.Pop(&q.pq).(envelope.Envelope), true
	default:
		if len(q.items) == 0 {
			return envelope.Envelope{}, false
		}
		env := q.items[0]
		q.items = q.items[1:]
		return env, true
	}
}

// priorityHeap orders by envelope.Priority (descending) then envelope
// CreatedAt (earlier first), implementing container/heap.Interface. The
// order in which envelopes were enqueued is not consulted, and the order
// of envelopes equal on both keys is not defined.
type priorityHeap []envelope.Envelope

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(envelope.Envelope)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
