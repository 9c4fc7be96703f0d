package idempotency

import (
	"sync"

	"github.com/conduit-hie/conduit/pkg/envelope"
)

// Tracker resolves duplicate message_ids seen during WAL replay by keeping
// only the most advanced state for each Key. FileWAL.Replay creates one
// for the duration of one replay pass; it is not held across the process
// lifetime.
type Tracker struct {
	mu    sync.Mutex
	state map[Key]envelope.State
}

func NewTracker() *Tracker {
	return &Tracker{state: make(map[Key]envelope.State)}
}

// stateRank orders states so "latest" means "furthest along", matching the
// message lifecycle: a replayed "processing" record must not
// clobber an already-observed terminal record for the same key.
var stateRank = map[envelope.State]int{
	envelope.StateReceived:      0,
	envelope.StateEnqueued:      1,
	envelope.StateProcessing:    2,
	envelope.StateAwaitingReply: 3,
	envelope.StateDelivered:     4,
	envelope.StateFailed:        4,
	envelope.StateExpired:       4,
	envelope.StateDeadLettered:  4,
}

// Observe records that key was seen in state s. It returns true when s
// should be kept as the resolved state for key (i.e. it is not older than
// whatever was already observed).
func (t *Tracker) Observe(key Key, s envelope.State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.state[key]
	if !ok || stateRank[s] >= stateRank[prev] {
		t.state[key] = s
		return true
	}
	return false
}

// Resolved returns the state kept for key, if any was observed.
func (t *Tracker) Resolved(key Key) (envelope.State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[key]
	return s, ok
}

// Reset clears all observed keys, for reuse across replay passes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = make(map[Key]envelope.State)
}
