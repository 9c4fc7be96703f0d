package hl7

import (
	"context"
	"sync"

	"github.com/conduit-hie/conduit/pkg/broker"
	"github.com/conduit-hie/conduit/pkg/envelope"
	"github.com/conduit-hie/conduit/pkg/registry"
	"github.com/conduit-hie/conduit/pkg/wal"
)

// sinkTarget collects everything the Broker delivers to it.
type sinkTarget struct {
	name string
	mu   sync.Mutex
	got  []envelope.Envelope
	ch   chan envelope.Envelope
}

func newSinkTarget(name string) *sinkTarget {
	return &sinkTarget{name: name, ch: make(chan envelope.Envelope, 16)}
}

func (t *sinkTarget) Name() string { return t.name }
func (t *sinkTarget) Kind() string { return "Operation" }

func (t *sinkTarget) Enqueue(ctx context.Context, env envelope.Envelope) error {
	t.mu.Lock()
	t.got = append(t.got, env)
	t.mu.Unlock()
	t.ch <- env
	return nil
}

func (t *sinkTarget) TryEnqueue(env envelope.Envelope) error {
	return t.Enqueue(context.Background(), env)
}

func (t *sinkTarget) received() []envelope.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]envelope.Envelope, len(t.got))
	copy(out, t.got)
	return out
}

var _ broker.Target = (*sinkTarget)(nil)

// memWAL is an in-process wal.WAL for tests that only need Append to
// succeed.
type memWAL struct {
	mu      sync.Mutex
	records []wal.Record
}

func (m *memWAL) Append(ctx context.Context, rec wal.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memWAL) Replay(ctx context.Context, fn func(wal.Record) error) error { return nil }
func (m *memWAL) Close() error                                                { return nil }

var _ wal.WAL = (*memWAL)(nil)

func newTestBroker(targets ...broker.Target) (*broker.Broker, *registry.Registry) {
	reg := registry.New()
	for _, t := range targets {
		_ = reg.Register(t.Name(), t)
	}
	return broker.New("test-project", reg, &memWAL{}, nil, 0), reg
}
