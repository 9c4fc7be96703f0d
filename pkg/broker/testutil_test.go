package broker

import (
	"context"
	"sync"

	"github.com/conduit-hie/conduit/pkg/wal"
)

// memWAL is an in-process wal.WAL used only by this package's tests.
type memWAL struct {
	mu      sync.Mutex
	records []wal.Record
}

func newMemWAL() *memWAL { return &memWAL{} }

func (m *memWAL) Append(ctx context.Context, rec wal.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memWAL) Replay(ctx context.Context, fn func(wal.Record) error) error { return nil }

func (m *memWAL) Close() error { return nil }

var _ wal.WAL = (*memWAL)(nil)
