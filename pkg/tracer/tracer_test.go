package tracer

import (
	"context"
	"testing"
	"time"

	"github.com/conduit-hie/conduit/pkg/envelope"
	"github.com/conduit-hie/conduit/pkg/wal"
)

type memStore struct {
	rows []wal.StoredMessage
}

func (s *memStore) Upsert(ctx context.Context, m wal.StoredMessage) error {
	s.rows = append(s.rows, m)
	return nil
}

func (s *memStore) List(ctx context.Context, f wal.ListFilter) ([]wal.StoredMessage, error) {
	return s.rows, nil
}

func (s *memStore) SessionTrace(ctx context.Context, sessionID string) ([]wal.StoredMessage, error) {
	var out []wal.StoredMessage
	for _, r := range s.rows {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) ListSessions(ctx context.Context, projectID string, limit, offset int) ([]wal.SessionSummary, error) {
	return nil, nil
}

func (s *memStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func TestRecordAssignsDistinctRowIDsPerVisit(t *testing.T) {
	store := &memStore{}
	tr := New("proj-1", store, nil)

	env := envelope.New("HL7.In", envelope.NewSessionID(), "ADT^A01")
	if err := tr.Record(context.Background(), Visit{Item: "HL7.In", ItemType: "Service", Direction: wal.DirectionInbound, Envelope: env, Status: "received"}); err != nil {
		t.Fatalf("record 1: %v", err)
	}
	if err := tr.Record(context.Background(), Visit{Item: "HL7.Router", ItemType: "Process", Direction: wal.DirectionInternal, Envelope: env, Status: "delivered"}); err != nil {
		t.Fatalf("record 2: %v", err)
	}
	if len(store.rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(store.rows))
	}
	if store.rows[0].ID == store.rows[1].ID {
		t.Fatal("expected distinct row ids per host visit")
	}
	if store.rows[0].SessionID != store.rows[1].SessionID {
		t.Fatal("expected shared session id across visits")
	}

	trace, err := tr.SessionTrace(context.Background(), env.SessionID)
	if err != nil {
		t.Fatalf("session trace: %v", err)
	}
	if len(trace) != 2 {
		t.Fatalf("trace rows = %d, want 2", len(trace))
	}
}

func TestRecordNilTracerIsNoop(t *testing.T) {
	var tr *Tracer
	if err := tr.Record(context.Background(), Visit{}); err != nil {
		t.Fatalf("nil tracer Record: %v", err)
	}
}
