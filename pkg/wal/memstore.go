package wal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process MessageStore. It backs tests; the conduit
// binary uses sqlitestore by default and pgstore when given a DSN. Semantics (ordering, session aggregation, housekeeping) match
// the SQL backends so tests written against MemStore hold for them.
type MemStore struct {
	mu   sync.Mutex
	rows []StoredMessage
	byID map[string]int
}

func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]int)}
}

func (s *MemStore) Upsert(ctx context.Context, msg StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byID[msg.ID]; ok {
		s.rows[i] = msg
		return nil
	}
	s.byID[msg.ID] = len(s.rows)
	s.rows = append(s.rows, msg)
	return nil
}

func (s *MemStore) List(ctx context.Context, f ListFilter) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StoredMessage
	for _, m := range s.rows {
		if f.ProjectID != "" && m.ProjectID != f.ProjectID {
			continue
		}
		if f.ItemName != "" && m.ItemName != f.ItemName {
			continue
		}
		if f.Direction != "" && m.Direction != f.Direction {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && m.ReceivedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && m.ReceivedAt.After(f.Until) {
			continue
		}
		out = append(out, m)
	}
	// Newest first, like the SQL backends' received_at DESC index.
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemStore) SessionTrace(ctx context.Context, sessionID string) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StoredMessage
	for _, m := range s.rows {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (s *MemStore) ListSessions(ctx context.Context, projectID string, limit, offset int) ([]SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type agg struct {
		count     int
		succeeded int
		started   time.Time
		ended     time.Time
		types     map[string]bool
	}
	bySession := make(map[string]*agg)
	for _, m := range s.rows {
		if projectID != "" && m.ProjectID != projectID {
			continue
		}
		if m.SessionID == "" {
			continue
		}
		a, ok := bySession[m.SessionID]
		if !ok {
			a = &agg{started: m.ReceivedAt, ended: m.ReceivedAt, types: make(map[string]bool)}
			bySession[m.SessionID] = a
		}
		a.count++
		if m.Status == "delivered" {
			a.succeeded++
		}
		if m.ReceivedAt.Before(a.started) {
			a.started = m.ReceivedAt
		}
		end := m.CompletedAt
		if end.IsZero() {
			end = m.ReceivedAt
		}
		if end.After(a.ended) {
			a.ended = end
		}
		if m.MessageType != "" {
			a.types[m.MessageType] = true
		}
	}

	out := make([]SessionSummary, 0, len(bySession))
	for sess, a := range bySession {
		types := make([]string, 0, len(a.types))
		for t := range a.types {
			types = append(types, t)
		}
		sort.Strings(types)
		rate := 0.0
		if a.count > 0 {
			rate = float64(a.succeeded) / float64(a.count)
		}
		out = append(out, SessionSummary{
			SessionID:    sess,
			MessageCount: a.count,
			StartedAt:    a.started,
			EndedAt:      a.ended,
			SuccessRate:  rate,
			MessageTypes: types,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[:0]
	var removed int64
	for _, m := range s.rows {
		if m.ReceivedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.rows = kept
	s.byID = make(map[string]int, len(kept))
	for i, m := range kept {
		s.byID[m.ID] = i
	}
	return removed, nil
}

var _ MessageStore = (*MemStore)(nil)
