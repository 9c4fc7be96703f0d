// Package tracer implements the session tracer: one trace row per host
// visit, all rows for a message's causation chain sharing one session_id.
// Rows write through to a wal.MessageStore, so the end-to-end sequence
// view is durable and queryable rather than held in memory per pipeline.
package tracer

import (
	"context"
	"time"

	"github.com/conduit-hie/conduit/pkg/envelope"
	"github.com/conduit-hie/conduit/pkg/telemetry"
	"github.com/conduit-hie/conduit/pkg/wal"
)

// Tracer appends one StoredMessage row per host visit. A nil *Tracer is
// valid and a no-op, so tests that don't care about tracing can omit it.
type Tracer struct {
	projectID string
	store     wal.MessageStore
	logger    *telemetry.Logger
}

func New(projectID string, store wal.MessageStore, logger *telemetry.Logger) *Tracer {
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Tracer{projectID: projectID, store: store, logger: logger}
}

// Visit is one Host's encounter with a message: what it did to it and when.
type Visit struct {
	Item      string
	ItemType  string
	Direction wal.Direction

	Envelope envelope.Envelope

	Status       string // "received"|"processing"|"delivered"|"failed"|"dead_lettered"
	ErrorMessage string

	SourceItem      string
	DestinationItem string
	RemoteHost      string
	RemotePort      int
	AckContent      string
	AckType         string
	RetryCount      int

	ReceivedAt  time.Time
	CompletedAt time.Time
}

// Record appends v as a new trace row. Every call to Record produces a
// distinct row id, even for the same message_id, because one message
// crosses many hosts.
func (t *Tracer) Record(ctx context.Context, v Visit) error {
	if t == nil || t.store == nil {
		return nil
	}
	received := v.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	var latency int64
	if !v.CompletedAt.IsZero() {
		latency = v.CompletedAt.Sub(received).Milliseconds()
		if latency < 0 {
			latency = 0
		}
	}
	env := v.Envelope
	msg := wal.StoredMessage{
		ID:              envelope.NewMessageID(),
		ProjectID:       t.projectID,
		ItemName:        v.Item,
		ItemType:        v.ItemType,
		Direction:       v.Direction,
		MessageType:     env.MessageType,
		CorrelationID:   env.CorrelationID,
		SessionID:       env.SessionID,
		BodyClassName:   env.BodyClassName,
		SchemaName:      env.Payload.SchemaName,
		SchemaNamespace: env.Payload.SchemaNS,
		Status:          v.Status,
		RawContent:      env.Payload.Raw(),
		ContentSize:     env.Payload.Size(),
		SourceItem:      v.SourceItem,
		DestinationItem: v.DestinationItem,
		RemoteHost:      v.RemoteHost,
		RemotePort:      v.RemotePort,
		AckContent:      v.AckContent,
		AckType:         v.AckType,
		ErrorMessage:    v.ErrorMessage,
		LatencyMS:       latency,
		RetryCount:      v.RetryCount,
		ReceivedAt:      received,
		CompletedAt:     v.CompletedAt,
	}
	if err := t.store.Upsert(ctx, msg); err != nil {
		t.logger.Error(ctx, "tracer_upsert_failed", map[string]any{
			"item": v.Item, "session_id": env.SessionID, "message_id": env.MessageID, "error": err.Error(),
		})
		return err
	}
	return nil
}

// Sessions lists recent session summaries for the admin list_sessions verb.
func (t *Tracer) Sessions(ctx context.Context, limit, offset int) ([]wal.SessionSummary, error) {
	if t == nil || t.store == nil {
		return nil, nil
	}
	return t.store.ListSessions(ctx, t.projectID, limit, offset)
}

// SessionTrace returns every row for sessionID ordered by received_at
// (oldest first), the view
// backing the admin get_session_trace verb.
func (t *Tracer) SessionTrace(ctx context.Context, sessionID string) ([]wal.StoredMessage, error) {
	if t == nil || t.store == nil {
		return nil, nil
	}
	return t.store.SessionTrace(ctx, sessionID)
}
