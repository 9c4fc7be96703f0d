package wal

import (
	"context"
	"time"
)

// Direction is the trace direction vocabulary, reused here
// since MessageStore rows and trace rows share the same projection.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
)

// StoredMessage is one row of the MessageStore projection: one host
// visit of one message.
type StoredMessage struct {
	ID              string
	ProjectID       string
	ItemName        string
	ItemType        string
	Direction       Direction
	MessageType     string
	CorrelationID   string
	SessionID       string
	BodyClassName   string
	SchemaName      string
	SchemaNamespace string
	Status          string
	RawContent      []byte
	ContentSize     int
	SourceItem      string
	DestinationItem string
	RemoteHost      string
	RemotePort      int
	AckContent      string
	AckType         string
	ErrorMessage    string
	LatencyMS       int64
	RetryCount      int
	ReceivedAt      time.Time
	CompletedAt     time.Time
}

// ListFilter narrows a List query by (project_id, item_name,
// direction, status, time range)" with pagination.
type ListFilter struct {
	ProjectID string
	ItemName  string
	Direction Direction
	Status    string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// SessionSummary is the aggregate the list_sessions verb returns.
type SessionSummary struct {
	SessionID    string
	MessageCount int
	StartedAt    time.Time
	EndedAt      time.Time
	SuccessRate  float64
	MessageTypes []string
}

// MessageStore is the queryable projection of the WAL.
// Durability here is weaker than the WAL: it is reconstructable from it.
type MessageStore interface {
	Upsert(ctx context.Context, msg StoredMessage) error
	List(ctx context.Context, filter ListFilter) ([]StoredMessage, error)
	SessionTrace(ctx context.Context, sessionID string) ([]StoredMessage, error)
	ListSessions(ctx context.Context, projectID string, limit, offset int) ([]SessionSummary, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
