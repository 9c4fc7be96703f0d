// Package sqlitestore is a MessageStore backed by SQLite
// (github.com/mattn/go-sqlite3), suitable for a single-node deployment or
// local development. It shares the message_store schema with pgstore so
// deployments can move between the two without a migration step.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/conduit-hie/conduit/pkg/wal"
)

// Store is a database/sql-backed wal.MessageStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite file at path and ensures the
// message_store schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS message_store (
  id               TEXT PRIMARY KEY,
  project_id       TEXT NOT NULL,
  item_name        TEXT NOT NULL,
  item_type        TEXT NOT NULL,
  direction        TEXT NOT NULL,
  message_type     TEXT NOT NULL,
  correlation_id   TEXT,
  session_id       TEXT NOT NULL,
  body_class_name  TEXT,
  schema_name      TEXT,
  schema_namespace TEXT,
  status           TEXT NOT NULL,
  raw_content      BLOB,
  content_size     INTEGER NOT NULL,
  source_item      TEXT,
  destination_item TEXT,
  remote_host      TEXT,
  remote_port      INTEGER,
  ack_content      TEXT,
  ack_type         TEXT,
  error_message    TEXT,
  latency_ms       INTEGER,
  retry_count      INTEGER,
  received_at      DATETIME NOT NULL,
  completed_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_message_store_project_received ON message_store(project_id, received_at DESC);
CREATE INDEX IF NOT EXISTS idx_message_store_session ON message_store(session_id);
CREATE INDEX IF NOT EXISTS idx_message_store_correlation ON message_store(correlation_id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlitestore: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, m wal.StoredMessage) error {
	const q = `
INSERT INTO message_store
  (id, project_id, item_name, item_type, direction, message_type, correlation_id, session_id,
   body_class_name, schema_name, schema_namespace, status, raw_content, content_size,
   source_item, destination_item, remote_host, remote_port, ack_content, ack_type,
   error_message, latency_ms, retry_count, received_at, completed_at)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  ack_content = excluded.ack_content,
  ack_type = excluded.ack_type,
  error_message = excluded.error_message,
  latency_ms = excluded.latency_ms,
  retry_count = excluded.retry_count,
  completed_at = excluded.completed_at;`

	_, err := s.db.ExecContext(ctx, q,
		m.ID, m.ProjectID, m.ItemName, m.ItemType, string(m.Direction), m.MessageType, m.CorrelationID, m.SessionID,
		m.BodyClassName, m.SchemaName, m.SchemaNamespace, m.Status, m.RawContent, m.ContentSize,
		m.SourceItem, m.DestinationItem, m.RemoteHost, m.RemotePort, m.AckContent, m.AckType,
		m.ErrorMessage, m.LatencyMS, m.RetryCount, m.ReceivedAt, nullTime(m.CompletedAt))
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, f wal.ListFilter) ([]wal.StoredMessage, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + selectCols + ` FROM message_store WHERE 1=1`)
	var args []any
	if f.ProjectID != "" {
		b.WriteString(" AND project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.ItemName != "" {
		b.WriteString(" AND item_name = ?")
		args = append(args, f.ItemName)
	}
	if f.Direction != "" {
		b.WriteString(" AND direction = ?")
		args = append(args, string(f.Direction))
	}
	if f.Status != "" {
		b.WriteString(" AND status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		b.WriteString(" AND received_at >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		b.WriteString(" AND received_at <= ?")
		args = append(args, f.Until)
	}
	b.WriteString(" ORDER BY received_at DESC")
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	b.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) SessionTrace(ctx context.Context, sessionID string) ([]wal.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectCols+` FROM message_store WHERE session_id = ? ORDER BY received_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: session trace: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) ListSessions(ctx context.Context, projectID string, limit, offset int) ([]wal.SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT session_id,
       COUNT(*) AS message_count,
       MIN(received_at) AS started_at,
       MAX(COALESCE(completed_at, received_at)) AS ended_at,
       SUM(CASE WHEN status IN ('delivered') THEN 1 ELSE 0 END) AS succeeded,
       GROUP_CONCAT(DISTINCT message_type) AS message_types
FROM message_store
WHERE project_id = ?
GROUP BY session_id
ORDER BY started_at DESC
LIMIT ? OFFSET ?;`
	rows, err := s.db.QueryContext(ctx, q, projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list sessions: %w", err)
	}
	defer rows.Close()

	var out []wal.SessionSummary
	for rows.Next() {
		var (
			sess         string
			count        int
			started      time.Time
			ended        time.Time
			succeeded    int
			messageTypes string
		)
		if err := rows.Scan(&sess, &count, &started, &ended, &succeeded, &messageTypes); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan session summary: %w", err)
		}
		rate := 0.0
		if count > 0 {
			rate = float64(succeeded) / float64(count)
		}
		out = append(out, wal.SessionSummary{
			SessionID:    sess,
			MessageCount: count,
			StartedAt:    started,
			EndedAt:      ended,
			SuccessRate:  rate,
			MessageTypes: strings.Split(messageTypes, ","),
		})
	}
	return out, rows.Err()
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_store WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: housekeeping delete: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error { return s.db.Close() }

const selectCols = `id, project_id, item_name, item_type, direction, message_type, correlation_id, session_id,
   body_class_name, schema_name, schema_namespace, status, raw_content, content_size,
   source_item, destination_item, remote_host, remote_port, ack_content, ack_type,
   error_message, latency_ms, retry_count, received_at, completed_at`

func scanMessages(rows *sql.Rows) ([]wal.StoredMessage, error) {
	var out []wal.StoredMessage
	for rows.Next() {
		var m wal.StoredMessage
		var direction string
		var completedAt sql.NullTime
		if err := rows.Scan(
			&m.ID, &m.ProjectID, &m.ItemName, &m.ItemType, &direction, &m.MessageType, &m.CorrelationID, &m.SessionID,
			&m.BodyClassName, &m.SchemaName, &m.SchemaNamespace, &m.Status, &m.RawContent, &m.ContentSize,
			&m.SourceItem, &m.DestinationItem, &m.RemoteHost, &m.RemotePort, &m.AckContent, &m.AckType,
			&m.ErrorMessage, &m.LatencyMS, &m.RetryCount, &m.ReceivedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}
		m.Direction = wal.Direction(direction)
		if completedAt.Valid {
			m.CompletedAt = completedAt.Time
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
