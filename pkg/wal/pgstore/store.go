// Package pgstore is a MessageStore backed by PostgreSQL
// (github.com/lib/pq), for deployments that centralize the projection
// across multiple Conduit nodes sharing one WAL.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/conduit-hie/conduit/pkg/wal"
)

type Store struct {
	db    *sql.DB
	table string
}

type Options struct {
	// TableName overrides the default "message_store" table name.
	TableName string
}

func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	table := strings.TrimSpace(opts.TableName)
	if table == "" {
		table = "message_store"
	}
	if err := validateIdent(table); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, table: table}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func validateIdent(s string) error {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return fmt.Errorf("pgstore: invalid identifier %q", s)
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
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
  raw_content      BYTEA,
  content_size     INTEGER NOT NULL,
  source_item      TEXT,
  destination_item TEXT,
  remote_host      TEXT,
  remote_port      INTEGER,
  ack_content      TEXT,
  ack_type         TEXT,
  error_message    TEXT,
  latency_ms       BIGINT,
  retry_count      INTEGER,
  received_at      TIMESTAMPTZ NOT NULL,
  completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_project_received ON %[1]s(project_id, received_at DESC);
CREATE INDEX IF NOT EXISTS idx_%[1]s_session ON %[1]s(session_id);
CREATE INDEX IF NOT EXISTS idx_%[1]s_correlation ON %[1]s(correlation_id);
`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, m wal.StoredMessage) error {
	q := fmt.Sprintf(`
INSERT INTO %s
  (id, project_id, item_name, item_type, direction, message_type, correlation_id, session_id,
   body_class_name, schema_name, schema_namespace, status, raw_content, content_size,
   source_item, destination_item, remote_host, remote_port, ack_content, ack_type,
   error_message, latency_ms, retry_count, received_at, completed_at)
VALUES
  ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  ack_content = EXCLUDED.ack_content,
  ack_type = EXCLUDED.ack_type,
  error_message = EXCLUDED.error_message,
  latency_ms = EXCLUDED.latency_ms,
  retry_count = EXCLUDED.retry_count,
  completed_at = EXCLUDED.completed_at;`, s.table)

	_, err := s.db.ExecContext(ctx, q,
		m.ID, m.ProjectID, m.ItemName, m.ItemType, string(m.Direction), m.MessageType, m.CorrelationID, m.SessionID,
		m.BodyClassName, m.SchemaName, m.SchemaNamespace, m.Status, m.RawContent, m.ContentSize,
		m.SourceItem, m.DestinationItem, m.RemoteHost, m.RemotePort, m.AckContent, m.AckType,
		m.ErrorMessage, m.LatencyMS, m.RetryCount, m.ReceivedAt, nullTime(m.CompletedAt))
	if err != nil {
		return fmt.Errorf("pgstore: upsert: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, f wal.ListFilter) ([]wal.StoredMessage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE 1=1", selectCols, s.table)
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ProjectID != "" {
		b.WriteString(" AND project_id = " + arg(f.ProjectID))
	}
	if f.ItemName != "" {
		b.WriteString(" AND item_name = " + arg(f.ItemName))
	}
	if f.Direction != "" {
		b.WriteString(" AND direction = " + arg(string(f.Direction)))
	}
	if f.Status != "" {
		b.WriteString(" AND status = " + arg(f.Status))
	}
	if !f.Since.IsZero() {
		b.WriteString(" AND received_at >= " + arg(f.Since))
	}
	if !f.Until.IsZero() {
		b.WriteString(" AND received_at <= " + arg(f.Until))
	}
	b.WriteString(" ORDER BY received_at DESC")
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	b.WriteString(" LIMIT " + arg(limit) + " OFFSET " + arg(f.Offset))

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) SessionTrace(ctx context.Context, sessionID string) ([]wal.StoredMessage, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE session_id = $1 ORDER BY received_at ASC", selectCols, s.table)
	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: session trace: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) ListSessions(ctx context.Context, projectID string, limit, offset int) ([]wal.SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	q := fmt.Sprintf(`
SELECT session_id,
       COUNT(*) AS message_count,
       MIN(received_at) AS started_at,
       MAX(COALESCE(completed_at, received_at)) AS ended_at,
       SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END) AS succeeded,
       STRING_AGG(DISTINCT message_type, ',') AS message_types
FROM %s
WHERE project_id = $1
GROUP BY session_id
ORDER BY started_at DESC
LIMIT $2 OFFSET $3;`, s.table)
	rows, err := s.db.QueryContext(ctx, q, projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list sessions: %w", err)
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
			return nil, fmt.Errorf("pgstore: scan session summary: %w", err)
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
	q := fmt.Sprintf("DELETE FROM %s WHERE received_at < $1", s.table)
	res, err := s.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pgstore: housekeeping delete: %w", err)
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
			return nil, fmt.Errorf("pgstore: scan: %w", err)
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
