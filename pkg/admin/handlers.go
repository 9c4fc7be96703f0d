package admin

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"github.com/conduit-hie/conduit/pkg/cerrors"
	"github.com/conduit-hie/conduit/pkg/config"
	"github.com/conduit-hie/conduit/pkg/wal"
)

const maxBodyBytes = 16 * 1024 * 1024

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "projects": s.engine.Projects()})
}

// handleDeploy accepts a Production document (YAML; JSON is a subset) and
// deploys it, replacing any current generation.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		cerrors.WriteHTTP(w, cerrors.InvalidConfig, "unreadable request body", nil)
		return
	}
	var prod config.Production
	if err := yaml.Unmarshal(body, &prod); err != nil {
		cerrors.WriteHTTP(w, cerrors.InvalidConfig, "malformed production document: "+err.Error(), nil)
		return
	}
	if err := s.engine.Deploy(r.Context(), prod); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_id": prod.ProjectID, "items": len(prod.Items)})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"projects": s.engine.Projects()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	if err := s.engine.Start(r.Context(), project); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_id": project, "started": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	timeout := time.Duration(queryInt(r, "timeout_ms", 30000)) * time.Millisecond
	if err := s.engine.Stop(r.Context(), project, timeout); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_id": project, "stopped": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	snap, err := s.engine.Health(project)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleReload accepts a host_settings document and hot-reloads one item.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		cerrors.WriteHTTP(w, cerrors.InvalidConfig, "unreadable request body", nil)
		return
	}
	var settings config.HostSettings
	if err := yaml.Unmarshal(body, &settings); err != nil {
		cerrors.WriteHTTP(w, cerrors.InvalidConfig, "malformed host_settings: "+err.Error(), nil)
		return
	}
	if err := s.engine.ReloadHost(r.Context(), vars["project"], vars["item"], settings); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": vars["item"], "reloaded": true})
}

// handleTestSend forwards the raw request body through an outbound item
// and returns the peer's ACK.
func (s *Server) handleTestSend(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(raw) == 0 {
		cerrors.WriteHTTP(w, cerrors.InvalidConfig, "test-send requires a message body", nil)
		return
	}
	ack, err := s.engine.TestSend(r.Context(), vars["project"], vars["item"], raw)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": vars["item"], "ack": string(ack)})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	q := r.URL.Query()
	filter := wal.ListFilter{
		ProjectID: project,
		ItemName:  q.Get("item"),
		Direction: wal.Direction(q.Get("direction")),
		Status:    q.Get("status"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = t
		}
	}
	rows, err := s.engine.ListMessages(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messagesJSON(rows)})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	sessions, err := s.engine.ListSessions(r.Context(), project, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, map[string]any{
			"session_id":    sess.SessionID,
			"message_count": sess.MessageCount,
			"started_at":    sess.StartedAt,
			"ended_at":      sess.EndedAt,
			"success_rate":  sess.SuccessRate,
			"message_types": sess.MessageTypes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleSessionTrace returns ordered trace rows plus the derived item list.
func (s *Server) handleSessionTrace(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	rows, err := s.engine.SessionTrace(r.Context(), sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	seen := make(map[string]bool)
	var items []string
	for _, row := range rows {
		if !seen[row.ItemName] {
			seen[row.ItemName] = true
			items = append(items, row.ItemName)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"rows":       messagesJSON(rows),
		"items":      items,
	})
}

// messagesJSON renders StoredMessages with raw content as string and
// without the heavyweight fields a listing does not need.
func messagesJSON(rows []wal.StoredMessage) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, m := range rows {
		out = append(out, map[string]any{
			"id":               m.ID,
			"item_name":        m.ItemName,
			"item_type":        m.ItemType,
			"direction":        string(m.Direction),
			"message_type":     m.MessageType,
			"correlation_id":   m.CorrelationID,
			"session_id":       m.SessionID,
			"body_class_name":  m.BodyClassName,
			"schema_name":      m.SchemaName,
			"status":           m.Status,
			"content_size":     m.ContentSize,
			"source_item":      m.SourceItem,
			"destination_item": m.DestinationItem,
			"remote_host":      m.RemoteHost,
			"remote_port":      m.RemotePort,
			"ack_type":         m.AckType,
			"error_message":    m.ErrorMessage,
			"latency_ms":       m.LatencyMS,
			"retry_count":      m.RetryCount,
			"received_at":      m.ReceivedAt,
			"completed_at":     m.CompletedAt,
		})
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
