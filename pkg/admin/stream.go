package admin

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/conduit-hie/conduit/pkg/wal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
	// The management API fronts this surface; origin policy is its problem.
	CheckOrigin: func(*http.Request) bool { return true },
}

type streamHello struct {
	OK         bool   `json:"ok"`
	ProjectID  string `json:"project_id"`
	IntervalMS int    `json:"interval_ms"`
}

type streamBatch struct {
	TS   time.Time        `json:"ts"`
	Rows []map[string]any `json:"rows"`
}

// handleSessionStream upgrades to a websocket and pushes newly recorded
// trace rows: the live feed the sequence-diagram and topology views
// consume. Rows are polled from the MessageStore and deduplicated by row
// id, so a reconnecting client simply starts a fresh window.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	intervalMS := queryInt(r, "interval_ms", 1000)
	if intervalMS < 250 {
		intervalMS = 250
	}
	if intervalMS > 10000 {
		intervalMS = 10000
	}
	limit := queryInt(r, "limit", 200)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error response.
	}
	defer conn.Close()

	if err := conn.WriteJSON(streamHello{OK: true, ProjectID: project, IntervalMS: intervalMS}); err != nil {
		return
	}

	// Drain client frames so pings/closes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	const maxSeen = 4096
	seen := make(map[string]struct{}, maxSeen)
	order := make([]string, 0, maxSeen)
	since := time.Now().UTC().Add(-time.Second)

	ticker := time.NewTicker(time.Duration(intervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		rows, err := s.engine.ListMessages(r.Context(), wal.ListFilter{
			ProjectID: project,
			Since:     since,
			Limit:     limit,
		})
		if err != nil {
			s.logger.Warn(r.Context(), "admin_stream_poll_failed", map[string]any{
				"project": project, "error": err.Error(),
			})
			continue
		}
		var fresh []wal.StoredMessage
		for _, row := range rows {
			if _, ok := seen[row.ID]; ok {
				continue
			}
			seen[row.ID] = struct{}{}
			order = append(order, row.ID)
			if len(order) > maxSeen {
				delete(seen, order[0])
				order = order[1:]
			}
			fresh = append(fresh, row)
			if row.ReceivedAt.After(since) {
				// Keep a one-poll overlap so rows committed between the
				// read and the timestamp are not missed.
				since = row.ReceivedAt.Add(-time.Duration(intervalMS) * time.Millisecond)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		batch := streamBatch{TS: time.Now().UTC(), Rows: messagesJSON(fresh)}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(batch); err != nil {
			return
		}
	}
}
