// Package admin exposes the runtime's control verbs over
// HTTP for the out-of-scope management API to call: deploy, start, stop,
// reload, test-send, session listing and tracing, health, and a live
// websocket feed of new trace rows for the visualisation surfaces.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"

	"github.com/conduit-hie/conduit/pkg/cerrors"
	"github.com/conduit-hie/conduit/pkg/production"
	"github.com/conduit-hie/conduit/pkg/telemetry"
)

// Server wires the control verbs onto a mux.Router. It holds no state of
// its own beyond the Engine handle.
type Server struct {
	engine *production.Engine
	logger *telemetry.Logger
}

func NewServer(engine *production.Engine, logger *telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Server{engine: engine, logger: logger}
}

// Router builds the HTTP routing table. All handlers return JSON; errors
// use the shared cerrors body shape.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverer)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	r.HandleFunc("/productions", s.handleDeploy).Methods(http.MethodPost)
	r.HandleFunc("/productions", s.handleListProjects).Methods(http.MethodGet)
	r.HandleFunc("/productions/{project}/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/productions/{project}/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/productions/{project}/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/productions/{project}/items/{item}/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/productions/{project}/items/{item}/test-send", s.handleTestSend).Methods(http.MethodPost)
	r.HandleFunc("/productions/{project}/messages", s.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/productions/{project}/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/productions/{project}/sessions/stream", s.handleSessionStream).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{session_id}", s.handleSessionTrace).Methods(http.MethodGet)

	return r
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error(r.Context(), "admin_panic", map[string]any{
					"path": r.URL.Path, "stack": string(debug.Stack()),
				})
				cerrors.WriteHTTP(w, cerrors.Internal, "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps err onto the shared error body; non-cerrors errors become
// Internal.
func writeErr(w http.ResponseWriter, err error) {
	var ce *cerrors.Error
	if errors.As(err, &ce) {
		cerrors.WriteHTTP(w, ce.Code, ce.Message, nil)
		return
	}
	cerrors.WriteHTTP(w, cerrors.Internal, err.Error(), nil)
}
