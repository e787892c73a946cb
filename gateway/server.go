// Package gateway exposes the webhook endpoints and hands each delivery to
// its processor. The main and backup paths are separate routes because the
// upstream fans the same event out to both independently.
package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"timebridge/backup"
	"timebridge/relay"
)

// maxBodyBytes bounds a webhook body; real payloads are a few KB.
const maxBodyBytes = 1 << 20

type Server struct {
	handlers map[string]relay.Handler
	log      *slog.Logger
	mux      *http.ServeMux
}

type deliveryResponse struct {
	Status string `json:"status"`
	Kind   string `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// NewServer wires the six webhook routes to the named processors. Handlers
// are looked up per request, so a nil map serves 404 everywhere.
func NewServer(handlers map[string]relay.Handler, log *slog.Logger) http.Handler {
	server := &Server{handlers: handlers, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/entries", server.process(relay.ProcEntryCreate))
	mux.HandleFunc("POST /webhooks/entries/update", server.process(relay.ProcEntryUpdate))
	mux.HandleFunc("POST /webhooks/entries/delete", server.process(relay.ProcEntryDelete))
	mux.HandleFunc("POST /backup/entries", server.process(backup.ProcBackupCreate))
	mux.HandleFunc("POST /backup/entries/update", server.process(backup.ProcBackupUpdate))
	mux.HandleFunc("POST /backup/entries/delete", server.process(backup.ProcBackupDelete))
	mux.HandleFunc("GET /healthz", server.handleHealth)
	server.mux = mux

	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) process(processor string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handler, ok := s.handlers[processor]
		if !ok {
			http.NotFound(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.log.Warn("webhook body unreadable", "processor", processor, "error", err)
			writeJSON(w, http.StatusBadRequest, deliveryResponse{Status: "dropped", Detail: "unreadable body"})
			return
		}

		outcome, err := handler(r.Context(), body, 0)
		if err != nil {
			// Infrastructure faults surface as 500 so the upstream redelivers.
			s.log.Error("webhook processing failed", "processor", processor, "error", err)
			writeJSON(w, http.StatusInternalServerError, deliveryResponse{Status: "error", Detail: err.Error()})
			return
		}

		writeJSON(w, outcome.HTTPStatus(), deliveryResponse{
			Status: string(outcome.Status),
			Kind:   string(outcome.Kind),
			Detail: outcome.Detail,
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
