package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/mock"
	"github.com/john/multichat/internal/orchestrator"
)

const maxBodySize = 64 << 10

type healthResponse struct {
	Status      string                    `json:"status"`
	Timestamp   string                    `json:"timestamp"`
	Uptime      float64                   `json:"uptime"`
	Version     string                    `json:"version,omitempty"`
	Services    map[message.Platform]bool `json:"services"`
	Connections connections               `json:"connections"`
	Mock        *mock.Status              `json:"mock,omitempty"`
}

type connections struct {
	Sockets  int                                              `json:"sockets"`
	Clients  int                                              `json:"clients"`
	Sessions map[message.Platform]int                         `json:"sessions"`
	Statuses map[message.Platform]map[orchestrator.Status]int `json:"statuses"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.started).Seconds(),
		Version:   s.opts.Version,
		Services:  s.opts.Services,
		Connections: connections{
			Sockets:  s.gateway.Count(),
			Clients:  stats.Clients,
			Sessions: stats.Sessions,
			Statuses: stats.Statuses,
		},
	}
	if s.mock != nil {
		st := s.mock.Status()
		resp.Mock = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDisconnectSelf tears down a client's upstream sessions and closes its
// socket if it is still open.
func (s *Server) handleDisconnectSelf(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing client id"})
		return
	}
	s.registry.Disconnect(id)
	socket := s.gateway.Disconnect(id)
	s.logger.Info("client disconnect requested", slog.String("client_id", id), slog.Bool("socket_open", socket))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": fmt.Sprintf("connections of client %s closed", id),
	})
}

func (s *Server) handleStartMock(w http.ResponseWriter, r *http.Request) {
	if !s.mockEnabled(w) {
		return
	}
	var settings mock.Settings
	if err := decodeBody(r, &settings); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	st, err := s.mock.Start(settings)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "started", "config": st.Config})
}

func (s *Server) handleStopMock(w http.ResponseWriter, r *http.Request) {
	if !s.mockEnabled(w) {
		return
	}
	s.mock.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleMockStatus(w http.ResponseWriter, r *http.Request) {
	if !s.mockEnabled(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.mock.Status())
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !s.mockEnabled(w) {
		return
	}
	p, err := message.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var opts mock.Options
	if err := decodeBody(r, &opts); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	event, err := s.mock.Generate(r.PathValue("type"), p, opts)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event": event})
}

func (s *Server) mockEnabled(w http.ResponseWriter) bool {
	if s.mock == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "mock generator disabled"})
		return false
	}
	return true
}

// decodeBody decodes an optional JSON body.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", slog.Any("err", err))
	}
}
