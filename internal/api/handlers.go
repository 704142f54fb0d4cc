// Package api provides HTTP handlers for ConciergePipe endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ConciergePipe/internal/models"
	"github.com/BTreeMap/ConciergePipe/internal/util"
)

// turnHandler injects a synthetic conversation turn (POST /turn). It drives
// the same engine path as the messaging transports, so operators can exercise
// a conversation without a live WhatsApp or Twilio connection.
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.turnHandler: processing turn request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.turnHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.turnHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.turnHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	// Canonicalize the sender the same way the transport would, so a turn
	// injected as "+1 (555) 123-4567" lands in the same session as the
	// participant's live messages.
	from := req.From
	if s.msgService != nil {
		canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(req.From)
		if err != nil {
			slog.Warn("Server.turnHandler: sender validation failed", "error", err, "original_from", req.From)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		from = canonical
	}

	resp := models.Response{
		From:      from,
		Body:      req.Body,
		Time:      time.Now().Unix(),
		MessageID: util.GenerateRandomID("turn_", 16),
	}
	replies, err := s.engine.HandleResponse(r.Context(), resp)
	if err != nil {
		slog.Error("Server.turnHandler: turn processing failed", "error", err, "from", from)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process turn"))
		return
	}

	slog.Info("Server.turnHandler: turn processed", "from", from, "replies", len(replies))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"from":    from,
		"replies": replies,
	}))
}

// metricsHandler returns the usage counter snapshot (GET /metrics).
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.metricsHandler: processing metrics request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.metricsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	metrics, err := s.st.LoadMetrics(r.Context())
	if err != nil {
		slog.Error("Server.metricsHandler: failed to load metrics", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load metrics"))
		return
	}
	slog.Debug("Server.metricsHandler: metrics loaded", "total_messages", metrics.TotalMessages)
	writeJSONResponse(w, http.StatusOK, models.Success(metrics))
}

// resetMetricsHandler zeroes the usage counters (POST /metrics/reset).
func (s *Server) resetMetricsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.resetMetricsHandler: processing reset request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.resetMetricsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.st.ResetMetrics(r.Context()); err != nil {
		slog.Error("Server.resetMetricsHandler: failed to reset metrics", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset metrics"))
		return
	}
	slog.Info("Server.resetMetricsHandler: metrics reset")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Metrics reset successfully", nil))
}

// memoryHandler routes participant memory operations (GET /memory/{participant}).
func (s *Server) memoryHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.memoryHandler: processing memory request", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/memory")
	path = strings.TrimPrefix(path, "/")
	segments := strings.Split(path, "/")

	if len(segments) != 1 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown memory endpoint"))
		return
	}
	participantID := segments[0]

	switch r.Method {
	case http.MethodGet:
		s.getMemoryHandler(w, r, participantID)
	default:
		writeMethodNotAllowed(w, http.MethodGet)
	}
}

// getMemoryHandler returns the long-lived memory map for one participant.
func (s *Server) getMemoryHandler(w http.ResponseWriter, r *http.Request, participantID string) {
	memory, err := s.memStore.LoadMemory(r.Context(), participantID)
	if err != nil {
		slog.Error("Server.getMemoryHandler: failed to load memory", "error", err, "participant", participantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load memory"))
		return
	}
	if memory == nil {
		memory = map[string]string{}
	}
	slog.Debug("Server.getMemoryHandler: memory loaded", "participant", participantID, "keys", len(memory))
	writeJSONResponse(w, http.StatusOK, models.Success(memory))
}

// sessionsHandler routes session inspection operations (GET /sessions,
// GET /sessions/{participant}, DELETE /sessions/{participant}).
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.sessionsHandler: processing sessions request", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/sessions")
	path = strings.TrimPrefix(path, "/")
	segments := strings.Split(path, "/")

	if len(segments) == 0 || segments[0] == "" {
		// /sessions
		switch r.Method {
		case http.MethodGet:
			s.listSessionsHandler(w, r)
		default:
			writeMethodNotAllowed(w, http.MethodGet)
		}
		return
	}

	participantID := segments[0]

	if len(segments) == 1 {
		// /sessions/{participant}
		switch r.Method {
		case http.MethodGet:
			s.getSessionHandler(w, r, participantID)
		case http.MethodDelete:
			s.deleteSessionHandler(w, r, participantID)
		default:
			writeMethodNotAllowed(w, "GET, DELETE")
		}
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown sessions endpoint"))
}

// listSessionsHandler returns summaries of every persisted session.
func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.st.ListSessions(r.Context())
	if err != nil {
		slog.Error("Server.listSessionsHandler: failed to list sessions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list sessions"))
		return
	}
	summaries := make([]models.SessionSummary, 0, len(sessions))
	for i := range sessions {
		summaries = append(summaries, sessions[i].Summary())
	}
	slog.Debug("Server.listSessionsHandler: sessions listed", "count", len(summaries))
	writeJSONResponse(w, http.StatusOK, models.Success(summaries))
}

// getSessionHandler returns one participant's full session.
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request, participantID string) {
	session, err := s.st.LoadSession(r.Context(), participantID)
	if err != nil {
		slog.Error("Server.getSessionHandler: failed to load session", "error", err, "participant", participantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if session == nil {
		slog.Debug("Server.getSessionHandler: session not found", "participant", participantID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(session))
}

// deleteSessionHandler removes a participant's session so their next message
// starts over at language selection.
func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request, participantID string) {
	session, err := s.st.LoadSession(r.Context(), participantID)
	if err != nil {
		slog.Error("Server.deleteSessionHandler: failed to load session", "error", err, "participant", participantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if session == nil {
		slog.Debug("Server.deleteSessionHandler: session not found", "participant", participantID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}

	if err := s.st.DeleteSession(r.Context(), participantID); err != nil {
		slog.Error("Server.deleteSessionHandler: failed to delete session", "error", err, "participant", participantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete session"))
		return
	}
	// Drop the engine's cached copy too, or the next turn would resurrect
	// the session we just deleted.
	s.engine.InvalidateSession(participantID)

	slog.Info("Server.deleteSessionHandler: session deleted", "participant", participantID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted successfully", nil))
}

// selfTestHandler runs the built-in diagnostics (POST /selftest).
func (s *Server) selfTestHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.selfTestHandler: processing selftest request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.selfTestHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	checks := s.selfTest.Checks(r.Context())
	passed := 0
	for _, c := range checks {
		if c.OK {
			passed++
		}
	}
	slog.Info("Server.selfTestHandler: diagnostics complete", "passed", passed, "total", len(checks))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"checks":  checks,
		"summary": fmt.Sprintf("%d/%d tests passed.", passed, len(checks)),
	}))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	// Get active session count as a health indicator
	if sessions, err := s.st.ListSessions(ctx); err != nil {
		slog.Warn("Health check: failed to list sessions", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to fetch session metrics"
	} else {
		healthData["active_sessions"] = len(sessions)
	}

	// Set appropriate status code based on health
	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}
