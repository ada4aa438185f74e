package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/agentgate/agentgate/internal/openai"
	"github.com/agentgate/agentgate/internal/version"
)

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()

	entries := s.catalog.Entries()
	models := make([]openai.Model, 0, len(entries))
	for _, e := range entries {
		models = append(models, openai.NewModel(e.ID, e.OwnedBy, e.Created))
	}
	s.respondJSON(w, http.StatusOK, openai.NewModelsResponse(models))
	s.observe("models", http.StatusOK, reqStart)
}

// handleAuthStatus reports the resolved credential mechanism. The cached
// result is returned when present; pass ?refresh=1 to force re-detection.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()

	if r.URL.Query().Get("refresh") != "" {
		s.resolver.Invalidate()
	}
	status := s.resolver.Detect(r.Context())
	s.respondJSON(w, http.StatusOK, status)
	s.observe("auth.status", http.StatusOK, reqStart)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()

	if s.ledger == nil {
		s.respondError(w, openai.NewInternalError(nil))
		s.observe("usage", http.StatusInternalServerError, reqStart)
		return
	}

	summary, err := s.ledger.Summary(r.Context())
	if err != nil {
		s.respondError(w, openai.NewInternalError(err))
		s.observe("usage", http.StatusInternalServerError, reqStart)
		return
	}

	payload := map[string]any{"summary": summary}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.respondError(w, openai.NewValidationError("limit must be a positive integer", map[string]string{"limit": raw}))
			s.observe("usage", http.StatusBadRequest, reqStart)
			return
		}
		recent, err := s.ledger.ListRecent(r.Context(), limit)
		if err != nil {
			s.respondError(w, openai.NewInternalError(err))
			s.observe("usage", http.StatusInternalServerError, reqStart)
			return
		}
		payload["recent"] = recent
	}

	s.respondJSON(w, http.StatusOK, payload)
	s.observe("usage", http.StatusOK, reqStart)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":         "ok",
		"version":        version.Info(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"backend_cli":    s.cfg.BackendCLIPath,
		"sessions":       s.sessions.Len(),
	}
	if status, ok := s.resolver.CachedStatus(); ok {
		payload["auth_method"] = status.Method
		payload["auth_valid"] = status.Valid
	}
	s.respondJSON(w, http.StatusOK, payload)
}
