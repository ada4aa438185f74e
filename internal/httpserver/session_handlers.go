package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentgate/agentgate/internal/openai"
)

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	summaries := s.sessions.List()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"sessions": summaries,
		"count":    len(summaries),
	})
	s.observe("sessions.list", http.StatusOK, reqStart)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	s.respondJSON(w, http.StatusOK, s.sessions.Stats())
	s.observe("sessions.stats", http.StatusOK, reqStart)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	id := chi.URLParam(r, "id")

	sess, ok := s.sessions.Get(id)
	if !ok {
		s.respondError(w, openai.NewSessionNotFoundError(id))
		s.observe("sessions.get", http.StatusNotFound, reqStart)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
	s.observe("sessions.get", http.StatusOK, reqStart)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	id := chi.URLParam(r, "id")

	if !s.sessions.Delete(id) {
		s.respondError(w, openai.NewSessionNotFoundError(id))
		s.observe("sessions.delete", http.StatusNotFound, reqStart)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
	s.observe("sessions.delete", http.StatusOK, reqStart)
}
