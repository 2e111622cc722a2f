package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/renderq/internal/cron"
	"github.com/me/renderq/pkg/model"
)

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.cron == nil {
		respondOK(w, reqID, []cron.EntryStatus{})
		return
	}
	respondOK(w, reqID, s.cron.Entries())
}

func (s *Server) handleFireSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	reqID := RequestIDFromContext(r.Context())

	if s.cron == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("schedule", name))
		return
	}
	j, err := s.cron.Fire(name)
	if errors.Is(err, cron.ErrUnknownEntry) {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("schedule", name))
		return
	}
	if err != nil {
		respondJobError(w, reqID, err)
		return
	}
	s.remember(j)
	respondCreated(w, reqID, j.Record())
}
