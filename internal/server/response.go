package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/me/renderq/internal/cron"
	"github.com/me/renderq/internal/forkjoin"
	"github.com/me/renderq/internal/jobs"
	"github.com/me/renderq/pkg/model"
)

func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil, nil)
}

func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil, nil)
}

// respondList writes a page of jobs. Pagination covers the finished jobs
// only; live jobs are always listed in full.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	respondJSON(w, http.StatusOK, reqID, data, pg, nil)
}

func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, nil, apiErr)
}

// respondJobError maps queue, splitter and cron errors onto HTTP statuses.
// Illegal transitions are conflicts: the job exists but its state forbids
// the request.
func respondJobError(w http.ResponseWriter, reqID string, err error) {
	var te *model.InvalidTransitionError
	switch {
	case errors.As(err, &te):
		respondError(w, reqID, http.StatusConflict, model.NewConflictError(
			fmt.Sprintf("job %s is %s and cannot become %s", te.ID, te.From, te.To)))
	case errors.Is(err, jobs.ErrIllegalState):
		respondError(w, reqID, http.StatusConflict, model.NewConflictError(err.Error()))
	case errors.Is(err, jobs.ErrQueueClosed):
		respondError(w, reqID, http.StatusServiceUnavailable, &model.APIError{Code: model.ErrClosed, Message: err.Error()})
	case errors.Is(err, cron.ErrUnknownEntry):
		respondError(w, reqID, http.StatusNotFound, &model.APIError{Code: model.ErrNotFound, Message: err.Error()})
	case errors.Is(err, jobs.ErrInvalidArgument), errors.Is(err, forkjoin.ErrInvalidRange):
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{Code: model.ErrValidation, Message: err.Error()})
	default:
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
	}
}

// respondJSON writes the standard envelope. Job snapshots change while a
// render runs, so responses are never cached.
func respondJSON(w http.ResponseWriter, status int, reqID string, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		Status:     "ok",
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
