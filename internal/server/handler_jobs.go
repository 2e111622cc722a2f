package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/me/renderq/internal/jobs"
	"github.com/me/renderq/internal/render"
	"github.com/me/renderq/pkg/model"
)

// maxDimension bounds the size of a submitted render.
const maxDimension = 4096

type createJobRequest struct {
	Name      string             `json:"name"`
	Priority  model.Priority     `json:"priority"`
	Target    string             `json:"target"`
	Width     int                `json:"width"`
	Height    int                `json:"height"`
	Pipeline  []render.StageSpec `json:"pipeline"`
	Threshold int                `json:"threshold"`
	Workers   int                `json:"workers"`
}

func (req *createJobRequest) validate() []model.FieldError {
	var errs []model.FieldError
	if req.Width <= 0 || req.Width > maxDimension {
		errs = append(errs, model.FieldError{Field: "width", Message: fmt.Sprintf("must be between 1 and %d", maxDimension)})
	}
	if req.Height <= 0 || req.Height > maxDimension {
		errs = append(errs, model.FieldError{Field: "height", Message: fmt.Sprintf("must be between 1 and %d", maxDimension)})
	}
	if req.Threshold < 0 {
		errs = append(errs, model.FieldError{Field: "threshold", Message: "must not be negative"})
	}
	return errs
}

type jobListResponse struct {
	Live    []model.JobRecord `json:"live"`
	History []model.JobRecord `json:"history"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid render request", errs...))
		return
	}

	pipeline, err := render.NewPipeline(req.Pipeline)
	if err != nil {
		field := "pipeline"
		var se *render.StageError
		if errors.As(err, &se) {
			field = fmt.Sprintf("pipeline[%d]", se.Index)
		}
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid pipeline", model.FieldError{Field: field, Message: err.Error()}))
		return
	}

	target, ok := s.target(req.Target, req.Width, req.Height)
	if !ok {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("target size mismatch",
			model.FieldError{Field: "target", Message: fmt.Sprintf("target %q exists with a different size", req.Target)}))
		return
	}

	name := req.Name
	if name == "" {
		name = "render"
	}
	priority := req.Priority
	if priority == model.PriorityUnset {
		priority = model.PriorityNormal
	}
	threshold := req.Threshold
	if threshold == 0 {
		threshold = s.defaults.Threshold
	}
	workers := req.Workers
	if workers == 0 {
		workers = s.defaults.Workers
	}

	h, err := render.NewBuilder(name, target, pipeline).
		Threshold(threshold).
		Workers(workers).
		Logger(s.logger).
		Build()
	if err != nil {
		respondJobError(w, reqID, err)
		return
	}
	j, err := h.Job()
	if err != nil {
		respondJobError(w, reqID, err)
		return
	}
	if err := s.queue.Submit(j, priority); err != nil {
		respondJobError(w, reqID, err)
		return
	}
	s.remember(j)

	s.logger.Info("render submitted", "job_id", j.ID(), "name", name, "target", req.Target, "stages", len(pipeline))
	respondCreated(w, reqID, j.Record())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.DefaultListOptions()
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	if v := q.Get("status"); v != "" {
		opts.Status = model.JobStatus(strings.ToUpper(v))
	}
	opts.Name = q.Get("name")
	opts.Clamp()

	resp := jobListResponse{Live: []model.JobRecord{}, History: []model.JobRecord{}}
	live := s.queue.Pending()
	if running := s.queue.Running(); running != nil {
		live = append([]*jobs.Job{running}, live...)
	}
	for _, j := range live {
		if rec := j.Record(); matches(rec, opts) {
			resp.Live = append(resp.Live, rec)
		}
	}

	var total int
	if s.store != nil {
		recs, n, err := s.store.ListJobs(r.Context(), opts)
		if err != nil {
			respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
			return
		}
		for _, rec := range recs {
			resp.History = append(resp.History, *rec)
		}
		total = n
	} else {
		finished := s.recentFinished(opts)
		total = len(finished)
		lo := min(opts.Offset, total)
		hi := min(opts.Offset+opts.Limit, total)
		resp.History = finished[lo:hi]
	}

	respondList(w, reqID, resp, model.NewPagination(total, opts))
}

// recentFinished returns terminal in-memory jobs matching opts, newest first.
func (s *Server) recentFinished(opts model.ListOptions) []model.JobRecord {
	s.mu.Lock()
	candidates := make([]*jobs.Job, 0, len(s.order))
	for _, id := range s.order {
		candidates = append(candidates, s.recent[id])
	}
	s.mu.Unlock()

	var out []model.JobRecord
	for _, j := range slices.Backward(candidates) {
		rec := j.Record()
		if rec.Status.IsTerminal() && matches(rec, opts) {
			out = append(out, rec)
		}
	}
	return out
}

func matches(rec model.JobRecord, opts model.ListOptions) bool {
	if opts.Status != "" && rec.Status != opts.Status {
		return false
	}
	if opts.Name != "" && rec.Name != opts.Name {
		return false
	}
	return true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqID := RequestIDFromContext(r.Context())

	if j := s.job(id); j != nil {
		respondOK(w, reqID, j.Record())
		return
	}
	if s.store != nil {
		rec, err := s.store.GetJob(r.Context(), id)
		if err != nil {
			respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
			return
		}
		if rec != nil {
			respondOK(w, reqID, rec)
			return
		}
	}
	respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", id))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.controlJob(w, r, "cancel", (*jobs.Job).Cancel)
}

func (s *Server) handleTerminateJob(w http.ResponseWriter, r *http.Request) {
	s.controlJob(w, r, "terminate", (*jobs.Job).Terminate)
}

func (s *Server) handleSuspendJob(w http.ResponseWriter, r *http.Request) {
	s.controlJob(w, r, "suspend", (*jobs.Job).Suspend)
}

func (s *Server) controlJob(w http.ResponseWriter, r *http.Request, action string, op func(*jobs.Job) error) {
	id := chi.URLParam(r, "id")
	reqID := RequestIDFromContext(r.Context())

	j := s.job(id)
	if j == nil {
		// A job only the history knows about has already finished.
		if s.store != nil {
			if rec, err := s.store.GetJob(r.Context(), id); err == nil && rec != nil {
				respondError(w, reqID, http.StatusConflict,
					model.NewConflictError(fmt.Sprintf("cannot %s job %s in state %s", action, id, rec.Status)))
				return
			}
		}
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", id))
		return
	}

	if err := op(j); err != nil {
		respondJobError(w, reqID, err)
		return
	}
	s.logger.Info("job control", "action", action, "job_id", id)
	respondOK(w, reqID, j.Record())
}
