package server

import (
	"net/http"

	"github.com/me/renderq/pkg/model"
)

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.queueSummary())
}

func (s *Server) queueSummary() model.QueueSummary {
	st := s.queue.Stats()
	sum := model.QueueSummary{
		Busy:     s.queue.IsBusy(),
		Pending:  []model.JobRecord{},
		Finished: make(map[string]int64, len(st.Finished)),
		Dropped:  st.Dropped,
	}
	if j := s.queue.Running(); j != nil {
		rec := j.Record()
		sum.Running = &rec
	}
	for _, j := range s.queue.Pending() {
		sum.Pending = append(sum.Pending, j.Record())
	}
	for status, n := range st.Finished {
		sum.Finished[string(status)] = n
	}
	return sum
}
