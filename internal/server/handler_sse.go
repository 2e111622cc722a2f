package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/me/renderq/pkg/model"
)

// sseHeartbeat is how often an idle stream sends a comment line.
var sseHeartbeat = 15 * time.Second

type transitionEvent struct {
	Job  model.JobRecord `json:"job"`
	From model.JobStatus `json:"from"`
	To   model.JobStatus `json:"to"`
	At   time.Time       `json:"at"`
}

// handleSSEEvents streams job status transitions via Server-Sent Events.
// GET /api/v1/sse/events[?job=<id>]
func (s *Server) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("job")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sub := s.queue.Subscribe(64)
	defer sub.Close()

	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Send initial state.
	if err := sendSSEEvent(w, flusher, "init", s.queueSummary()); err != nil {
		return
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				_ = sendSSEEvent(w, flusher, "closed", nil)
				return
			}
			if filter != "" && ev.Job.ID() != filter {
				continue
			}
			data := transitionEvent{Job: ev.Job.Record(), From: ev.From, To: ev.To, At: ev.At}
			if err := sendSSEEvent(w, flusher, "transition", data); err != nil {
				s.logger.Debug("sse client disconnected", "error", err)
				return
			}
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
