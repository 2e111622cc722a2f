package server

import (
	"net/http"
	"runtime"
	"time"
)

// Version is the API server version.
const Version = "0.1.0"

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Queue     string `json:"queue"`
	Store     string `json:"store"`
	Schedules int    `json:"schedules"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	queue := "idle"
	if s.queue.IsBusy() {
		queue = "busy"
	}
	st := "none"
	if s.store != nil {
		st = "configured"
	}
	schedules := 0
	if s.cron != nil {
		schedules = len(s.cron.Entries())
	}

	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Queue:     queue,
		Store:     st,
		Schedules: schedules,
	})
}
