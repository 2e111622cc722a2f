package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "renderq API",
		Version:     "v1",
		Description: "Single-flight render queue: submit, observe and control jobs",
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/api/v1/queue", []string{"GET"}, "Running job, pending jobs in run order, terminal counts"},
			{"/api/v1/jobs", []string{"GET", "POST"}, "List live and finished jobs; POST submits a render"},
			{"/api/v1/jobs/{id}", []string{"GET"}, "Single job snapshot"},
			{"/api/v1/jobs/{id}/cancel", []string{"PUT"}, "Cancel a queued job"},
			{"/api/v1/jobs/{id}/terminate", []string{"PUT"}, "Terminate a queued or running job"},
			{"/api/v1/jobs/{id}/suspend", []string{"PUT"}, "Ask the running job to yield and re-queue"},
			{"/api/v1/schedules", []string{"GET"}, "Recurring render entries"},
			{"/api/v1/schedules/{name}/fire", []string{"POST"}, "Submit a schedule's job now"},
			{"/api/v1/sse/events", []string{"GET"}, "Stream job status transitions (optional ?job=id)"},
		},
	})
}
