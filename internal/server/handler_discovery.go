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
		Name:        "xvsched API",
		Version:     "v1",
		Description: "Introspection of an MLFQ and stride scheduler and of its recorded runs",
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Server health, kernel state and tick count"},
			{"/api/v1/sched", []string{"GET"}, "MLFQ levels and stride slots"},
			{"/api/v1/procs", []string{"GET"}, "Process dump"},
			{"/api/v1/procs/{pid}", []string{"GET"}, "Single process with its threads"},
			{"/api/v1/procs/{pid}/kill", []string{"POST"}, "Kill a process"},
			{"/api/v1/procs/{pid}/share", []string{"PUT"}, "Reserve a CPU share for a process"},
			{"/api/v1/runs", []string{"GET"}, "Recorded runs, newest first"},
			{"/api/v1/runs/{id}", []string{"GET", "DELETE"}, "Single run with per-process stats"},
			{"/api/v1/runs/{id}/dispatches", []string{"GET"}, "Dispatch log of a run"},
			{"/api/v1/runs/{id}/levels", []string{"GET"}, "Ticks spent per MLFQ level, -1 for stride"},
		},
	})
}
