package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Kernel    string `json:"kernel"`
	Ticks     uint64 `json:"ticks"`
	Store     string `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	resp := healthResponse{
		Status:    "healthy",
		Version:   s.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Kernel:    "none",
		Store:     "none",
	}
	if s.kernel != nil {
		resp.Kernel = "running"
		resp.Ticks = s.kernel.Uptime()
		if s.kernel.Halted() {
			resp.Kernel = "halted"
			resp.Status = "degraded"
		}
	}
	if s.store != nil {
		resp.Store = "sqlite"
	}
	respondOK(w, reqID, resp)
}
