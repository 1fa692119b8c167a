package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/me/xvsched/pkg/model"
)

// initPid is the first process. Killing it would leave orphans without a reaper.
const initPid = 1

func (s *Server) handleSched(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.kernel.Snapshot())
}

func (s *Server) handleListProcs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	procs := s.kernel.Procdump()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := procs[:0]
		for _, p := range procs {
			if strings.EqualFold(p.State.String(), state) {
				filtered = append(filtered, p)
			}
		}
		procs = filtered
	}
	respondOK(w, reqID, procs)
}

func (s *Server) handleGetProc(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	info, err := s.kernel.Process(pid)
	if err != nil {
		s.respondKernelError(w, reqID, pid, err)
		return
	}
	respondOK(w, reqID, info)
}

func (s *Server) handleKillProc(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	if pid == initPid {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("process %d (init) cannot be killed", pid))
		return
	}
	if err := s.kernel.Kill(pid); err != nil {
		s.respondKernelError(w, reqID, pid, err)
		return
	}
	s.logger.Info("process killed", "pid", pid)
	respondOK(w, reqID, map[string]any{"pid": pid, "killed": true})
}

type shareRequest struct {
	Percent int `json:"percent"`
}

func (s *Server) handleSetShare(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid JSON: %v", err))
		return
	}
	if err := s.kernel.RequestCPUShare(pid, req.Percent); err != nil {
		s.respondKernelError(w, reqID, pid, err)
		return
	}
	s.logger.Info("cpu share reserved", "pid", pid, "percent", req.Percent)
	info, err := s.kernel.Process(pid)
	if err != nil {
		s.respondKernelError(w, reqID, pid, err)
		return
	}
	respondOK(w, reqID, info)
}

func pidParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "pid")
	pid, err := strconv.Atoi(raw)
	if err != nil || pid < 1 {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest,
			model.NewValidationError("invalid pid %q", raw))
		return 0, false
	}
	return pid, true
}

// respondKernelError maps kernel errors onto HTTP statuses.
func (s *Server) respondKernelError(w http.ResponseWriter, reqID string, pid int, err error) {
	var se *model.ShareError
	switch {
	case errors.Is(err, model.ErrNoProc):
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("process", strconv.Itoa(pid)))
	case errors.As(err, &se) && se.Reason == model.ShareInvalid:
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("%v", err))
	case errors.As(err, &se):
		respondError(w, reqID, http.StatusConflict, &model.APIError{Code: model.ErrConflict, Message: err.Error()})
	default:
		respondInternal(w, reqID, err)
	}
}
