package server

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/me/xvsched/pkg/model"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := listOptions(r)

	runs, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondList(w, reqID, runs, opts.Page(total))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	respondOK(w, reqID, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if !s.runExists(w, r, reqID, id) {
		return
	}
	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		respondInternal(w, reqID, err)
		return
	}
	s.logger.Info("run deleted", "id", id)
	respondOK(w, reqID, map[string]any{"id": id, "deleted": true})
}

func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	opts := listOptions(r)

	if !s.runExists(w, r, reqID, id) {
		return
	}
	events, total, err := s.store.ListDispatches(r.Context(), id, opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondList(w, reqID, events, opts.Page(total))
}

type levelTicks struct {
	Level int    `json:"level"`
	Ticks uint64 `json:"ticks"`
}

func (s *Server) handleRunLevels(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if !s.runExists(w, r, reqID, id) {
		return
	}
	byLevel, err := s.store.TicksByLevel(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	out := make([]levelTicks, 0, len(byLevel))
	for level, ticks := range byLevel {
		out = append(out, levelTicks{Level: level, Ticks: ticks})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	respondOK(w, reqID, out)
}

func (s *Server) runExists(w http.ResponseWriter, r *http.Request, reqID, id string) bool {
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return false
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return false
	}
	return true
}
