package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/runstore"
)

// runsHandler dispatches /api/runs: GET lists, POST triggers
func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.listRuns(w, r)
		case http.MethodPost:
			s.triggerRun(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "GET or POST only")
		}
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := runstore.ListOptions{
		Owner: q.Get("owner"),
		Repo:  q.Get("repo"),
	}
	if v := q.Get("pr"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad pr number")
			return
		}
		opts.PRNumber = n
	}
	if v := q.Get("status"); v != "" {
		st := domain.RunStatus(v)
		if !domain.ValidStatus(st) {
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		opts.Status = st
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		opts.Limit = n
	}

	runs, err := s.registry.List(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "GET only")
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		run, err := s.registry.Get(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, "no such run")
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}
