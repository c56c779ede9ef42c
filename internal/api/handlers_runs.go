package api

import (
	"net/http"
	"sort"

	"github.com/agentgate/agentgate/internal/order"
)

// runList is the payload of GET /api/v1/runs.
type runList struct {
	Runs   []*order.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// handleListRuns merges in-flight runs with persisted ones, newest
// first. The live snapshot wins when a run appears in both sets.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		handleError(w, err)
		return
	}

	active := s.engine.ActiveRuns()
	seen := make(map[string]bool, len(active))
	for _, run := range active {
		seen[run.ID] = true
	}

	persisted, err := s.store.ListRuns()
	if err != nil {
		handleError(w, err)
		return
	}

	runs := active
	for _, run := range persisted {
		if !seen[run.ID] {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	total := len(runs)
	if offset >= len(runs) {
		runs = nil
	} else {
		runs = runs[offset:]
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	if runs == nil {
		runs = []*order.Run{}
	}

	writeData(w, http.StatusOK, runList{Runs: runs, Total: total, Limit: limit, Offset: offset})
}

// handleGetRun returns one run: live snapshot if active, else the
// persisted record.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Status(r.PathValue("id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeData(w, http.StatusOK, run)
}

// handleGetRunConfig returns the resolved configuration for a run.
func (s *Server) handleGetRunConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.RunConfig(r.PathValue("id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeData(w, http.StatusOK, cfg)
}

// handleGetStrategyState reports the loop strategy's view of an
// active run.
func (s *Server) handleGetStrategyState(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.StrategyState(r.PathValue("id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeData(w, http.StatusOK, st)
}
