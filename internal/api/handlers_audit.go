package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/agentgate/agentgate/internal/audit"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/storage"
)

// auditTimeline is the payload of GET /api/v1/audit/runs/{runId}.
type auditTimeline struct {
	RunID       string         `json:"runId"`
	WorkOrderID string         `json:"workOrderId"`
	Events      []*audit.Event `json:"events"`
}

// handleAuditTimeline returns the audit events for the work order a
// run belongs to, in insertion order.
func (s *Server) handleAuditTimeline(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	run, err := s.engine.Status(runID)
	if err != nil {
		handleError(w, err)
		return
	}

	evs := s.auditLog.WorkOrderTimeline(run.WorkOrderID)
	if evs == nil {
		evs = []*audit.Event{}
	}
	writeData(w, http.StatusOK, auditTimeline{
		RunID:       runID,
		WorkOrderID: run.WorkOrderID,
		Events:      evs,
	})
}

// snapshotList is the payload of GET /api/v1/audit/runs/{runId}/snapshots.
type snapshotList struct {
	RunID     string            `json:"runId"`
	Snapshots []*order.Snapshot `json:"snapshots"`
}

// handleAuditSnapshots returns the per-iteration snapshots captured
// for a run, or a single one when ?iteration= is given.
func (s *Server) handleAuditSnapshots(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	run, err := s.engine.Status(runID)
	if err != nil {
		handleError(w, err)
		return
	}

	if raw := r.URL.Query().Get("iteration"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			handleError(w, &gateerrors.GateError{
				Code: gateerrors.CodeValidationFailed,
				What: "iteration must be a positive integer",
			})
			return
		}
		var snap order.Snapshot
		if err := s.store.LoadArtifact(runID, storage.ArtifactSnapshot, n, &snap); err != nil {
			handleError(w, &gateerrors.GateError{
				Code: gateerrors.CodeRunNotFound,
				What: fmt.Sprintf("no snapshot for run %s iteration %d", runID, n),
			})
			return
		}
		writeData(w, http.StatusOK, snapshotList{RunID: runID, Snapshots: []*order.Snapshot{&snap}})
		return
	}

	snaps := s.loadSnapshots(runID, run.Iteration)
	writeData(w, http.StatusOK, snapshotList{RunID: runID, Snapshots: snaps})
}

// changeSummary is the payload of GET /api/v1/audit/runs/{runId}/changes:
// the run's workspace changes aggregated across iterations.
type changeSummary struct {
	RunID        string            `json:"runId"`
	Branch       string            `json:"branch,omitempty"`
	FilesChanged int               `json:"filesChanged"`
	Insertions   int               `json:"insertions"`
	Deletions    int               `json:"deletions"`
	Iterations   []*order.Snapshot `json:"iterations"`
}

// handleAuditChanges aggregates the run's snapshots into a change
// summary.
func (s *Server) handleAuditChanges(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	run, err := s.engine.Status(runID)
	if err != nil {
		handleError(w, err)
		return
	}

	snaps := s.loadSnapshots(runID, run.Iteration)
	summary := changeSummary{RunID: runID, Branch: run.Branch, Iterations: snaps}
	for _, snap := range snaps {
		summary.FilesChanged += snap.FilesChanged
		summary.Insertions += snap.Insertions
		summary.Deletions += snap.Deletions
	}
	writeData(w, http.StatusOK, summary)
}

// loadSnapshots collects the snapshot artifacts for iterations 1..n.
// Iterations that failed before the snapshot phase leave gaps, which
// are skipped.
func (s *Server) loadSnapshots(runID string, n int) []*order.Snapshot {
	snaps := []*order.Snapshot{}
	for i := 1; i <= n; i++ {
		var snap order.Snapshot
		if err := s.store.LoadArtifact(runID, storage.ArtifactSnapshot, i, &snap); err != nil {
			continue
		}
		snaps = append(snaps, &snap)
	}
	return snaps
}
