package storage

import (
	"os"
	"time"

	"github.com/agentgate/agentgate/internal/order"
)

// PurgeOptions selects which terminal work orders to remove.
type PurgeOptions struct {
	// Statuses restricts purging to these terminal statuses. Empty
	// means all terminal statuses.
	Statuses []order.Status
	// OlderThan keeps orders whose terminal timestamp is within this
	// window. Zero purges regardless of age.
	OlderThan time.Duration
	// DryRun reports candidates without deleting anything.
	DryRun bool
}

// PurgeResult reports what a purge did (or would do, for dry runs).
type PurgeResult struct {
	Candidates []string `json:"candidates"`
	Removed    int      `json:"removed"`
	DryRun     bool     `json:"dryRun"`
}

// Purge removes terminal work orders matching opts, along with the run
// artifacts of each removed order. Non-terminal orders are never
// touched, whatever the options say.
func (s *Store) Purge(opts PurgeOptions, now time.Time) (*PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.AllIDs()
	if err != nil {
		return nil, err
	}

	statuses := opts.Statuses
	if len(statuses) == 0 {
		statuses = []order.Status{order.StatusCompleted, order.StatusFailed, order.StatusCanceled}
	}

	result := &PurgeResult{DryRun: opts.DryRun}
	for _, id := range ids {
		wo, err := s.Load(id)
		if err != nil {
			continue
		}
		if !wo.Status.IsTerminal() || !statusIn(wo.Status, statuses) {
			continue
		}
		if opts.OlderThan > 0 && now.Sub(terminalTime(wo)) < opts.OlderThan {
			continue
		}

		result.Candidates = append(result.Candidates, id)
		if opts.DryRun {
			continue
		}
		if err := os.Remove(s.orderPath(id)); err != nil {
			return result, err
		}
		if wo.RunID != "" {
			if err := s.DeleteRunArtifacts(wo.RunID); err != nil {
				return result, err
			}
		}
		result.Removed++
	}
	return result, nil
}

func statusIn(st order.Status, set []order.Status) bool {
	for _, s := range set {
		if st == s {
			return true
		}
	}
	return false
}

// terminalTime returns when the order reached its terminal state,
// falling back to last activity for records written before completedAt
// existed.
func terminalTime(wo *order.WorkOrder) time.Time {
	if wo.CompletedAt != nil {
		return *wo.CompletedAt
	}
	return wo.LastActivityAt
}
