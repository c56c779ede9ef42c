package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/order"
)

// Snapshotter records the workspace state after a build iteration.
type Snapshotter interface {
	Capture(ctx context.Context, dir, runID string, iteration int, before order.BeforeState) (*order.Snapshot, error)
}

// GitSnapshotter commits whatever the agent left in the working tree
// and measures the diff against the before-state.
type GitSnapshotter struct {
	git    *Git
	logger *slog.Logger
}

// NewSnapshotter creates a GitSnapshotter.
func NewSnapshotter(git *Git, logger *slog.Logger) *GitSnapshotter {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitSnapshotter{git: git, logger: logger}
}

// Capture stages and commits the agent's changes, then computes diff
// statistics from the before-state SHA to the new HEAD. Agents that
// commit their own work leave a clean tree; the diff still covers
// their commits because it spans before..HEAD rather than the last
// commit alone.
func (s *GitSnapshotter) Capture(ctx context.Context, dir, runID string, iteration int, before order.BeforeState) (*order.Snapshot, error) {
	if err := s.git.StageAll(ctx, dir); err != nil {
		return nil, err
	}

	message := fmt.Sprintf("Agent changes (iteration %d)", iteration)
	afterSHA, err := s.git.Commit(ctx, dir, message)
	if errors.Is(err, ErrNothingToCommit) {
		message = ""
		afterSHA, err = s.git.HeadSHA(ctx, dir)
		if err != nil {
			// No commits at all: nothing changed since an empty
			// before-state.
			afterSHA = before.SHA
			err = nil
		}
	}
	if err != nil {
		return nil, err
	}

	branch, err := s.git.CurrentBranch(ctx, dir)
	if err != nil {
		branch = before.Branch
	}

	snap := &order.Snapshot{
		ID:            uuid.NewString(),
		RunID:         runID,
		Iteration:     iteration,
		BeforeSHA:     before.SHA,
		AfterSHA:      afterSHA,
		Branch:        branch,
		CommitMessage: message,
		CreatedAt:     time.Now().UTC(),
	}

	if afterSHA != "" && afterSHA != before.SHA {
		files, ins, dels, err := s.git.DiffStats(ctx, dir, before.SHA, afterSHA)
		if err != nil {
			return nil, err
		}
		snap.FilesChanged = files
		snap.Insertions = ins
		snap.Deletions = dels
	}

	s.logger.Debug("captured snapshot",
		"runId", runID,
		"iteration", iteration,
		"filesChanged", snap.FilesChanged,
		"afterSha", afterSHA)
	return snap, nil
}
