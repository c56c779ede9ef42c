package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/util"
)

// Per-iteration artifact kinds. Each iteration of a run leaves one
// file per kind: <kind>-<n>.json in the run directory.
const (
	ArtifactAgent        = "agent"
	ArtifactVerification = "verification"
	ArtifactSnapshot     = "snapshot"
	ArtifactIteration    = "iteration"

	// ArtifactConfig is written once per run, at iteration 0.
	ArtifactConfig = "config"
)

const runFileName = "run.json"

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.dataDir, RunsDir, runID)
}

// SaveRun persists the run record, creating the run directory on first
// write.
func (s *Store) SaveRun(run *order.Run) error {
	dir := s.runDir(run.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.ID, err)
	}
	if err := util.AtomicWriteFile(filepath.Join(dir, runFileName), data, 0o644); err != nil {
		return fmt.Errorf("write run %s: %w", run.ID, err)
	}
	return nil
}

// LoadRun reads a persisted run record.
func (s *Store) LoadRun(runID string) (*order.Run, error) {
	data, err := os.ReadFile(filepath.Join(s.runDir(runID), runFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gateerrors.ErrRunNotFound(runID)
		}
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}

	var run order.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, gateerrors.ErrCorruptRecord(runID, err)
	}
	return &run, nil
}

// ListRuns returns persisted runs sorted newest-first by start time.
// Corrupt run records are skipped.
func (s *Store) ListRuns() ([]*order.Run, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, RunsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs directory: %w", err)
	}

	var runs []*order.Run
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := s.LoadRun(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// SaveArtifact writes one per-iteration artifact file.
func (s *Store) SaveArtifact(runID, kind string, iteration int, payload any) error {
	dir := s.runDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s artifact: %w", kind, err)
	}
	name := fmt.Sprintf("%s-%d.json", kind, iteration)
	if err := util.AtomicWriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write %s artifact: %w", kind, err)
	}
	return nil
}

// LoadArtifact reads one per-iteration artifact into out.
func (s *Store) LoadArtifact(runID, kind string, iteration int, out any) error {
	name := fmt.Sprintf("%s-%d.json", kind, iteration)
	data, err := os.ReadFile(filepath.Join(s.runDir(runID), name))
	if err != nil {
		if os.IsNotExist(err) {
			return gateerrors.ErrRunNotFound(runID)
		}
		return fmt.Errorf("read %s artifact: %w", kind, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return gateerrors.ErrCorruptRecord(runID, err)
	}
	return nil
}

// DeleteRunArtifacts removes a run directory and everything in it.
func (s *Store) DeleteRunArtifacts(runID string) error {
	return os.RemoveAll(s.runDir(runID))
}
