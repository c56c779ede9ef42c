package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
)

func testSnapshot() *order.Snapshot {
	return &order.Snapshot{
		ID:        "snap-1",
		RunID:     "run-1",
		Iteration: 2,
	}
}

func TestCommandVerifier_AllChecksPass(t *testing.T) {
	t.Parallel()
	v := NewCommandVerifier(nil)

	plan := Plan{Levels: []LevelPlan{
		{Level: order.LevelContract, Checks: []CheckPlan{{Name: "build", Command: "true"}}},
		{Level: order.LevelTest, Checks: []CheckPlan{{Name: "unit", Command: "echo ok"}}},
	}}

	report, err := v.Verify(context.Background(), t.TempDir(), testSnapshot(), plan)
	require.NoError(t, err)

	assert.True(t, report.Passed)
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, 2, report.Iteration)
	require.Len(t, report.Levels, 4, "all four levels appear even when some have no checks")
	for _, level := range report.Levels {
		assert.True(t, level.Passed, "level %s", level.Level)
	}
	assert.Empty(t, report.Diagnostics)
}

func TestCommandVerifier_FailingCheckCapturesOutput(t *testing.T) {
	t.Parallel()
	v := NewCommandVerifier(nil)

	plan := Plan{Levels: []LevelPlan{
		{Level: order.LevelLint, Checks: []CheckPlan{
			{Name: "style", Command: "echo unused variable x; exit 1"},
		}},
	}}

	report, err := v.Verify(context.Background(), t.TempDir(), testSnapshot(), plan)
	require.NoError(t, err, "failing checks are data, not errors")

	assert.False(t, report.Passed)
	failed := report.FailedChecks()
	require.Len(t, failed, 1)
	assert.Equal(t, "style", failed[0].Name)
	assert.Contains(t, failed[0].Details, "unused variable x")
	assert.Contains(t, report.Diagnostics, "L1")
}

func TestCommandVerifier_CheckTimeout(t *testing.T) {
	t.Parallel()
	v := NewCommandVerifier(nil, WithCheckTimeout(50*time.Millisecond))

	plan := Plan{Levels: []LevelPlan{
		{Level: order.LevelTest, Checks: []CheckPlan{{Name: "slow", Command: "sleep 5"}}},
	}}

	report, err := v.Verify(context.Background(), t.TempDir(), testSnapshot(), plan)
	require.NoError(t, err)

	assert.False(t, report.Passed)
	failed := report.FailedChecks()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Details, "[TIMEOUT]")
}

func TestCommandVerifier_EmptyPlanPasses(t *testing.T) {
	t.Parallel()
	v := NewCommandVerifier(nil)

	report, err := v.Verify(context.Background(), t.TempDir(), testSnapshot(), Plan{})
	require.NoError(t, err)

	assert.True(t, report.Passed)
	assert.Len(t, report.Levels, 4)
}

func TestCommandVerifier_RunsInWorkspaceDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))

	v := NewCommandVerifier(nil)
	plan := Plan{Levels: []LevelPlan{
		{Level: order.LevelContract, Checks: []CheckPlan{{Name: "marker", Command: "test -f marker.txt"}}},
	}}

	report, err := v.Verify(context.Background(), dir, testSnapshot(), plan)
	require.NoError(t, err)
	assert.True(t, report.Passed)
}

func TestDetectPlan_GoProject(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x"), 0o644))

	plan := DetectPlan(dir)
	require.Len(t, plan.Levels, 3)
	assert.Equal(t, order.LevelContract, plan.Levels[0].Level)
	assert.Equal(t, "go build ./...", plan.Levels[0].Checks[0].Command)
	assert.Equal(t, "go test ./...", plan.Levels[2].Checks[0].Command)
	assert.False(t, plan.Empty())
}

func TestDetectPlan_UnknownProject(t *testing.T) {
	t.Parallel()
	plan := DetectPlan(t.TempDir())
	assert.True(t, plan.Empty())
}

func TestFailureCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level order.VerificationLevel
		want  gateerrors.Code
	}{
		{order.LevelContract, gateerrors.CodeTypecheckFailed},
		{order.LevelLint, gateerrors.CodeLintFailed},
		{order.LevelTest, gateerrors.CodeTestFailed},
		{order.LevelIntegration, gateerrors.CodeBlackboxFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FailureCode(tt.level))
	}
}
