package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/gate"
	"github.com/agentgate/agentgate/internal/hosting"
	"github.com/agentgate/agentgate/internal/order"
)

func TestPRTitle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{
			name:   "first line of a multiline prompt",
			prompt: "Fix the login redirect\n\nUsers end up on a 404 after OAuth.",
			want:   "Fix the login redirect",
		},
		{
			name:   "single line trimmed",
			prompt: "  Add retry to the uploader  ",
			want:   "Add retry to the uploader",
		},
		{
			name:   "empty prompt falls back to the work order id",
			prompt: "   \n\n",
			want:   "Automated changes for work order wo-42",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wo := &order.WorkOrder{ID: "wo-42", TaskPrompt: tt.prompt}
			assert.Equal(t, tt.want, prTitle(wo))
		})
	}

	t.Run("long titles are truncated", func(t *testing.T) {
		wo := &order.WorkOrder{ID: "wo-42", TaskPrompt: strings.Repeat("a", 100)}
		title := prTitle(wo)
		assert.Equal(t, strings.Repeat("a", 69)+"...", title)
		assert.Len(t, title, maxTitleLen)
	})
}

func TestPRBody(t *testing.T) {
	t.Parallel()
	wo := &order.WorkOrder{ID: "wo-1", TaskPrompt: "Fix the login flow"}
	run := &order.Run{
		ID:            "run-1",
		MaxIterations: 5,
		Result:        order.ResultPassed,
		Iterations:    make([]order.IterationData, 2),
		Tokens:        order.TokenUsage{InputTokens: 1200, OutputTokens: 300, TotalTokens: 1500},
	}

	body := prBody(wo, run)
	assert.Contains(t, body, "work order `wo-1`")
	assert.Contains(t, body, "- Run: `run-1`")
	assert.Contains(t, body, "- Iterations: 2 of 5")
	assert.Contains(t, body, "- Verification: PASSED")
	assert.Contains(t, body, "- Tokens: 1200 in, 300 out")
	assert.Contains(t, body, "## Task")
	assert.Contains(t, body, "Fix the login flow")

	t.Run("token line omitted when nothing was counted", func(t *testing.T) {
		empty := &order.Run{ID: "run-2", MaxIterations: 3}
		assert.NotContains(t, prBody(wo, empty), "Tokens:")
	})

	t.Run("very long prompts are truncated", func(t *testing.T) {
		long := &order.WorkOrder{ID: "wo-1", TaskPrompt: strings.Repeat("x", 2100)}
		assert.Contains(t, prBody(long, run), "[truncated]")
	})
}

func TestFirstLine(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello world", firstLine("  hello world  \nrest"))
	assert.Equal(t, "single", firstLine("single"))
	assert.Equal(t, "", firstLine(""))
	assert.Equal(t, "", firstLine("\n\n"))
}

func TestBaseBranch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		ref    string
		before *order.BeforeState
		want   string
	}{
		{"workspace ref wins", "release/2.0", &order.BeforeState{Branch: "feature"}, "release/2.0"},
		{"falls back to the pre-run branch", "", &order.BeforeState{Branch: "feature"}, "feature"},
		{"detached head is not a base", "", &order.BeforeState{Branch: "HEAD"}, "main"},
		{"no before state", "", nil, "main"},
		{"empty before branch", "", &order.BeforeState{}, "main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wo := &order.WorkOrder{WorkspaceSource: order.WorkspaceSource{Ref: tt.ref}}
			run := &order.Run{Before: tt.before}
			assert.Equal(t, tt.want, baseBranch(wo, run))
		})
	}
}

func TestHostingConfig(t *testing.T) {
	t.Parallel()
	got := hostingConfig(config.HostingConfig{
		Provider:    "gitlab",
		BaseURL:     "https://git.example.com",
		TokenEnvVar: "CUSTOM_TOKEN",
	})
	assert.Equal(t, hosting.Config{
		Provider:    "gitlab",
		BaseURL:     "https://git.example.com",
		TokenEnvVar: "CUSTOM_TOKEN",
	}, got)
}

// stubProvider satisfies hosting.Provider for ci-poll tests.
type stubProvider struct {
	checks    []hosting.CheckRun
	checksErr error
}

func (s *stubProvider) CreatePR(context.Context, hosting.PRCreateOptions) (*hosting.PR, error) {
	return nil, errors.New("not implemented")
}

func (s *stubProvider) FindPRByBranch(context.Context, string) (*hosting.PR, error) {
	return nil, hosting.ErrNoPRFound
}

func (s *stubProvider) GetCheckRuns(context.Context, string) ([]hosting.CheckRun, error) {
	return s.checks, s.checksErr
}

func (s *stubProvider) CreateRepo(context.Context, hosting.RepoCreateOptions) (*hosting.Repo, error) {
	return nil, hosting.ErrRepoCreationNotSupported
}

func (s *stubProvider) CheckAuth(context.Context) error { return nil }

func (s *stubProvider) Name() hosting.ProviderType { return hosting.ProviderGitHub }

func (s *stubProvider) OwnerRepo() (string, string) { return "acme", "widget" }

func TestCISourceStatuses(t *testing.T) {
	t.Parallel()
	src := newCISource(t.TempDir(), hosting.Config{})
	src.provider = &stubProvider{checks: []hosting.CheckRun{
		{Name: "build", Status: "completed", Conclusion: "success"},
		{Name: "lint", Status: "in_progress"},
		{Name: "e2e", Status: "completed", Conclusion: "failure"},
	}}

	statuses, err := src.Statuses(context.Background(), "abc123")
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.Equal(t, gate.CIStatus{Name: "build", Completed: true, Passed: true, Detail: "success"}, statuses[0])
	assert.Equal(t, gate.CIStatus{Name: "lint"}, statuses[1])
	assert.Equal(t, gate.CIStatus{Name: "e2e", Completed: true, Detail: "failure"}, statuses[2])
}

func TestCISourceStatusesError(t *testing.T) {
	t.Parallel()
	src := newCISource(t.TempDir(), hosting.Config{})
	src.provider = &stubProvider{checksErr: errors.New("api rate limited")}

	_, err := src.Statuses(context.Background(), "abc123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}
