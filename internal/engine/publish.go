package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/gate"
	"github.com/agentgate/agentgate/internal/hosting"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/vcs"

	// Provider constructors register themselves at init.
	_ "github.com/agentgate/agentgate/internal/hosting/github"
	_ "github.com/agentgate/agentgate/internal/hosting/gitlab"
)

// hostingConfig maps the engine's configuration section onto the
// hosting package's config.
func hostingConfig(hc config.HostingConfig) hosting.Config {
	return hosting.Config{
		Provider:    hc.Provider,
		BaseURL:     hc.BaseURL,
		TokenEnvVar: hc.TokenEnvVar,
	}
}

// publisher pushes a passed run's branch and opens a pull request
// against its hosting provider.
type publisher struct {
	git    *vcs.Git
	cfg    hosting.Config
	logger *slog.Logger
}

func newPublisher(git *vcs.Git, cfg hosting.Config, logger *slog.Logger) *publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &publisher{git: git, cfg: cfg, logger: logger}
}

// publish pushes run.Branch and opens (or reuses) a pull request for
// it. For github-new workspaces with no remote yet it creates the
// repository first. Returns the PR URL.
func (p *publisher) publish(ctx context.Context, wo *order.WorkOrder, run *order.Run, dir string) (string, error) {
	provider, err := p.resolveProvider(ctx, wo, dir)
	if err != nil {
		return "", err
	}

	if run.Branch == "" {
		return "", fmt.Errorf("run has no branch to publish")
	}
	if err := p.git.Push(ctx, dir, "origin", run.Branch); err != nil {
		return "", fmt.Errorf("push branch %s: %w", run.Branch, err)
	}

	base := baseBranch(wo, run)

	// A retry of the same run branch reuses its open PR.
	if pr, err := provider.FindPRByBranch(ctx, run.Branch); err == nil {
		p.logger.Info("reusing open pull request",
			"runId", run.ID, "branch", run.Branch, "url", pr.HTMLURL)
		return pr.HTMLURL, nil
	} else if !errors.Is(err, hosting.ErrNoPRFound) {
		return "", fmt.Errorf("look up pull request for %s: %w", run.Branch, err)
	}

	pr, err := provider.CreatePR(ctx, hosting.PRCreateOptions{
		Title: prTitle(wo),
		Body:  prBody(wo, run),
		Head:  run.Branch,
		Base:  base,
	})
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	return pr.HTMLURL, nil
}

// resolveProvider finds the hosting provider for the sandbox. A
// github-new workspace without an origin remote gets its repository
// created and wired up here.
func (p *publisher) resolveProvider(ctx context.Context, wo *order.WorkOrder, dir string) (hosting.Provider, error) {
	ws := wo.WorkspaceSource
	if ws.Type == order.SourceGitHubNew && p.git.RemoteURL(ctx, dir, "origin") == "" {
		provider, err := hosting.NewProviderFor(hosting.ProviderGitHub, p.cfg, ws.Owner, ws.RepoName)
		if err != nil {
			return nil, err
		}
		repo, err := provider.CreateRepo(ctx, hosting.RepoCreateOptions{
			Name:        ws.RepoName,
			Owner:       ws.Owner,
			Private:     ws.Private,
			Description: firstLine(wo.TaskPrompt),
		})
		if err != nil {
			return nil, fmt.Errorf("create repository %s/%s: %w", ws.Owner, ws.RepoName, err)
		}
		if err := p.git.AddRemote(ctx, dir, "origin", repo.CloneURL); err != nil {
			return nil, fmt.Errorf("add origin remote: %w", err)
		}
		return provider, nil
	}
	return hosting.NewProvider(dir, p.cfg)
}

// baseBranch picks the PR target: the requested ref, else the branch
// the sandbox started on, else main.
func baseBranch(wo *order.WorkOrder, run *order.Run) string {
	if wo.WorkspaceSource.Ref != "" {
		return wo.WorkspaceSource.Ref
	}
	if run.Before != nil && run.Before.Branch != "" && run.Before.Branch != "HEAD" {
		return run.Before.Branch
	}
	return "main"
}

const maxTitleLen = 72

// prTitle derives the PR title from the task prompt's first line.
func prTitle(wo *order.WorkOrder) string {
	title := firstLine(wo.TaskPrompt)
	if title == "" {
		title = fmt.Sprintf("Automated changes for work order %s", wo.ID)
	}
	if len(title) > maxTitleLen {
		title = strings.TrimSpace(title[:maxTitleLen-3]) + "..."
	}
	return title
}

// prBody summarises the run for reviewers.
func prBody(wo *order.WorkOrder, run *order.Run) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Automated changes produced by work order `%s`.\n\n", wo.ID)
	fmt.Fprintf(&sb, "- Run: `%s`\n", run.ID)
	fmt.Fprintf(&sb, "- Iterations: %d of %d\n", len(run.Iterations), run.MaxIterations)
	fmt.Fprintf(&sb, "- Verification: %s\n", string(run.Result))
	if run.Tokens.TotalTokens > 0 {
		fmt.Fprintf(&sb, "- Tokens: %d in, %d out\n", run.Tokens.InputTokens, run.Tokens.OutputTokens)
	}
	sb.WriteString("\n## Task\n\n")
	prompt := wo.TaskPrompt
	if len(prompt) > 2000 {
		prompt = prompt[:2000] + "\n\n[truncated]"
	}
	sb.WriteString(prompt)
	sb.WriteString("\n")
	return sb.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// ciSource adapts a hosting provider to the ci-poll gate. The provider
// resolves lazily on first use so runs without ci-poll gates never
// touch the remote.
type ciSource struct {
	dir string
	cfg hosting.Config

	mu       sync.Mutex
	provider hosting.Provider
}

func newCISource(dir string, cfg hosting.Config) *ciSource {
	return &ciSource{dir: dir, cfg: cfg}
}

// Statuses implements gate.CIStatusSource.
func (s *ciSource) Statuses(ctx context.Context, sha string) ([]gate.CIStatus, error) {
	provider, err := s.resolve()
	if err != nil {
		return nil, err
	}
	checks, err := provider.GetCheckRuns(ctx, sha)
	if err != nil {
		return nil, err
	}
	statuses := make([]gate.CIStatus, 0, len(checks))
	for _, cr := range checks {
		statuses = append(statuses, gate.CIStatus{
			Name:      cr.Name,
			Completed: cr.Completed(),
			Passed:    cr.Passed(),
			Detail:    cr.Conclusion,
		})
	}
	return statuses, nil
}

func (s *ciSource) resolve() (hosting.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider != nil {
		return s.provider, nil
	}
	provider, err := hosting.NewProvider(s.dir, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve hosting provider: %w", err)
	}
	s.provider = provider
	return provider, nil
}
