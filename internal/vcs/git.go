package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentgate/agentgate/internal/order"
)

// emptyTreeSHA is git's well-known empty tree object, used to diff
// against when a repository has no commits yet.
const emptyTreeSHA = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// ErrNothingToCommit is returned by Commit when the working tree is
// clean and no commit was created.
var ErrNothingToCommit = errors.New("nothing to commit")

// Git runs git operations against arbitrary working directories.
type Git struct {
	runner CommandRunner
	logger *slog.Logger
}

// New creates a Git using the given runner. A nil runner defaults to
// ExecRunner.
func New(runner CommandRunner, logger *slog.Logger) *Git {
	if runner == nil {
		runner = NewExecRunner()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{runner: runner, logger: logger}
}

// Clone clones url into dir. When ref is non-empty the clone checks
// out that branch or tag. The clone gets a local committer identity if
// none is configured, so snapshot commits never fail on identity.
func (g *Git) Clone(ctx context.Context, url, ref, dir string) error {
	args := []string{"clone"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, url, dir)

	if _, err := g.runner.Run(ctx, "", "git", args...); err != nil {
		return fmt.Errorf("clone %s: %w", url, err)
	}
	g.logger.Debug("cloned repository", "url", url, "ref", ref, "dir", dir)
	return g.ensureIdentity(ctx, dir)
}

// InitRepo initializes dir as a fresh repository and creates the
// initial commit from whatever files are already present.
func (g *Git) InitRepo(ctx context.Context, dir string) error {
	if _, err := g.runner.Run(ctx, dir, "git", "init"); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := g.ensureIdentity(ctx, dir); err != nil {
		return err
	}
	if _, err := g.runner.Run(ctx, dir, "git", "add", "-A"); err != nil {
		return fmt.Errorf("stage initial files: %w", err)
	}
	if _, err := g.runner.Run(ctx, dir, "git", "commit", "--allow-empty", "-m", "Initial commit"); err != nil {
		return fmt.Errorf("initial commit: %w", err)
	}
	g.logger.Debug("initialized repository", "dir", dir)
	return nil
}

// IsRepo reports whether dir is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context, dir string) bool {
	out, err := g.runner.Run(ctx, dir, "git", "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// HeadSHA returns the commit hash of HEAD. It fails on an unborn
// branch; BeforeState tolerates that case.
func (g *Git) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := g.runner.Run(ctx, dir, "git", "rev-parse", "--verify", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return out, nil
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when
// detached.
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := g.runner.Run(ctx, dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve branch: %w", err)
	}
	return out, nil
}

// IsDirty reports whether the working tree has uncommitted changes,
// including untracked files.
func (g *Git) IsDirty(ctx context.Context, dir string) (bool, error) {
	out, err := g.runner.Run(ctx, dir, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return out != "", nil
}

// BeforeState captures the SHA, branch, and dirty flag of dir prior to
// an agent run. A repository with no commits yields an empty SHA.
func (g *Git) BeforeState(ctx context.Context, dir string) (order.BeforeState, error) {
	dirty, err := g.IsDirty(ctx, dir)
	if err != nil {
		return order.BeforeState{}, err
	}
	state := order.BeforeState{Dirty: dirty}
	if sha, err := g.HeadSHA(ctx, dir); err == nil {
		state.SHA = sha
	}
	if branch, err := g.CurrentBranch(ctx, dir); err == nil {
		state.Branch = branch
	}
	return state, nil
}

// CreateBranch creates and checks out a new branch.
func (g *Git) CreateBranch(ctx context.Context, dir, name string) error {
	if _, err := g.runner.Run(ctx, dir, "git", "checkout", "-b", name); err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// Checkout switches the working tree to ref.
func (g *Git) Checkout(ctx context.Context, dir, ref string) error {
	if _, err := g.runner.Run(ctx, dir, "git", "checkout", ref); err != nil {
		return fmt.Errorf("checkout %s: %w", ref, err)
	}
	return nil
}

// StageAll stages every change in the working tree, deletions and
// untracked files included.
func (g *Git) StageAll(ctx context.Context, dir string) error {
	if _, err := g.runner.Run(ctx, dir, "git", "add", "-A"); err != nil {
		return fmt.Errorf("stage all: %w", err)
	}
	return nil
}

// Commit commits staged changes and returns the new HEAD SHA. A clean
// tree returns ErrNothingToCommit.
func (g *Git) Commit(ctx context.Context, dir, message string) (string, error) {
	out, err := g.runner.Run(ctx, dir, "git", "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") || strings.Contains(out, "nothing added to commit") {
			return "", ErrNothingToCommit
		}
		return "", fmt.Errorf("commit: %w", err)
	}
	return g.HeadSHA(ctx, dir)
}

// Push pushes branch to remote, setting the upstream.
func (g *Git) Push(ctx context.Context, dir, remote, branch string) error {
	if _, err := g.runner.Run(ctx, dir, "git", "push", "-u", remote, branch); err != nil {
		return fmt.Errorf("push %s to %s: %w", branch, remote, err)
	}
	return nil
}

// AddRemote registers a named remote URL.
func (g *Git) AddRemote(ctx context.Context, dir, name, url string) error {
	if _, err := g.runner.Run(ctx, dir, "git", "remote", "add", name, url); err != nil {
		return fmt.Errorf("add remote %s: %w", name, err)
	}
	return nil
}

// RemoteURL returns the URL of a named remote, or an empty string when
// the remote does not exist.
func (g *Git) RemoteURL(ctx context.Context, dir, name string) string {
	out, err := g.runner.Run(ctx, dir, "git", "remote", "get-url", name)
	if err != nil {
		return ""
	}
	return out
}

var shortstatRe = regexp.MustCompile(`(\d+) files? changed(?:, (\d+) insertions?\(\+\))?(?:, (\d+) deletions?\(-\))?`)

// DiffStats returns files changed, insertions, and deletions between
// two commits. An empty "from" diffs against the empty tree, covering
// repositories whose first commit is the snapshot itself.
func (g *Git) DiffStats(ctx context.Context, dir, from, to string) (files, insertions, deletions int, err error) {
	if from == "" {
		from = emptyTreeSHA
	}
	out, err := g.runner.Run(ctx, dir, "git", "diff", "--shortstat", from, to)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("diff %s..%s: %w", from, to, err)
	}
	if out == "" {
		return 0, 0, 0, nil
	}
	m := shortstatRe.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, 0, fmt.Errorf("unexpected diff output: %q", out)
	}
	files, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		insertions, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		deletions, _ = strconv.Atoi(m[3])
	}
	return files, insertions, deletions, nil
}

// ensureIdentity sets a local committer identity when none is
// configured, so commits in server environments do not fail.
func (g *Git) ensureIdentity(ctx context.Context, dir string) error {
	if _, err := g.runner.Run(ctx, dir, "git", "config", "user.email"); err == nil {
		return nil
	}
	if _, err := g.runner.Run(ctx, dir, "git", "config", "user.name", "AgentGate"); err != nil {
		return fmt.Errorf("set committer name: %w", err)
	}
	if _, err := g.runner.Run(ctx, dir, "git", "config", "user.email", "agentgate@localhost"); err != nil {
		return fmt.Errorf("set committer email: %w", err)
	}
	return nil
}
