package sandbox

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/vcs"
)

// DefaultIgnoreGlobs are excluded when copying a source tree into a
// sandbox. Dependency and build-output directories dwarf the code they
// support and the agent regenerates them anyway.
var DefaultIgnoreGlobs = []string{
	"**/node_modules/**",
	"**/__pycache__/**",
	"**/.venv/**",
	"**/.tox/**",
	"**/dist/**",
	"**/.DS_Store",
}

// templateIgnoreGlobs additionally strip VCS history when
// instantiating a template: a fresh repository gets a fresh history.
var templateIgnoreGlobs = []string{".git", ".git/**"}

// LocalProvider provisions sandboxes as directories under a root on
// the local filesystem.
type LocalProvider struct {
	root   string
	git    *vcs.Git
	logger *slog.Logger
	ignore []string
}

// LocalOption customises a LocalProvider.
type LocalOption func(*LocalProvider)

// WithIgnoreGlobs replaces the default copy-exclusion patterns.
func WithIgnoreGlobs(globs ...string) LocalOption {
	return func(p *LocalProvider) {
		p.ignore = globs
	}
}

// NewLocalProvider creates a provider rooted at dir.
func NewLocalProvider(root string, git *vcs.Git, logger *slog.Logger, opts ...LocalOption) *LocalProvider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &LocalProvider{
		root:   root,
		git:    git,
		logger: logger,
		ignore: DefaultIgnoreGlobs,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Create provisions a sandbox for the work order's workspace source.
// Every sandbox ends up as a git repository so before-state capture
// and snapshots work uniformly across source types.
func (p *LocalProvider) Create(ctx context.Context, wo *order.WorkOrder) (*Sandbox, error) {
	id := uuid.NewString()
	dir := filepath.Join(p.root, id)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, creationFailed(wo.ID, err)
	}

	var err error
	switch wo.WorkspaceSource.Type {
	case order.SourceLocal:
		err = p.fromLocal(ctx, wo.WorkspaceSource.Path, dir)
	case order.SourceGitHub:
		err = p.fromClone(ctx, wo.WorkspaceSource, dir)
	case order.SourceGitHubNew:
		err = p.fromTemplate(ctx, wo.WorkspaceSource, dir)
	default:
		err = fmt.Errorf("unknown workspace source type %q", wo.WorkspaceSource.Type)
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, creationFailed(wo.ID, err)
	}

	if !p.git.IsRepo(ctx, dir) {
		if err := p.git.InitRepo(ctx, dir); err != nil {
			_ = os.RemoveAll(dir)
			return nil, creationFailed(wo.ID, err)
		}
	}

	sb := &Sandbox{
		ID:          id,
		WorkOrderID: wo.ID,
		Dir:         dir,
		Source:      wo.WorkspaceSource.Type,
		CreatedAt:   time.Now().UTC(),
	}
	p.logger.Info("sandbox created",
		"sandboxId", sb.ID,
		"workOrderId", wo.ID,
		"source", sb.Source,
		"dir", dir)
	return sb, nil
}

// Destroy removes the sandbox directory. Removing a directory that is
// already gone is a no-op, so repeated destruction is safe, and
// removing it under a live command makes that command fail promptly.
// The cancellation path relies on both.
func (p *LocalProvider) Destroy(_ context.Context, sb *Sandbox) error {
	if sb == nil {
		return nil
	}
	if err := os.RemoveAll(sb.Dir); err != nil {
		p.logger.Warn("sandbox destroy failed",
			"sandboxId", sb.ID,
			"dir", sb.Dir,
			"error", err)
		return fmt.Errorf("destroy sandbox %s: %w", sb.ID, err)
	}
	p.logger.Info("sandbox destroyed", "sandboxId", sb.ID, "workOrderId", sb.WorkOrderID)
	return nil
}

func (p *LocalProvider) fromLocal(_ context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("source path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path %s is not a directory", src)
	}
	return copyTree(src, dst, p.ignore)
}

func (p *LocalProvider) fromClone(ctx context.Context, ws order.WorkspaceSource, dst string) error {
	url := fmt.Sprintf("https://github.com/%s/%s.git", ws.Owner, ws.Repo)
	return p.git.Clone(ctx, url, ws.Ref, dst)
}

func (p *LocalProvider) fromTemplate(_ context.Context, ws order.WorkspaceSource, dst string) error {
	if ws.Template == "" {
		return nil
	}
	info, err := os.Stat(ws.Template)
	if err != nil {
		return fmt.Errorf("template path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("template path %s is not a directory", ws.Template)
	}
	ignore := append(append([]string{}, p.ignore...), templateIgnoreGlobs...)
	return copyTree(ws.Template, dst, ignore)
}

func creationFailed(workOrderID string, cause error) *gateerrors.GateError {
	return &gateerrors.GateError{
		Code:  gateerrors.CodeSandboxCreationFailed,
		What:  fmt.Sprintf("failed to create sandbox for work order %s", workOrderID),
		Why:   "The workspace source could not be provisioned",
		Fix:   "Check that the source path, repository, or template exists and is reachable",
		Cause: cause,
	}
}

// copyTree copies src into dst, skipping any path whose slash-form
// relative path matches an ignore glob. Symlinks are copied as links.
func copyTree(src, dst string, ignore []string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		relSlash := filepath.ToSlash(rel)
		for _, pattern := range ignore {
			if ok, _ := doublestar.Match(pattern, relSlash); ok {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
