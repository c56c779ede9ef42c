package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/vcs"
)

// fakeRunner satisfies vcs.CommandRunner without shelling out. It
// answers rev-parse probes from the repo flag and records everything
// else.
type fakeRunner struct {
	mu    sync.Mutex
	repo  bool
	calls [][]string
}

func (f *fakeRunner) Run(_ context.Context, _ string, _ string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()

	joined := strings.Join(args, " ")
	switch {
	case strings.HasPrefix(joined, "rev-parse --is-inside-work-tree"):
		if f.repo {
			return "true", nil
		}
		return "", errors.New("not a git repository")
	case strings.HasPrefix(joined, "init"):
		f.mu.Lock()
		f.repo = true
		f.mu.Unlock()
	}
	return "", nil
}

func (f *fakeRunner) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, args := range f.calls {
		if strings.HasPrefix(strings.Join(args, " "), prefix) {
			return true
		}
	}
	return false
}

func newTestProvider(t *testing.T, runner *fakeRunner) *LocalProvider {
	t.Helper()
	return NewLocalProvider(t.TempDir(), vcs.New(runner, nil), nil)
}

func localOrder(t *testing.T, path string) *order.WorkOrder {
	t.Helper()
	wo, err := order.New(order.CreateParams{
		TaskPrompt: "add a greeting endpoint",
		WorkspaceSource: order.WorkspaceSource{
			Type: order.SourceLocal,
			Path: path,
		},
	})
	require.NoError(t, err)
	return wo
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLocalProvider_CreateCopiesSourceTree(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "main.go"), "package main")
	writeFile(t, filepath.Join(src, "pkg", "util.go"), "package pkg")
	writeFile(t, filepath.Join(src, "node_modules", "left-pad", "index.js"), "x")

	runner := &fakeRunner{repo: true}
	p := newTestProvider(t, runner)

	sb, err := p.Create(context.Background(), localOrder(t, src))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy(context.Background(), sb) })

	assert.NotEmpty(t, sb.ID)
	assert.Equal(t, order.SourceLocal, sb.Source)
	assert.FileExists(t, filepath.Join(sb.Dir, "main.go"))
	assert.FileExists(t, filepath.Join(sb.Dir, "pkg", "util.go"))
	assert.NoFileExists(t, filepath.Join(sb.Dir, "node_modules", "left-pad", "index.js"),
		"ignore globs exclude dependency directories")
	assert.False(t, runner.called("init"), "existing repositories are not re-initialized")
}

func TestLocalProvider_CreateInitializesNonRepo(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "README.md"), "hello")

	runner := &fakeRunner{}
	p := newTestProvider(t, runner)

	sb, err := p.Create(context.Background(), localOrder(t, src))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy(context.Background(), sb) })

	assert.True(t, runner.called("init"), "non-repo sources get a fresh repository")
}

func TestLocalProvider_CreateMissingSourceFails(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, &fakeRunner{})

	_, err := p.Create(context.Background(), localOrder(t, "/does/not/exist"))
	require.Error(t, err)

	var ge *gateerrors.GateError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gateerrors.CodeSandboxCreationFailed, ge.Code)
	assert.True(t, ge.Retryable(), "sandbox creation failures are transient")

	entries, readErr := os.ReadDir(p.root)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "failed creation leaves no sandbox directory behind")
}

func TestLocalProvider_CreateClonesGitHubSource(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{repo: true}
	p := newTestProvider(t, runner)

	wo, err := order.New(order.CreateParams{
		TaskPrompt: "fix the flaky integration test",
		WorkspaceSource: order.WorkspaceSource{
			Type:  order.SourceGitHub,
			Owner: "octocat",
			Repo:  "hello-world",
			Ref:   "main",
		},
	})
	require.NoError(t, err)

	sb, err := p.Create(context.Background(), wo)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy(context.Background(), sb) })

	assert.True(t, runner.called("clone --branch main https://github.com/octocat/hello-world.git"))
}

func TestLocalProvider_TemplateStripsHistory(t *testing.T) {
	t.Parallel()
	tmpl := t.TempDir()
	writeFile(t, filepath.Join(tmpl, "main.go"), "package main")
	writeFile(t, filepath.Join(tmpl, ".git", "HEAD"), "ref: refs/heads/main")

	runner := &fakeRunner{}
	p := newTestProvider(t, runner)

	wo, err := order.New(order.CreateParams{
		TaskPrompt: "bootstrap the service skeleton",
		WorkspaceSource: order.WorkspaceSource{
			Type:     order.SourceGitHubNew,
			Owner:    "octocat",
			RepoName: "fresh-service",
			Template: tmpl,
		},
	})
	require.NoError(t, err)

	sb, err := p.Create(context.Background(), wo)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy(context.Background(), sb) })

	assert.FileExists(t, filepath.Join(sb.Dir, "main.go"))
	assert.NoFileExists(t, filepath.Join(sb.Dir, ".git", "HEAD"),
		"template history does not leak into the new repository")
	assert.True(t, runner.called("init"))
}

func TestLocalProvider_DestroyIdempotent(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "a")

	p := newTestProvider(t, &fakeRunner{repo: true})
	sb, err := p.Create(context.Background(), localOrder(t, src))
	require.NoError(t, err)

	require.NoError(t, p.Destroy(context.Background(), sb))
	assert.NoDirExists(t, sb.Dir)
	require.NoError(t, p.Destroy(context.Background(), sb), "second destroy is a no-op")
	require.NoError(t, p.Destroy(context.Background(), nil))
}
