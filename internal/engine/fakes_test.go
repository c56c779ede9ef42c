package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/agent"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/sandbox"
	"github.com/agentgate/agentgate/internal/verify"
)

// fakeDriver scripts agent behaviour per invocation.
type fakeDriver struct {
	mu       sync.Mutex
	fn       func(ctx context.Context, call int, req agent.Request) (*agent.Result, error)
	requests []agent.Request
}

func (d *fakeDriver) Name() order.AgentType { return order.AgentClaudeCode }

func (d *fakeDriver) Run(ctx context.Context, req agent.Request) (*agent.Result, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	call := len(d.requests)
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, call, req)
	}
	return &agent.Result{Success: true, ExitCode: 0, SessionID: "sess-1"}, nil
}

func (d *fakeDriver) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *fakeDriver) request(i int) agent.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[i]
}

// agentOK is a successful invocation result.
func agentOK(session string) *agent.Result {
	return &agent.Result{
		Success:   true,
		ExitCode:  0,
		SessionID: session,
		Tokens:    order.TokenUsage{InputTokens: 100, OutputTokens: 40, TotalTokens: 140},
	}
}

// fakeSandboxes provisions real temp directories and records teardown.
type fakeSandboxes struct {
	root      string
	createErr error

	mu        sync.Mutex
	created   []*sandbox.Sandbox
	destroyed []string
}

func (p *fakeSandboxes) Create(_ context.Context, wo *order.WorkOrder) (*sandbox.Sandbox, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	dir, err := os.MkdirTemp(p.root, "sb-*")
	if err != nil {
		return nil, err
	}
	sb := &sandbox.Sandbox{
		ID:          uuid.NewString(),
		WorkOrderID: wo.ID,
		Dir:         dir,
		Source:      wo.WorkspaceSource.Type,
		CreatedAt:   time.Now().UTC(),
	}
	p.mu.Lock()
	p.created = append(p.created, sb)
	p.mu.Unlock()
	return sb, nil
}

func (p *fakeSandboxes) Destroy(_ context.Context, sb *sandbox.Sandbox) error {
	p.mu.Lock()
	p.destroyed = append(p.destroyed, sb.ID)
	p.mu.Unlock()
	return os.RemoveAll(sb.Dir)
}

func (p *fakeSandboxes) destroyedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.destroyed)
}

// fakeSnapshotter returns canned snapshots without touching git.
type fakeSnapshotter struct {
	mu       sync.Mutex
	captures int
	err      error
}

func (s *fakeSnapshotter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures
}

func (s *fakeSnapshotter) Capture(_ context.Context, _, runID string, iteration int, before order.BeforeState) (*order.Snapshot, error) {
	s.mu.Lock()
	s.captures++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &order.Snapshot{
		ID:           fmt.Sprintf("snap-%d", iteration),
		RunID:        runID,
		Iteration:    iteration,
		BeforeSHA:    before.SHA,
		AfterSHA:     fmt.Sprintf("sha-%d", iteration),
		FilesChanged: 2,
		Insertions:   10,
		Deletions:    3,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// fakeVerifier scripts verification per iteration.
type fakeVerifier struct {
	mu  sync.Mutex
	fn  func(iteration int) *order.VerificationReport
	err error
}

func (v *fakeVerifier) Verify(_ context.Context, _ string, snap *order.Snapshot, _ verify.Plan) (*order.VerificationReport, error) {
	v.mu.Lock()
	fn := v.fn
	v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	if fn != nil {
		return fn(snap.Iteration), nil
	}
	return passingReport(), nil
}

func passingReport() *order.VerificationReport {
	return &order.VerificationReport{
		Passed: true,
		Levels: []order.LevelResult{{
			Level:  order.LevelTest,
			Passed: true,
			Checks: []order.CheckResult{{Name: "go test", Passed: true}},
		}},
	}
}

func failingReport(check, message string) *order.VerificationReport {
	return &order.VerificationReport{
		Passed: false,
		Levels: []order.LevelResult{{
			Level:  order.LevelTest,
			Passed: false,
			Checks: []order.CheckResult{{Name: check, Passed: false, Message: message}},
		}},
	}
}

// fakeGitRunner answers the git invocations the engine itself makes:
// before-state capture, branch creation, push, and remote lookup.
type fakeGitRunner struct {
	mu        sync.Mutex
	headSHA   string
	branch    string
	remoteURL string
	commands  [][]string
}

func newFakeGitRunner() *fakeGitRunner {
	return &fakeGitRunner{
		headSHA:   "abc1234def",
		branch:    "main",
		remoteURL: "https://github.com/acme/widget.git",
	}
}

func (r *fakeGitRunner) Run(_ context.Context, _ string, name string, args ...string) (string, error) {
	r.mu.Lock()
	r.commands = append(r.commands, append([]string{name}, args...))
	r.mu.Unlock()

	argv := strings.Join(args, " ")
	switch {
	case argv == "status --porcelain":
		return "", nil
	case argv == "rev-parse --verify HEAD":
		return r.headSHA, nil
	case argv == "rev-parse --abbrev-ref HEAD":
		return r.branch, nil
	case strings.HasPrefix(argv, "checkout -b "):
		return "", nil
	case strings.HasPrefix(argv, "checkout "):
		return "", nil
	case strings.HasPrefix(argv, "push "):
		return "", nil
	case argv == "remote get-url origin":
		if r.remoteURL == "" {
			return "", fmt.Errorf("no such remote 'origin'")
		}
		return r.remoteURL, nil
	case strings.HasPrefix(argv, "remote add "):
		return "", nil
	case strings.HasPrefix(argv, "config user."):
		return "agent@example.com", nil
	}
	return "", nil
}

func (r *fakeGitRunner) ran(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.commands {
		if strings.HasPrefix(strings.Join(cmd, " "), prefix) {
			return true
		}
	}
	return false
}

// localSource is a workspace source that validates.
func localSource(dir string) order.WorkspaceSource {
	return order.WorkspaceSource{Type: order.SourceLocal, Path: dir}
}

// newWorkOrder builds a PENDING order ready for Execute.
func newWorkOrder(dir string, maxIterations int) *order.WorkOrder {
	wo, err := order.New(order.CreateParams{
		TaskPrompt:      "Add input validation to the settings handler",
		WorkspaceSource: localSource(dir),
		MaxIterations:   maxIterations,
	})
	if err != nil {
		panic(err)
	}
	return wo
}
