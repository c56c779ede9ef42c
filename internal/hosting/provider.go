// Package hosting provides a unified interface for git hosting providers
// (GitHub, GitLab). The engine uses it to publish passed runs as pull
// requests and to poll CI check status for ci-poll gates.
package hosting

import (
	"context"
)

// ProviderType identifies which hosting provider is in use.
type ProviderType string

const (
	ProviderGitHub  ProviderType = "github"
	ProviderGitLab  ProviderType = "gitlab"
	ProviderUnknown ProviderType = "unknown"
)

// Provider is the interface for git hosting providers.
// Implementations exist for GitHub (go-github) and GitLab (go-gitlab).
type Provider interface {
	// CreatePR opens a pull request (merge request on GitLab).
	CreatePR(ctx context.Context, opts PRCreateOptions) (*PR, error)

	// FindPRByBranch finds an open PR whose head is the given branch.
	// Returns ErrNoPRFound when none exists.
	FindPRByBranch(ctx context.Context, branch string) (*PR, error)

	// GetCheckRuns returns CI check status for a ref (branch or SHA).
	GetCheckRuns(ctx context.Context, ref string) ([]CheckRun, error)

	// CreateRepo creates a new repository under the configured owner.
	// Providers without repository creation support return
	// ErrRepoCreationNotSupported.
	CreateRepo(ctx context.Context, opts RepoCreateOptions) (*Repo, error)

	// CheckAuth validates that the configured token works.
	CheckAuth(ctx context.Context) error

	// Name returns the provider type.
	Name() ProviderType

	// OwnerRepo returns the owner and repository name.
	// For nested GitLab groups, owner may be "group/subgroup".
	OwnerRepo() (string, string)
}

// PR is a unified pull request / merge request representation.
type PR struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	State      string `json:"state"` // open, closed, merged
	HeadBranch string `json:"headBranch"`
	BaseBranch string `json:"baseBranch"`
	HeadSHA    string `json:"headSha,omitempty"`
	HTMLURL    string `json:"htmlUrl"`
	Draft      bool   `json:"draft"`
	CreatedAt  string `json:"createdAt,omitempty"` // RFC3339
}

// PRCreateOptions for creating a PR / merge request.
type PRCreateOptions struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Head   string   `json:"head"` // Source branch
	Base   string   `json:"base"` // Target branch
	Draft  bool     `json:"draft"`
	Labels []string `json:"labels,omitempty"`
}

// CheckRun represents a CI check (GitHub check run / GitLab pipeline job).
type CheckRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`               // queued, in_progress, completed
	Conclusion string `json:"conclusion,omitempty"` // success, failure, neutral, etc.
}

// Completed reports whether the check has finished running.
func (c CheckRun) Completed() bool {
	return c.Status == "completed"
}

// Passed reports whether a completed check counts as green.
func (c CheckRun) Passed() bool {
	switch c.Conclusion {
	case "success", "neutral", "skipped":
		return true
	}
	return false
}

// Repo represents a hosted repository.
type Repo struct {
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	CloneURL string `json:"cloneUrl"`
	HTMLURL  string `json:"htmlUrl"`
	Private  bool   `json:"private"`
}

// RepoCreateOptions for creating a repository.
type RepoCreateOptions struct {
	Name        string `json:"name"`
	Owner       string `json:"owner,omitempty"` // Organization; empty means the authenticated user
	Private     bool   `json:"private"`
	Description string `json:"description,omitempty"`
}
