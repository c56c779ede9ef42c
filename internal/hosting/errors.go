package hosting

import "errors"

// Hosting provider errors.
var (
	// ErrNoPRFound is returned when no PR/MR exists for the given branch.
	ErrNoPRFound = errors.New("no pull request found for branch")

	// ErrRepoCreationNotSupported is returned by providers that cannot
	// create repositories (only the GitHub provider supports it).
	ErrRepoCreationNotSupported = errors.New("repository creation not supported by this provider")
)
