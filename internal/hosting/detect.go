package hosting

import (
	"regexp"
	"strings"
)

// Host patterns per provider. Self-hosted instances follow the
// github.company.com / gitlab.company.com naming convention.
var hostPatterns = map[ProviderType][]*regexp.Regexp{
	ProviderGitHub: {
		regexp.MustCompile(`github\.com[:/]`),
		regexp.MustCompile(`github\.[a-z0-9-]+\.[a-z]+[:/]`),
	},
	ProviderGitLab: {
		regexp.MustCompile(`gitlab\.com[:/]`),
		regexp.MustCompile(`gitlab\.[a-z0-9-]+\.[a-z]+[:/]`),
	},
}

// DetectProvider determines the hosting provider from a git remote URL.
//
// Supported URL formats:
//   - git@github.com:owner/repo.git
//   - https://github.com/owner/repo.git
//   - git@gitlab.com:owner/repo.git
//   - https://gitlab.company.com/org/repo.git (self-hosted)
func DetectProvider(remoteURL string) ProviderType {
	url := strings.ToLower(strings.TrimSpace(remoteURL))

	for _, pt := range []ProviderType{ProviderGitHub, ProviderGitLab} {
		for _, p := range hostPatterns[pt] {
			if p.MatchString(url) {
				return pt
			}
		}
	}
	return ProviderUnknown
}

// ParseOwnerRepo extracts owner and repo from a git remote URL.
//
// Handles:
//   - git@github.com:owner/repo.git → (owner, repo)
//   - https://github.com/owner/repo.git → (owner, repo)
//   - ssh://git@github.com:22/owner/repo.git → (owner, repo)
//   - git@gitlab.com:group/subgroup/repo.git → (group/subgroup, repo)
func ParseOwnerRepo(remoteURL string) (owner, repo string) {
	raw := strings.TrimSpace(remoteURL)
	raw = strings.TrimSuffix(raw, ".git")

	switch {
	case strings.HasPrefix(raw, "ssh://"):
		// ssh://git@host:port/owner/repo
		raw = strings.TrimPrefix(raw, "ssh://")
		if _, rest, ok := strings.Cut(raw, "/"); ok {
			raw = strings.TrimLeft(rest, "/")
		}
	case strings.HasPrefix(raw, "https://"), strings.HasPrefix(raw, "http://"):
		// https://host/owner/repo
		raw = strings.TrimPrefix(raw, "https://")
		raw = strings.TrimPrefix(raw, "http://")
		if _, rest, ok := strings.Cut(raw, "/"); ok {
			raw = rest
		}
	default:
		// SCP-style: git@host:owner/repo
		if _, rest, ok := strings.Cut(raw, ":"); ok {
			raw = rest
		}
	}

	// GitLab owners can be "group/subgroup", so the repo is the last
	// path segment and the owner is everything before it.
	parts := strings.Split(raw, "/")
	if len(parts) < 2 {
		return raw, ""
	}
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1]
}
