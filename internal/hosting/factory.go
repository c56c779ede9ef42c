package hosting

import (
	"fmt"
	"os/exec"
	"strings"
)

// Config holds hosting provider configuration.
type Config struct {
	// Provider type: "github", "gitlab", or "auto" (default).
	// When "auto", the provider is detected from the git remote URL.
	Provider string `yaml:"provider" json:"provider"`

	// BaseURL for self-hosted instances (e.g., "https://gitlab.company.com").
	// Leave empty for github.com / gitlab.com.
	BaseURL string `yaml:"baseUrl" json:"baseUrl,omitempty"`

	// TokenEnvVar overrides the default token environment variable name.
	// Default: GITHUB_TOKEN for GitHub, GITLAB_TOKEN for GitLab.
	TokenEnvVar string `yaml:"tokenEnvVar" json:"tokenEnvVar,omitempty"`
}

// NewProviderFunc constructs a provider for an owner/repo pair.
// Registered at init time by the provider packages (github/, gitlab/)
// to avoid an import cycle with this package.
type NewProviderFunc func(cfg Config, owner, repo string) (Provider, error)

var providerConstructors = map[ProviderType]NewProviderFunc{}

// RegisterProvider registers a provider constructor.
// Called from init() in provider packages.
func RegisterProvider(providerType ProviderType, constructor NewProviderFunc) {
	providerConstructors[providerType] = constructor
}

// NewProvider creates a hosting provider for the repository at workDir.
// The provider type and owner/repo are resolved from the origin remote
// unless cfg.Provider pins the type explicitly.
func NewProvider(workDir string, cfg Config) (Provider, error) {
	remoteURL, err := originURL(workDir)
	if err != nil {
		return nil, err
	}

	providerType, err := resolveProviderType(remoteURL, cfg)
	if err != nil {
		return nil, err
	}

	owner, repo := ParseOwnerRepo(remoteURL)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("could not parse owner/repo from remote URL: %s", remoteURL)
	}

	return NewProviderFor(providerType, cfg, owner, repo)
}

// NewProviderFor creates a provider for an explicit owner/repo pair.
// Used when no remote exists yet, e.g. publishing a github-new sandbox.
func NewProviderFor(providerType ProviderType, cfg Config, owner, repo string) (Provider, error) {
	constructor, ok := providerConstructors[providerType]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q (registered: %v)", providerType, registeredProviders())
	}
	return constructor(cfg, owner, repo)
}

// resolveProviderType determines which provider to use.
func resolveProviderType(remoteURL string, cfg Config) (ProviderType, error) {
	if cfg.Provider != "" && cfg.Provider != "auto" {
		pt := ProviderType(cfg.Provider)
		if pt != ProviderGitHub && pt != ProviderGitLab {
			return "", fmt.Errorf("unknown provider %q (supported: github, gitlab)", cfg.Provider)
		}
		return pt, nil
	}

	detected := DetectProvider(remoteURL)
	if detected == ProviderUnknown {
		return "", fmt.Errorf("cannot detect hosting provider from remote URL %q (set provider explicitly in config)", remoteURL)
	}
	return detected, nil
}

// originURL gets the origin remote URL for the repo at workDir.
func originURL(workDir string) (string, error) {
	cmd := exec.Command("git", "remote", "get-url", "origin")
	cmd.Dir = workDir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("get remote URL: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

func registeredProviders() []ProviderType {
	var providers []ProviderType
	for pt := range providerConstructors {
		providers = append(providers, pt)
	}
	return providers
}
