package hosting

import (
	"testing"
)

func TestResolveProviderType_Explicit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider string
		remote   string
		wantType ProviderType
		wantErr  bool
	}{
		{
			name:     "explicit github",
			provider: "github",
			wantType: ProviderGitHub,
		},
		{
			name:     "explicit gitlab",
			provider: "gitlab",
			wantType: ProviderGitLab,
		},
		{
			name:     "explicit beats detection",
			provider: "gitlab",
			remote:   "git@github.com:owner/repo.git",
			wantType: ProviderGitLab,
		},
		{
			name:     "unknown provider returns error",
			provider: "bitbucket",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := resolveProviderType(tt.remote, Config{Provider: tt.provider})
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveProviderType() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.wantType {
				t.Errorf("resolveProviderType() = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestResolveProviderType_Auto(t *testing.T) {
	t.Parallel()

	got, err := resolveProviderType("git@gitlab.com:group/repo.git", Config{Provider: "auto"})
	if err != nil {
		t.Fatalf("resolveProviderType() error = %v", err)
	}
	if got != ProviderGitLab {
		t.Errorf("resolveProviderType() = %q, want %q", got, ProviderGitLab)
	}

	// Undetectable remote is an error rather than a silent default.
	if _, err := resolveProviderType("git@myserver.com:owner/repo.git", Config{}); err == nil {
		t.Fatal("resolveProviderType() with undetectable remote should return error")
	}
}

func TestNewProvider_NoRemote(t *testing.T) {
	t.Parallel()

	// A directory without a git remote cannot produce a provider.
	if _, err := NewProvider(t.TempDir(), Config{}); err == nil {
		t.Fatal("NewProvider() without an origin remote should return error")
	}
}

func TestNewProviderFor_Unregistered(t *testing.T) {
	t.Parallel()

	// The hosting package itself registers no constructors; provider
	// packages do that from init(). An unregistered type must error.
	_, err := NewProviderFor(ProviderType("bitbucket"), Config{}, "owner", "repo")
	if err == nil {
		t.Fatal("NewProviderFor() with unregistered provider should return error")
	}
}
