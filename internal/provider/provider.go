// Package provider selects and constructs AI CLI adapters.
package provider

import (
	"fmt"

	"github.com/cexll/gitlab-copilot/internal/provider/claude"
	"github.com/cexll/gitlab-copilot/internal/provider/codex"
)

// Adapter is the uniform capability set every AI CLI adapter implements.
type Adapter interface {
	// BinaryName returns the executable to spawn
	BinaryName() string

	// DisplayName returns the human-readable provider label
	DisplayName() string

	// BuildEnv produces the child process environment
	BuildEnv(opts claude.Options) []string

	// BuildArgs produces the CLI arguments, prompt included
	BuildArgs(opts claude.Options) []string

	// ParseResult interprets the full stdout of a successful run
	ParseResult(stdout string) (*claude.Result, error)

	// ExtractProgressMessage formats a stdout chunk for progress display,
	// empty when the chunk holds nothing worth showing
	ExtractProgressMessage(chunk string) string

	// ExtractSessionID finds a resumable session id in the output
	ExtractSessionID(stdout string) string
}

// Config contains provider configuration
type Config struct {
	// Provider name: "claude" or "codex"
	Name string

	// Claude endpoint overrides
	AnthropicBaseURL   string
	AnthropicAuthToken string
}

// New creates an adapter based on configuration.
// This is a factory function that eliminates if-else branches.
func New(cfg *Config) (Adapter, error) {
	switch cfg.Name {
	case "claude":
		return claude.NewAdapter(cfg.AnthropicBaseURL, cfg.AnthropicAuthToken), nil
	case "codex":
		return codex.NewAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: claude, codex)", cfg.Name)
	}
}
