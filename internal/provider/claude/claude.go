// Package claude adapts the claude CLI for non-interactive execution. It also
// defines the request/response types shared by all provider adapters.
package claude

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Scenario tags passed through from the classifier. Argument construction
// diverges on them.
const (
	ScenarioIssueSession = "issue-session"
	ScenarioCodeReview   = "code-review"
	ScenarioSpecDoc      = "spec-doc"
)

// Options carry per-invocation knobs into argument and environment
// construction.
type Options struct {
	Prompt           string
	SessionID        string // resume an existing CLI session when non-empty
	NewSession       bool
	Scenario         string
	SpecKitCommand   string // e.g. "/speckit.specify", spec-doc only
	StructuredOutput bool   // request JSON capture instead of plain text
	SystemPrompt     string
}

// Result is the adapter's interpretation of a finished CLI run.
type Result struct {
	Text      string
	SessionID string
}

var defaultAllowedTools = []string{"Read", "Write", "Edit", "Bash", "Git", "Grep", "Glob"}

var specDocAllowedTools = []string{"SlashCommand:/speckit.*", "Read", "Bash", "Git"}

// Adapter drives the claude CLI.
type Adapter struct {
	baseURL   string
	authToken string
}

// NewAdapter creates a claude adapter. baseURL and authToken are optional
// overrides exported into the child environment.
func NewAdapter(baseURL, authToken string) *Adapter {
	return &Adapter{baseURL: baseURL, authToken: authToken}
}

func (a *Adapter) BinaryName() string { return "claude" }

func (a *Adapter) DisplayName() string { return "Claude" }

// BuildEnv inherits the parent environment plus the Anthropic endpoint
// overrides when configured.
func (a *Adapter) BuildEnv(_ Options) []string {
	env := os.Environ()
	if a.baseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+a.baseURL)
	}
	if a.authToken != "" {
		env = append(env, "ANTHROPIC_AUTH_TOKEN="+a.authToken)
	}
	return env
}

// BuildArgs constructs the CLI invocation. The prompt is always the last
// argument.
func (a *Adapter) BuildArgs(opts Options) []string {
	args := []string{"--print", "--model", "sonnet"}

	if opts.StructuredOutput {
		args = append(args, "--output-format", "json")
	} else {
		args = append(args, "--output-format", "text")
	}

	if opts.Scenario == ScenarioSpecDoc {
		// Spec-doc runs stay inside the speckit slash commands, so edits
		// can be auto-accepted without a full permission bypass.
		args = append(args, "--permission-mode", "acceptEdits")
		args = append(args, "--allowedTools", strings.Join(specDocAllowedTools, ","))
	} else {
		args = append(args, "--dangerously-skip-permissions")
		args = append(args, "--allowedTools", strings.Join(defaultAllowedTools, ","))
	}

	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}

	prompt := opts.Prompt
	if opts.Scenario == ScenarioSpecDoc && opts.SpecKitCommand != "" {
		prompt = strings.TrimSpace(opts.SpecKitCommand + " " + opts.Prompt)
	}
	return append(args, prompt)
}

// ParseResult prefers the last stdout line that decodes to a JSON object with
// a string result field; anything else is treated as plain text output.
func (a *Adapter) ParseResult(stdout string) (*Result, error) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		text, ok := parsed["result"].(string)
		if !ok {
			continue
		}
		sessionID, _ := parsed["session_id"].(string)
		return &Result{Text: text, SessionID: sessionID}, nil
	}

	text := strings.TrimSpace(stdout)
	if text == "" {
		return nil, fmt.Errorf("empty response from claude")
	}
	return &Result{Text: text, SessionID: a.ExtractSessionID(stdout)}, nil
}

// ExtractSessionID returns the session_id from any JSON line of the output.
func (a *Adapter) ExtractSessionID(stdout string) string {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		if id, ok := parsed["session_id"].(string); ok && id != "" {
			return id
		}
	}
	return ""
}

// ExtractProgressMessage picks the last displayable line from a stdout chunk:
// the most recent non-empty line that is neither debug noise nor an error
// line, tagged for the progress comment.
func (a *Adapter) ExtractProgressMessage(chunk string) string {
	lines := strings.Split(chunk, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "[debug]") || strings.HasPrefix(lower, "debug") {
			continue
		}
		if strings.HasPrefix(lower, "error") || strings.Contains(lower, "error:") {
			continue
		}
		return "🤖 " + line
	}
	return ""
}
