package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cexll/gitlab-copilot/internal/provider/claude"
	"github.com/cexll/gitlab-copilot/internal/workspace"
)

// fakeAdapter drives a shell instead of a real provider CLI.
type fakeAdapter struct {
	script    string
	parseText string
	sessionID string
}

func (f *fakeAdapter) BinaryName() string  { return "bash" }
func (f *fakeAdapter) DisplayName() string { return "Fake" }

func (f *fakeAdapter) BuildEnv(_ claude.Options) []string { return nil }

func (f *fakeAdapter) BuildArgs(_ claude.Options) []string {
	return []string{"-c", f.script}
}

func (f *fakeAdapter) ParseResult(stdout string) (*claude.Result, error) {
	text := f.parseText
	if text == "" {
		text = strings.TrimSpace(stdout)
	}
	return &claude.Result{Text: text, SessionID: f.sessionID}, nil
}

func (f *fakeAdapter) ExtractProgressMessage(chunk string) string {
	if strings.TrimSpace(chunk) == "" {
		return ""
	}
	return "🤖 " + strings.TrimSpace(chunk)
}

func (f *fakeAdapter) ExtractSessionID(string) string { return f.sessionID }

func cleanRunner() *workspace.MockGitRunner {
	r := workspace.NewMockGitRunner()
	r.RunInDirFunc = func(dir, name string, args ...string) ([]byte, error) {
		return []byte(""), nil
	}
	return r
}

func TestExecuteSuccess(t *testing.T) {
	runner := workspace.NewMockGitRunner()
	runner.RunInDirFunc = func(dir, name string, args ...string) ([]byte, error) {
		return []byte(" M main.go\n?? new.go\n D old.go\n"), nil
	}
	e := New(runner, 0)

	var messages []string
	result, err := e.Execute(context.Background(), &fakeAdapter{script: "printf 'hello world'", sessionID: "s-1"}, t.TempDir(), claude.Options{Prompt: "x"}, func(msg string, final bool) {
		messages = append(messages, msg)
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Success = false, error = %q", result.Error)
	}
	if result.Output != "hello world" {
		t.Errorf("Output = %q", result.Output)
	}
	if result.SessionID != "s-1" {
		t.Errorf("SessionID = %q", result.SessionID)
	}

	if len(messages) == 0 || !strings.HasPrefix(messages[0], "🚀") {
		t.Errorf("first progress message = %v, want 🚀 prefix", messages)
	}

	kinds := map[string]string{}
	for _, ch := range result.Changes {
		kinds[ch.Path] = ch.Kind
	}
	if kinds["main.go"] != "modified" || kinds["new.go"] != "created" || kinds["old.go"] != "deleted" {
		t.Errorf("changes = %+v", result.Changes)
	}
}

func TestExecuteSessionIDFallback(t *testing.T) {
	e := New(cleanRunner(), 0)
	result, err := e.Execute(context.Background(), &fakeAdapter{script: "printf ok"}, t.TempDir(), claude.Options{Prompt: "x", SessionID: "prior-session"}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.SessionID != "prior-session" {
		t.Errorf("SessionID = %q, want caller's session carried through", result.SessionID)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	e := New(cleanRunner(), 0)

	var warnings []string
	result, err := e.Execute(context.Background(), &fakeAdapter{script: "echo boom >&2; exit 3"}, t.TempDir(), claude.Options{Prompt: "x"}, func(msg string, final bool) {
		if strings.HasPrefix(msg, "⚠️") {
			warnings = append(warnings, msg)
		}
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Success {
		t.Fatal("Success = true for non-zero exit")
	}
	if !strings.Contains(result.Error, "boom") {
		t.Errorf("Error = %q, want stderr content", result.Error)
	}
	if len(warnings) == 0 {
		t.Error("stderr line not forwarded as ⚠️ progress")
	}
}

func TestExecuteCLINotInstalled(t *testing.T) {
	e := New(cleanRunner(), 0)

	missing := &fakeAdapter{script: "true"}
	_, err := e.Execute(context.Background(), &missingBinaryAdapter{missing}, t.TempDir(), claude.Options{}, nil)

	var notInstalled *ErrCLINotInstalled
	if !errors.As(err, &notInstalled) {
		t.Fatalf("error = %v, want *ErrCLINotInstalled", err)
	}
	if notInstalled.Binary == "" {
		t.Error("Binary not populated")
	}
}

type missingBinaryAdapter struct{ *fakeAdapter }

func (m *missingBinaryAdapter) BinaryName() string { return "no-such-binary-gitlab-copilot-test" }

func TestExecuteTimeout(t *testing.T) {
	e := New(cleanRunner(), 100*time.Millisecond)

	result, err := e.Execute(context.Background(), &fakeAdapter{script: "sleep 5"}, t.TempDir(), claude.Options{Prompt: "x"}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Success {
		t.Fatal("Success = true for timed-out run")
	}
	if !strings.Contains(result.Error, "timed out") {
		t.Errorf("Error = %q, want timeout message", result.Error)
	}
}

func TestDeriveErrorMessage(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		stdout string
		want   string
	}{
		{name: "stderr wins", stderr: "auth failed", stdout: "some output", want: "auth failed"},
		{name: "error keyword lines", stdout: "working...\nError: rate limit hit\nmore text", want: "Error: rate limit hit"},
		{name: "tail fallback", stdout: "just output with no keyword", want: "just output with no keyword"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deriveErrorMessage(tt.stderr, tt.stdout, errors.New("exit status 1"))
			if got != tt.want {
				t.Errorf("deriveErrorMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectChangesIgnoresGarbage(t *testing.T) {
	runner := workspace.NewMockGitRunner()
	runner.RunInDirFunc = func(dir, name string, args ...string) ([]byte, error) {
		return []byte("\n M a.go\nxx\n"), nil
	}
	e := New(runner, 0)

	changes := e.detectChanges("/tmp/x")
	if len(changes) != 1 || changes[0].Path != "a.go" || changes[0].Kind != "modified" {
		t.Errorf("changes = %+v", changes)
	}
}
