package codex

import (
	"strings"
	"testing"

	"github.com/cexll/gitlab-copilot/internal/provider/claude"
)

func TestBuildArgsFresh(t *testing.T) {
	a := NewAdapter()
	args := a.BuildArgs(claude.Options{Prompt: "fix it", StructuredOutput: true})

	want := []string{"exec", "--experimental-json", "--dangerously-bypass-approvals-and-sandbox", "--color", "never", "fix it"}
	if strings.Join(args, " ") != strings.Join(want, " ") {
		t.Errorf("args = %v, want %v", args, want)
	}
}

func TestBuildArgsResume(t *testing.T) {
	a := NewAdapter()
	args := a.BuildArgs(claude.Options{Prompt: "continue", SessionID: "codex-1"})

	joined := strings.Join(args, " ")
	if !strings.HasSuffix(joined, "resume codex-1 continue") {
		t.Errorf("args = %v, want resume subcommand before prompt", args)
	}
	if strings.Contains(joined, "--experimental-json") {
		t.Errorf("json flag present without structured output: %v", args)
	}
}

func TestParseResultDeltaConcatenation(t *testing.T) {
	a := NewAdapter()
	stdout := `{"type":"session.created","session_id":"codex-abc"}
{"type":"response.output_text.delta","delta":"Hello "}
{"type":"response.output_text.delta","delta":"world"}`

	result, err := a.ParseResult(stdout)
	if err != nil {
		t.Fatalf("ParseResult() error = %v", err)
	}
	if result.Text != "Hello world" {
		t.Errorf("Text = %q, want %q", result.Text, "Hello world")
	}
	if result.SessionID != "codex-abc" {
		t.Errorf("SessionID = %q, want codex-abc", result.SessionID)
	}
}

func TestParseResultDoneOverridesDeltas(t *testing.T) {
	a := NewAdapter()
	stdout := `{"type":"response.output_text.delta","delta":"partial"}
{"type":"response.output_text.done","text":"The final answer."}`

	result, err := a.ParseResult(stdout)
	if err != nil {
		t.Fatalf("ParseResult() error = %v", err)
	}
	if result.Text != "The final answer." {
		t.Errorf("Text = %q", result.Text)
	}
}

func TestParseResultDoneOutputTextField(t *testing.T) {
	a := NewAdapter()
	stdout := `{"type":"response.output_text.delta","delta":"Hello "}
{"type":"response.output_text.done","output_text":"Hello world"}`

	result, err := a.ParseResult(stdout)
	if err != nil {
		t.Fatalf("ParseResult() error = %v", err)
	}
	if result.Text != "Hello world" {
		t.Errorf("Text = %q, want done event output_text to win", result.Text)
	}
}

func TestParseResultIgnoresProgressItems(t *testing.T) {
	a := NewAdapter()
	stdout := `{"type":"item.completed","item":{"type":"reasoning","text":"thinking about it"}}
{"type":"item.completed","item":{"type":"command_execution","command":"go test","aggregated_output":"ok"}}
{"type":"item.completed","item":{"type":"assistant_message","text":"All tests pass now."}}`

	result, err := a.ParseResult(stdout)
	if err != nil {
		t.Fatalf("ParseResult() error = %v", err)
	}
	if result.Text != "All tests pass now." {
		t.Errorf("Text = %q, progress items must not become final text", result.Text)
	}
}

func TestParseResultPlainTextFallback(t *testing.T) {
	a := NewAdapter()
	result, err := a.ParseResult("not json at all\n")
	if err != nil {
		t.Fatalf("ParseResult() error = %v", err)
	}
	if result.Text != "not json at all" {
		t.Errorf("Text = %q", result.Text)
	}
}

func TestExtractSessionIDVariants(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   string
	}{
		{name: "top level", stdout: `{"type":"x","session_id":"s1"}`, want: "s1"},
		{name: "nested session", stdout: `{"type":"session.created","session":{"id":"s2"}}`, want: "s2"},
		{name: "response field", stdout: `{"type":"response.completed","response":{"session_id":"s3"}}`, want: "s3"},
		{name: "metadata field", stdout: `{"type":"x","metadata":{"session_id":"s4"}}`, want: "s4"},
		{name: "absent", stdout: `{"type":"x"}`, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdapter()
			if got := a.ExtractSessionID(tt.stdout); got != tt.want {
				t.Errorf("ExtractSessionID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractProgressMessage(t *testing.T) {
	tests := []struct {
		name  string
		chunk string
		want  string
	}{
		{
			name:  "session created",
			chunk: `{"type":"session.created","session_id":"codex-1"}`,
			want:  "🔄 Session: codex-1",
		},
		{
			name:  "command started",
			chunk: `{"type":"item.started","item":{"type":"command_execution","command":"go build ./..."}}`,
			want:  "🔄 go build ./...",
		},
		{
			name:  "command failed",
			chunk: `{"type":"item.completed","item":{"type":"command_execution","command":"go vet","aggregated_output":"oops","exit_code":1}}`,
			want:  "❌ go vet\noops",
		},
		{
			name:  "reasoning",
			chunk: `{"type":"item.completed","item":{"type":"reasoning","text":"checking edge cases"}}`,
			want:  "🧠 checking edge cases",
		},
		{
			name:  "plan",
			chunk: `{"type":"item.completed","item":{"type":"plan","text":"1. read 2. edit"}}`,
			want:  "🗺️ 1. read 2. edit",
		},
		{
			name:  "error event",
			chunk: `{"type":"error","message":"rate limited"}`,
			want:  "❌ rate limited",
		},
		{
			name:  "nothing displayable",
			chunk: `{"type":"response.output_text.delta","delta":"x"}`,
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdapter()
			if got := a.ExtractProgressMessage(tt.chunk); got != tt.want {
				t.Errorf("ExtractProgressMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncateLongOutput(t *testing.T) {
	long := strings.Repeat("a", 500)
	got := truncate(long)
	if len([]rune(got)) != progressTruncateLimit+1 { // 400 runes plus ellipsis
		t.Errorf("truncate length = %d", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("truncated output missing ellipsis")
	}
}
