// Package codex adapts the codex CLI, whose structured output is a
// line-delimited JSON event stream rather than a single document.
package codex

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cexll/gitlab-copilot/internal/provider/claude"
)

// Item types that carry progress, not final assistant text.
var progressItemTypes = []string{"reasoning", "analysis", "plan", "tool", "command", "execution"}

const progressTruncateLimit = 400

// Adapter drives the codex CLI.
type Adapter struct{}

// NewAdapter creates a codex adapter.
func NewAdapter() *Adapter {
	return &Adapter{}
}

func (a *Adapter) BinaryName() string { return "codex" }

func (a *Adapter) DisplayName() string { return "Codex" }

// BuildEnv passes the parent environment through unchanged.
func (a *Adapter) BuildEnv(_ claude.Options) []string {
	return os.Environ()
}

// BuildArgs constructs the CLI invocation. Resumed runs use the resume
// subcommand with the session id before the prompt.
func (a *Adapter) BuildArgs(opts claude.Options) []string {
	args := []string{"exec"}
	if opts.StructuredOutput {
		args = append(args, "--experimental-json")
	}
	args = append(args, "--dangerously-bypass-approvals-and-sandbox", "--color", "never")

	if opts.SessionID != "" {
		return append(args, "resume", opts.SessionID, opts.Prompt)
	}
	return append(args, opts.Prompt)
}

// event is one NDJSON line of codex output. Only the fields the walk needs.
type event struct {
	Type       string          `json:"type"`
	Delta      string          `json:"delta"`
	Text       string          `json:"text"`
	OutputText string          `json:"output_text"`
	Message    string          `json:"message"`
	SessionID  string          `json:"session_id"`
	Session    *sessionRef     `json:"session"`
	Response   *responseRef    `json:"response"`
	Metadata   *metadataRef    `json:"metadata"`
	Item       json.RawMessage `json:"item"`
}

type sessionRef struct {
	ID string `json:"id"`
}

type responseRef struct {
	SessionID  string `json:"session_id"`
	OutputText string `json:"output_text"`
}

type metadataRef struct {
	SessionID string `json:"session_id"`
}

type itemRef struct {
	Type             string `json:"type"`
	Text             string `json:"text"`
	Command          string `json:"command"`
	AggregatedOutput string `json:"aggregated_output"`
	ExitCode         *int   `json:"exit_code"`
}

func isProgressItemType(itemType string) bool {
	lower := strings.ToLower(itemType)
	for _, t := range progressItemTypes {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// ParseResult walks every JSON line, concatenating streamed text deltas. A
// done/completed event overrides the concatenation as the authoritative text.
// Assistant items on item.completed also count; progress-only item types do
// not.
func (a *Adapter) ParseResult(stdout string) (*claude.Result, error) {
	var delta strings.Builder
	var authoritative string
	var sessionID string

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}

		if sessionID == "" {
			sessionID = sessionIDFromEvent(&ev)
		}

		switch {
		case ev.Type == "response.output_text.delta":
			delta.WriteString(ev.Delta)
		case ev.Type == "response.output_text.done":
			if ev.OutputText != "" {
				authoritative = ev.OutputText
			} else if ev.Text != "" {
				authoritative = ev.Text
			}
		case ev.Type == "response.completed":
			if ev.Response != nil && ev.Response.OutputText != "" {
				authoritative = ev.Response.OutputText
			} else if ev.Text != "" {
				authoritative = ev.Text
			}
		case ev.Type == "item.completed" && len(ev.Item) > 0:
			var item itemRef
			if err := json.Unmarshal(ev.Item, &item); err != nil {
				continue
			}
			if isProgressItemType(item.Type) {
				continue
			}
			if item.Text != "" {
				authoritative = item.Text
			}
		}
	}

	text := authoritative
	if text == "" {
		text = delta.String()
	}
	if strings.TrimSpace(text) == "" {
		// Not an event stream at all: treat the raw output as plain text.
		text = strings.TrimSpace(stdout)
	}
	if text == "" {
		return nil, fmt.Errorf("empty response from codex")
	}
	return &claude.Result{Text: text, SessionID: sessionID}, nil
}

func sessionIDFromEvent(ev *event) string {
	if ev.SessionID != "" {
		return ev.SessionID
	}
	if ev.Session != nil && ev.Session.ID != "" {
		return ev.Session.ID
	}
	if ev.Response != nil && ev.Response.SessionID != "" {
		return ev.Response.SessionID
	}
	if ev.Metadata != nil && ev.Metadata.SessionID != "" {
		return ev.Metadata.SessionID
	}
	return ""
}

// ExtractSessionID returns the first session id found anywhere in the stream.
func (a *Adapter) ExtractSessionID(stdout string) string {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if id := sessionIDFromEvent(&ev); id != "" {
			return id
		}
	}
	return ""
}

// ExtractProgressMessage formats the most recent displayable event from a
// stdout chunk for the progress comment.
func (a *Adapter) ExtractProgressMessage(chunk string) string {
	var message string
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if formatted := formatProgressEvent(&ev); formatted != "" {
			message = formatted
		}
	}
	return message
}

func formatProgressEvent(ev *event) string {
	switch ev.Type {
	case "session.created":
		if id := sessionIDFromEvent(ev); id != "" {
			return "🔄 Session: " + id
		}
		return ""
	case "error":
		if ev.Message != "" {
			return "❌ " + truncate(ev.Message)
		}
		return ""
	case "item.started", "item.updated", "item.completed":
		if len(ev.Item) == 0 {
			return ""
		}
		var item itemRef
		if err := json.Unmarshal(ev.Item, &item); err != nil {
			return ""
		}
		return formatItem(ev.Type, &item)
	}
	return ""
}

func formatItem(eventType string, item *itemRef) string {
	itemType := strings.ToLower(item.Type)
	switch {
	case strings.Contains(itemType, "command") || strings.Contains(itemType, "execution"):
		switch eventType {
		case "item.started":
			return "🔄 " + truncate(item.Command)
		case "item.updated":
			return "📄 " + truncate(item.AggregatedOutput)
		default: // item.completed
			icon := "✅"
			if item.ExitCode != nil && *item.ExitCode != 0 {
				icon = "❌"
			}
			out := item.Command
			if item.AggregatedOutput != "" {
				out += "\n" + item.AggregatedOutput
			}
			return icon + " " + truncate(out)
		}
	case strings.Contains(itemType, "reasoning") || strings.Contains(itemType, "analysis"):
		if item.Text == "" {
			return ""
		}
		return "🧠 " + truncate(item.Text)
	case strings.Contains(itemType, "plan"):
		if item.Text == "" {
			return ""
		}
		return "🗺️ " + truncate(item.Text)
	}
	return ""
}

func truncate(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= progressTruncateLimit {
		return string(runes)
	}
	return string(runes[:progressTruncateLimit]) + "…"
}
