package processor

import (
	"regexp"
	"strings"

	"github.com/cexll/gitlab-copilot/internal/provider/claude"
	"github.com/cexll/gitlab-copilot/internal/session"
)

// Trigger sources.
const (
	TriggerMention = "mention"
	TriggerSlash   = "slash"
	TriggerSession = "session"
)

// Instruction is the classifier's verdict: what to run and on which provider.
type Instruction struct {
	Command        string
	Provider       string
	FullContext    string
	Scenario       string
	Trigger        string
	SpecKitCommand string
}

var (
	mentionPattern = regexp.MustCompile(`(?i)@(claude|codex|ai)\b`)
	slashPattern   = regexp.MustCompile(`^\s*/(spec|plan|tasks)\b`)
)

var specKitCommands = map[string]string{
	"spec":  "/speckit.specify",
	"plan":  "/speckit.plan",
	"tasks": "/speckit.tasks",
}

// triggerText picks the text to scan for the event kind. Empty means the
// event carries nothing classifiable.
func triggerText(ev *Event) string {
	switch ev.ObjectKind {
	case KindIssue, KindMergeRequest:
		switch ev.ObjectAttributes.Action {
		case "open", "reopen", "update":
			return ev.ObjectAttributes.Description
		}
		return ""
	case KindNote:
		return ev.ObjectAttributes.Note
	}
	return ""
}

// Classify inspects the event text and decides whether to run the AI.
// A nil return means the event is recorded but not executed.
func Classify(ev *Event, sessions *session.Store) *Instruction {
	text := triggerText(ev)
	if text == "" {
		return nil
	}

	// Slash commands beat mentions: a /spec line mentioning @codex is
	// still a spec-doc run on claude.
	if match := slashPattern.FindStringSubmatch(text); match != nil {
		command := strings.TrimSpace(slashPattern.ReplaceAllString(text, ""))
		return &Instruction{
			Command:        command,
			Provider:       "claude",
			FullContext:    text,
			Scenario:       claude.ScenarioSpecDoc,
			Trigger:        TriggerSlash,
			SpecKitCommand: specKitCommands[strings.ToLower(match[1])],
		}
	}

	if match := mentionPattern.FindStringSubmatch(text); match != nil {
		providerName := "claude"
		if strings.EqualFold(match[1], "codex") {
			providerName = "codex"
		}
		command := strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
		return &Instruction{
			Command:     command,
			Provider:    providerName,
			FullContext: text,
			Trigger:     TriggerMention,
		}
	}

	// Mention-less note on an issue with a live session: the note body is
	// the follow-up instruction. MR notes always require an explicit
	// mention.
	if ev.IsIssueNote() && sessions != nil {
		key := session.Key(ev.Project.ID, ev.Issue.IID, ev.ObjectAttributes.DiscussionID)
		sess, ok := sessions.Peek(key)
		if !ok && ev.ObjectAttributes.DiscussionID != "" {
			// A discussion reply may continue the thread-level session.
			sess, ok = sessions.Peek(session.Key(ev.Project.ID, ev.Issue.IID, ""))
		}
		if ok && sess.LastProvider != "" {
			return &Instruction{
				Command:     strings.TrimSpace(text),
				Provider:    sess.LastProvider,
				FullContext: text,
				Trigger:     TriggerSession,
			}
		}
	}

	return nil
}
