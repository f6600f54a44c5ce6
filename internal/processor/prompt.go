package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/gitlab-copilot/internal/gitlab"
	"github.com/cexll/gitlab-copilot/internal/workspace"
)

const (
	threadContextMaxNotes = 10
	threadContextMaxChars = 4000
	diffSummaryMaxFiles   = 50
)

// buildPrompt assembles the provider prompt: the command, the surrounding
// context, an optional MR snapshot, and prior thread activity.
func buildPrompt(instr *Instruction, ev *Event, mrSnapshot, threadContext string) string {
	var b strings.Builder
	b.WriteString(instr.Command)

	if title := ev.ThreadTitle(); title != "" {
		fmt.Fprintf(&b, "\n\nContext: %s", title)
	}
	if instr.FullContext != "" && instr.FullContext != instr.Command {
		fmt.Fprintf(&b, "\n\nFull request text:\n%s", strings.TrimSpace(instr.FullContext))
	}
	if mrSnapshot != "" {
		b.WriteString("\n\n")
		b.WriteString(mrSnapshot)
	}
	if threadContext != "" {
		b.WriteString("\n\nEarlier discussion (newest first):\n")
		b.WriteString(threadContext)
	}
	return b.String()
}

// mrSnapshot summarizes a merge request for the prompt: title, description,
// branches, and which files its diff touches.
func mrSnapshot(ctx context.Context, api gitlab.API, projectID, mrIID int) string {
	mr, err := api.GetMergeRequest(ctx, projectID, mrIID)
	if err != nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Merge request !%d: %s\n", mr.IID, mr.Title)
	fmt.Fprintf(&b, "Branches: %s -> %s\n", mr.SourceBranch, mr.TargetBranch)
	if desc := strings.TrimSpace(mr.Description); desc != "" {
		fmt.Fprintf(&b, "Description:\n%s\n", desc)
	}

	diffs, err := api.GetMergeRequestDiffs(ctx, projectID, mrIID)
	if err == nil && len(diffs) > 0 {
		b.WriteString("Changed files:\n")
		for i, d := range diffs {
			if i >= diffSummaryMaxFiles {
				fmt.Fprintf(&b, "… and %d more\n", len(diffs)-diffSummaryMaxFiles)
				break
			}
			switch {
			case d.NewFile:
				fmt.Fprintf(&b, "- %s (new)\n", d.NewPath)
			case d.DeletedFile:
				fmt.Fprintf(&b, "- %s (deleted)\n", d.OldPath)
			case d.RenamedFile:
				fmt.Fprintf(&b, "- %s -> %s\n", d.OldPath, d.NewPath)
			default:
				fmt.Fprintf(&b, "- %s\n", d.NewPath)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// conflictPrompt instructs the provider to finish an interrupted rebase by
// editing the unmerged files in place.
func conflictPrompt(conflict *workspace.ErrRebaseConflict) string {
	var b strings.Builder
	b.WriteString("仓库当前处于 rebase 冲突状态，以下文件包含冲突标记，请逐个解决（保留双方改动的意图，删除 <<<<<<<、=======、>>>>>>> 标记）。只编辑文件，不要执行任何 git 命令：\n")
	for _, p := range conflict.Paths {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	if out := strings.TrimSpace(conflict.Output); out != "" {
		b.WriteString("\ngit 输出:\n")
		b.WriteString(out)
	}
	return b.String()
}

// threadContext renders notes created before the triggering note, newest
// first, bounded by count and total length. The API does not guarantee note
// ordering, so timestamps decide what counts as earlier. System notes and the
// bot's own progress comments are skipped.
func threadContext(notes []gitlab.Note, triggeringNoteID int) string {
	var triggeredAt time.Time
	for _, note := range notes {
		if note.ID == triggeringNoteID {
			triggeredAt = note.CreatedAt
			break
		}
	}

	var b strings.Builder
	count := 0
	for _, note := range notes {
		if note.ID == triggeringNoteID || note.System {
			continue
		}
		if !triggeredAt.IsZero() && !note.CreatedAt.Before(triggeredAt) {
			continue
		}
		if strings.Contains(note.Body, "### ✅") || strings.Contains(note.Body, "### ❌") || strings.HasPrefix(note.Body, "⏳") {
			continue
		}
		entry := fmt.Sprintf("[%s @ %s]\n%s\n\n",
			note.Author.Username,
			note.CreatedAt.Format(time.RFC3339),
			strings.TrimSpace(note.Body))
		if b.Len()+len(entry) > threadContextMaxChars {
			break
		}
		b.WriteString(entry)
		count++
		if count >= threadContextMaxNotes {
			break
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// reviewPrompt builds the code-review instruction for an opened MR.
func reviewPrompt(ctx context.Context, api gitlab.API, projectID, mrIID int) string {
	snapshot := mrSnapshot(ctx, api, projectID, mrIID)
	var b strings.Builder
	b.WriteString("Review the following merge request. Point out bugs, risky patterns, and missing tests. Be specific and reference files and lines.\n\n")
	b.WriteString(snapshot)

	diffs, err := api.GetMergeRequestDiffs(ctx, projectID, mrIID)
	if err == nil {
		b.WriteString("\n\nDiffs:\n")
		for i, d := range diffs {
			if i >= diffSummaryMaxFiles {
				break
			}
			fmt.Fprintf(&b, "--- %s\n%s\n", d.NewPath, d.Diff)
		}
	}
	return b.String()
}
