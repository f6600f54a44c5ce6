package processor

import (
	"fmt"
	"strings"

	"github.com/cexll/gitlab-copilot/internal/executor"
)

const summaryFlattenLimit = 300

// flattenSummary collapses the AI output to a single display line.
func flattenSummary(output string) string {
	fields := strings.Fields(output)
	flat := strings.Join(fields, " ")
	runes := []rune(flat)
	if len(runes) > summaryFlattenLimit {
		flat = string(runes[:summaryFlattenLimit]) + "…"
	}
	return flat
}

func changeKindLabel(kind string) string {
	switch kind {
	case "created":
		return "Created"
	case "deleted":
		return "Deleted"
	default:
		return "Modified"
	}
}

// SuccessComment renders the final comment for a completed run: flattened
// summary, a file-change table, warnings, and the verbatim AI output.
func SuccessComment(output string, changes []executor.FileChange, warnings []string) string {
	var b strings.Builder
	b.WriteString("### ✅ 工作完成\n\n")
	b.WriteString(flattenSummary(output))
	b.WriteString("\n")

	if len(changes) > 0 {
		b.WriteString("\n**执行摘要**:\n\n")
		b.WriteString("| 类型 | 文件 |\n|---|---|\n")
		for _, ch := range changes {
			fmt.Fprintf(&b, "| %s | `%s` |\n", changeKindLabel(ch.Kind), ch.Path)
		}
	}

	for _, w := range warnings {
		fmt.Fprintf(&b, "\n⚠️ %s\n", w)
	}

	b.WriteString("\n<details>\n<summary>AI 原始回复</summary>\n\n")
	b.WriteString("```\n")
	b.WriteString(strings.TrimSpace(output))
	b.WriteString("\n```\n\n</details>")
	return b.String()
}

// FailureComment renders the final comment for a failed run. No repository
// changes are claimed.
func FailureComment(instruction, reason, rawError string) string {
	var b strings.Builder
	b.WriteString("### ❌ 工作失败\n\n")
	fmt.Fprintf(&b, "**指令**: %s\n\n", flattenSummary(instruction))
	fmt.Fprintf(&b, "**原因**: %s\n", reason)
	if strings.TrimSpace(rawError) != "" {
		b.WriteString("\n```\n")
		b.WriteString(strings.TrimSpace(rawError))
		b.WriteString("\n```")
	}
	return b.String()
}

// ProgressComment renders an in-flight progress update.
func ProgressComment(message string) string {
	return fmt.Sprintf("⏳ 处理中…\n\n%s", message)
}
