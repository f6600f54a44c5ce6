package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cexll/gitlab-copilot/internal/gitlab"
)

// UpdateNoteParams defines the input parameters for the tool.
type UpdateNoteParams struct {
	Body string `json:"body" jsonschema:"The updated note content"`
}

// updateNote performs the actual API call. Replaced in tests so the handler
// can run without a live GitLab.
var updateNote = func(ctx context.Context, noteableType string, projectID, iid, noteID int, body string) error {
	client := gitlab.NewClient(os.Getenv("GITLAB_BASE_URL"), os.Getenv("GITLAB_TOKEN"))
	if noteableType == "merge_request" {
		return client.UpdateMergeRequestNote(ctx, projectID, iid, noteID, body)
	}
	return client.UpdateIssueNote(ctx, projectID, iid, noteID, body)
}

// HandleUpdateNote handles the update_progress_note tool call.
func HandleUpdateNote(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params UpdateNoteParams,
) (*mcp.CallToolResult, any, error) {
	log.Printf("[MCP Note Server] Received update_progress_note request")

	noteableType := os.Getenv("NOTEABLE_TYPE")

	if params.Body == "" {
		return nil, nil, fmt.Errorf("body parameter is required")
	}
	if noteableType != "issue" && noteableType != "merge_request" {
		return nil, nil, fmt.Errorf("invalid NOTEABLE_TYPE: %s (must be 'issue' or 'merge_request')", noteableType)
	}

	projectID, err := strconv.Atoi(os.Getenv("GITLAB_PROJECT_ID"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid GITLAB_PROJECT_ID: %w", err)
	}
	iid, err := strconv.Atoi(os.Getenv("NOTEABLE_IID"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid NOTEABLE_IID: %w", err)
	}
	noteID, err := strconv.Atoi(os.Getenv("PROGRESS_NOTE_ID"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid PROGRESS_NOTE_ID: %w", err)
	}

	log.Printf("[MCP Note Server] Updating note #%d with %d characters", noteID, len(params.Body))

	if err := updateNote(ctx, noteableType, projectID, iid, noteID, params.Body); err != nil {
		log.Printf("[MCP Note Server] Failed to update note: %v", err)
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Error: %v", err)},
			},
			IsError: true,
		}, nil, nil
	}

	resultText := fmt.Sprintf(`{
  "success": true,
  "project_id": %d,
  "noteable_type": "%s",
  "noteable_iid": %d,
  "note_id": %d,
  "body_length": %d
}`, projectID, noteableType, iid, noteID, len(params.Body))

	log.Printf("[MCP Note Server] Successfully updated note #%d", noteID)

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: resultText},
		},
	}, nil, nil
}
