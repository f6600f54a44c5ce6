// Package gitlab is a thin request layer over the GitLab REST API, scoped to
// the operations the dispatcher needs.
package gitlab

import "time"

// Note is an issue or merge request comment.
type Note struct {
	ID        int       `json:"id"`
	Body      string    `json:"body"`
	Author    Author    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	System    bool      `json:"system"`
}

// Author identifies a note's author.
type Author struct {
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Discussion groups threaded notes.
type Discussion struct {
	ID    string `json:"id"`
	Notes []Note `json:"notes"`
}

// MergeRequest is the subset of MR fields the processor consumes.
type MergeRequest struct {
	IID          int    `json:"iid"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	State        string `json:"state"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	WebURL       string `json:"web_url"`
}

// Branch is a repository branch.
type Branch struct {
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// Diff is one file's change within a merge request.
type Diff struct {
	OldPath     string `json:"old_path"`
	NewPath     string `json:"new_path"`
	NewFile     bool   `json:"new_file"`
	DeletedFile bool   `json:"deleted_file"`
	RenamedFile bool   `json:"renamed_file"`
	Diff        string `json:"diff"`
}

// Position anchors an inline comment to a diff line.
type Position struct {
	BaseSHA      string `json:"base_sha"`
	HeadSHA      string `json:"head_sha"`
	StartSHA     string `json:"start_sha"`
	OldPath      string `json:"old_path,omitempty"`
	NewPath      string `json:"new_path,omitempty"`
	PositionType string `json:"position_type"`
	OldLine      int    `json:"old_line,omitempty"`
	NewLine      int    `json:"new_line,omitempty"`
}

// CreateMROptions are the fields for opening a merge request.
type CreateMROptions struct {
	SourceBranch       string `json:"source_branch"`
	TargetBranch       string `json:"target_branch"`
	Title              string `json:"title"`
	Description        string `json:"description,omitempty"`
	RemoveSourceBranch bool   `json:"remove_source_branch,omitempty"`
}
