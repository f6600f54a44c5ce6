// Package processor turns classified webhook events into AI executions, git
// pushes, and comment updates.
package processor

import "encoding/json"

// Event kinds GitLab delivers in object_kind.
const (
	KindIssue        = "issue"
	KindMergeRequest = "merge_request"
	KindNote         = "note"
)

// Event is the subset of a GitLab webhook body the dispatcher consumes.
type Event struct {
	ObjectKind       string           `json:"object_kind"`
	User             EventUser        `json:"user"`
	Project          EventProject     `json:"project"`
	ObjectAttributes ObjectAttributes `json:"object_attributes"`

	// Present on note events, identifying the noteable.
	Issue        *NoteableIssue        `json:"issue,omitempty"`
	MergeRequest *NoteableMergeRequest `json:"merge_request,omitempty"`
}

type EventUser struct {
	Username string `json:"username"`
	Name     string `json:"name"`
}

type EventProject struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	GitHTTPURL        string `json:"git_http_url"`
	DefaultBranch     string `json:"default_branch"`
	WebURL            string `json:"web_url"`
}

type ObjectAttributes struct {
	ID           int    `json:"id"`
	IID          int    `json:"iid"`
	Action       string `json:"action"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Note         string `json:"note"`
	NoteableType string `json:"noteable_type"`
	DiscussionID string `json:"discussion_id"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	State        string `json:"state"`
	URL          string `json:"url"`
}

type NoteableIssue struct {
	ID          int    `json:"id"`
	IID         int    `json:"iid"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type NoteableMergeRequest struct {
	ID           int    `json:"id"`
	IID          int    `json:"iid"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	State        string `json:"state"`
}

// ParseEvent decodes a raw webhook body.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ThreadIID returns the issue or MR number the event belongs to.
func (e *Event) ThreadIID() int {
	switch e.ObjectKind {
	case KindNote:
		if e.Issue != nil {
			return e.Issue.IID
		}
		if e.MergeRequest != nil {
			return e.MergeRequest.IID
		}
		return 0
	default:
		return e.ObjectAttributes.IID
	}
}

// ThreadTitle returns the issue or MR title for event records and prompts.
func (e *Event) ThreadTitle() string {
	switch e.ObjectKind {
	case KindNote:
		if e.Issue != nil {
			return e.Issue.Title
		}
		if e.MergeRequest != nil {
			return e.MergeRequest.Title
		}
		return ""
	default:
		return e.ObjectAttributes.Title
	}
}

// IsIssueNote reports whether the event is a comment on an issue.
func (e *Event) IsIssueNote() bool {
	return e.ObjectKind == KindNote && e.Issue != nil
}

// IsMergeRequestNote reports whether the event is a comment on an MR.
func (e *Event) IsMergeRequestNote() bool {
	return e.ObjectKind == KindNote && e.MergeRequest != nil
}
