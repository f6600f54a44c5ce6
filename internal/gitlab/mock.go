package gitlab

import "context"

// MockAPI implements API with overridable function fields. Unset fields
// return zero values so tests only stub what they assert on.
type MockAPI struct {
	CreateIssueNoteFunc               func(ctx context.Context, projectID, issueIID int, body string) (*Note, error)
	UpdateIssueNoteFunc               func(ctx context.Context, projectID, issueIID, noteID int, body string) error
	ListIssueNotesFunc                func(ctx context.Context, projectID, issueIID int) ([]Note, error)
	UpdateIssueFunc                   func(ctx context.Context, projectID, issueIID int, title, description string) error
	CreateMergeRequestNoteFunc        func(ctx context.Context, projectID, mrIID int, body string) (*Note, error)
	UpdateMergeRequestNoteFunc        func(ctx context.Context, projectID, mrIID, noteID int, body string) error
	ListMergeRequestNotesFunc         func(ctx context.Context, projectID, mrIID int) ([]Note, error)
	UpdateMergeRequestFunc            func(ctx context.Context, projectID, mrIID int, title, description string) error
	GetMergeRequestFunc               func(ctx context.Context, projectID, mrIID int) (*MergeRequest, error)
	GetMergeRequestDiffsFunc          func(ctx context.Context, projectID, mrIID int) ([]Diff, error)
	CreateMergeRequestFunc            func(ctx context.Context, projectID int, opts CreateMROptions) (*MergeRequest, error)
	CreateInlineCommentFunc           func(ctx context.Context, projectID, mrIID int, body string, pos Position) error
	ReplyToIssueDiscussionFunc        func(ctx context.Context, projectID, issueIID int, discussionID, body string) (*Note, error)
	ReplyToMergeRequestDiscussionFunc func(ctx context.Context, projectID, mrIID int, discussionID, body string) (*Note, error)
	EditDiscussionNoteFunc            func(ctx context.Context, projectID, mrIID int, discussionID string, noteID int, body string) error
	ResolveDiscussionFunc             func(ctx context.Context, projectID, mrIID int, discussionID string) error
	ListBranchesFunc                  func(ctx context.Context, projectID int) ([]Branch, error)
	CreateBranchFunc                  func(ctx context.Context, projectID int, branch, ref string) error
}

func (m *MockAPI) CreateIssueNote(ctx context.Context, projectID, issueIID int, body string) (*Note, error) {
	if m.CreateIssueNoteFunc != nil {
		return m.CreateIssueNoteFunc(ctx, projectID, issueIID, body)
	}
	return &Note{ID: 1, Body: body}, nil
}

func (m *MockAPI) UpdateIssueNote(ctx context.Context, projectID, issueIID, noteID int, body string) error {
	if m.UpdateIssueNoteFunc != nil {
		return m.UpdateIssueNoteFunc(ctx, projectID, issueIID, noteID, body)
	}
	return nil
}

func (m *MockAPI) ListIssueNotes(ctx context.Context, projectID, issueIID int) ([]Note, error) {
	if m.ListIssueNotesFunc != nil {
		return m.ListIssueNotesFunc(ctx, projectID, issueIID)
	}
	return nil, nil
}

func (m *MockAPI) UpdateIssue(ctx context.Context, projectID, issueIID int, title, description string) error {
	if m.UpdateIssueFunc != nil {
		return m.UpdateIssueFunc(ctx, projectID, issueIID, title, description)
	}
	return nil
}

func (m *MockAPI) CreateMergeRequestNote(ctx context.Context, projectID, mrIID int, body string) (*Note, error) {
	if m.CreateMergeRequestNoteFunc != nil {
		return m.CreateMergeRequestNoteFunc(ctx, projectID, mrIID, body)
	}
	return &Note{ID: 1, Body: body}, nil
}

func (m *MockAPI) UpdateMergeRequestNote(ctx context.Context, projectID, mrIID, noteID int, body string) error {
	if m.UpdateMergeRequestNoteFunc != nil {
		return m.UpdateMergeRequestNoteFunc(ctx, projectID, mrIID, noteID, body)
	}
	return nil
}

func (m *MockAPI) ListMergeRequestNotes(ctx context.Context, projectID, mrIID int) ([]Note, error) {
	if m.ListMergeRequestNotesFunc != nil {
		return m.ListMergeRequestNotesFunc(ctx, projectID, mrIID)
	}
	return nil, nil
}

func (m *MockAPI) UpdateMergeRequest(ctx context.Context, projectID, mrIID int, title, description string) error {
	if m.UpdateMergeRequestFunc != nil {
		return m.UpdateMergeRequestFunc(ctx, projectID, mrIID, title, description)
	}
	return nil
}

func (m *MockAPI) GetMergeRequest(ctx context.Context, projectID, mrIID int) (*MergeRequest, error) {
	if m.GetMergeRequestFunc != nil {
		return m.GetMergeRequestFunc(ctx, projectID, mrIID)
	}
	return &MergeRequest{IID: mrIID}, nil
}

func (m *MockAPI) GetMergeRequestDiffs(ctx context.Context, projectID, mrIID int) ([]Diff, error) {
	if m.GetMergeRequestDiffsFunc != nil {
		return m.GetMergeRequestDiffsFunc(ctx, projectID, mrIID)
	}
	return nil, nil
}

func (m *MockAPI) CreateMergeRequest(ctx context.Context, projectID int, opts CreateMROptions) (*MergeRequest, error) {
	if m.CreateMergeRequestFunc != nil {
		return m.CreateMergeRequestFunc(ctx, projectID, opts)
	}
	return &MergeRequest{IID: 1, SourceBranch: opts.SourceBranch, TargetBranch: opts.TargetBranch, Title: opts.Title}, nil
}

func (m *MockAPI) CreateInlineComment(ctx context.Context, projectID, mrIID int, body string, pos Position) error {
	if m.CreateInlineCommentFunc != nil {
		return m.CreateInlineCommentFunc(ctx, projectID, mrIID, body, pos)
	}
	return nil
}

func (m *MockAPI) ReplyToIssueDiscussion(ctx context.Context, projectID, issueIID int, discussionID, body string) (*Note, error) {
	if m.ReplyToIssueDiscussionFunc != nil {
		return m.ReplyToIssueDiscussionFunc(ctx, projectID, issueIID, discussionID, body)
	}
	return &Note{ID: 1, Body: body}, nil
}

func (m *MockAPI) ReplyToMergeRequestDiscussion(ctx context.Context, projectID, mrIID int, discussionID, body string) (*Note, error) {
	if m.ReplyToMergeRequestDiscussionFunc != nil {
		return m.ReplyToMergeRequestDiscussionFunc(ctx, projectID, mrIID, discussionID, body)
	}
	return &Note{ID: 1, Body: body}, nil
}

func (m *MockAPI) EditDiscussionNote(ctx context.Context, projectID, mrIID int, discussionID string, noteID int, body string) error {
	if m.EditDiscussionNoteFunc != nil {
		return m.EditDiscussionNoteFunc(ctx, projectID, mrIID, discussionID, noteID, body)
	}
	return nil
}

func (m *MockAPI) ResolveDiscussion(ctx context.Context, projectID, mrIID int, discussionID string) error {
	if m.ResolveDiscussionFunc != nil {
		return m.ResolveDiscussionFunc(ctx, projectID, mrIID, discussionID)
	}
	return nil
}

func (m *MockAPI) ListBranches(ctx context.Context, projectID int) ([]Branch, error) {
	if m.ListBranchesFunc != nil {
		return m.ListBranchesFunc(ctx, projectID)
	}
	return nil, nil
}

func (m *MockAPI) CreateBranch(ctx context.Context, projectID int, branch, ref string) error {
	if m.CreateBranchFunc != nil {
		return m.CreateBranchFunc(ctx, projectID, branch, ref)
	}
	return nil
}
