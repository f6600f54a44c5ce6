package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// API is the GitLab surface the processor depends on. RealClient talks to a
// live instance, MockAPI stands in for tests.
type API interface {
	CreateIssueNote(ctx context.Context, projectID, issueIID int, body string) (*Note, error)
	UpdateIssueNote(ctx context.Context, projectID, issueIID, noteID int, body string) error
	ListIssueNotes(ctx context.Context, projectID, issueIID int) ([]Note, error)
	UpdateIssue(ctx context.Context, projectID, issueIID int, title, description string) error

	CreateMergeRequestNote(ctx context.Context, projectID, mrIID int, body string) (*Note, error)
	UpdateMergeRequestNote(ctx context.Context, projectID, mrIID, noteID int, body string) error
	ListMergeRequestNotes(ctx context.Context, projectID, mrIID int) ([]Note, error)
	UpdateMergeRequest(ctx context.Context, projectID, mrIID int, title, description string) error
	GetMergeRequest(ctx context.Context, projectID, mrIID int) (*MergeRequest, error)
	GetMergeRequestDiffs(ctx context.Context, projectID, mrIID int) ([]Diff, error)
	CreateMergeRequest(ctx context.Context, projectID int, opts CreateMROptions) (*MergeRequest, error)
	CreateInlineComment(ctx context.Context, projectID, mrIID int, body string, pos Position) error

	ReplyToIssueDiscussion(ctx context.Context, projectID, issueIID int, discussionID, body string) (*Note, error)
	ReplyToMergeRequestDiscussion(ctx context.Context, projectID, mrIID int, discussionID, body string) (*Note, error)
	EditDiscussionNote(ctx context.Context, projectID, mrIID int, discussionID string, noteID int, body string) error
	ResolveDiscussion(ctx context.Context, projectID, mrIID int, discussionID string) error

	ListBranches(ctx context.Context, projectID int) ([]Branch, error)
	CreateBranch(ctx context.Context, projectID int, branch, ref string) error
}

// RealClient implements API against one GitLab instance with one access
// token. Multi-tenant callers build a client per resolved tenant.
type RealClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the given instance. baseURL is the instance
// root, e.g. https://gitlab.example.com.
func NewClient(baseURL, token string) *RealClient {
	return &RealClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// do performs a single API request and decodes the JSON response into out
// when out is non-nil. The HTTP status is returned so callers can decide on
// retries.
func (c *RealClient) do(ctx context.Context, method, path string, payload, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		blob, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(blob)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v4"+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		blob, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return resp.StatusCode, fmt.Errorf("gitlab api %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(blob)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *RealClient) CreateIssueNote(ctx context.Context, projectID, issueIID int, body string) (*Note, error) {
	var note Note
	err := retryWithBackoff(ctx, "create issue note", func() (int, error) {
		return c.do(ctx, http.MethodPost, fmt.Sprintf("/projects/%d/issues/%d/notes", projectID, issueIID), map[string]string{"body": body}, &note)
	})
	if err != nil {
		return nil, err
	}
	return &note, nil
}

func (c *RealClient) UpdateIssueNote(ctx context.Context, projectID, issueIID, noteID int, body string) error {
	return retryWithBackoff(ctx, "update issue note", func() (int, error) {
		return c.do(ctx, http.MethodPut, fmt.Sprintf("/projects/%d/issues/%d/notes/%d", projectID, issueIID, noteID), map[string]string{"body": body}, nil)
	})
}

func (c *RealClient) ListIssueNotes(ctx context.Context, projectID, issueIID int) ([]Note, error) {
	var notes []Note
	err := retryWithBackoff(ctx, "list issue notes", func() (int, error) {
		return c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%d/issues/%d/notes?order_by=created_at&sort=desc&per_page=100", projectID, issueIID), nil, &notes)
	})
	if err != nil {
		return nil, err
	}
	return notes, nil
}

func (c *RealClient) UpdateIssue(ctx context.Context, projectID, issueIID int, title, description string) error {
	payload := map[string]string{}
	if title != "" {
		payload["title"] = title
	}
	payload["description"] = description
	return retryWithBackoff(ctx, "update issue", func() (int, error) {
		return c.do(ctx, http.MethodPut, fmt.Sprintf("/projects/%d/issues/%d", projectID, issueIID), payload, nil)
	})
}

func (c *RealClient) CreateMergeRequestNote(ctx context.Context, projectID, mrIID int, body string) (*Note, error) {
	var note Note
	err := retryWithBackoff(ctx, "create mr note", func() (int, error) {
		return c.do(ctx, http.MethodPost, fmt.Sprintf("/projects/%d/merge_requests/%d/notes", projectID, mrIID), map[string]string{"body": body}, &note)
	})
	if err != nil {
		return nil, err
	}
	return &note, nil
}

func (c *RealClient) UpdateMergeRequestNote(ctx context.Context, projectID, mrIID, noteID int, body string) error {
	return retryWithBackoff(ctx, "update mr note", func() (int, error) {
		return c.do(ctx, http.MethodPut, fmt.Sprintf("/projects/%d/merge_requests/%d/notes/%d", projectID, mrIID, noteID), map[string]string{"body": body}, nil)
	})
}

func (c *RealClient) ListMergeRequestNotes(ctx context.Context, projectID, mrIID int) ([]Note, error) {
	var notes []Note
	err := retryWithBackoff(ctx, "list mr notes", func() (int, error) {
		return c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%d/merge_requests/%d/notes?order_by=created_at&sort=desc&per_page=100", projectID, mrIID), nil, &notes)
	})
	if err != nil {
		return nil, err
	}
	return notes, nil
}

func (c *RealClient) UpdateMergeRequest(ctx context.Context, projectID, mrIID int, title, description string) error {
	payload := map[string]string{}
	if title != "" {
		payload["title"] = title
	}
	payload["description"] = description
	return retryWithBackoff(ctx, "update merge request", func() (int, error) {
		return c.do(ctx, http.MethodPut, fmt.Sprintf("/projects/%d/merge_requests/%d", projectID, mrIID), payload, nil)
	})
}

func (c *RealClient) GetMergeRequest(ctx context.Context, projectID, mrIID int) (*MergeRequest, error) {
	var mr MergeRequest
	err := retryWithBackoff(ctx, "get merge request", func() (int, error) {
		return c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%d/merge_requests/%d", projectID, mrIID), nil, &mr)
	})
	if err != nil {
		return nil, err
	}
	return &mr, nil
}

func (c *RealClient) GetMergeRequestDiffs(ctx context.Context, projectID, mrIID int) ([]Diff, error) {
	var diffs []Diff
	err := retryWithBackoff(ctx, "get merge request diffs", func() (int, error) {
		return c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%d/merge_requests/%d/diffs?per_page=100", projectID, mrIID), nil, &diffs)
	})
	if err != nil {
		return nil, err
	}
	return diffs, nil
}

func (c *RealClient) CreateMergeRequest(ctx context.Context, projectID int, opts CreateMROptions) (*MergeRequest, error) {
	var mr MergeRequest
	err := retryWithBackoff(ctx, "create merge request", func() (int, error) {
		return c.do(ctx, http.MethodPost, fmt.Sprintf("/projects/%d/merge_requests", projectID), opts, &mr)
	})
	if err != nil {
		return nil, err
	}
	return &mr, nil
}

func (c *RealClient) CreateInlineComment(ctx context.Context, projectID, mrIID int, body string, pos Position) error {
	payload := map[string]any{"body": body, "position": pos}
	return retryWithBackoff(ctx, "create inline comment", func() (int, error) {
		return c.do(ctx, http.MethodPost, fmt.Sprintf("/projects/%d/merge_requests/%d/discussions", projectID, mrIID), payload, nil)
	})
}

func (c *RealClient) ReplyToIssueDiscussion(ctx context.Context, projectID, issueIID int, discussionID, body string) (*Note, error) {
	var note Note
	err := retryWithBackoff(ctx, "reply to issue discussion", func() (int, error) {
		return c.do(ctx, http.MethodPost, fmt.Sprintf("/projects/%d/issues/%d/discussions/%s/notes", projectID, issueIID, url.PathEscape(discussionID)), map[string]string{"body": body}, &note)
	})
	if err != nil {
		return nil, err
	}
	return &note, nil
}

func (c *RealClient) ReplyToMergeRequestDiscussion(ctx context.Context, projectID, mrIID int, discussionID, body string) (*Note, error) {
	var note Note
	err := retryWithBackoff(ctx, "reply to mr discussion", func() (int, error) {
		return c.do(ctx, http.MethodPost, fmt.Sprintf("/projects/%d/merge_requests/%d/discussions/%s/notes", projectID, mrIID, url.PathEscape(discussionID)), map[string]string{"body": body}, &note)
	})
	if err != nil {
		return nil, err
	}
	return &note, nil
}

func (c *RealClient) EditDiscussionNote(ctx context.Context, projectID, mrIID int, discussionID string, noteID int, body string) error {
	return retryWithBackoff(ctx, "edit discussion note", func() (int, error) {
		return c.do(ctx, http.MethodPut, fmt.Sprintf("/projects/%d/merge_requests/%d/discussions/%s/notes/%d", projectID, mrIID, url.PathEscape(discussionID), noteID), map[string]string{"body": body}, nil)
	})
}

func (c *RealClient) ResolveDiscussion(ctx context.Context, projectID, mrIID int, discussionID string) error {
	return retryWithBackoff(ctx, "resolve discussion", func() (int, error) {
		return c.do(ctx, http.MethodPut, fmt.Sprintf("/projects/%d/merge_requests/%d/discussions/%s", projectID, mrIID, url.PathEscape(discussionID)), map[string]bool{"resolved": true}, nil)
	})
}

func (c *RealClient) ListBranches(ctx context.Context, projectID int) ([]Branch, error) {
	var branches []Branch
	err := retryWithBackoff(ctx, "list branches", func() (int, error) {
		return c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%d/repository/branches?per_page=100", projectID), nil, &branches)
	})
	if err != nil {
		return nil, err
	}
	return branches, nil
}

func (c *RealClient) CreateBranch(ctx context.Context, projectID int, branch, ref string) error {
	payload := map[string]string{"branch": branch, "ref": ref}
	return retryWithBackoff(ctx, "create branch", func() (int, error) {
		return c.do(ctx, http.MethodPost, fmt.Sprintf("/projects/%d/repository/branches", projectID), payload, nil)
	})
}
