package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cexll/gitlab-copilot/internal/config"
	"github.com/cexll/gitlab-copilot/internal/eventstore"
	"github.com/cexll/gitlab-copilot/internal/executor"
	"github.com/cexll/gitlab-copilot/internal/gitlab"
	"github.com/cexll/gitlab-copilot/internal/provider"
	"github.com/cexll/gitlab-copilot/internal/provider/claude"
	"github.com/cexll/gitlab-copilot/internal/session"
	"github.com/cexll/gitlab-copilot/internal/tenant"
	"github.com/cexll/gitlab-copilot/internal/workspace"
)

type mockRunner struct {
	mu      sync.Mutex
	result  *executor.Result
	err     error
	calls   int
	gotOpts claude.Options
}

func (m *mockRunner) Execute(_ context.Context, _ provider.Adapter, _ string, opts claude.Options, onProgress executor.ProgressFunc) (*executor.Result, error) {
	m.mu.Lock()
	m.calls++
	m.gotOpts = opts
	m.mu.Unlock()
	if onProgress != nil {
		onProgress("🤖 working", false)
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type fixture struct {
	proc     *Processor
	events   *eventstore.MemoryStore
	sessions *session.Store
	api      *gitlab.MockAPI
	runner   *mockRunner
	git      *workspace.MockGitRunner
	ws       *workspace.Manager
	tc       *tenant.Context
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{AIExecutor: "claude", WorkDir: t.TempDir()}
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}

	events := eventstore.NewMemoryStore(100)
	sessions := session.NewStore(100, nil)
	gitRunner := workspace.NewMockGitRunner()
	gitRunner.RunInDirFunc = func(dir, name string, args ...string) ([]byte, error) {
		if len(args) > 0 && args[0] == "status" {
			return []byte(" M main.go\n"), nil
		}
		return nil, nil
	}
	manager := workspace.NewManager(cfg.WorkDir, gitRunner)
	runner := &mockRunner{result: &executor.Result{
		Success:   true,
		Output:    "Done, fixed it.",
		SessionID: "sess-new",
		Changes:   []executor.FileChange{{Path: "main.go", Kind: "modified"}},
	}}
	api := &gitlab.MockAPI{}

	proc := New(cfg, sessions, manager, workspace.NewMemoryMetadataStore(), events, runner)
	proc.newAPI = func(baseURL, token string) gitlab.API { return api }

	return &fixture{
		proc:     proc,
		events:   events,
		sessions: sessions,
		api:      api,
		runner:   runner,
		git:      gitRunner,
		ws:       manager,
		tc:       &tenant.Context{TenantID: "t1", PlatformBaseURL: "https://gitlab.example.com", PlatformAccessToken: "tok"},
	}
}

func (f *fixture) process(t *testing.T, ev *Event) {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	f.events.Insert(context.Background(), &eventstore.Record{ID: "evt-1", TenantID: "t1", EventKind: ev.ObjectKind})
	f.proc.Process(context.Background(), f.tc, "evt-1", body)
}

func fullIssueEvent(description string) *Event {
	return &Event{
		ObjectKind: KindIssue,
		User:       EventUser{Username: "dev"},
		Project: EventProject{
			ID: 42, PathWithNamespace: "group/app",
			GitHTTPURL: "https://gitlab.example.com/group/app.git", DefaultBranch: "main",
		},
		ObjectAttributes: ObjectAttributes{IID: 7, Action: "open", Title: "Login broken", Description: description},
	}
}

func TestProcessIssueOpenRunsTaskAndOpensMR(t *testing.T) {
	f := newFixture(t, nil)

	var noteBodies []string
	var noteMu sync.Mutex
	f.api.CreateIssueNoteFunc = func(_ context.Context, projectID, issueIID int, body string) (*gitlab.Note, error) {
		noteMu.Lock()
		noteBodies = append(noteBodies, body)
		noteMu.Unlock()
		return &gitlab.Note{ID: 10, Body: body}, nil
	}
	var updates []string
	f.api.UpdateIssueNoteFunc = func(_ context.Context, projectID, issueIID, noteID int, body string) error {
		noteMu.Lock()
		updates = append(updates, body)
		noteMu.Unlock()
		return nil
	}
	var createdMR *gitlab.CreateMROptions
	f.api.CreateMergeRequestFunc = func(_ context.Context, projectID int, opts gitlab.CreateMROptions) (*gitlab.MergeRequest, error) {
		createdMR = &opts
		return &gitlab.MergeRequest{IID: 9, WebURL: "https://gitlab.example.com/group/app/-/merge_requests/9"}, nil
	}

	f.process(t, fullIssueEvent("@claude fix the login bug"))

	if f.runner.calls != 1 {
		t.Fatalf("executor calls = %d, want 1", f.runner.calls)
	}
	if len(noteBodies) == 0 || !strings.Contains(noteBodies[0], "⏳") {
		t.Errorf("initial progress note = %v", noteBodies)
	}
	if len(updates) == 0 || !strings.Contains(updates[len(updates)-1], "### ✅ 工作完成") {
		t.Errorf("final note update missing success template: %v", updates)
	}

	if createdMR == nil {
		t.Fatal("no merge request created")
	}
	if createdMR.TargetBranch != "main" || !strings.HasPrefix(createdMR.SourceBranch, "claude-") {
		t.Errorf("MR branches = %+v", createdMR)
	}

	sess, ok := f.sessions.Peek(session.Key(42, 7, ""))
	if !ok {
		t.Fatal("session not saved")
	}
	if sess.ProviderSessions["claude"].SessionID != "sess-new" {
		t.Errorf("session id = %+v", sess.ProviderSessions)
	}

	rec, _ := f.events.Get("evt-1")
	if rec.Status != eventstore.StatusProcessed {
		t.Errorf("event status = %q, want processed", rec.Status)
	}
	if rec.ResponseType != eventstore.ResponseInstruction {
		t.Errorf("responseType = %q, want instruction", rec.ResponseType)
	}
}

func TestProcessEventWithoutTriggerRecordedOnly(t *testing.T) {
	f := newFixture(t, nil)

	f.process(t, fullIssueEvent("just describing a problem"))

	if f.runner.calls != 0 {
		t.Errorf("executor calls = %d, want 0", f.runner.calls)
	}
	rec, _ := f.events.Get("evt-1")
	if rec.Status != eventstore.StatusProcessed {
		t.Errorf("event status = %q, ignored events still get a terminal status", rec.Status)
	}
	if rec.ResponseType == eventstore.ResponseInstruction {
		t.Error("responseType = instruction without a trigger")
	}
}

func TestProcessIssueNoteContinuesSession(t *testing.T) {
	f := newFixture(t, nil)
	key := session.Key(42, 7, "")
	f.sessions.Set(key, "codex-old", session.ThreadInfo{BaseBranch: "main", BranchName: "codex-20260101T000000-abc"}, "codex")

	ev := &Event{
		ObjectKind: KindNote,
		Project:    EventProject{ID: 42, GitHTTPURL: "https://gitlab.example.com/group/app.git", DefaultBranch: "main"},
		Issue:      &NoteableIssue{IID: 7, Title: "Login broken"},
		ObjectAttributes: ObjectAttributes{
			ID: 555, Note: "also handle expired tokens", NoteableType: "Issue",
		},
	}
	f.process(t, ev)

	if f.runner.calls != 1 {
		t.Fatalf("executor calls = %d, want 1", f.runner.calls)
	}
	if f.runner.gotOpts.SessionID != "codex-old" {
		t.Errorf("resumed SessionID = %q, want codex-old", f.runner.gotOpts.SessionID)
	}
	if f.runner.gotOpts.NewSession {
		t.Error("NewSession = true for a continuation")
	}
}

func TestProcessMRNoteWithoutMentionIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.Set(session.Key(42, 3, ""), "s1", session.ThreadInfo{}, "claude")

	ev := &Event{
		ObjectKind:       KindNote,
		Project:          EventProject{ID: 42},
		MergeRequest:     &NoteableMergeRequest{IID: 3, SourceBranch: "feature"},
		ObjectAttributes: ObjectAttributes{ID: 556, Note: "this still looks off", NoteableType: "MergeRequest"},
	}
	f.process(t, ev)

	if f.runner.calls != 0 {
		t.Errorf("executor calls = %d, MR notes need an explicit mention", f.runner.calls)
	}
	rec, _ := f.events.Get("evt-1")
	if rec.Status != eventstore.StatusProcessed {
		t.Errorf("event status = %q", rec.Status)
	}
}

func TestProcessMROpenTriggersCodeReview(t *testing.T) {
	cfg := &config.Config{AIExecutor: "claude", CodeReviewExecutor: "claude"}
	f := newFixture(t, cfg)

	var reviewBody string
	f.api.CreateMergeRequestNoteFunc = func(_ context.Context, projectID, mrIID int, body string) (*gitlab.Note, error) {
		if strings.Contains(body, "代码审查") {
			reviewBody = body
		}
		return &gitlab.Note{ID: 20, Body: body}, nil
	}

	ev := &Event{
		ObjectKind: KindMergeRequest,
		Project:    EventProject{ID: 42, GitHTTPURL: "https://gitlab.example.com/group/app.git", DefaultBranch: "main"},
		ObjectAttributes: ObjectAttributes{
			IID: 3, Action: "open", Title: "Add caching",
			SourceBranch: "feature", TargetBranch: "main",
			Description: "no mention here",
		},
	}
	f.process(t, ev)

	if reviewBody == "" {
		t.Fatal("no review note posted on MR open")
	}
	if !strings.Contains(reviewBody, "Done, fixed it.") {
		t.Errorf("review note = %q, want executor output", reviewBody)
	}
}

func TestProcessMRUpdateNeverReviews(t *testing.T) {
	cfg := &config.Config{AIExecutor: "claude", CodeReviewExecutor: "claude"}
	f := newFixture(t, cfg)

	ev := &Event{
		ObjectKind: KindMergeRequest,
		Project:    EventProject{ID: 42, GitHTTPURL: "https://gitlab.example.com/group/app.git"},
		ObjectAttributes: ObjectAttributes{
			IID: 3, Action: "update", SourceBranch: "feature", TargetBranch: "main",
			Description: "no mention",
		},
	}
	f.process(t, ev)

	if f.runner.calls != 0 {
		t.Errorf("executor calls = %d on merge_request/update, want 0", f.runner.calls)
	}
}

// A mention on merge_request/update is classified but never executed, so the
// record must not carry responseType=instruction.
func TestProcessMRUpdateWithMentionRecordedWithoutInstruction(t *testing.T) {
	f := newFixture(t, nil)

	ev := &Event{
		ObjectKind: KindMergeRequest,
		Project:    EventProject{ID: 42, GitHTTPURL: "https://gitlab.example.com/group/app.git"},
		ObjectAttributes: ObjectAttributes{
			IID: 3, Action: "update", SourceBranch: "feature", TargetBranch: "main",
			Description: "@claude review this again",
		},
	}
	f.process(t, ev)

	if f.runner.calls != 0 {
		t.Fatalf("executor calls = %d, want 0", f.runner.calls)
	}
	rec, _ := f.events.Get("evt-1")
	if rec.Status != eventstore.StatusProcessed {
		t.Errorf("event status = %q, want processed", rec.Status)
	}
	if rec.ResponseType != "" {
		t.Errorf("responseType = %q, want omitted on an unexecuted mention", rec.ResponseType)
	}
	if rec.InstructionText != "" {
		t.Errorf("instructionText = %q, want empty", rec.InstructionText)
	}
}

// A push rejected with rebase conflicts gets a second provider run against
// the unmerged files, then the rebase continues and the push succeeds.
func TestProcessPushConflictResolvedAutomatically(t *testing.T) {
	f := newFixture(t, nil)

	pushes, diffs := 0, 0
	f.git.RunInDirFunc = func(dir, name string, args ...string) ([]byte, error) {
		switch args[0] {
		case "status":
			return []byte(" M main.go\n"), nil
		case "push":
			pushes++
			if pushes == 1 {
				return []byte("! [rejected] (fetch first)"), errors.New("exit status 1")
			}
			return nil, nil
		case "pull":
			return []byte("CONFLICT (content): Merge conflict in main.go"), errors.New("exit status 1")
		case "diff":
			diffs++
			if diffs == 1 {
				return []byte("main.go\n"), nil
			}
			return []byte(""), nil
		}
		return nil, nil
	}

	var finalBody string
	var mu sync.Mutex
	f.api.UpdateIssueNoteFunc = func(_ context.Context, projectID, issueIID, noteID int, body string) error {
		mu.Lock()
		finalBody = body
		mu.Unlock()
		return nil
	}
	mrCreated := false
	f.api.CreateMergeRequestFunc = func(_ context.Context, projectID int, opts gitlab.CreateMROptions) (*gitlab.MergeRequest, error) {
		mrCreated = true
		return &gitlab.MergeRequest{IID: 9, WebURL: "https://gitlab.example.com/group/app/-/merge_requests/9"}, nil
	}

	f.process(t, fullIssueEvent("@claude fix the login bug"))

	if f.runner.calls != 2 {
		t.Fatalf("executor calls = %d, want task run plus conflict resolution", f.runner.calls)
	}
	if !strings.Contains(f.runner.gotOpts.Prompt, "main.go") || !strings.Contains(f.runner.gotOpts.Prompt, "rebase") {
		t.Errorf("resolution prompt = %q, want conflicted file list", f.runner.gotOpts.Prompt)
	}

	var sawContinue bool
	for _, call := range f.git.Calls {
		if strings.Contains(strings.Join(call.Args, " "), "rebase --continue") {
			sawContinue = true
		}
	}
	if !sawContinue {
		t.Error("rebase never continued after resolution")
	}
	if pushes != 2 {
		t.Errorf("pushes = %d, want retry after resolution", pushes)
	}
	if !mrCreated {
		t.Error("no merge request after the resolved push")
	}
	if !strings.Contains(finalBody, "已自动解决") {
		t.Errorf("final body = %q, want resolution warning", finalBody)
	}
	rec, _ := f.events.Get("evt-1")
	if rec.Status != eventstore.StatusProcessed {
		t.Errorf("event status = %q, want processed", rec.Status)
	}
}

func TestProcessPushConflictResolutionFailureWarns(t *testing.T) {
	f := newFixture(t, nil)

	f.git.RunInDirFunc = func(dir, name string, args ...string) ([]byte, error) {
		switch args[0] {
		case "status":
			return []byte(" M main.go\n"), nil
		case "push":
			return []byte("! [rejected] (fetch first)"), errors.New("exit status 1")
		case "pull":
			return []byte("CONFLICT (content): Merge conflict in main.go"), errors.New("exit status 1")
		case "diff":
			// Files stay unmerged even after the resolution run.
			return []byte("main.go\n"), nil
		}
		return nil, nil
	}

	var finalBody string
	var mu sync.Mutex
	f.api.UpdateIssueNoteFunc = func(_ context.Context, projectID, issueIID, noteID int, body string) error {
		mu.Lock()
		finalBody = body
		mu.Unlock()
		return nil
	}
	f.api.CreateMergeRequestFunc = func(_ context.Context, projectID int, opts gitlab.CreateMROptions) (*gitlab.MergeRequest, error) {
		t.Error("merge request created without a successful push")
		return nil, errors.New("unexpected")
	}

	f.process(t, fullIssueEvent("@claude fix the login bug"))

	if !strings.Contains(finalBody, "请手动处理") {
		t.Errorf("final body = %q, want manual-resolution warning", finalBody)
	}
}

// The review checkout must stay locked while the provider runs so the idle
// sweep cannot reclaim it mid-review.
func TestCodeReviewHoldsWorkspaceLock(t *testing.T) {
	cfg := &config.Config{AIExecutor: "claude", CodeReviewExecutor: "claude"}
	f := newFixture(t, cfg)

	entered := make(chan struct{})
	release := make(chan struct{})
	inner := f.proc.runner
	f.proc.runner = runnerFunc(func(ctx context.Context, adapter provider.Adapter, workdir string, opts claude.Options, onProgress executor.ProgressFunc) (*executor.Result, error) {
		close(entered)
		<-release
		return inner.Execute(ctx, adapter, workdir, opts, onProgress)
	})

	ev := &Event{
		ObjectKind: KindMergeRequest,
		Project:    EventProject{ID: 42, GitHTTPURL: "https://gitlab.example.com/group/app.git", DefaultBranch: "main"},
		ObjectAttributes: ObjectAttributes{
			IID: 3, Action: "open", SourceBranch: "feature", TargetBranch: "main",
			Description: "no mention here",
		},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.process(t, ev)
	}()
	<-entered

	lockID := workspace.SanitizeWorkspaceID("t1/review/42:3")
	acquired := make(chan struct{})
	go func() {
		f.ws.Lock(lockID)
		f.ws.Unlock(lockID)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("workspace lock free while the review was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	<-done
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("workspace lock never released after the review")
	}
}

// runnerFunc adapts a function to the Runner interface.
type runnerFunc func(ctx context.Context, adapter provider.Adapter, workdir string, opts claude.Options, onProgress executor.ProgressFunc) (*executor.Result, error)

func (f runnerFunc) Execute(ctx context.Context, adapter provider.Adapter, workdir string, opts claude.Options, onProgress executor.ProgressFunc) (*executor.Result, error) {
	return f(ctx, adapter, workdir, opts, onProgress)
}

func TestProcessExecutionFailurePostsFailureTemplate(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.result = &executor.Result{Success: false, Error: "rate limit exceeded"}

	var finalBody string
	var mu sync.Mutex
	f.api.UpdateIssueNoteFunc = func(_ context.Context, projectID, issueIID, noteID int, body string) error {
		mu.Lock()
		finalBody = body
		mu.Unlock()
		return nil
	}

	f.process(t, fullIssueEvent("@claude fix it"))

	if !strings.Contains(finalBody, "### ❌ 工作失败") {
		t.Errorf("final body = %q, want failure template", finalBody)
	}
	if !strings.Contains(finalBody, "rate limit exceeded") {
		t.Errorf("final body missing raw error: %q", finalBody)
	}

	rec, _ := f.events.Get("evt-1")
	if rec.Status != eventstore.StatusError {
		t.Errorf("event status = %q, want error", rec.Status)
	}
	if rec.ProcessedAt == nil {
		t.Error("ProcessedAt not stamped on terminal transition")
	}
}

func TestProcessRecordsProgressEvents(t *testing.T) {
	f := newFixture(t, nil)

	f.process(t, fullIssueEvent("@claude fix it"))

	recent, _ := f.events.ListRecent(context.Background(), 50, true)
	var progress int
	for _, rec := range recent {
		if rec.IsProgressResponse {
			progress++
			if rec.ResponseType != eventstore.ResponseProgress {
				t.Errorf("progress row responseType = %q", rec.ResponseType)
			}
		}
	}
	if progress == 0 {
		t.Error("no progress event rows recorded")
	}

	excluded, _ := f.events.ListRecent(context.Background(), 50, false)
	for _, rec := range excluded {
		if rec.IsProgressResponse {
			t.Error("progress rows returned with includeProgress=false")
		}
	}
}
