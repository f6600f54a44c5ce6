package processor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

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

// Runner abstracts the streaming executor for tests.
type Runner interface {
	Execute(ctx context.Context, adapter provider.Adapter, workdir string, opts claude.Options, onProgress executor.ProgressFunc) (*executor.Result, error)
}

// Processor ties classifier, workspace, executor, and platform API together.
type Processor struct {
	cfg        *config.Config
	sessions   *session.Store
	locks      *session.KeyedMutex
	workspaces *workspace.Manager
	metadata   workspace.MetadataStore
	events     eventstore.Store
	runner     Runner

	// seams for tests
	newAPI     func(baseURL, token string) gitlab.API
	newAdapter func(name string) (provider.Adapter, error)
	nowFunc    func() time.Time
	randFunc   func() string
}

// New creates a processor.
func New(cfg *config.Config, sessions *session.Store, workspaces *workspace.Manager, metadata workspace.MetadataStore, events eventstore.Store, runner Runner) *Processor {
	return &Processor{
		cfg:        cfg,
		sessions:   sessions,
		locks:      session.NewKeyedMutex(),
		workspaces: workspaces,
		metadata:   metadata,
		events:     events,
		runner:     runner,
		newAPI: func(baseURL, token string) gitlab.API {
			return gitlab.NewClient(baseURL, token)
		},
		newAdapter: func(name string) (provider.Adapter, error) {
			return provider.New(&provider.Config{
				Name:               name,
				AnthropicBaseURL:   cfg.AnthropicBaseURL,
				AnthropicAuthToken: cfg.AnthropicAuthToken,
			})
		},
		nowFunc:  time.Now,
		randFunc: randSuffix,
	}
}

func randSuffix() string {
	buf := make([]byte, 3)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// branchName produces the task branch for a fresh session.
func (p *Processor) branchName(providerName string) string {
	return fmt.Sprintf("%s-%s-%s", providerName, p.nowFunc().Format("20060102T150405"), p.randFunc())
}

// Process handles one verified webhook event. eventID references the record
// the receiver already inserted in status received; Process always drives it
// to a terminal status.
func (p *Processor) Process(ctx context.Context, tc *tenant.Context, eventID string, body []byte) {
	ev, err := ParseEvent(body)
	if err != nil {
		log.Printf("[Processor] Invalid payload for event %s: %v", eventID, err)
		p.markDone(ctx, eventID, eventstore.StatusError, fmt.Sprintf("invalid payload: %v", err))
		return
	}

	instr := Classify(ev, p.sessions)
	execute := shouldExecute(ev, instr)

	details := eventstore.Details{
		ContextTitle: ev.ThreadTitle(),
		SourceBranch: ev.ObjectAttributes.SourceBranch,
		TargetBranch: ev.ObjectAttributes.TargetBranch,
	}
	// responseType marks executed instructions only; a mention on an event
	// the decision table ignores (e.g. merge_request/update) stays unmarked.
	if execute {
		details.InstructionText = instr.Command
		details.AIProvider = instr.Provider
		details.ResponseType = eventstore.ResponseInstruction
	}
	if err := p.events.UpdateDetails(ctx, eventID, details); err != nil {
		log.Printf("[Processor] Failed to update event %s details: %v", eventID, err)
	}

	api := p.newAPI(tc.PlatformBaseURL, tc.PlatformAccessToken)
	action := ev.ObjectAttributes.Action

	switch {
	case ev.ObjectKind == KindMergeRequest && (action == "open" || action == "reopen"):
		if execute {
			p.runMergeRequestTask(ctx, tc, api, ev, instr, eventID)
		} else {
			p.markDone(ctx, eventID, eventstore.StatusProcessed, "")
		}
		// merge_request/update never reviews; open and reopen do.
		if p.cfg.CodeReviewExecutor != "" {
			p.runCodeReview(ctx, tc, api, ev)
		}

	case execute && ev.ObjectKind == KindIssue:
		p.runIssueTask(ctx, tc, api, ev, instr, eventID)

	case execute && ev.IsIssueNote():
		p.runIssueNoteTask(ctx, tc, api, ev, instr, eventID)

	case execute && ev.IsMergeRequestNote():
		p.runMergeRequestNoteTask(ctx, tc, api, ev, instr, eventID)

	default:
		log.Printf("[Processor] Event %s (%s/%s) recorded without execution", eventID, ev.ObjectKind, action)
		p.markDone(ctx, eventID, eventstore.StatusProcessed, "")
	}
}

// shouldExecute applies the decision table: which classified events actually
// run the AI. merge_request/update never executes even when mentioned, and
// MR notes only execute on an explicit trigger.
func shouldExecute(ev *Event, instr *Instruction) bool {
	if instr == nil {
		return false
	}
	switch {
	case ev.ObjectKind == KindIssue:
		return true
	case ev.ObjectKind == KindMergeRequest:
		action := ev.ObjectAttributes.Action
		return action == "open" || action == "reopen"
	case ev.IsIssueNote():
		return true
	case ev.IsMergeRequestNote():
		return instr.Trigger != TriggerSession
	}
	return false
}

func (p *Processor) markDone(ctx context.Context, eventID string, status eventstore.Status, errMsg string) {
	if err := p.events.MarkProcessed(ctx, eventID, status, errMsg); err != nil {
		log.Printf("[Processor] Failed to finalize event %s: %v", eventID, err)
	}
}

// task carries everything one execution needs.
type task struct {
	key          string
	baseBranch   string
	branch       string
	newSession   bool
	createMR     bool
	scenario     string
	threadNotes  []gitlab.Note
	snapshotText string
}

func (p *Processor) runIssueTask(ctx context.Context, tc *tenant.Context, api gitlab.API, ev *Event, instr *Instruction, eventID string) {
	key := session.Key(ev.Project.ID, ev.ObjectAttributes.IID, "")
	t := &task{
		key:        key,
		baseBranch: ev.Project.DefaultBranch,
		newSession: true,
		createMR:   true,
		scenario:   claude.ScenarioIssueSession,
	}
	t.branch = p.branchName(instr.Provider)
	p.runTask(ctx, tc, api, ev, instr, eventID, t)
}

func (p *Processor) runMergeRequestTask(ctx context.Context, tc *tenant.Context, api gitlab.API, ev *Event, instr *Instruction, eventID string) {
	key := session.Key(ev.Project.ID, ev.ObjectAttributes.IID, "")
	t := &task{
		key:          key,
		baseBranch:   ev.ObjectAttributes.SourceBranch,
		branch:       ev.ObjectAttributes.SourceBranch,
		newSession:   true,
		scenario:     claude.ScenarioIssueSession,
		snapshotText: mrSnapshot(ctx, api, ev.Project.ID, ev.ObjectAttributes.IID),
	}
	p.runTask(ctx, tc, api, ev, instr, eventID, t)
}

func (p *Processor) runIssueNoteTask(ctx context.Context, tc *tenant.Context, api gitlab.API, ev *Event, instr *Instruction, eventID string) {
	key := session.Key(ev.Project.ID, ev.Issue.IID, ev.ObjectAttributes.DiscussionID)
	t := &task{key: key, baseBranch: ev.Project.DefaultBranch, scenario: claude.ScenarioIssueSession}

	sess, ok := p.peekSession(key)
	if !ok && ev.ObjectAttributes.DiscussionID != "" {
		t.key = session.Key(ev.Project.ID, ev.Issue.IID, "")
		sess, ok = p.peekSession(t.key)
	}
	if ok && sess.BranchName != "" {
		t.branch = sess.BranchName
		if sess.BaseBranch != "" {
			t.baseBranch = sess.BaseBranch
		}
	} else {
		// Mentioned on an issue with no live session: start one.
		t.newSession = true
		t.createMR = true
		t.branch = p.branchName(instr.Provider)
	}

	if notes, err := api.ListIssueNotes(ctx, ev.Project.ID, ev.Issue.IID); err == nil {
		t.threadNotes = notes
	}
	p.runTask(ctx, tc, api, ev, instr, eventID, t)
}

func (p *Processor) runMergeRequestNoteTask(ctx context.Context, tc *tenant.Context, api gitlab.API, ev *Event, instr *Instruction, eventID string) {
	key := session.Key(ev.Project.ID, ev.MergeRequest.IID, ev.ObjectAttributes.DiscussionID)
	t := &task{
		key:          key,
		baseBranch:   ev.MergeRequest.SourceBranch,
		branch:       ev.MergeRequest.SourceBranch,
		scenario:     claude.ScenarioIssueSession,
		snapshotText: mrSnapshot(ctx, api, ev.Project.ID, ev.MergeRequest.IID),
	}
	if _, ok := p.peekSession(key); !ok {
		t.newSession = true
	}
	if notes, err := api.ListMergeRequestNotes(ctx, ev.Project.ID, ev.MergeRequest.IID); err == nil {
		t.threadNotes = notes
	}
	p.runTask(ctx, tc, api, ev, instr, eventID, t)
}

func (p *Processor) peekSession(key string) (*session.Session, bool) {
	if p.sessions == nil {
		return nil, false
	}
	return p.sessions.Peek(key)
}

// runTask is the shared prepare -> execute -> push -> comment pipeline.
func (p *Processor) runTask(ctx context.Context, tc *tenant.Context, api gitlab.API, ev *Event, instr *Instruction, eventID string, t *task) {
	p.locks.Lock(t.key)
	defer p.locks.Unlock(t.key)

	start := p.nowFunc()

	if instr.Scenario != "" {
		t.scenario = instr.Scenario
	}

	adapter, err := p.newAdapter(instr.Provider)
	if err != nil {
		log.Printf("[Processor] %v", err)
		p.markDone(ctx, eventID, eventstore.StatusError, err.Error())
		return
	}

	ref, err := createProgressNote(ctx, api, ev, ProgressComment("🚀 正在准备工作区…"))
	if err != nil {
		log.Printf("[Processor] %v", err)
		p.markDone(ctx, eventID, eventstore.StatusError, err.Error())
		return
	}
	updater := newCommentUpdater(ctx, api, ref)

	fail := func(reason, rawErr string) {
		updater.PushFinal(FailureComment(instr.Command, reason, rawErr))
		p.markDone(ctx, eventID, eventstore.StatusError, reason)
	}

	workspaceID := t.key
	if tc.TenantID != "" {
		workspaceID = tc.TenantID + "/" + t.key
	}
	// Hold the workspace lock for the whole prepare/execute/push span so the
	// cleanup sweep cannot reclaim the checkout underneath a running task.
	lockID := workspace.SanitizeWorkspaceID(workspaceID)
	p.workspaces.Lock(lockID)
	defer p.workspaces.Unlock(lockID)

	path, err := p.workspaces.Prepare(workspace.PrepareOptions{
		RepoURL:     ev.Project.GitHTTPURL,
		Branch:      t.branch,
		AccessToken: tc.PlatformAccessToken,
		WorkspaceID: workspaceID,
	})
	if err != nil {
		log.Printf("[Processor] Workspace prepare failed: %v", err)
		fail("工作区准备失败", err.Error())
		return
	}
	if err := p.metadata.Touch(ctx, workspace.Metadata{ID: workspace.SanitizeWorkspaceID(workspaceID), TenantID: tc.TenantID, ProjectID: ev.Project.ID, Branch: t.branch}); err != nil {
		log.Printf("[Processor] Failed to touch workspace metadata: %v", err)
	}

	var priorSessionID string
	if !t.newSession && p.sessions != nil {
		priorSessionID, _ = p.sessions.GetProviderSession(t.key, instr.Provider)
	}

	opts := claude.Options{
		Prompt:           buildPrompt(instr, ev, t.snapshotText, threadContext(t.threadNotes, ev.ObjectAttributes.ID)),
		SessionID:        priorSessionID,
		NewSession:       t.newSession,
		Scenario:         t.scenario,
		SpecKitCommand:   instr.SpecKitCommand,
		StructuredOutput: true,
	}

	onProgress := func(msg string, final bool) {
		if final {
			return
		}
		updater.Push(ProgressComment(msg))
		p.recordProgress(ctx, tc, ev, msg)
	}

	result, err := p.runner.Execute(ctx, adapter, path, opts, onProgress)
	if err != nil {
		log.Printf("[Processor] Execution failed: %v", err)
		fail("执行器启动失败", err.Error())
		return
	}
	if !result.Success {
		fail("AI 执行失败", result.Error)
		return
	}

	var warnings []string
	mrURL := ""
	if len(result.Changes) > 0 {
		pushRes, pushErr := p.workspaces.CommitAndPushChanges(path, t.branch, commitMessage(instr))
		switch {
		case pushErr != nil:
			if conflict, ok := pushErr.(*workspace.ErrRebaseConflict); ok {
				if resolveErr := p.resolveConflict(ctx, adapter, path, t.branch, conflict, updater); resolveErr != nil {
					warnings = append(warnings, "推送时发生 rebase 冲突且自动解决失败，请手动处理: "+resolveErr.Error())
				} else {
					warnings = append(warnings, "推送时发生 rebase 冲突，已自动解决并推送")
					pushRes = workspace.PushResult{Pushed: true, Rebased: true}
				}
			} else {
				warnings = append(warnings, "推送失败: "+pushErr.Error())
			}
		case pushRes.Rebased:
			warnings = append(warnings, "远端分支有新提交，已自动 rebase 后推送")
		}

		if t.createMR && pushRes.Pushed {
			mr, mrErr := api.CreateMergeRequest(ctx, ev.Project.ID, gitlab.CreateMROptions{
				SourceBranch:       t.branch,
				TargetBranch:       t.baseBranch,
				Title:              fmt.Sprintf("Draft: %s", ev.ThreadTitle()),
				Description:        fmt.Sprintf("Closes #%d", ev.ThreadIID()),
				RemoveSourceBranch: true,
			})
			if mrErr != nil {
				warnings = append(warnings, "创建 MR 失败: "+mrErr.Error())
			} else {
				mrURL = mr.WebURL
			}
		}
	}

	p.saveSession(t, instr.Provider, result.SessionID, ev, mrURL)

	output := result.Output
	if mrURL != "" {
		output += "\n\nMerge request: " + mrURL
	}
	updater.PushFinal(SuccessComment(output, result.Changes, warnings))
	p.markDone(ctx, eventID, eventstore.StatusProcessed, "")
	log.Printf("[Processor] Event %s completed in %s", eventID, time.Since(start))
}

// resolveConflict runs the provider once more against the conflicted files
// left by an interrupted rebase, then continues the rebase and pushes.
func (p *Processor) resolveConflict(ctx context.Context, adapter provider.Adapter, path, branch string, conflict *workspace.ErrRebaseConflict, updater *commentUpdater) error {
	updater.Push(ProgressComment("⚠️ 推送遇到 rebase 冲突，正在自动解决…"))

	result, err := p.runner.Execute(ctx, adapter, path, claude.Options{
		Prompt:           conflictPrompt(conflict),
		NewSession:       true,
		Scenario:         claude.ScenarioIssueSession,
		StructuredOutput: true,
	}, nil)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("conflict resolution run failed: %s", result.Error)
	}
	return p.workspaces.PushAfterConflictResolution(path, branch, conflict.Paths)
}

func (p *Processor) saveSession(t *task, providerName, sessionID string, ev *Event, mrURL string) {
	if p.sessions == nil || sessionID == "" {
		return
	}
	p.sessions.Set(t.key, sessionID, session.ThreadInfo{
		BaseBranch:      t.baseBranch,
		BranchName:      t.branch,
		MergeRequestURL: mrURL,
	}, providerName)
}

func commitMessage(instr *Instruction) string {
	msg := flattenSummary(instr.Command)
	if runes := []rune(msg); len(runes) > 72 {
		msg = string(runes[:72])
	}
	if msg == "" {
		msg = "Apply AI-assisted changes"
	}
	return msg
}

// recordProgress persists a progress tick as its own event row so usage
// statistics can exclude them.
func (p *Processor) recordProgress(ctx context.Context, tc *tenant.Context, ev *Event, message string) {
	now := time.Now()
	rec := &eventstore.Record{
		ID:                 uuid.NewString(),
		TenantID:           tc.TenantID,
		ConfigID:           tc.ConfigID,
		ProjectID:          ev.Project.ID,
		ProjectName:        ev.Project.PathWithNamespace,
		EventKind:          ev.ObjectKind,
		ContextID:          ev.ThreadIID(),
		Status:             eventstore.StatusProcessed,
		ReceivedAt:         now,
		ProcessedAt:        &now,
		ResponseType:       eventstore.ResponseProgress,
		IsProgressResponse: true,
		InstructionText:    message,
	}
	if err := p.events.Insert(ctx, rec); err != nil {
		log.Printf("[Processor] Failed to record progress event: %v", err)
	}
}

// runCodeReview executes the review provider against an opened MR and posts
// the verdict as a regular MR note.
func (p *Processor) runCodeReview(ctx context.Context, tc *tenant.Context, api gitlab.API, ev *Event) {
	providerName := p.cfg.ReviewProvider()
	adapter, err := p.newAdapter(providerName)
	if err != nil {
		log.Printf("[Processor] Code review skipped: %v", err)
		return
	}

	mrIID := ev.ObjectAttributes.IID
	workspaceID := fmt.Sprintf("review/%d:%d", ev.Project.ID, mrIID)
	if tc.TenantID != "" {
		workspaceID = tc.TenantID + "/" + workspaceID
	}
	// Same-MR review events reuse this checkout; serialize them and keep the
	// cleanup sweep out while the review runs.
	lockID := workspace.SanitizeWorkspaceID(workspaceID)
	p.workspaces.Lock(lockID)
	defer p.workspaces.Unlock(lockID)

	path, err := p.workspaces.Prepare(workspace.PrepareOptions{
		RepoURL:     ev.Project.GitHTTPURL,
		Branch:      ev.ObjectAttributes.SourceBranch,
		AccessToken: tc.PlatformAccessToken,
		WorkspaceID: workspaceID,
	})
	if err != nil {
		log.Printf("[Processor] Code review workspace failed: %v", err)
		return
	}

	opts := claude.Options{
		Prompt:           reviewPrompt(ctx, api, ev.Project.ID, mrIID),
		Scenario:         claude.ScenarioCodeReview,
		StructuredOutput: true,
	}
	result, err := p.runner.Execute(ctx, adapter, path, opts, nil)
	if err != nil || !result.Success {
		log.Printf("[Processor] Code review execution failed for !%d: %v", mrIID, err)
		return
	}

	body := "### 🔍 代码审查\n\n" + result.Output
	if _, err := api.CreateMergeRequestNote(ctx, ev.Project.ID, mrIID, body); err != nil {
		log.Printf("[Processor] Failed to post review note: %v", err)
	}
}
