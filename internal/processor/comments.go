package processor

import (
	"context"
	"fmt"
	"log"

	"github.com/cexll/gitlab-copilot/internal/gitlab"
)

// noteRef identifies the progress note that gets rewritten during a run.
type noteRef struct {
	projectID    int
	threadIID    int
	noteID       int
	isMR         bool
	discussionID string
}

// createProgressNote posts the initial progress comment and returns a
// reference to it. Replies land in the triggering discussion when there is
// one, top-level otherwise.
func createProgressNote(ctx context.Context, api gitlab.API, ev *Event, body string) (*noteRef, error) {
	ref := &noteRef{projectID: ev.Project.ID, threadIID: ev.ThreadIID()}

	var note *gitlab.Note
	var err error
	switch {
	case ev.IsMergeRequestNote():
		ref.isMR = true
		ref.discussionID = ev.ObjectAttributes.DiscussionID
		if ref.discussionID != "" {
			note, err = api.ReplyToMergeRequestDiscussion(ctx, ref.projectID, ref.threadIID, ref.discussionID, body)
		} else {
			note, err = api.CreateMergeRequestNote(ctx, ref.projectID, ref.threadIID, body)
		}
	case ev.ObjectKind == KindMergeRequest:
		ref.isMR = true
		note, err = api.CreateMergeRequestNote(ctx, ref.projectID, ref.threadIID, body)
	case ev.IsIssueNote() && ev.ObjectAttributes.DiscussionID != "":
		ref.discussionID = ev.ObjectAttributes.DiscussionID
		note, err = api.ReplyToIssueDiscussion(ctx, ref.projectID, ref.threadIID, ref.discussionID, body)
	default:
		note, err = api.CreateIssueNote(ctx, ref.projectID, ref.threadIID, body)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create progress note: %w", err)
	}
	ref.noteID = note.ID
	return ref, nil
}

// updateNote rewrites the progress note in place.
func updateNote(ctx context.Context, api gitlab.API, ref *noteRef, body string) error {
	if ref.isMR {
		if ref.discussionID != "" {
			return api.EditDiscussionNote(ctx, ref.projectID, ref.threadIID, ref.discussionID, ref.noteID, body)
		}
		return api.UpdateMergeRequestNote(ctx, ref.projectID, ref.threadIID, ref.noteID, body)
	}
	return api.UpdateIssueNote(ctx, ref.projectID, ref.threadIID, ref.noteID, body)
}

// commentUpdater applies rewrites to one note in order. Progress ticks arrive
// from executor goroutines; the queue keeps the final template from racing an
// in-flight progress update.
type commentUpdater struct {
	updates chan string
	done    chan struct{}
}

func newCommentUpdater(ctx context.Context, api gitlab.API, ref *noteRef) *commentUpdater {
	u := &commentUpdater{
		updates: make(chan string, 64),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(u.done)
		for body := range u.updates {
			if err := updateNote(ctx, api, ref, body); err != nil {
				log.Printf("[Processor] Failed to update progress note %d: %v", ref.noteID, err)
			}
		}
	}()
	return u
}

// Push enqueues a rewrite. Drops the update when the queue is saturated;
// a newer one is always right behind.
func (u *commentUpdater) Push(body string) {
	select {
	case u.updates <- body:
	default:
	}
}

// Close waits for every queued rewrite to finish.
func (u *commentUpdater) Close() {
	close(u.updates)
	<-u.done
}

// PushFinal enqueues the terminal rewrite and flushes the queue.
func (u *commentUpdater) PushFinal(body string) {
	u.updates <- body
	u.Close()
}
