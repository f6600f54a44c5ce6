package eventstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()

	rec := &Record{ID: "evt-1", ProjectID: 42, EventKind: "issue"}
	if err := s.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, ok := s.Get("evt-1")
	if !ok {
		t.Fatal("Get() not found after insert")
	}
	if got.Status != StatusReceived {
		t.Errorf("Status = %q, want received", got.Status)
	}
	if got.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not stamped on insert")
	}

	if err := s.MarkProcessed(ctx, "evt-1", StatusProcessed, ""); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	got, _ = s.Get("evt-1")
	if got.Status != StatusProcessed {
		t.Errorf("Status = %q, want processed", got.Status)
	}
	if got.ProcessedAt == nil {
		t.Fatal("ProcessedAt not set after terminal transition")
	}
	if got.ExecutionTimeMs != got.ProcessedAt.Sub(got.ReceivedAt).Milliseconds() {
		t.Errorf("ExecutionTimeMs = %d, inconsistent with timestamps", got.ExecutionTimeMs)
	}
}

func TestMemoryStoreTerminalTransitionHappensOnce(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()

	if err := s.Insert(ctx, &Record{ID: "evt-1"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := s.MarkProcessed(ctx, "evt-1", StatusError, "boom"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	first, _ := s.Get("evt-1")

	// A second terminal transition must be a no-op.
	time.Sleep(2 * time.Millisecond)
	if err := s.MarkProcessed(ctx, "evt-1", StatusProcessed, ""); err != nil {
		t.Fatalf("second MarkProcessed() error = %v", err)
	}
	second, _ := s.Get("evt-1")
	if second.Status != StatusError || !second.ProcessedAt.Equal(*first.ProcessedAt) {
		t.Errorf("second transition mutated the record: %+v", second)
	}
}

func TestMemoryStoreInvalidTerminalStatus(t *testing.T) {
	s := NewMemoryStore(10)
	_ = s.Insert(context.Background(), &Record{ID: "evt-1"})
	if err := s.MarkProcessed(context.Background(), "evt-1", StatusReceived, ""); err == nil {
		t.Fatal("MarkProcessed(received) error = nil, want error")
	}
}

func TestMemoryStoreDuplicateInsert(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	_ = s.Insert(ctx, &Record{ID: "evt-1"})
	if err := s.Insert(ctx, &Record{ID: "evt-1"}); err == nil {
		t.Fatal("duplicate Insert() error = nil, want error")
	}
}

func TestMemoryStoreListRecentExcludesProgress(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	_ = s.Insert(ctx, &Record{ID: "evt-1"})
	_ = s.Insert(ctx, &Record{ID: "evt-2", IsProgressResponse: true, ResponseType: ResponseProgress})
	_ = s.Insert(ctx, &Record{ID: "evt-3"})

	records, err := s.ListRecent(ctx, 10, false)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ListRecent() returned %d records, want 2", len(records))
	}
	if records[0].ID != "evt-3" {
		t.Errorf("newest first: got %q, want evt-3", records[0].ID)
	}

	all, _ := s.ListRecent(ctx, 10, true)
	if len(all) != 3 {
		t.Errorf("ListRecent(includeProgress) returned %d, want 3", len(all))
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	_ = s.Insert(ctx, &Record{ID: "evt-1"})
	_ = s.Insert(ctx, &Record{ID: "evt-2"})
	_ = s.Insert(ctx, &Record{ID: "evt-3"})

	if _, ok := s.Get("evt-1"); ok {
		t.Error("oldest record not evicted")
	}
	if _, ok := s.Get("evt-3"); !ok {
		t.Error("newest record missing after eviction")
	}
}
