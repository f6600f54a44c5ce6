package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the event store used in legacy (non-MongoDB) deployments and
// in tests. It keeps a bounded number of records, newest last.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
	maxSize int
}

// NewMemoryStore creates a memory store holding at most maxSize records.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryStore{
		byID:    make(map[string]int),
		maxSize: maxSize,
	}
}

func (s *MemoryStore) Insert(_ context.Context, rec *Record) error {
	if rec.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusReceived
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[rec.ID]; exists {
		return fmt.Errorf("event %s already exists", rec.ID)
	}

	if len(s.records) >= s.maxSize {
		evicted := s.records[0]
		s.records = s.records[1:]
		delete(s.byID, evicted.ID)
		for id, idx := range s.byID {
			s.byID[id] = idx - 1
		}
	}

	s.records = append(s.records, *rec)
	s.byID[rec.ID] = len(s.records) - 1
	return nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, id string, status Status, errorMessage string) error {
	if status != StatusProcessed && status != StatusError {
		return fmt.Errorf("invalid terminal status: %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("event %s not found", id)
	}
	rec := &s.records[idx]
	if rec.Status != StatusReceived {
		return nil
	}

	now := time.Now().UTC()
	rec.Status = status
	rec.ProcessedAt = &now
	rec.ExecutionTimeMs = now.Sub(rec.ReceivedAt).Milliseconds()
	if errorMessage != "" {
		rec.ErrorMessage = errorMessage
	}
	return nil
}

func (s *MemoryStore) UpdateDetails(_ context.Context, id string, details Details) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("event %s not found", id)
	}
	rec := &s.records[idx]
	if details.InstructionText != "" {
		rec.InstructionText = details.InstructionText
	}
	if details.AIProvider != "" {
		rec.AIProvider = details.AIProvider
	}
	if details.ResponseType != "" {
		rec.ResponseType = details.ResponseType
	}
	if details.SourceBranch != "" {
		rec.SourceBranch = details.SourceBranch
	}
	if details.TargetBranch != "" {
		rec.TargetBranch = details.TargetBranch
	}
	if details.ContextTitle != "" {
		rec.ContextTitle = details.ContextTitle
	}
	return nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int, includeProgress bool) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if !includeProgress && s.records[i].IsProgressResponse {
			continue
		}
		out = append(out, s.records[i])
	}
	return out, nil
}

// Get returns a copy of the record, for tests.
func (s *MemoryStore) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return s.records[idx], true
}
