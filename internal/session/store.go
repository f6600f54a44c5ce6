// Package session tracks per-thread AI provider sessions so follow-up
// comments continue the same conversation.
package session

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// ProviderSession is one provider's session id within a thread.
type ProviderSession struct {
	SessionID string    `json:"sessionId"`
	LastUsed  time.Time `json:"lastUsed"`
}

// Session associates a thread (issue or merge request) with the AI provider
// sessions opened for it. LastProvider always names the provider whose entry
// has the most recent LastUsed.
type Session struct {
	Key              string                      `json:"key"`
	CreatedAt        time.Time                   `json:"createdAt"`
	LastUsed         time.Time                   `json:"lastUsed"`
	LastProvider     string                      `json:"lastProvider"`
	ProviderSessions map[string]*ProviderSession `json:"providerSessions"`
	BaseBranch       string                      `json:"baseBranch,omitempty"`
	BranchName       string                      `json:"branchName,omitempty"`
	MergeRequestURL  string                      `json:"mergeRequestUrl,omitempty"`
	MergeRequestIID  int                         `json:"mergeRequestIid,omitempty"`
	DiscussionID     string                      `json:"discussionId,omitempty"`
}

// ThreadInfo carries the branch and MR bookkeeping stored with a session.
type ThreadInfo struct {
	BaseBranch      string
	BranchName      string
	MergeRequestURL string
	MergeRequestIID int
	DiscussionID    string
}

// Stats summarizes store occupancy.
type Stats struct {
	Count       int `json:"count"`
	MaxSessions int `json:"maxSessions"`
}

// Snapshot persists the session map across restarts. Implementations may be
// a JSON file or nothing at all.
type Snapshot interface {
	Save(sessions map[string]*Session) error
	Load() (map[string]*Session, error)
}

// Key builds the session key "<projectId>:<threadIid>[:<discussionId>]".
func Key(projectID, threadIID int, discussionID string) string {
	key := fmt.Sprintf("%d:%d", projectID, threadIID)
	if discussionID != "" {
		key += ":" + discussionID
	}
	return key
}

// Store is the in-memory session map. All access is lock-protected; the
// per-key execution locks live in locks.go.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
	snapshot    Snapshot
}

// NewStore creates a session store. snapshot may be nil.
func NewStore(maxSessions int, snapshot Snapshot) *Store {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	s := &Store{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		snapshot:    snapshot,
	}
	if snapshot != nil {
		loaded, err := snapshot.Load()
		if err != nil {
			log.Printf("[Session] Failed to load snapshot: %v", err)
		} else if len(loaded) > 0 {
			s.sessions = loaded
			log.Printf("[Session] Restored %d session(s) from snapshot", len(loaded))
		}
	}
	return s
}

// Get returns the session and stamps LastUsed. Used when acquiring a session
// for execution.
func (s *Store) Get(key string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	sess.LastUsed = time.Now()
	return cloneSession(sess), true
}

// Peek returns the session without touching LastUsed.
func (s *Store) Peek(key string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	return cloneSession(sess), true
}

// Set records a provider session id for the thread, creating the session on
// first use and merging any non-empty thread info.
func (s *Store) Set(key, sessionID string, info ThreadInfo, provider string) {
	now := time.Now()

	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		if len(s.sessions) >= s.maxSessions {
			s.evictOldestLocked()
		}
		sess = &Session{
			Key:              key,
			CreatedAt:        now,
			ProviderSessions: make(map[string]*ProviderSession),
		}
		s.sessions[key] = sess
	}

	sess.LastUsed = now
	sess.LastProvider = provider
	sess.ProviderSessions[provider] = &ProviderSession{SessionID: sessionID, LastUsed: now}

	if info.BaseBranch != "" {
		sess.BaseBranch = info.BaseBranch
	}
	if info.BranchName != "" {
		sess.BranchName = info.BranchName
	}
	if info.MergeRequestURL != "" {
		sess.MergeRequestURL = info.MergeRequestURL
	}
	if info.MergeRequestIID != 0 {
		sess.MergeRequestIID = info.MergeRequestIID
	}
	if info.DiscussionID != "" {
		sess.DiscussionID = info.DiscussionID
	}
	s.mu.Unlock()

	s.persist()
}

// GetProviderSession returns the session id stored for one provider.
func (s *Store) GetProviderSession(key, provider string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok {
		return "", false
	}
	ps, ok := sess.ProviderSessions[provider]
	if !ok || ps.SessionID == "" {
		return "", false
	}
	return ps.SessionID, true
}

// Remove deletes one provider's entry, or the whole session when provider is
// empty or the last entry disappears.
func (s *Store) Remove(key, provider string) {
	s.mu.Lock()
	if sess, ok := s.sessions[key]; ok {
		if provider == "" {
			delete(s.sessions, key)
		} else {
			delete(sess.ProviderSessions, provider)
			if len(sess.ProviderSessions) == 0 {
				delete(s.sessions, key)
			} else if sess.LastProvider == provider {
				sess.LastProvider = mostRecentProvider(sess.ProviderSessions)
			}
		}
	}
	s.mu.Unlock()

	s.persist()
}

// CleanExpired removes sessions idle past maxIdle and returns how many.
func (s *Store) CleanExpired(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	expired := 0
	for key, sess := range s.sessions {
		if sess.LastUsed.Before(cutoff) {
			delete(s.sessions, key)
			expired++
		}
	}
	s.mu.Unlock()

	if expired > 0 {
		s.persist()
	}
	return expired
}

// Stats reports current occupancy.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Count: len(s.sessions), MaxSessions: s.maxSessions}
}

// ClearAll drops every session.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	s.persist()
}

func (s *Store) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, sess := range s.sessions {
		if oldestKey == "" || sess.LastUsed.Before(oldest) {
			oldestKey = key
			oldest = sess.LastUsed
		}
	}
	if oldestKey != "" {
		delete(s.sessions, oldestKey)
		log.Printf("[Session] Evicted oldest session %s (store full)", oldestKey)
	}
}

func (s *Store) persist() {
	if s.snapshot == nil {
		return
	}
	s.mu.RLock()
	copied := make(map[string]*Session, len(s.sessions))
	for key, sess := range s.sessions {
		copied[key] = cloneSession(sess)
	}
	s.mu.RUnlock()

	if err := s.snapshot.Save(copied); err != nil {
		log.Printf("[Session] Failed to save snapshot: %v", err)
	}
}

func cloneSession(sess *Session) *Session {
	out := *sess
	out.ProviderSessions = make(map[string]*ProviderSession, len(sess.ProviderSessions))
	for provider, ps := range sess.ProviderSessions {
		copied := *ps
		out.ProviderSessions[provider] = &copied
	}
	return &out
}

func mostRecentProvider(sessions map[string]*ProviderSession) string {
	var name string
	var latest time.Time
	for provider, ps := range sessions {
		if name == "" || ps.LastUsed.After(latest) {
			name = provider
			latest = ps.LastUsed
		}
	}
	return name
}
