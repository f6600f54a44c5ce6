package workspace

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// CleanupResult reports one reclamation sweep.
type CleanupResult struct {
	Removed    int   `json:"removed"`
	Skipped    int   `json:"skipped"`
	Errors     int   `json:"errors"`
	DurationMs int64 `json:"durationMs"`
}

// CleanupService reclaims workspace directories idle past maxIdle. Metadata
// decides idleness when present; directories without metadata fall back to
// their mtime. Sweeps are single-flight.
type CleanupService struct {
	manager  *Manager
	metadata MetadataStore
	interval time.Duration
	maxIdle  time.Duration

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	lastRun atomic.Int64
}

// NewCleanupService creates the workspace cleanup service.
func NewCleanupService(manager *Manager, metadata MetadataStore, interval, maxIdle time.Duration) *CleanupService {
	return &CleanupService{
		manager:  manager,
		metadata: metadata,
		interval: interval,
		maxIdle:  maxIdle,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the periodic sweep loop.
func (c *CleanupService) Start() {
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		log.Printf("[WorkspaceCleanup] Started (interval=%s, maxIdle=%s)", c.interval, c.maxIdle)
		for {
			select {
			case <-c.stopCh:
				log.Printf("[WorkspaceCleanup] Stopped")
				return
			case <-ticker.C:
				c.RunOnce(context.Background())
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (c *CleanupService) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	<-c.doneCh
}

// RunOnce performs a single sweep.
func (c *CleanupService) RunOnce(ctx context.Context) CleanupResult {
	if !c.running.CompareAndSwap(false, true) {
		log.Printf("[WorkspaceCleanup] Previous sweep still in progress, skipping")
		return CleanupResult{}
	}
	defer c.running.Store(false)

	start := time.Now()
	cutoff := start.Add(-c.maxIdle)
	var result CleanupResult

	// Pass 1: metadata-tracked workspaces past the idle bound.
	idle, err := c.metadata.FindUnusedSince(ctx, cutoff)
	if err != nil {
		log.Printf("[WorkspaceCleanup] Failed to query metadata: %v", err)
		result.Errors++
	}
	for _, meta := range idle {
		if c.removeWorkspace(ctx, meta.ID) {
			result.Removed++
		} else {
			result.Errors++
		}
	}

	// Pass 2: walk the tree down to actual checkouts. Workspace ids carry
	// slashes (tenant prefix), so top-level entries are mostly grouping
	// directories whose own mtime says nothing about the workspaces inside.
	if _, err := os.Stat(c.manager.WorkDir()); err == nil {
		c.sweepDir(ctx, "", cutoff, &result)
	} else if !os.IsNotExist(err) {
		log.Printf("[WorkspaceCleanup] Failed to read workspace root: %v", err)
		result.Errors++
	}

	duration := time.Since(start)
	result.DurationMs = duration.Milliseconds()
	c.lastRun.Store(time.Now().UnixMilli())

	if result.Removed > 0 || result.Errors > 0 {
		log.Printf("[WorkspaceCleanup] Removed %d workspace(s), skipped %d, %d error(s) (%s)",
			result.Removed, result.Skipped, result.Errors, duration)
	}
	return result
}

// sweepDir inspects the directory at rel (relative to the workspace root).
// Tracked workspaces are pass 1 territory: fresh ones count as skipped here.
// Untracked directories with a .git checkout are orphans judged by mtime;
// anything else is a grouping directory to descend into.
func (c *CleanupService) sweepDir(ctx context.Context, rel string, cutoff time.Time, result *CleanupResult) {
	root := c.manager.WorkDir()
	entries, err := os.ReadDir(filepath.Join(root, rel))
	if err != nil {
		log.Printf("[WorkspaceCleanup] Failed to read %s: %v", filepath.Join(root, rel), err)
		result.Errors++
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if rel != "" {
			id = rel + "/" + entry.Name()
		}

		meta, err := c.metadata.Get(ctx, id)
		if err != nil {
			result.Errors++
			continue
		}
		if meta != nil {
			if meta.LastUsedAt.After(cutoff) {
				result.Skipped++
			}
			continue
		}

		if _, statErr := os.Stat(filepath.Join(root, id, ".git")); statErr == nil {
			info, err := entry.Info()
			if err != nil {
				result.Errors++
				continue
			}
			if info.ModTime().After(cutoff) {
				result.Skipped++
				continue
			}
			if c.removeWorkspace(ctx, id) {
				result.Removed++
			} else {
				result.Errors++
			}
			continue
		}

		c.sweepDir(ctx, id, cutoff, result)

		// Grouping directories left empty after their workspaces went away.
		// The mtime gate keeps a directory a concurrent clone just created.
		if info, err := os.Stat(filepath.Join(root, id)); err == nil && info.ModTime().Before(cutoff) {
			if remaining, err := os.ReadDir(filepath.Join(root, id)); err == nil && len(remaining) == 0 {
				os.Remove(filepath.Join(root, id))
			}
		}
	}
}

// removeWorkspace deletes one workspace directory and its metadata under the
// workspace lock, so an in-flight task never loses its checkout mid-run.
func (c *CleanupService) removeWorkspace(ctx context.Context, id string) bool {
	c.manager.Lock(id)
	defer c.manager.Unlock(id)

	path := filepath.Join(c.manager.WorkDir(), id)
	if err := os.RemoveAll(path); err != nil {
		log.Printf("[WorkspaceCleanup] Failed to remove %s: %v", path, err)
		return false
	}
	if err := c.metadata.Remove(ctx, id); err != nil {
		log.Printf("[WorkspaceCleanup] Failed to drop metadata for %s: %v", id, err)
		return false
	}
	return true
}

// LastRun returns when the last sweep completed, zero if never.
func (c *CleanupService) LastRun() time.Time {
	ms := c.lastRun.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
