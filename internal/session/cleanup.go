package session

import (
	"log"
	"sync/atomic"
	"time"
)

// slowSweepThreshold triggers a warning when one sweep takes longer.
const slowSweepThreshold = 5 * time.Second

// CleanupResult reports the outcome of one sweep.
type CleanupResult struct {
	Expired    int   `json:"expired"`
	Remaining  int   `json:"remaining"`
	DurationMs int64 `json:"durationMs"`
}

// CleanupService periodically removes sessions idle past MaxIdleTime. Sweeps
// are single-flight: a tick is skipped while a pass is still running.
type CleanupService struct {
	store    *Store
	interval time.Duration
	maxIdle  time.Duration

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	lastRun atomic.Int64 // unix ms of the last completed sweep
}

// NewCleanupService creates the session cleanup service.
func NewCleanupService(store *Store, interval, maxIdle time.Duration) *CleanupService {
	return &CleanupService{
		store:    store,
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

		log.Printf("[SessionCleanup] Started (interval=%s, maxIdle=%s)", c.interval, c.maxIdle)
		for {
			select {
			case <-c.stopCh:
				log.Printf("[SessionCleanup] Stopped")
				return
			case <-ticker.C:
				c.RunOnce()
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

// RunOnce performs a single sweep. It may also be invoked manually.
func (c *CleanupService) RunOnce() CleanupResult {
	if !c.running.CompareAndSwap(false, true) {
		log.Printf("[SessionCleanup] Previous sweep still in progress, skipping")
		stats := c.store.Stats()
		return CleanupResult{Remaining: stats.Count}
	}
	defer c.running.Store(false)

	start := time.Now()
	expired := c.store.CleanExpired(c.maxIdle)
	duration := time.Since(start)
	stats := c.store.Stats()
	c.lastRun.Store(time.Now().UnixMilli())

	if expired > 0 {
		log.Printf("[SessionCleanup] Removed %d expired session(s), %d remaining (%s)", expired, stats.Count, duration)
	}
	if duration > slowSweepThreshold {
		log.Printf("[SessionCleanup] Warning: sweep took %s", duration)
	}
	if stats.MaxSessions > 0 && stats.Count*100 >= stats.MaxSessions*80 {
		log.Printf("[SessionCleanup] Warning: session store at %d/%d (>80%% occupancy)", stats.Count, stats.MaxSessions)
	}

	return CleanupResult{
		Expired:    expired,
		Remaining:  stats.Count,
		DurationMs: duration.Milliseconds(),
	}
}

// LastRun returns when the last sweep completed, zero if never.
func (c *CleanupService) LastRun() time.Time {
	ms := c.lastRun.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
