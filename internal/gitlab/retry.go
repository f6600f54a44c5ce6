package gitlab

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	defaultMaxRetries   = 3
	defaultInitialDelay = 500 * time.Millisecond
)

// isRetryable reports whether a request is worth repeating: rate limiting,
// server-side failures and transport-level errors qualify, 4xx rejections
// other than 429 do not.
func isRetryable(status int, err error) bool {
	if status == http.StatusTooManyRequests || status >= 500 {
		return true
	}
	if status >= 400 {
		return false
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "no such host")
}

// retryWithBackoff runs fn until it succeeds, fails permanently, or the
// attempt budget is spent. The delay doubles after each failure.
func retryWithBackoff(ctx context.Context, label string, fn func() (int, error)) error {
	delay := defaultInitialDelay
	var lastErr error

	for attempt := 1; attempt <= defaultMaxRetries; attempt++ {
		status, err := fn()
		if err == nil && status < 400 {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("gitlab api returned %d", status)
		}
		if !isRetryable(status, err) {
			return err
		}
		lastErr = err

		if attempt < defaultMaxRetries {
			log.Printf("[GitLab] %s failed (attempt %d/%d): %v, retrying in %s", label, attempt, defaultMaxRetries, err, delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", label, defaultMaxRetries, lastErr)
}
