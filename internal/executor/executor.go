// Package executor spawns provider CLIs inside prepared workspaces, streams
// progress while they run, and interprets their exit.
package executor

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cexll/gitlab-copilot/internal/provider"
	"github.com/cexll/gitlab-copilot/internal/provider/claude"
	"github.com/cexll/gitlab-copilot/internal/workspace"
)

const (
	// DefaultTimeout bounds one CLI run wall-clock.
	DefaultTimeout = 20 * time.Minute

	progressFlushInterval = 2 * time.Second
	progressFlushBytes    = 500
	errorTailLimit        = 500
)

var execCommandContext = exec.CommandContext

// ProgressFunc receives streamed progress messages. final is true exactly
// once, for the success or failure message.
type ProgressFunc func(message string, final bool)

// FileChange is one worktree modification detected after a run.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // created | modified | deleted
}

// Result is the outcome of one CLI execution.
type Result struct {
	Success   bool
	Output    string
	SessionID string
	Changes   []FileChange
	Error     string
}

// Executor runs provider CLIs.
type Executor struct {
	git     workspace.GitRunner
	timeout time.Duration
}

// New creates an executor. A zero timeout means DefaultTimeout.
func New(git workspace.GitRunner, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{git: git, timeout: timeout}
}

// Execute runs the adapter's CLI in workdir and returns its interpreted
// outcome. Infrastructure failures (binary missing, spawn error) come back as
// a Go error; AI-level failures come back as Result.Success=false.
func (e *Executor) Execute(ctx context.Context, adapter provider.Adapter, workdir string, opts claude.Options, onProgress ProgressFunc) (*Result, error) {
	if onProgress == nil {
		onProgress = func(string, bool) {}
	}

	if err := e.probe(ctx, adapter.BinaryName()); err != nil {
		return nil, err
	}

	onProgress(fmt.Sprintf("🚀 %s is analyzing the task...", adapter.DisplayName()), false)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := execCommandContext(runCtx, adapter.BinaryName(), adapter.BuildArgs(opts)...)
	cmd.Dir = workdir
	cmd.Env = adapter.BuildEnv(opts)
	cmd.Cancel = func() error {
		// SIGTERM lets the CLI flush partial output before dying.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", adapter.BinaryName(), err)
	}
	log.Printf("[Executor] Started %s (pid=%d, timeout=%s)", adapter.BinaryName(), cmd.Process.Pid, e.timeout)

	var (
		mu          sync.Mutex
		outputBuf   strings.Builder
		progressBuf strings.Builder
		stderrBuf   strings.Builder
	)

	flushProgress := func() {
		mu.Lock()
		chunk := progressBuf.String()
		progressBuf.Reset()
		mu.Unlock()
		if chunk == "" {
			return
		}
		if msg := adapter.ExtractProgressMessage(chunk); msg != "" {
			onProgress(msg, false)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				mu.Lock()
				outputBuf.Write(buf[:n])
				progressBuf.Write(buf[:n])
				oversized := progressBuf.Len() >= progressFlushBytes
				mu.Unlock()
				if oversized {
					flushProgress()
				}
			}
			if readErr != nil {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, readErr := stderr.Read(buf)
			if n > 0 {
				mu.Lock()
				stderrBuf.Write(buf[:n])
				mu.Unlock()
				for _, line := range strings.Split(string(buf[:n]), "\n") {
					if line = strings.TrimSpace(line); line != "" {
						onProgress("⚠️ "+line, false)
					}
				}
			}
			if readErr != nil {
				return
			}
		}
	}()

	tickerDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tickerDone:
				return
			case <-ticker.C:
				flushProgress()
			}
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(tickerDone)
	flushProgress()

	output := outputBuf.String()
	changes := e.detectChanges(workdir)

	if runCtx.Err() == context.DeadlineExceeded {
		errMsg := fmt.Sprintf("%s timed out after %s", adapter.DisplayName(), e.timeout)
		log.Printf("[Executor] %s", errMsg)
		return &Result{Success: false, Error: errMsg, Output: output, Changes: changes}, nil
	}

	if waitErr != nil {
		errMsg := deriveErrorMessage(stderrBuf.String(), output, waitErr)
		log.Printf("[Executor] %s exited with error: %s", adapter.BinaryName(), errMsg)
		return &Result{Success: false, Error: errMsg, Output: output, Changes: changes}, nil
	}

	parsed, parseErr := adapter.ParseResult(output)
	if parseErr != nil {
		return &Result{Success: false, Error: parseErr.Error(), Output: output, Changes: changes}, nil
	}

	sessionID := parsed.SessionID
	if sessionID == "" {
		sessionID = opts.SessionID
	}
	log.Printf("[Executor] %s finished (output=%d chars, changes=%d)", adapter.BinaryName(), len(parsed.Text), len(changes))

	return &Result{
		Success:   true,
		Output:    parsed.Text,
		SessionID: sessionID,
		Changes:   changes,
	}, nil
}

// probe asserts the CLI exists before building a workspace-visible progress
// trail around a process that can never start.
func (e *Executor) probe(ctx context.Context, binary string) error {
	cmd := execCommandContext(ctx, binary, "--version")
	if err := cmd.Run(); err != nil {
		return &ErrCLINotInstalled{Binary: binary, Cause: err}
	}
	return nil
}

// deriveErrorMessage picks the most useful failure text: stderr when present,
// else error-keyword lines from stdout, else the output tail.
func deriveErrorMessage(stderr, stdout string, waitErr error) string {
	if msg := strings.TrimSpace(stderr); msg != "" {
		return msg
	}

	var errorLines []string
	for _, line := range strings.Split(stdout, "\n") {
		if strings.Contains(strings.ToLower(line), "error") {
			errorLines = append(errorLines, strings.TrimSpace(line))
		}
	}
	if len(errorLines) > 0 {
		return strings.Join(errorLines, "\n")
	}

	tail := strings.TrimSpace(stdout)
	if runes := []rune(tail); len(runes) > errorTailLimit {
		tail = string(runes[len(runes)-errorTailLimit:])
	}
	if tail != "" {
		return tail
	}
	return waitErr.Error()
}

// detectChanges interprets git status --porcelain in the workdir. Returned on
// every run, success or not, so the orchestrator can decide whether to
// commit.
func (e *Executor) detectChanges(workdir string) []FileChange {
	output, err := e.git.RunInDir(workdir, "git", "status", "--porcelain")
	if err != nil {
		log.Printf("[Executor] Failed to detect changes in %s: %v", workdir, err)
		return nil
	}

	var changes []FileChange
	for _, line := range strings.Split(string(output), "\n") {
		if len(line) < 4 {
			continue
		}
		status := line[:2]
		path := strings.TrimSpace(line[3:])
		if path == "" {
			continue
		}

		kind := "modified"
		switch {
		case status == "??":
			kind = "created"
		case strings.Contains(status, "D"):
			kind = "deleted"
		}
		changes = append(changes, FileChange{Path: path, Kind: kind})
	}
	return changes
}
