package workspace

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/cexll/gitlab-copilot/internal/session"
)

var invalidWorkspaceChars = regexp.MustCompile(`[^A-Za-z0-9._/-]`)

// SanitizeWorkspaceID maps a workspace identifier onto the filesystem-safe
// alphabet, replacing every other rune with an underscore. The function is
// idempotent: sanitizing a sanitized id is a no-op.
func SanitizeWorkspaceID(id string) string {
	return invalidWorkspaceChars.ReplaceAllString(id, "_")
}

// PrepareOptions describe the working copy a task needs.
type PrepareOptions struct {
	RepoURL     string // http(s) clone URL of the project
	Branch      string // branch to end up on
	AccessToken string // injected as oauth2 basic-auth userinfo
	WorkspaceID string // stable id for reuse; empty means a fresh one-off directory
	CommitName  string
	CommitEmail string
}

// PushResult reports what CommitAndPushChanges did.
type PushResult struct {
	Pushed  bool
	Rebased bool
}

// Manager owns the workspace root directory and the git operations within it.
type Manager struct {
	workDir string
	runner  GitRunner
	locks   *session.KeyedMutex
}

// NewManager creates a workspace manager rooted at workDir.
func NewManager(workDir string, runner GitRunner) *Manager {
	return &Manager{
		workDir: workDir,
		runner:  runner,
		locks:   session.NewKeyedMutex(),
	}
}

// Lock serializes workspace operations for one workspace id.
func (m *Manager) Lock(workspaceID string) { m.locks.Lock(workspaceID) }

// Unlock releases the workspace lock.
func (m *Manager) Unlock(workspaceID string) { m.locks.Unlock(workspaceID) }

// WorkDir returns the workspace root.
func (m *Manager) WorkDir() string { return m.workDir }

// authenticatedURL injects oauth2:<token> userinfo into the clone URL so git
// can authenticate without credential helpers. Tokens never end up in argv
// logs because git is invoked with the full URL as a single argument.
func authenticatedURL(repoURL, token string) (string, error) {
	if token == "" {
		return repoURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("invalid repository URL: %w", err)
	}
	u.User = url.UserPassword("oauth2", token)
	return u.String(), nil
}

// Prepare ensures a working copy exists for the options and returns its path.
// An existing directory is refreshed and switched to the requested branch; a
// missing one is shallow-cloned.
func (m *Manager) Prepare(opts PrepareOptions) (string, error) {
	id := opts.WorkspaceID
	if id == "" {
		id = uuid.NewString()
	}
	id = SanitizeWorkspaceID(id)
	path := filepath.Join(m.workDir, id)

	cloneURL, err := authenticatedURL(opts.RepoURL, opts.AccessToken)
	if err != nil {
		return "", err
	}

	if _, statErr := os.Stat(filepath.Join(path, ".git")); statErr == nil {
		if err := m.refresh(path, cloneURL, opts.Branch); err != nil {
			return "", err
		}
	} else {
		if err := m.clone(path, cloneURL, opts.Branch); err != nil {
			return "", err
		}
	}

	if err := m.configureIdentity(path, opts.CommitName, opts.CommitEmail); err != nil {
		return "", err
	}
	return path, nil
}

func (m *Manager) clone(path, cloneURL, branch string) error {
	if err := os.MkdirAll(m.workDir, 0755); err != nil {
		return fmt.Errorf("failed to create workspace root: %w", err)
	}

	if output, err := m.runner.Run("git", "clone", "--depth", "1", "--branch", branch, cloneURL, path); err != nil {
		// The branch may not exist yet (fresh task branch). Clone the
		// default branch and create it locally.
		log.Printf("[Workspace] Branch clone failed, falling back to default branch: %s", strings.TrimSpace(string(output)))
		os.RemoveAll(path)
		if output, err := m.runner.Run("git", "clone", "--depth", "1", cloneURL, path); err != nil {
			return fmt.Errorf("git clone failed: %w\nOutput: %s", err, string(output))
		}
		if output, err := m.runner.RunInDir(path, "git", "checkout", "-b", branch); err != nil {
			return fmt.Errorf("failed to create branch %s: %w\nOutput: %s", branch, err, string(output))
		}
	}
	return nil
}

// refresh brings a reused working copy up to date on the requested branch.
func (m *Manager) refresh(path, cloneURL, branch string) error {
	// Keep the remote URL current: tokens rotate between events.
	if output, err := m.runner.RunInDir(path, "git", "remote", "set-url", "origin", cloneURL); err != nil {
		return fmt.Errorf("failed to update remote: %w\nOutput: %s", err, string(output))
	}
	if output, err := m.runner.RunInDir(path, "git", "fetch", "origin"); err != nil {
		return fmt.Errorf("git fetch failed: %w\nOutput: %s", err, string(output))
	}

	if _, err := m.runner.RunInDir(path, "git", "checkout", branch); err != nil {
		if _, err := m.runner.RunInDir(path, "git", "checkout", "-b", branch, "origin/"+branch); err != nil {
			// Branch exists nowhere yet; create it from the current HEAD.
			if output, err := m.runner.RunInDir(path, "git", "checkout", "-b", branch); err != nil {
				return fmt.Errorf("failed to switch to branch %s: %w\nOutput: %s", branch, err, string(output))
			}
		}
	}

	// Pull may fail when the branch has no upstream yet; that is fine.
	if output, err := m.runner.RunInDir(path, "git", "pull", "origin", branch); err != nil {
		log.Printf("[Workspace] Pull skipped for %s: %s", branch, strings.TrimSpace(string(output)))
	}
	return nil
}

func (m *Manager) configureIdentity(path, name, email string) error {
	if name == "" {
		name = "GitLab Copilot"
	}
	if email == "" {
		email = "gitlab-copilot@noreply.local"
	}
	if output, err := m.runner.RunInDir(path, "git", "config", "user.name", name); err != nil {
		return fmt.Errorf("failed to set user.name: %w\nOutput: %s", err, string(output))
	}
	if output, err := m.runner.RunInDir(path, "git", "config", "user.email", email); err != nil {
		return fmt.Errorf("failed to set user.email: %w\nOutput: %s", err, string(output))
	}
	return nil
}

// Remote rejections that mean "someone pushed first": recoverable with a
// rebase, unlike auth or protected-branch failures.
var nonFastForwardMarkers = []string{
	"non-fast-forward",
	"fetch first",
	"fetch the latest changes",
	"failed to push some refs",
	"tip of your current branch",
}

func isNonFastForward(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range nonFastForwardMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ErrRebaseConflict marks a push interrupted by rebase conflicts. Paths lists
// the files left in the unmerged state.
type ErrRebaseConflict struct {
	Branch string
	Output string
	Paths  []string
}

func (e *ErrRebaseConflict) Error() string {
	return fmt.Sprintf("rebase onto origin/%s hit conflicts in %s: %s",
		e.Branch, strings.Join(e.Paths, ", "), strings.TrimSpace(e.Output))
}

// conflictedPaths lists files git reports as unmerged in dir.
func (m *Manager) conflictedPaths(dir string) []string {
	output, err := m.runner.RunInDir(dir, "git", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var paths []string
	for _, line := range strings.Split(string(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}

// CommitAndPushChanges stages everything, commits, and pushes the branch.
// A clean tree short-circuits with Pushed=false. A non-fast-forward rejection
// is recovered with pull --rebase and a second push; conflicts surface as
// *ErrRebaseConflict.
func (m *Manager) CommitAndPushChanges(dir, branch, message string) (PushResult, error) {
	if output, err := m.runner.RunInDir(dir, "git", "add", "-A"); err != nil {
		return PushResult{}, fmt.Errorf("git add failed: %w\nOutput: %s", err, string(output))
	}

	status, err := m.runner.RunInDir(dir, "git", "status", "--porcelain")
	if err != nil {
		return PushResult{}, fmt.Errorf("git status failed: %w", err)
	}
	if strings.TrimSpace(string(status)) == "" {
		log.Printf("[Workspace] No changes to commit on %s", branch)
		return PushResult{}, nil
	}

	if output, err := m.runner.RunInDir(dir, "git", "commit", "-m", message); err != nil {
		return PushResult{}, fmt.Errorf("git commit failed: %w\nOutput: %s", err, string(output))
	}

	output, err := m.runner.RunInDir(dir, "git", "push", "origin", branch)
	if err == nil {
		return PushResult{Pushed: true}, nil
	}
	if !isNonFastForward(string(output)) {
		return PushResult{}, fmt.Errorf("git push failed: %w\nOutput: %s", err, string(output))
	}

	log.Printf("[Workspace] Push rejected (non-fast-forward), rebasing %s", branch)
	rebaseOut, rebaseErr := m.runner.RunInDir(dir, "git", "pull", "--rebase", "origin", branch)
	if rebaseErr != nil {
		// A failed pull --rebase is only a conflict when git actually left
		// unmerged files behind; anything else (network, missing upstream)
		// is a plain error.
		if paths := m.conflictedPaths(dir); len(paths) > 0 {
			return PushResult{}, &ErrRebaseConflict{Branch: branch, Output: string(rebaseOut), Paths: paths}
		}
		return PushResult{}, fmt.Errorf("git pull --rebase failed: %w\nOutput: %s", rebaseErr, string(rebaseOut))
	}
	if output, err := m.runner.RunInDir(dir, "git", "push", "origin", branch); err != nil {
		// The local branch has already been rewritten at this point.
		return PushResult{Rebased: true}, fmt.Errorf("git push after rebase failed: %w\nOutput: %s", err, string(output))
	}
	return PushResult{Pushed: true, Rebased: true}, nil
}

// PushAfterConflictResolution continues a conflicted rebase after the listed
// files were fixed up, then pushes. Only the resolved paths are staged, and
// the rebase is not continued while any file is still unmerged.
func (m *Manager) PushAfterConflictResolution(dir, branch string, resolvedPaths []string) error {
	for _, p := range resolvedPaths {
		if output, err := m.runner.RunInDir(dir, "git", "add", "--", p); err != nil {
			return fmt.Errorf("git add %s failed: %w\nOutput: %s", p, err, string(output))
		}
	}
	if remaining := m.conflictedPaths(dir); len(remaining) > 0 {
		return fmt.Errorf("cannot continue rebase, still conflicted: %s", strings.Join(remaining, ", "))
	}
	if output, err := m.runner.RunInDir(dir, "git", "-c", "core.editor=true", "rebase", "--continue"); err != nil {
		return fmt.Errorf("rebase --continue failed: %w\nOutput: %s", err, string(output))
	}
	if output, err := m.runner.RunInDir(dir, "git", "push", "origin", branch); err != nil {
		return fmt.Errorf("git push failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}
