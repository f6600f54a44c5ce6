// Package workspace manages per-thread git working copies: cloning, reuse,
// commit/push with rebase recovery, and idle cleanup.
package workspace

import "os/exec"

// GitRunner executes external commands for the manager. The seam exists so
// tests can script git's behavior without a real repository.
type GitRunner interface {
	Run(name string, args ...string) ([]byte, error)
	RunInDir(dir, name string, args ...string) ([]byte, error)
}

// RealGitRunner shells out via os/exec, capturing combined output because git
// writes its interesting diagnostics to stderr.
type RealGitRunner struct{}

func (r *RealGitRunner) Run(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

func (r *RealGitRunner) RunInDir(dir, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// MockGitRunner records every invocation and answers through the overridable
// funcs; with no override a command succeeds with empty output.
type MockGitRunner struct {
	RunFunc      func(name string, args ...string) ([]byte, error)
	RunInDirFunc func(dir, name string, args ...string) ([]byte, error)

	Calls []MockCall
}

// MockCall is one recorded invocation. Dir is empty for Run.
type MockCall struct {
	Name string
	Args []string
	Dir  string
}

func (m *MockGitRunner) Run(name string, args ...string) ([]byte, error) {
	m.Calls = append(m.Calls, MockCall{Name: name, Args: args})
	if m.RunFunc != nil {
		return m.RunFunc(name, args...)
	}
	return []byte(""), nil
}

func (m *MockGitRunner) RunInDir(dir, name string, args ...string) ([]byte, error) {
	m.Calls = append(m.Calls, MockCall{Name: name, Args: args, Dir: dir})
	if m.RunInDirFunc != nil {
		return m.RunInDirFunc(dir, name, args...)
	}
	return []byte(""), nil
}

// NewMockGitRunner returns a mock where every command succeeds.
func NewMockGitRunner() *MockGitRunner {
	return &MockGitRunner{Calls: make([]MockCall, 0)}
}
