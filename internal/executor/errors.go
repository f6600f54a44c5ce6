package executor

import "fmt"

// ErrCLINotInstalled is returned when the provider binary cannot be spawned
// at all, so the caller can report a configuration problem instead of an AI
// failure.
type ErrCLINotInstalled struct {
	Binary string
	Cause  error
}

func (e *ErrCLINotInstalled) Error() string {
	return fmt.Sprintf("%s CLI is not installed or not executable: %v", e.Binary, e.Cause)
}

func (e *ErrCLINotInstalled) Unwrap() error { return e.Cause }
