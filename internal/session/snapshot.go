package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileSnapshot persists the session map as a JSON file.
type FileSnapshot struct {
	path string
}

// NewFileSnapshot creates a snapshot writing to path.
func NewFileSnapshot(path string) *FileSnapshot {
	return &FileSnapshot{path: path}
}

func (f *FileSnapshot) Save(sessions map[string]*Session) error {
	blob, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	// Write-then-rename so a crash mid-write never corrupts the snapshot.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func (f *FileSnapshot) Load() (map[string]*Session, error) {
	blob, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	sessions := make(map[string]*Session)
	if err := json.Unmarshal(blob, &sessions); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return sessions, nil
}
