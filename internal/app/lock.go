package app

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"icebox-go/internal/config"
)

// lockBox takes the exclusive advisory lock for a box directory. Only one
// invocation may operate on a box's database at a time; the lock is released
// by the returned flock's Unlock on every App exit path.
//
// TryLock never blocks: a busy box is an immediate error so the user can
// decide whether to wait.
func lockBox(boxDir string) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(boxDir, config.LockFileName))

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring box lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("box is in use by another icebox process")
	}
	return lock, nil
}
