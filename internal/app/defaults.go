// Package app wires a box's store, backend, codec and logger into a ready
// BoxService, holding the box's exclusive lock for the App's lifetime.
package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// BaseDir returns the registry base directory, checking ICEBOX_HOME first
// and falling back to ~/.config/icebox.
func BaseDir() (string, error) {
	if path := os.Getenv("ICEBOX_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "icebox"), nil
}

// EnsureBaseDir returns the registry base directory, creating it if needed.
func EnsureBaseDir() (string, error) {
	dir, err := BaseDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating base directory: %w", err)
	}
	return dir, nil
}
