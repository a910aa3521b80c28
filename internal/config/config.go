// Package config defines the per-box configuration and the box registry:
// a base directory holding one subdirectory per box with its config file,
// database, key file and lock file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

const (
	// ConfigFileName is the box config file inside a box directory.
	ConfigFileName = "config.toml"
	// DatabaseFileName is the box metadata database.
	DatabaseFileName = "box.db"
	// KeyFileName is the age key identity.
	KeyFileName = "age.key"
	// LockFileName is the advisory lock guarding a box.
	LockFileName = ".lock"
)

// Backend kind discriminators for BoxConfig.Backend.
const (
	BackendFolder = "folder"
	BackendS3     = "s3"
	BackendWebDAV = "webdav"
)

// BoxConfig binds a box name to a backend and a key identity. Immutable
// once created: it is written exactly once by box init.
// The Backend field is a tagged-union discriminator; only the matching
// sub-struct is meaningful.
type BoxConfig struct {
	Name    string `toml:"name"`
	Backend string `toml:"backend"`

	Folder FolderConfig `toml:"folder,omitempty"`
	S3     S3Config     `toml:"s3,omitempty"`
	WebDAV WebDAVConfig `toml:"webdav,omitempty"`
}

// FolderConfig holds parameters for folder-backed boxes.
type FolderConfig struct {
	Path string `toml:"path"`
}

// S3Config holds parameters for S3-backed boxes.
type S3Config struct {
	Bucket       string `toml:"bucket"`
	Prefix       string `toml:"prefix,omitempty"`
	Region       string `toml:"region,omitempty"`
	Profile      string `toml:"profile,omitempty"`
	StorageClass string `toml:"storage_class"` // GLACIER or DEEP_ARCHIVE
	Tier         string `toml:"tier"`          // default restore tier
}

// WebDAVConfig holds parameters for WebDAV-backed boxes.
type WebDAVConfig struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Read decodes a BoxConfig from r.
func Read(r io.Reader) (*BoxConfig, error) {
	var cfg BoxConfig
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a BoxConfig to w.
func Write(w io.Writer, cfg *BoxConfig) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// BoxDir returns the directory for the named box under baseDir.
func BoxDir(baseDir, name string) string {
	return filepath.Join(baseDir, name)
}

// KeyPath returns the age key file for the named box.
func KeyPath(baseDir, name string) string {
	return filepath.Join(BoxDir(baseDir, name), KeyFileName)
}

// BoxExists reports whether a config file for the named box exists.
func BoxExists(baseDir, name string) bool {
	_, err := os.Stat(filepath.Join(BoxDir(baseDir, name), ConfigFileName))
	return err == nil
}

// LoadBox reads the named box's config from the registry.
func LoadBox(baseDir, name string) (*BoxConfig, error) {
	path := filepath.Join(BoxDir(baseDir, name), ConfigFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("box not found: %s", name)
		}
		return nil, fmt.Errorf("opening box config: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading box config %s: %w", path, err)
	}
	return cfg, nil
}

// InitBox creates the box directory and writes its config file. Fails if
// the box already exists; a box config is never overwritten.
func InitBox(baseDir string, cfg *BoxConfig) error {
	dir := BoxDir(baseDir, cfg.Name)
	path := filepath.Join(dir, ConfigFileName)

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("box already exists: %s", cfg.Name)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating box directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating box config: %w", err)
	}
	defer f.Close()

	if err := Write(f, cfg); err != nil {
		return fmt.Errorf("writing box config %s: %w", path, err)
	}
	return nil
}

// ListBoxes returns the names of all boxes in the registry, sorted.
func ListBoxes(baseDir string) ([]string, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() && BoxExists(baseDir, entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
