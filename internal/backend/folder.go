// Package backend provides the storage backend implementations: a local
// folder, a WebDAV endpoint, Amazon S3 (standard and archive tiers) and an
// in-memory backend for tests.
package backend

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"icebox-go/internal/icebox"
)

// FolderBackend stores objects as plain files in a local directory. It is
// fully synchronous: retrievals and inventories report Ready immediately.
type FolderBackend struct {
	root string
}

var _ icebox.Backend = (*FolderBackend)(nil)

// NewFolderBackend creates a backend rooted at the given directory.
func NewFolderBackend(root string) *FolderBackend {
	return &FolderBackend{root: root}
}

// Validate checks that the root exists and is a writable directory.
func (b *FolderBackend) Validate() error {
	info, err := os.Stat(b.root)
	if err != nil {
		return &icebox.FatalError{Op: "validate", Err: fmt.Errorf("folder not accessible: %w", err)}
	}
	if !info.IsDir() {
		return &icebox.FatalError{Op: "validate", Err: fmt.Errorf("not a directory: %s", b.root)}
	}
	return nil
}

// Put writes size bytes from r under key using a temp file and an atomic
// rename, so a crash never leaves a torn object. The storage class is
// ignored: a folder has no tiers.
func (b *FolderBackend) Put(key string, r io.Reader, size int64, _ icebox.StorageClass) error {
	destPath := filepath.Join(b.root, key)

	tmpFile, err := os.CreateTemp(b.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing object: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	success = true
	return nil
}

func (b *FolderBackend) Head(key string) (*icebox.ObjectInfo, error) {
	info, err := os.Stat(filepath.Join(b.root, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &icebox.NotFoundError{Kind: "object", Name: key}
		}
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}
	return &icebox.ObjectInfo{
		Key:     key,
		Size:    info.Size(),
		Class:   icebox.ClassStandard,
		Restore: icebox.RestoreNotNeeded,
	}, nil
}

func (b *FolderBackend) Delete(key string) error {
	err := os.Remove(filepath.Join(b.root, key))
	if err != nil {
		if os.IsNotExist(err) {
			return &icebox.NotFoundError{Kind: "object", Name: key}
		}
		return fmt.Errorf("removing object %s: %w", key, err)
	}
	return nil
}

func (b *FolderBackend) Fetch(key string, w io.Writer) error {
	f, err := os.Open(filepath.Join(b.root, key))
	if err != nil {
		if os.IsNotExist(err) {
			return &icebox.NotFoundError{Kind: "object", Name: key}
		}
		return fmt.Errorf("opening object %s: %w", key, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading object %s: %w", key, err)
	}
	return nil
}

// StartRetrieval is a no-op: folder objects are always fetchable. The key
// doubles as the job handle, as in every synchronous backend.
func (b *FolderBackend) StartRetrieval(key string, _ icebox.Options) (string, error) {
	return key, nil
}

func (b *FolderBackend) PollRetrieval(handle string) (icebox.JobState, error) {
	if _, err := os.Stat(filepath.Join(b.root, handle)); err != nil {
		if os.IsNotExist(err) {
			return icebox.JobFailed, nil
		}
		return icebox.JobFailed, fmt.Errorf("stat object %s: %w", handle, err)
	}
	return icebox.JobReady, nil
}

func (b *FolderBackend) StartInventory(_ icebox.Options) (string, error) {
	return inventoryHandle, nil
}

func (b *FolderBackend) PollInventory(string) (icebox.JobState, error) {
	return icebox.JobReady, nil
}

func (b *FolderBackend) FetchInventory(string) ([]icebox.ObjectInfo, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("listing folder: %w", err)
	}

	var objects []icebox.ObjectInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		objects = append(objects, icebox.ObjectInfo{
			Key:     entry.Name(),
			Size:    info.Size(),
			Class:   icebox.ClassStandard,
			Restore: icebox.RestoreNotNeeded,
		})
	}
	return objects, nil
}

// inventoryHandle is the job handle synchronous backends return from
// StartInventory; their inventories complete immediately.
const inventoryHandle = "inventory"
