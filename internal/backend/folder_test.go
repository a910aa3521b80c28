package backend

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"icebox-go/internal/icebox"
)

func TestFolderBackend_PutFetch(t *testing.T) {
	b := NewFolderBackend(t.TempDir())

	content := "object bytes"
	if err := b.Put("a.data", strings.NewReader(content), int64(len(content)), icebox.ClassArchive); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var buf bytes.Buffer
	if err := b.Fetch("a.data", &buf); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if buf.String() != content {
		t.Errorf("Fetch() = %q, want %q", buf.String(), content)
	}

	info, err := b.Head("a.data")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("Head() size = %d, want %d", info.Size, len(content))
	}
	if info.Restore != icebox.RestoreNotNeeded {
		t.Errorf("Head() restore = %v, want not needed", info.Restore)
	}
}

func TestFolderBackend_PutSizeMismatch(t *testing.T) {
	root := t.TempDir()
	b := NewFolderBackend(root)

	err := b.Put("short.data", strings.NewReader("abc"), 10, icebox.ClassStandard)
	if err == nil {
		t.Fatal("Put() succeeded with a short reader, want error")
	}

	// The torn object must not be visible, not even as a temp file.
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("folder contains %d entries after failed put, want 0", len(entries))
	}
}

func TestFolderBackend_NotFound(t *testing.T) {
	b := NewFolderBackend(t.TempDir())

	var nf *icebox.NotFoundError
	if _, err := b.Head("nope"); !errors.As(err, &nf) {
		t.Errorf("Head() error = %v, want NotFoundError", err)
	}
	if err := b.Fetch("nope", &bytes.Buffer{}); !errors.As(err, &nf) {
		t.Errorf("Fetch() error = %v, want NotFoundError", err)
	}
	if err := b.Delete("nope"); !errors.As(err, &nf) {
		t.Errorf("Delete() error = %v, want NotFoundError", err)
	}
}

func TestFolderBackend_Validate(t *testing.T) {
	if err := NewFolderBackend(t.TempDir()).Validate(); err != nil {
		t.Errorf("Validate() on a directory: %v", err)
	}

	if err := NewFolderBackend(filepath.Join(t.TempDir(), "missing")).Validate(); err == nil {
		t.Error("Validate() on a missing path succeeded")
	}

	file := filepath.Join(t.TempDir(), "plain")
	os.WriteFile(file, []byte("x"), 0644)
	if err := NewFolderBackend(file).Validate(); err == nil {
		t.Error("Validate() on a plain file succeeded")
	}
}

func TestFolderBackend_SynchronousJobs(t *testing.T) {
	b := NewFolderBackend(t.TempDir())
	if err := b.Put("a.data", strings.NewReader("x"), 1, icebox.ClassArchive); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	handle, err := b.StartRetrieval("a.data", nil)
	if err != nil {
		t.Fatalf("StartRetrieval() error = %v", err)
	}
	state, err := b.PollRetrieval(handle)
	if err != nil {
		t.Fatalf("PollRetrieval() error = %v", err)
	}
	if state != icebox.JobReady {
		t.Errorf("PollRetrieval() = %v, want ready", state)
	}

	if state, _ := b.PollRetrieval("gone.data"); state != icebox.JobFailed {
		t.Errorf("PollRetrieval(missing) = %v, want failed", state)
	}
}

func TestFolderBackend_Inventory(t *testing.T) {
	root := t.TempDir()
	b := NewFolderBackend(root)

	b.Put("a.data", strings.NewReader("xx"), 2, icebox.ClassArchive)
	b.Put("a.meta", strings.NewReader("y"), 1, icebox.ClassStandard)
	// Directories are not objects.
	os.Mkdir(filepath.Join(root, "subdir"), 0755)

	handle, err := b.StartInventory(nil)
	if err != nil {
		t.Fatalf("StartInventory() error = %v", err)
	}
	if state, _ := b.PollInventory(handle); state != icebox.JobReady {
		t.Fatalf("PollInventory() = %v, want ready", state)
	}

	objects, err := b.FetchInventory(handle)
	if err != nil {
		t.Fatalf("FetchInventory() error = %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("FetchInventory() returned %d objects, want 2", len(objects))
	}
	if objects[0].Key != "a.data" || objects[1].Key != "a.meta" {
		t.Errorf("FetchInventory() keys = %v", []string{objects[0].Key, objects[1].Key})
	}
}
