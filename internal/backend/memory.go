package backend

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"icebox-go/internal/icebox"
)

// MemoryBackend is an in-memory Backend for tests. By default it behaves
// like a synchronous backend; with Archive set it simulates an archive tier
// where data objects need a restore that completes after RestorePolls polls.
// It counts Start* calls so tests can assert the at-most-one-job invariants.
// Safe for concurrent use.
type MemoryBackend struct {
	mu sync.Mutex

	// Archive simulates archive-tier behavior for ClassArchive objects.
	Archive bool
	// RestorePolls is how many PollRetrieval calls a restore needs before
	// reporting Ready. Zero completes on the first poll.
	RestorePolls int
	// InventoryPolls is the same for inventory jobs.
	InventoryPolls int

	// FailRestores makes every retrieval job report Failed.
	FailRestores bool

	// StartRetrievalCalls and StartInventoryCalls count backend requests
	// actually issued (attaching to a running restore does not count).
	StartRetrievalCalls int
	StartInventoryCalls int

	objects  map[string]*memoryObject
	invPolls int
	invOpen  bool
}

type memoryObject struct {
	data     []byte
	class    icebox.StorageClass
	restored bool
	polls    int // remaining polls until restore completes; -1 = no restore running
}

var _ icebox.Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty synchronous in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]*memoryObject)}
}

// NewArchiveMemoryBackend creates an in-memory backend simulating an archive
// tier whose restores complete after polls PollRetrieval calls.
func NewArchiveMemoryBackend(polls int) *MemoryBackend {
	b := NewMemoryBackend()
	b.Archive = true
	b.RestorePolls = polls
	b.InventoryPolls = polls
	return b
}

func (b *MemoryBackend) Validate() error { return nil }

func (b *MemoryBackend) Put(key string, r io.Reader, size int64, class icebox.StorageClass) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading object: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = &memoryObject{data: data, class: class, polls: -1}
	return nil
}

func (b *MemoryBackend) Head(key string) (*icebox.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[key]
	if !ok {
		return nil, &icebox.NotFoundError{Kind: "object", Name: key}
	}
	return &icebox.ObjectInfo{
		Key:     key,
		Size:    int64(len(obj.data)),
		Class:   obj.class,
		Restore: b.restoreState(obj),
	}, nil
}

func (b *MemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.objects[key]; !ok {
		return &icebox.NotFoundError{Kind: "object", Name: key}
	}
	delete(b.objects, key)
	return nil
}

func (b *MemoryBackend) Fetch(key string, w io.Writer) error {
	b.mu.Lock()
	obj, ok := b.objects[key]
	if !ok {
		b.mu.Unlock()
		return &icebox.NotFoundError{Kind: "object", Name: key}
	}
	if state := b.restoreState(obj); state == icebox.RestoreRequired || state == icebox.RestoreInProgress {
		b.mu.Unlock()
		return &icebox.FatalError{Op: "fetch " + key, Err: fmt.Errorf("object not restored")}
	}
	data := obj.data
	b.mu.Unlock()

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing object: %w", err)
	}
	return nil
}

func (b *MemoryBackend) StartRetrieval(key string, _ icebox.Options) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[key]
	if !ok {
		return "", &icebox.NotFoundError{Kind: "object", Name: key}
	}

	if b.archival(obj) && !obj.restored && obj.polls < 0 {
		obj.polls = b.RestorePolls
		b.StartRetrievalCalls++
	}
	return key, nil
}

func (b *MemoryBackend) PollRetrieval(handle string) (icebox.JobState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailRestores {
		return icebox.JobFailed, nil
	}

	obj, ok := b.objects[handle]
	if !ok {
		return icebox.JobFailed, nil
	}
	if !b.archival(obj) || obj.restored {
		return icebox.JobReady, nil
	}
	if obj.polls < 0 {
		return icebox.JobFailed, nil
	}
	if obj.polls == 0 {
		obj.restored = true
		obj.polls = -1
		return icebox.JobReady, nil
	}
	obj.polls--
	return icebox.JobInProgress, nil
}

func (b *MemoryBackend) StartInventory(_ icebox.Options) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.invOpen {
		b.invOpen = true
		b.invPolls = b.InventoryPolls
		b.StartInventoryCalls++
	}
	return inventoryHandle, nil
}

func (b *MemoryBackend) PollInventory(string) (icebox.JobState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.Archive {
		return icebox.JobReady, nil
	}
	if !b.invOpen {
		return icebox.JobFailed, nil
	}
	if b.invPolls == 0 {
		return icebox.JobReady, nil
	}
	b.invPolls--
	return icebox.JobInProgress, nil
}

func (b *MemoryBackend) FetchInventory(string) ([]icebox.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.invOpen = false

	keys := make([]string, 0, len(b.objects))
	for key := range b.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	objects := make([]icebox.ObjectInfo, 0, len(keys))
	for _, key := range keys {
		obj := b.objects[key]
		objects = append(objects, icebox.ObjectInfo{
			Key:     key,
			Size:    int64(len(obj.data)),
			Class:   obj.class,
			Restore: b.restoreState(obj),
		})
	}
	return objects, nil
}

// Keys returns all stored object keys, sorted. Test helper.
func (b *MemoryBackend) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.objects))
	for key := range b.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// archival reports whether obj needs a restore in this backend's mode.
func (b *MemoryBackend) archival(obj *memoryObject) bool {
	return b.Archive && obj.class == icebox.ClassArchive
}

func (b *MemoryBackend) restoreState(obj *memoryObject) icebox.RestoreState {
	switch {
	case !b.archival(obj):
		return icebox.RestoreNotNeeded
	case obj.restored:
		return icebox.RestoreReady
	case obj.polls >= 0:
		return icebox.RestoreInProgress
	default:
		return icebox.RestoreRequired
	}
}
