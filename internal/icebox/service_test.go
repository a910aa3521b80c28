package icebox_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"icebox-go/internal/backend"
	"icebox-go/internal/icebox"
	"icebox-go/internal/testutil"
)

func newService(be icebox.Backend) (*icebox.BoxService, *testutil.MemoryStore) {
	st := testutil.NewMemoryStore()
	clock := testutil.FixedClock()
	svc := icebox.NewBoxService(st, be, testutil.NewPlainCodec(clock),
		icebox.NewNopLogger(), clock, &testutil.StubKeyGenerator{})
	return svc, st
}

// writeSourceFile creates a file in a temp dir and returns its path.
func writeSourceFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}
	return path
}

func TestPut(t *testing.T) {
	t.Run("stored source appears in list exactly once", func(t *testing.T) {
		be := backend.NewMemoryBackend()
		svc, _ := newService(be)

		srcPath := writeSourceFile(t, "grumpy.jpg", []byte("cat picture"))
		if _, err := svc.Put(srcPath, ""); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		sources, err := svc.List()
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		count := 0
		for _, src := range sources {
			if src.Name == "grumpy.jpg" {
				count++
			}
		}
		if count != 1 {
			t.Errorf("list contains %d entries for grumpy.jpg, want 1", count)
		}
	})

	t.Run("uploads a data and a metadata object", func(t *testing.T) {
		be := backend.NewMemoryBackend()
		svc, _ := newService(be)

		srcPath := writeSourceFile(t, "grumpy.jpg", []byte("cat picture"))
		src, err := svc.Put(srcPath, "holiday cat")
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		keys := be.Keys()
		if len(keys) != 2 {
			t.Fatalf("backend has %d objects, want 2 (%v)", len(keys), keys)
		}
		if !strings.HasSuffix(src.DataKey, icebox.DataSuffix) {
			t.Errorf("data key %q missing %s suffix", src.DataKey, icebox.DataSuffix)
		}
		if !strings.HasSuffix(src.MetaKey, icebox.MetaSuffix) {
			t.Errorf("meta key %q missing %s suffix", src.MetaKey, icebox.MetaSuffix)
		}
		if src.Comment != "holiday cat" {
			t.Errorf("comment = %q, want %q", src.Comment, "holiday cat")
		}
	})

	t.Run("rejects duplicate names", func(t *testing.T) {
		be := backend.NewMemoryBackend()
		svc, _ := newService(be)

		srcPath := writeSourceFile(t, "grumpy.jpg", []byte("cat picture"))
		if _, err := svc.Put(srcPath, ""); err != nil {
			t.Fatalf("first Put() error = %v", err)
		}

		_, err := svc.Put(srcPath, "")
		var dup *icebox.DuplicateError
		if !errors.As(err, &dup) {
			t.Fatalf("second Put() error = %v, want DuplicateError", err)
		}

		// The failed put must not have uploaded anything.
		if got := len(be.Keys()); got != 2 {
			t.Errorf("backend has %d objects after duplicate put, want 2", got)
		}
	})

	t.Run("failed metadata upload leaves no trace", func(t *testing.T) {
		be := backend.NewMemoryBackend()
		failing := &failingPutBackend{Backend: be, failSuffix: icebox.MetaSuffix}
		svc, st := newService(failing)

		srcPath := writeSourceFile(t, "grumpy.jpg", []byte("cat picture"))
		_, err := svc.Put(srcPath, "")
		if err == nil {
			t.Fatal("Put() succeeded, want error")
		}

		if src, _ := st.GetSource("grumpy.jpg"); src != nil {
			t.Error("source record exists after failed put")
		}
		if keys := be.Keys(); len(keys) != 0 {
			t.Errorf("backend objects left after failed put: %v", keys)
		}
	})
}

func TestGet_Synchronous(t *testing.T) {
	t.Run("roundtrip returns byte-identical plaintext", func(t *testing.T) {
		be := backend.NewMemoryBackend()
		svc, _ := newService(be)

		content := []byte("grumpy cat bytes")
		srcPath := writeSourceFile(t, "grumpy.jpg", content)
		if _, err := svc.Put(srcPath, ""); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		destDir := t.TempDir()
		result, err := svc.Get("grumpy.jpg", destDir, nil)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if result.Status != icebox.GetComplete {
			t.Fatalf("Get() status = %v, want complete", result.Status)
		}

		restored, err := os.ReadFile(result.Path)
		if err != nil {
			t.Fatalf("reading restored file: %v", err)
		}
		if string(restored) != string(content) {
			t.Errorf("restored content = %q, want %q", restored, content)
		}
	})

	t.Run("repeated get is idempotent and creates no job", func(t *testing.T) {
		be := backend.NewMemoryBackend()
		svc, st := newService(be)

		content := []byte("same bytes every time")
		srcPath := writeSourceFile(t, "stable.txt", content)
		if _, err := svc.Put(srcPath, ""); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		for i := 0; i < 2; i++ {
			destDir := t.TempDir()
			result, err := svc.Get("stable.txt", destDir, nil)
			if err != nil {
				t.Fatalf("Get() #%d error = %v", i+1, err)
			}
			if result.Status != icebox.GetComplete {
				t.Fatalf("Get() #%d status = %v, want complete", i+1, result.Status)
			}
			restored, _ := os.ReadFile(result.Path)
			if string(restored) != string(content) {
				t.Errorf("Get() #%d content = %q, want %q", i+1, restored, content)
			}
		}

		if st.JobCount() != 0 {
			t.Errorf("job ledger has %d entries, want 0", st.JobCount())
		}
	})

	t.Run("unknown source yields NotFoundError", func(t *testing.T) {
		svc, _ := newService(backend.NewMemoryBackend())

		_, err := svc.Get("missing", t.TempDir(), nil)
		var nf *icebox.NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("Get() error = %v, want NotFoundError", err)
		}
	})
}

func TestGet_Archive(t *testing.T) {
	t.Run("follows requested, pending, complete", func(t *testing.T) {
		be := backend.NewArchiveMemoryBackend(1)
		svc, st := newService(be)

		content := []byte("frozen bytes")
		srcPath := writeSourceFile(t, "grumpy.jpg", content)
		if _, err := svc.Put(srcPath, ""); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		destDir := t.TempDir()

		// First call starts the restore and returns promptly.
		result, err := svc.Get("grumpy.jpg", destDir, nil)
		if err != nil {
			t.Fatalf("Get() #1 error = %v", err)
		}
		if result.Status != icebox.GetRequested {
			t.Fatalf("Get() #1 status = %v, want requested", result.Status)
		}
		if result.Path != "" {
			t.Error("Get() #1 returned a path before the restore finished")
		}
		job, _ := st.GetJob("grumpy.jpg")
		if job == nil {
			t.Fatal("no retrieval job recorded")
		}

		// Second call attaches and polls.
		result, err = svc.Get("grumpy.jpg", destDir, nil)
		if err != nil {
			t.Fatalf("Get() #2 error = %v", err)
		}
		if result.Status != icebox.GetPending {
			t.Fatalf("Get() #2 status = %v, want pending", result.Status)
		}

		// Third call finds the restore complete and delivers.
		result, err = svc.Get("grumpy.jpg", destDir, nil)
		if err != nil {
			t.Fatalf("Get() #3 error = %v", err)
		}
		if result.Status != icebox.GetComplete {
			t.Fatalf("Get() #3 status = %v, want complete", result.Status)
		}
		restored, _ := os.ReadFile(result.Path)
		if string(restored) != string(content) {
			t.Errorf("restored content = %q, want %q", restored, content)
		}

		// The restore was issued exactly once, and the job is gone.
		if be.StartRetrievalCalls != 1 {
			t.Errorf("StartRetrieval called %d times, want 1", be.StartRetrievalCalls)
		}
		if st.JobCount() != 0 {
			t.Errorf("job ledger has %d entries after delivery, want 0", st.JobCount())
		}
	})

	t.Run("resumes an interrupted retrieval without re-requesting", func(t *testing.T) {
		be := backend.NewArchiveMemoryBackend(3)
		svc, st := newService(be)

		srcPath := writeSourceFile(t, "grumpy.jpg", []byte("frozen"))
		if _, err := svc.Put(srcPath, ""); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		// Simulates a get interrupted after start_retrieval: the job is
		// persisted, the process exits.
		if _, err := svc.Get("grumpy.jpg", t.TempDir(), nil); err != nil {
			t.Fatalf("Get() #1 error = %v", err)
		}
		if st.JobCount() != 1 {
			t.Fatal("expected a persisted retrieval job")
		}

		// A fresh invocation must poll the existing job, not restart it.
		for i := 0; i < 3; i++ {
			if _, err := svc.Get("grumpy.jpg", t.TempDir(), nil); err != nil {
				t.Fatalf("Get() error = %v", err)
			}
		}
		if be.StartRetrievalCalls != 1 {
			t.Errorf("StartRetrieval called %d times, want 1", be.StartRetrievalCalls)
		}
	})

	t.Run("tier override applies only to the first request", func(t *testing.T) {
		be := backend.NewArchiveMemoryBackend(2)
		svc, st := newService(be)

		srcPath := writeSourceFile(t, "grumpy.jpg", []byte("frozen"))
		if _, err := svc.Put(srcPath, ""); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		if _, err := svc.Get("grumpy.jpg", t.TempDir(), icebox.Options{icebox.TierOption: "Expedited"}); err != nil {
			t.Fatalf("Get() #1 error = %v", err)
		}
		job, _ := st.GetJob("grumpy.jpg")
		if job.Tier != "Expedited" {
			t.Fatalf("job tier = %q, want Expedited", job.Tier)
		}

		// Attaching with a different tier does not change the job.
		if _, err := svc.Get("grumpy.jpg", t.TempDir(), icebox.Options{icebox.TierOption: "Standard"}); err != nil {
			t.Fatalf("Get() #2 error = %v", err)
		}
		job, _ = st.GetJob("grumpy.jpg")
		if job.Tier != "Expedited" {
			t.Errorf("job tier changed to %q on attach", job.Tier)
		}
	})

	t.Run("failed delivery keeps the job for resumption", func(t *testing.T) {
		be := backend.NewArchiveMemoryBackend(0)
		failing := &failingFetchBackend{Backend: be, failSuffix: icebox.DataSuffix}
		svc, st := newService(failing)

		srcPath := writeSourceFile(t, "grumpy.jpg", []byte("frozen"))
		if _, err := svc.Put(srcPath, ""); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		if _, err := svc.Get("grumpy.jpg", t.TempDir(), nil); err != nil {
			t.Fatalf("Get() #1 error = %v", err)
		}

		// The restore is ready but downloading the data blob fails, as if
		// the process died mid-delivery. The job must survive so the next
		// invocation resumes instead of paying for another restore.
		failing.fail = true
		if _, err := svc.Get("grumpy.jpg", t.TempDir(), nil); err == nil {
			t.Fatal("Get() succeeded despite the fetch failure")
		}
		if st.JobCount() != 1 {
			t.Fatalf("job ledger has %d entries after failed delivery, want 1", st.JobCount())
		}

		failing.fail = false
		result, err := svc.Get("grumpy.jpg", t.TempDir(), nil)
		if err != nil {
			t.Fatalf("Get() after failed delivery error = %v", err)
		}
		if result.Status != icebox.GetComplete {
			t.Fatalf("Get() status = %v, want complete", result.Status)
		}

		if be.StartRetrievalCalls != 1 {
			t.Errorf("StartRetrieval called %d times, want 1", be.StartRetrievalCalls)
		}
		if st.JobCount() != 0 {
			t.Errorf("job ledger has %d entries after delivery, want 0", st.JobCount())
		}
	})

	t.Run("failed restore clears the job for a fresh retry", func(t *testing.T) {
		be := backend.NewArchiveMemoryBackend(5)
		svc, st := newService(be)

		srcPath := writeSourceFile(t, "grumpy.jpg", []byte("frozen"))
		if _, err := svc.Put(srcPath, ""); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		if _, err := svc.Get("grumpy.jpg", t.TempDir(), nil); err != nil {
			t.Fatalf("Get() #1 error = %v", err)
		}

		be.FailRestores = true
		if _, err := svc.Get("grumpy.jpg", t.TempDir(), nil); err == nil {
			t.Fatal("Get() succeeded on a failed restore, want error")
		}
		if st.JobCount() != 0 {
			t.Errorf("job ledger has %d entries after failure, want 0", st.JobCount())
		}

		// The next get starts over with a fresh job.
		be.FailRestores = false
		result, err := svc.Get("grumpy.jpg", t.TempDir(), nil)
		if err != nil {
			t.Fatalf("Get() after failure error = %v", err)
		}
		if result.Status != icebox.GetRequested {
			t.Errorf("Get() after failure status = %v, want requested", result.Status)
		}
		if st.JobCount() != 1 {
			t.Errorf("job ledger has %d entries after retry, want 1", st.JobCount())
		}
	})
}

func TestDelete(t *testing.T) {
	t.Run("removes backend objects and the local record", func(t *testing.T) {
		be := backend.NewMemoryBackend()
		svc, _ := newService(be)

		srcPath := writeSourceFile(t, "grumpy.jpg", []byte("cat"))
		if _, err := svc.Put(srcPath, ""); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		if err := svc.Delete("grumpy.jpg"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}

		sources, _ := svc.List()
		for _, src := range sources {
			if src.Name == "grumpy.jpg" {
				t.Error("deleted source still listed")
			}
		}
		if keys := be.Keys(); len(keys) != 0 {
			t.Errorf("backend objects left after delete: %v", keys)
		}
	})

	t.Run("unknown name fails without backend calls", func(t *testing.T) {
		be := backend.NewMemoryBackend()
		counting := &countingBackend{Backend: be}
		svc, _ := newService(counting)

		err := svc.Delete("missing")
		var nf *icebox.NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("Delete() error = %v, want NotFoundError", err)
		}
		if counting.calls != 0 {
			t.Errorf("backend received %d calls, want 0", counting.calls)
		}
	})
}

func TestRefresh(t *testing.T) {
	t.Run("synchronous backend completes in one call", func(t *testing.T) {
		be := backend.NewMemoryBackend()
		svc, st := newService(be)

		srcPath := writeSourceFile(t, "grumpy.jpg", []byte("cat"))
		if _, err := svc.Put(srcPath, ""); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		result, err := svc.Refresh(nil)
		if err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		if result.Status != icebox.RefreshComplete {
			t.Fatalf("Refresh() status = %v, want complete", result.Status)
		}
		if len(result.Added)+len(result.Orphaned)+len(result.Skipped) != 0 {
			t.Errorf("Refresh() reported changes on a consistent box: %+v", result)
		}
		if st.JobCount() != 0 {
			t.Errorf("job ledger has %d entries, want 0", st.JobCount())
		}
	})

	t.Run("pending inventory issues exactly one start request", func(t *testing.T) {
		be := backend.NewArchiveMemoryBackend(2)
		svc, _ := newService(be)

		result, err := svc.Refresh(nil)
		if err != nil {
			t.Fatalf("Refresh() #1 error = %v", err)
		}
		if result.Status != icebox.RefreshRequested {
			t.Fatalf("Refresh() #1 status = %v, want requested", result.Status)
		}

		result, err = svc.Refresh(nil)
		if err != nil {
			t.Fatalf("Refresh() #2 error = %v", err)
		}
		if result.Status != icebox.RefreshPending {
			t.Fatalf("Refresh() #2 status = %v, want pending", result.Status)
		}

		if be.StartInventoryCalls != 1 {
			t.Errorf("StartInventory called %d times, want 1", be.StartInventoryCalls)
		}

		result, err = svc.Refresh(nil)
		if err != nil {
			t.Fatalf("Refresh() #3 error = %v", err)
		}
		if result.Status != icebox.RefreshComplete {
			t.Errorf("Refresh() #3 status = %v, want complete", result.Status)
		}
	})

	t.Run("imports unknown backend pairs", func(t *testing.T) {
		be := backend.NewMemoryBackend()

		// A source stored by some other replica of this box.
		other, _ := newService(be)
		srcPath := writeSourceFile(t, "imported.txt", []byte("from elsewhere"))
		if _, err := other.Put(srcPath, "from the other side"); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		// This replica has an empty store.
		svc, _ := newService(be)
		result, err := svc.Refresh(nil)
		if err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		if len(result.Added) != 1 || result.Added[0] != "imported.txt" {
			t.Fatalf("Refresh() added = %v, want [imported.txt]", result.Added)
		}

		src, _ := svc.List()
		if len(src) != 1 || src[0].Name != "imported.txt" || src[0].Comment != "from the other side" {
			t.Errorf("imported source = %+v", src[0])
		}
	})

	t.Run("flags orphaned sources instead of deleting them", func(t *testing.T) {
		be := backend.NewMemoryBackend()
		svc, st := newService(be)

		// A local record with no backend objects behind it.
		st.SaveSource(&icebox.Source{
			Name:    "ghost.txt",
			DataKey: "gone.data",
			MetaKey: "gone.meta",
		})

		result, err := svc.Refresh(nil)
		if err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		if len(result.Orphaned) != 1 || result.Orphaned[0] != "ghost.txt" {
			t.Fatalf("Refresh() orphaned = %v, want [ghost.txt]", result.Orphaned)
		}

		// Still present: destructive action needs an explicit delete.
		if src, _ := st.GetSource("ghost.txt"); src == nil {
			t.Error("orphaned source was removed from the store")
		}
	})

	t.Run("reports dangling and undecodable backend objects", func(t *testing.T) {
		be := backend.NewMemoryBackend()
		svc, _ := newService(be)

		// A data object without its metadata sibling.
		be.Put("lonely.data", strings.NewReader("x"), 1, icebox.ClassArchive)
		// A pair whose metadata blob is garbage.
		be.Put("bad.data", strings.NewReader("y"), 1, icebox.ClassArchive)
		be.Put("bad.meta", strings.NewReader("not json"), 8, icebox.ClassStandard)

		result, err := svc.Refresh(nil)
		if err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		if len(result.Added) != 0 {
			t.Errorf("Refresh() added = %v, want none", result.Added)
		}
		if len(result.Skipped) != 3 {
			t.Errorf("Refresh() skipped = %v, want 3 entries", result.Skipped)
		}
	})

	t.Run("ignores duplicates already known locally", func(t *testing.T) {
		be := backend.NewMemoryBackend()
		svc, _ := newService(be)

		srcPath := writeSourceFile(t, "grumpy.jpg", []byte("cat"))
		if _, err := svc.Put(srcPath, ""); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		// Same name stored under different keys by another replica.
		meta, err := json.Marshal(&icebox.SourceMeta{Name: "grumpy.jpg", Size: 9})
		if err != nil {
			t.Fatalf("marshaling metadata: %v", err)
		}
		be.Put("other-1.data", strings.NewReader("other cat"), 9, icebox.ClassArchive)
		be.Put("other-1.meta", bytes.NewReader(meta), int64(len(meta)), icebox.ClassStandard)

		result, err := svc.Refresh(nil)
		if err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		if len(result.Added) != 0 {
			t.Errorf("Refresh() added duplicate entries: %v", result.Added)
		}

		sources, _ := svc.List()
		if len(sources) != 1 {
			t.Errorf("store has %d sources, want 1", len(sources))
		}
	})
}

// failingPutBackend fails every Put whose key carries failSuffix.
type failingPutBackend struct {
	icebox.Backend
	failSuffix string
}

func (b *failingPutBackend) Put(key string, r io.Reader, size int64, class icebox.StorageClass) error {
	if strings.HasSuffix(key, b.failSuffix) {
		return &icebox.TransientError{Op: "put " + key, Err: errors.New("injected failure")}
	}
	return b.Backend.Put(key, r, size, class)
}

// failingFetchBackend fails Fetch for keys carrying failSuffix while fail
// is set.
type failingFetchBackend struct {
	icebox.Backend
	failSuffix string
	fail       bool
}

func (b *failingFetchBackend) Fetch(key string, w io.Writer) error {
	if b.fail && strings.HasSuffix(key, b.failSuffix) {
		return &icebox.TransientError{Op: "fetch " + key, Err: errors.New("injected failure")}
	}
	return b.Backend.Fetch(key, w)
}

// countingBackend counts every backend call it forwards.
type countingBackend struct {
	icebox.Backend
	calls int
}

func (b *countingBackend) Put(key string, r io.Reader, size int64, class icebox.StorageClass) error {
	b.calls++
	return b.Backend.Put(key, r, size, class)
}

func (b *countingBackend) Head(key string) (*icebox.ObjectInfo, error) {
	b.calls++
	return b.Backend.Head(key)
}

func (b *countingBackend) Delete(key string) error {
	b.calls++
	return b.Backend.Delete(key)
}

func (b *countingBackend) Fetch(key string, w io.Writer) error {
	b.calls++
	return b.Backend.Fetch(key, w)
}
