package backend

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/studio-b12/gowebdav"

	"icebox-go/internal/icebox"
)

// WebDAVBackend stores objects as files on a WebDAV endpoint. Like the
// folder backend it is fully synchronous.
type WebDAVBackend struct {
	client *gowebdav.Client
}

var _ icebox.Backend = (*WebDAVBackend)(nil)

// NewWebDAVBackend creates a backend for the given endpoint URL using basic
// authentication.
func NewWebDAVBackend(url, username, password string) (*WebDAVBackend, error) {
	if username == "" {
		return nil, fmt.Errorf("no WebDAV username specified")
	}
	if password == "" {
		return nil, fmt.Errorf("no WebDAV password specified")
	}
	return &WebDAVBackend{client: gowebdav.NewClient(url, username, password)}, nil
}

// Validate checks that the endpoint is reachable with the configured
// credentials.
func (b *WebDAVBackend) Validate() error {
	if err := b.client.Connect(); err != nil {
		return &icebox.FatalError{Op: "validate", Err: fmt.Errorf("WebDAV endpoint not accessible: %w", err)}
	}
	return nil
}

// Put uploads size bytes from r under key. The storage class is ignored:
// WebDAV has no tiers.
func (b *WebDAVBackend) Put(key string, r io.Reader, size int64, _ icebox.StorageClass) error {
	limited := io.LimitReader(r, size)
	if err := b.client.WriteStream("/"+key, limited, 0644); err != nil {
		return classifyWebDAVError("put", key, err)
	}
	return nil
}

func (b *WebDAVBackend) Head(key string) (*icebox.ObjectInfo, error) {
	info, err := b.client.Stat("/" + key)
	if err != nil {
		return nil, classifyWebDAVError("head", key, err)
	}
	return &icebox.ObjectInfo{
		Key:     key,
		Size:    info.Size(),
		Class:   icebox.ClassStandard,
		Restore: icebox.RestoreNotNeeded,
	}, nil
}

func (b *WebDAVBackend) Delete(key string) error {
	if err := b.client.Remove("/" + key); err != nil {
		return classifyWebDAVError("delete", key, err)
	}
	return nil
}

func (b *WebDAVBackend) Fetch(key string, w io.Writer) error {
	stream, err := b.client.ReadStream("/" + key)
	if err != nil {
		return classifyWebDAVError("fetch", key, err)
	}
	defer stream.Close()

	if _, err := io.Copy(w, stream); err != nil {
		return fmt.Errorf("reading object %s: %w", key, err)
	}
	return nil
}

// StartRetrieval is a no-op: WebDAV objects are always fetchable.
func (b *WebDAVBackend) StartRetrieval(key string, _ icebox.Options) (string, error) {
	return key, nil
}

func (b *WebDAVBackend) PollRetrieval(handle string) (icebox.JobState, error) {
	_, err := b.client.Stat("/" + handle)
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return icebox.JobFailed, nil
		}
		return icebox.JobFailed, classifyWebDAVError("poll", handle, err)
	}
	return icebox.JobReady, nil
}

func (b *WebDAVBackend) StartInventory(_ icebox.Options) (string, error) {
	return inventoryHandle, nil
}

func (b *WebDAVBackend) PollInventory(string) (icebox.JobState, error) {
	return icebox.JobReady, nil
}

func (b *WebDAVBackend) FetchInventory(string) ([]icebox.ObjectInfo, error) {
	entries, err := b.client.ReadDir("/")
	if err != nil {
		return nil, classifyWebDAVError("inventory", "/", err)
	}

	var objects []icebox.ObjectInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		objects = append(objects, icebox.ObjectInfo{
			Key:     entry.Name(),
			Size:    entry.Size(),
			Class:   icebox.ClassStandard,
			Restore: icebox.RestoreNotNeeded,
		})
	}
	return objects, nil
}

// classifyWebDAVError maps a gowebdav error into the engine's taxonomy.
// 404 becomes NotFoundError; server-side (5xx) trouble is transient;
// everything else (auth, bad request) is fatal.
func classifyWebDAVError(op, key string, err error) error {
	if gowebdav.IsErrNotFound(err) {
		return &icebox.NotFoundError{Kind: "object", Name: key}
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if statusErr, ok := pathErr.Err.(gowebdav.StatusError); ok && statusErr.Status >= 500 {
			return &icebox.TransientError{Op: op + " " + key, Err: err}
		}
	}
	return &icebox.FatalError{Op: op + " " + key, Err: err}
}
