package icebox

import "io"

// StorageClass selects how an object is stored on backends that distinguish
// storage tiers. Backends without tiers ignore it.
type StorageClass int

const (
	// ClassStandard is the cheapest promptly-readable class. Metadata blobs
	// are always written with this class so they stay listable and
	// decodable without a restore.
	ClassStandard StorageClass = iota
	// ClassArchive is the cold class. Objects may require an asynchronous
	// restore before Fetch works.
	ClassArchive
)

// RestoreState describes whether an object can be fetched right now.
type RestoreState int

const (
	// RestoreNotNeeded: the object is directly fetchable.
	RestoreNotNeeded RestoreState = iota
	// RestoreRequired: the object is archived and no restore is running.
	RestoreRequired
	// RestoreInProgress: a restore is running; the object is not yet fetchable.
	RestoreInProgress
	// RestoreReady: a restore finished; the object is temporarily fetchable.
	RestoreReady
)

// JobState is the result of polling an asynchronous backend job.
type JobState int

const (
	JobInProgress JobState = iota
	JobReady
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobInProgress:
		return "in progress"
	case JobReady:
		return "ready"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ObjectInfo describes one backend object.
type ObjectInfo struct {
	Key     string
	Size    int64
	Class   StorageClass
	Restore RestoreState
}

// Options carries operation-specific key/value overrides (for example a
// retrieval tier) through to the backend unchanged.
type Options map[string]string

// Backend is the capability contract every storage backend implements.
//
// Synchronous backends (folder, WebDAV) implement the Start*/Poll* calls as
// immediate-Ready no-ops so the operation engine can run one uniform
// resumable protocol regardless of backend synchrony. None of the calls may
// block on a remote asynchronous job: Poll* returns the current state and
// the decision to wait belongs to the caller.
//
// All errors are classified: a missing object yields a NotFoundError,
// retryable failures a TransientError, everything else a FatalError.
type Backend interface {
	// Validate checks that the backend is reachable with the configured
	// credentials. Called once at box initialization.
	Validate() error

	// Put uploads size bytes from r under key with the given storage class.
	Put(key string, r io.Reader, size int64, class StorageClass) error

	// Head returns size, storage class and restore state for key.
	Head(key string) (*ObjectInfo, error)

	// Delete removes the object under key.
	Delete(key string) error

	// Fetch downloads the object under key into w. Only valid when the
	// object's restore state is RestoreNotNeeded or RestoreReady.
	Fetch(key string, w io.Writer) error

	// StartRetrieval initiates an asynchronous restore for key and returns
	// a job handle. Idempotent on the backend side: if a restore is already
	// running for key the existing one is reused.
	StartRetrieval(key string, opts Options) (string, error)

	// PollRetrieval reports the state of a retrieval job.
	PollRetrieval(handle string) (JobState, error)

	// StartInventory initiates an asynchronous listing of all objects and
	// returns a job handle.
	StartInventory(opts Options) (string, error)

	// PollInventory reports the state of an inventory job.
	PollInventory(handle string) (JobState, error)

	// FetchInventory returns the object listing produced by a Ready
	// inventory job.
	FetchInventory(handle string) ([]ObjectInfo, error)
}
