package icebox

import "time"

// Source is the local record of a stored item. Name is the sole user-facing
// identifier, unique within a box. DataKey and MetaKey are backend object
// keys, generated once per put and never reused.
type Source struct {
	Name          string
	Comment       string
	Size          int64 // plaintext size in bytes
	EncryptedSize int64
	DataKey       string
	MetaKey       string
	Fingerprint   string
	CreatedAt     time.Time
}

// JobStatus is the persisted lifecycle state of a pending job.
type JobStatus string

const (
	JobStatusRequested  JobStatus = "requested"
	JobStatusInProgress JobStatus = "in_progress"
)

// InventoryJobName is the reserved job name for the box-wide inventory job.
// Source names never collide with it because it is not a valid file name.
const InventoryJobName = "::inventory::"

// Job is the durable record of an in-flight asynchronous backend job,
// keyed by source name (retrievals) or InventoryJobName (inventory).
type Job struct {
	Name        string
	Handle      string
	Tier        string
	Status      JobStatus
	RequestedAt time.Time
}

// Store is the per-box metadata store and job ledger. Implementations must
// be durable across process restarts and must never tear on a crash:
// a write either lands completely or not at all.
//
// Lookup methods return (nil, nil) when the record does not exist.
type Store interface {
	GetSource(name string) (*Source, error)
	ListSources() ([]*Source, error)
	SaveSource(src *Source) error
	DeleteSource(name string) error

	GetJob(name string) (*Job, error)
	SaveJob(job *Job) error
	UpdateJobStatus(name string, status JobStatus) error
	DeleteJob(name string) error

	Close() error
}
