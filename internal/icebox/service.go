package icebox

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DataSuffix and MetaSuffix distinguish the two objects a put creates.
	// Inventory reconciliation pairs backend keys by these suffixes.
	DataSuffix = ".data"
	MetaSuffix = ".meta"

	// TierOption is the backend option key selecting a retrieval tier.
	TierOption = "Tier"
)

// GetStatus reports how far a get operation progressed in one invocation.
type GetStatus int

const (
	// GetComplete: plaintext was written to the destination.
	GetComplete GetStatus = iota
	// GetRequested: a retrieval job was started; re-run later.
	GetRequested
	// GetPending: an existing retrieval job is still running.
	GetPending
)

func (s GetStatus) String() string {
	switch s {
	case GetComplete:
		return "complete"
	case GetRequested:
		return "requested"
	case GetPending:
		return "pending"
	default:
		return "unknown"
	}
}

// GetResult is the outcome of a single get invocation.
type GetResult struct {
	Status GetStatus
	// Path is the restored file or directory, set only on GetComplete.
	Path string
}

// RefreshStatus mirrors GetStatus at box granularity.
type RefreshStatus int

const (
	RefreshComplete RefreshStatus = iota
	RefreshRequested
	RefreshPending
)

func (s RefreshStatus) String() string {
	switch s {
	case RefreshComplete:
		return "complete"
	case RefreshRequested:
		return "requested"
	case RefreshPending:
		return "pending"
	default:
		return "unknown"
	}
}

// RefreshResult is the outcome of a single refresh invocation. The slices
// are populated only on RefreshComplete.
type RefreshResult struct {
	Status RefreshStatus
	// Added lists source names imported from the backend inventory.
	Added []string
	// Orphaned lists local sources whose backend objects are missing.
	// They are flagged, never removed; removal requires an explicit delete.
	Orphaned []string
	// Skipped lists backend keys that could not be imported: dangling
	// data/meta singles and metadata blobs that failed to decode.
	Skipped []string
}

// BoxService is the operation engine for one box. It composes the backend,
// the metadata store / job ledger and the codec into resumable put, get,
// delete, list and refresh operations.
//
// The service never sleeps or waits on a backend job: it polls at most once
// per invocation and returns a status. The caller owns the wait loop.
// Callers must also serialize invocations per box; the app layer does this
// with an exclusive file lock.
type BoxService struct {
	store   Store
	backend Backend
	codec   Codec
	logger  Logger
	clock   Clock
	keygen  KeyGenerator
}

// NewBoxService creates a BoxService with the provided dependencies.
func NewBoxService(store Store, backend Backend, codec Codec, logger Logger, clock Clock, keygen KeyGenerator) *BoxService {
	return &BoxService{
		store:   store,
		backend: backend,
		codec:   codec,
		logger:  logger,
		clock:   clock,
		keygen:  keygen,
	}
}

// Put encodes the file or directory at srcPath and stores it in the backend
// under a fresh object key pair. The source name is the path's base name and
// must not already exist in the box.
//
// The source record is written only after both backend uploads succeeded, so
// a failure at any point leaves no local trace. If the metadata upload fails
// after the data upload succeeded, the data object is removed best-effort.
func (s *BoxService) Put(srcPath, comment string) (*Source, error) {
	name := filepath.Base(filepath.Clean(srcPath))

	existing, err := s.store.GetSource(name)
	if err != nil {
		return nil, fmt.Errorf("looking up source %q: %w", name, err)
	}
	if existing != nil {
		return nil, &DuplicateError{Name: name}
	}

	tmpDir, err := os.MkdirTemp("", "icebox-put-")
	if err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	dataPath := filepath.Join(tmpDir, "data")
	metaPath := filepath.Join(tmpDir, "meta")

	meta, err := s.encodeToFiles(srcPath, comment, dataPath, metaPath)
	if err != nil {
		return nil, err
	}

	base := s.keygen.New()
	dataKey := base + DataSuffix
	metaKey := base + MetaSuffix

	encryptedSize, err := s.putFile(dataKey, dataPath, ClassArchive)
	if err != nil {
		return nil, fmt.Errorf("uploading data for %q: %w", name, err)
	}

	if _, err := s.putFile(metaKey, metaPath, ClassStandard); err != nil {
		// Leave no trace: the source record was never written, so the
		// data object must go too.
		if delErr := s.backend.Delete(dataKey); delErr != nil && !IsNotFound(delErr) {
			s.logger.Warn("could not remove data object after failed metadata upload",
				"key", dataKey, "error", delErr)
		}
		return nil, fmt.Errorf("uploading metadata for %q: %w", name, err)
	}

	src := &Source{
		Name:          name,
		Comment:       comment,
		Size:          meta.Size,
		EncryptedSize: encryptedSize,
		DataKey:       dataKey,
		MetaKey:       metaKey,
		Fingerprint:   meta.Fingerprint,
		CreatedAt:     meta.CreatedAt,
	}
	if err := s.store.SaveSource(src); err != nil {
		return nil, fmt.Errorf("recording source %q: %w", name, err)
	}

	s.logger.Info("source stored", "name", name, "data_key", dataKey, "size", meta.Size)
	return src, nil
}

// encodeToFiles runs the codec against temp files and returns the metadata.
func (s *BoxService) encodeToFiles(srcPath, comment, dataPath, metaPath string) (*SourceMeta, error) {
	dataF, err := os.Create(dataPath)
	if err != nil {
		return nil, fmt.Errorf("creating data temp file: %w", err)
	}
	defer dataF.Close()

	metaF, err := os.Create(metaPath)
	if err != nil {
		return nil, fmt.Errorf("creating metadata temp file: %w", err)
	}
	defer metaF.Close()

	meta, err := s.codec.Encode(srcPath, comment, dataF, metaF)
	if err != nil {
		return nil, fmt.Errorf("encoding %q: %w", srcPath, err)
	}
	if err := dataF.Close(); err != nil {
		return nil, fmt.Errorf("finalizing data temp file: %w", err)
	}
	if err := metaF.Close(); err != nil {
		return nil, fmt.Errorf("finalizing metadata temp file: %w", err)
	}
	return meta, nil
}

// putFile uploads a temp file to the backend and returns its size.
func (s *BoxService) putFile(key, path string, class StorageClass) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	if err := s.backend.Put(key, f, info.Size(), class); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Get retrieves a source into destDir. Depending on the backend's synchrony
// this either delivers the plaintext immediately (GetComplete) or starts /
// polls an asynchronous retrieval job (GetRequested / GetPending).
//
// Backend options are honored only when a new job is created; when attaching
// to an existing job the first request's options win.
func (s *BoxService) Get(name, destDir string, opts Options) (*GetResult, error) {
	src, err := s.store.GetSource(name)
	if err != nil {
		return nil, fmt.Errorf("looking up source %q: %w", name, err)
	}
	if src == nil {
		return nil, &NotFoundError{Kind: "source", Name: name}
	}

	job, err := s.store.GetJob(name)
	if err != nil {
		return nil, fmt.Errorf("looking up retrieval job for %q: %w", name, err)
	}

	if job == nil {
		info, err := s.backend.Head(src.DataKey)
		if err != nil {
			return nil, fmt.Errorf("checking source %q: %w", name, err)
		}

		// Directly fetchable: no job needed, deliver now.
		if info.Restore == RestoreNotNeeded || info.Restore == RestoreReady {
			return s.deliver(src, destDir, "")
		}

		handle, err := s.backend.StartRetrieval(src.DataKey, opts)
		if err != nil {
			return nil, fmt.Errorf("starting retrieval for %q: %w", name, err)
		}

		job = &Job{
			Name:        name,
			Handle:      handle,
			Tier:        opts[TierOption],
			Status:      JobStatusRequested,
			RequestedAt: s.clock.Now(),
		}
		if err := s.store.SaveJob(job); err != nil {
			return nil, fmt.Errorf("recording retrieval job for %q: %w", name, err)
		}

		s.logger.Info("retrieval started", "name", name, "handle", handle, "tier", job.Tier)
		return &GetResult{Status: GetRequested}, nil
	}

	// A job exists: attach to it. Option overrides are ignored here.
	if len(opts) > 0 {
		s.logger.Warn("retrieval already requested, ignoring options", "name", name)
	}

	state, err := s.backend.PollRetrieval(job.Handle)
	if err != nil {
		return nil, fmt.Errorf("polling retrieval for %q: %w", name, err)
	}

	switch state {
	case JobInProgress:
		if job.Status == JobStatusRequested {
			if err := s.store.UpdateJobStatus(name, JobStatusInProgress); err != nil {
				return nil, fmt.Errorf("updating retrieval job for %q: %w", name, err)
			}
		}
		s.logger.Info("retrieval pending", "name", name)
		return &GetResult{Status: GetPending}, nil

	case JobFailed:
		// Clearing the job allows a fresh retry on the next get.
		if err := s.store.DeleteJob(name); err != nil {
			return nil, fmt.Errorf("clearing failed retrieval job for %q: %w", name, err)
		}
		return nil, &FatalError{Op: "retrieve " + name, Err: fmt.Errorf("backend retrieval job failed")}

	case JobReady:
		return s.deliver(src, destDir, name)

	default:
		return nil, fmt.Errorf("unexpected retrieval state %v for %q", state, name)
	}
}

// deliver fetches, decodes and writes a source's plaintext to destDir.
// jobName, when non-empty, names the job ledger entry to remove after the
// plaintext was written. The ordering matters: a crash between fetch and
// delivery leaves the job intact so the next invocation resumes instead of
// re-requesting a restore.
func (s *BoxService) deliver(src *Source, destDir, jobName string) (*GetResult, error) {
	dataF, err := os.CreateTemp("", "icebox-get-")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := dataF.Name()
	defer os.Remove(tmpPath)

	if err := s.backend.Fetch(src.DataKey, dataF); err != nil {
		dataF.Close()
		return nil, fmt.Errorf("fetching data for %q: %w", src.Name, err)
	}
	if err := dataF.Close(); err != nil {
		return nil, fmt.Errorf("finalizing temp file: %w", err)
	}

	var metaBuf bytes.Buffer
	if err := s.backend.Fetch(src.MetaKey, &metaBuf); err != nil {
		return nil, fmt.Errorf("fetching metadata for %q: %w", src.Name, err)
	}

	dataR, err := os.Open(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("reopening temp file: %w", err)
	}
	defer dataR.Close()

	restored, err := s.codec.Decode(dataR, &metaBuf, destDir)
	if err != nil {
		return nil, &DecodeError{Name: src.Name, Err: err}
	}

	if jobName != "" {
		if err := s.store.DeleteJob(jobName); err != nil {
			return nil, fmt.Errorf("clearing retrieval job for %q: %w", src.Name, err)
		}
	}

	s.logger.Info("source retrieved", "name", src.Name, "path", restored)
	return &GetResult{Status: GetComplete, Path: restored}, nil
}

// Delete removes a source's backend objects and then its local record.
// The local record goes last: removing it first could orphan remote data
// with no local trace. An object already absent on the backend counts as
// removed.
func (s *BoxService) Delete(name string) error {
	src, err := s.store.GetSource(name)
	if err != nil {
		return fmt.Errorf("looking up source %q: %w", name, err)
	}
	if src == nil {
		return &NotFoundError{Kind: "source", Name: name}
	}

	for _, key := range []string{src.DataKey, src.MetaKey} {
		if err := s.backend.Delete(key); err != nil && !IsNotFound(err) {
			return fmt.Errorf("deleting backend object %s: %w", key, err)
		}
	}

	if err := s.store.DeleteSource(name); err != nil {
		return fmt.Errorf("removing source record %q: %w", name, err)
	}

	s.logger.Info("source deleted", "name", name)
	return nil
}

// List returns all known sources ordered by name. It is a pure read of the
// metadata store and never touches the backend; refresh does that.
func (s *BoxService) List() ([]*Source, error) {
	sources, err := s.store.ListSources()
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	return sources, nil
}

// Refresh reconciles the metadata store against the backend inventory.
// On archive-tier backends the inventory is an asynchronous job, so refresh
// follows the same resumable protocol as Get: one inventory job per box,
// a second refresh attaches to it instead of starting another.
func (s *BoxService) Refresh(opts Options) (*RefreshResult, error) {
	job, err := s.store.GetJob(InventoryJobName)
	if err != nil {
		return nil, fmt.Errorf("looking up inventory job: %w", err)
	}

	if job == nil {
		handle, err := s.backend.StartInventory(opts)
		if err != nil {
			return nil, fmt.Errorf("starting inventory: %w", err)
		}

		job = &Job{
			Name:        InventoryJobName,
			Handle:      handle,
			Status:      JobStatusRequested,
			RequestedAt: s.clock.Now(),
		}
		if err := s.store.SaveJob(job); err != nil {
			return nil, fmt.Errorf("recording inventory job: %w", err)
		}
		s.logger.Info("inventory started", "handle", handle)
	}

	state, err := s.backend.PollInventory(job.Handle)
	if err != nil {
		return nil, fmt.Errorf("polling inventory: %w", err)
	}

	switch state {
	case JobInProgress:
		if job.Status == JobStatusRequested {
			if err := s.store.UpdateJobStatus(InventoryJobName, JobStatusInProgress); err != nil {
				return nil, fmt.Errorf("updating inventory job: %w", err)
			}
			s.logger.Info("inventory pending")
			return &RefreshResult{Status: RefreshRequested}, nil
		}
		s.logger.Info("inventory pending")
		return &RefreshResult{Status: RefreshPending}, nil

	case JobFailed:
		if err := s.store.DeleteJob(InventoryJobName); err != nil {
			return nil, fmt.Errorf("clearing failed inventory job: %w", err)
		}
		return nil, &FatalError{Op: "inventory", Err: fmt.Errorf("backend inventory job failed")}

	case JobReady:
		return s.reconcile(job.Handle)

	default:
		return nil, fmt.Errorf("unexpected inventory state %v", state)
	}
}

// reconcile applies a finished inventory to the metadata store.
//
// Remote entries with no local source are imported when their metadata blob
// decodes (recovering the original name); undecodable or unpaired entries
// are reported, not silently dropped. Local sources with missing remote
// objects are flagged as orphaned, never auto-deleted.
func (s *BoxService) reconcile(handle string) (*RefreshResult, error) {
	inventory, err := s.backend.FetchInventory(handle)
	if err != nil {
		return nil, fmt.Errorf("fetching inventory: %w", err)
	}

	byKey := make(map[string]ObjectInfo, len(inventory))
	for _, obj := range inventory {
		byKey[obj.Key] = obj
	}

	sources, err := s.store.ListSources()
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}

	result := &RefreshResult{Status: RefreshComplete}

	// Pass 1: account for known sources and flag broken ones.
	for _, src := range sources {
		_, haveData := byKey[src.DataKey]
		_, haveMeta := byKey[src.MetaKey]
		delete(byKey, src.DataKey)
		delete(byKey, src.MetaKey)
		if !haveData || !haveMeta {
			result.Orphaned = append(result.Orphaned, src.Name)
			s.logger.Warn("source has missing backend objects", "name", src.Name)
		}
	}

	// Pass 2: pair the remaining objects by key suffix and import complete
	// pairs. Singles are dangling and only reported.
	for key, data := range byKey {
		if !strings.HasSuffix(key, DataSuffix) {
			if !strings.HasSuffix(key, MetaSuffix) {
				result.Skipped = append(result.Skipped, key)
			}
			continue
		}
		metaKey := strings.TrimSuffix(key, DataSuffix) + MetaSuffix
		if _, ok := byKey[metaKey]; !ok {
			result.Skipped = append(result.Skipped, key)
			continue
		}

		name, err := s.importPair(data, metaKey)
		if err != nil {
			result.Skipped = append(result.Skipped, key)
			s.logger.Warn("could not import backend objects", "key", key, "error", err)
			continue
		}
		if name != "" {
			result.Added = append(result.Added, name)
		}
		delete(byKey, metaKey)
	}

	// Leftover .meta keys whose .data sibling was consumed or absent.
	for key := range byKey {
		if strings.HasSuffix(key, MetaSuffix) {
			result.Skipped = append(result.Skipped, key)
		}
	}

	if err := s.store.DeleteJob(InventoryJobName); err != nil {
		return nil, fmt.Errorf("clearing inventory job: %w", err)
	}

	s.logger.Info("refresh complete",
		"added", len(result.Added), "orphaned", len(result.Orphaned), "skipped", len(result.Skipped))
	return result, nil
}

// importPair fetches and decodes a metadata blob and records the source it
// describes. Returns "" when the recovered name already exists locally.
// Metadata blobs are stored with the standard class, so they are fetchable
// without a restore even on archive backends.
func (s *BoxService) importPair(data ObjectInfo, metaKey string) (string, error) {
	var metaBuf bytes.Buffer
	if err := s.backend.Fetch(metaKey, &metaBuf); err != nil {
		return "", fmt.Errorf("fetching metadata: %w", err)
	}

	meta, err := s.codec.DecodeMeta(&metaBuf)
	if err != nil {
		return "", &DecodeError{Name: metaKey, Err: err}
	}

	existing, err := s.store.GetSource(meta.Name)
	if err != nil {
		return "", fmt.Errorf("looking up source %q: %w", meta.Name, err)
	}
	if existing != nil {
		s.logger.Info("ignoring duplicate inventory entry", "name", meta.Name, "key", data.Key)
		return "", nil
	}

	src := &Source{
		Name:          meta.Name,
		Comment:       meta.Comment,
		Size:          meta.Size,
		EncryptedSize: data.Size,
		DataKey:       data.Key,
		MetaKey:       metaKey,
		Fingerprint:   meta.Fingerprint,
		CreatedAt:     meta.CreatedAt,
	}
	if err := s.store.SaveSource(src); err != nil {
		return "", fmt.Errorf("recording source %q: %w", meta.Name, err)
	}

	s.logger.Info("source imported", "name", meta.Name, "data_key", data.Key)
	return meta.Name, nil
}
