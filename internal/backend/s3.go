package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"icebox-go/internal/icebox"
)

const (
	restoreOngoing  = `ongoing-request="true"`
	restoreComplete = `ongoing-request="false"`

	// DefaultArchiveClass is the storage class for data objects unless the
	// box config says otherwise.
	DefaultArchiveClass = "DEEP_ARCHIVE"
	// DefaultRestoreTier is the cheapest restore tier.
	DefaultRestoreTier = "Bulk"
	// restoreDays is how long a restored copy stays fetchable.
	restoreDays = 1
)

// S3Backend stores objects in an S3 bucket. Data objects use an archive
// storage class (GLACIER or DEEP_ARCHIVE) and require an asynchronous
// restore before they can be fetched; metadata objects use STANDARD and are
// always fetchable. The restore itself is the retrieval job: S3 tracks it
// per object, so the object key doubles as the job handle.
type S3Backend struct {
	client       *s3.Client
	uploader     *manager.Uploader
	bucket       string
	prefix       string
	archiveClass types.StorageClass
	tier         string
}

var _ icebox.Backend = (*S3Backend)(nil)

// S3Params configures an S3Backend.
type S3Params struct {
	Bucket       string
	Prefix       string
	Region       string
	Profile      string
	StorageClass string // archive class for data objects
	Tier         string // default restore tier
}

// NewS3Backend creates a backend using shared AWS credentials for the given
// profile.
func NewS3Backend(params S3Params) (*S3Backend, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("no S3 bucket specified")
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if params.Profile != "" {
		optFns = append(optFns, awsconfig.WithSharedConfigProfile(params.Profile))
	}
	if params.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(params.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)

	archiveClass := params.StorageClass
	if archiveClass == "" {
		archiveClass = DefaultArchiveClass
	}
	tier := params.Tier
	if tier == "" {
		tier = DefaultRestoreTier
	}

	return &S3Backend{
		client:       client,
		uploader:     manager.NewUploader(client),
		bucket:       params.Bucket,
		prefix:       strings.Trim(params.Prefix, "/"),
		archiveClass: types.StorageClass(archiveClass),
		tier:         tier,
	}, nil
}

// objectKey prepends the configured prefix.
func (b *S3Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// Validate performs a cheap access test against the bucket.
func (b *S3Backend) Validate() error {
	_, err := b.client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return classifyS3Error("validate", b.bucket, err)
	}
	return nil
}

// Put uploads via the transfer manager, which handles multipart uploads for
// large objects.
func (b *S3Backend) Put(key string, r io.Reader, size int64, class icebox.StorageClass) error {
	storageClass := types.StorageClassStandard
	if class == icebox.ClassArchive {
		storageClass = b.archiveClass
	}

	_, err := b.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket:       aws.String(b.bucket),
		Key:          aws.String(b.objectKey(key)),
		Body:         io.LimitReader(r, size),
		StorageClass: storageClass,
	})
	if err != nil {
		return classifyS3Error("put", key, err)
	}
	return nil
}

func (b *S3Backend) Head(key string) (*icebox.ObjectInfo, error) {
	out, err := b.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return nil, classifyS3Error("head", key, err)
	}

	info := &icebox.ObjectInfo{
		Key:     key,
		Class:   icebox.ClassStandard,
		Restore: icebox.RestoreNotNeeded,
	}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}

	if isArchiveClass(string(out.StorageClass)) {
		info.Class = icebox.ClassArchive
		info.Restore = restoreStateFromHeader(out.Restore)
	}
	return info, nil
}

func (b *S3Backend) Delete(key string) error {
	_, err := b.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return classifyS3Error("delete", key, err)
	}
	return nil
}

func (b *S3Backend) Fetch(key string, w io.Writer) error {
	out, err := b.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return classifyS3Error("fetch", key, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading object %s: %w", key, err)
	}
	return nil
}

// StartRetrieval issues a RestoreObject request unless the object is already
// fetchable or a restore is already running, making the call idempotent.
// The restore tier comes from opts["Tier"], falling back to the configured
// default.
func (b *S3Backend) StartRetrieval(key string, opts icebox.Options) (string, error) {
	info, err := b.Head(key)
	if err != nil {
		return "", err
	}
	if info.Restore == icebox.RestoreNotNeeded ||
		info.Restore == icebox.RestoreReady ||
		info.Restore == icebox.RestoreInProgress {
		return key, nil
	}

	tier := opts[icebox.TierOption]
	if tier == "" {
		tier = b.tier
	}

	_, err = b.client.RestoreObject(context.Background(), &s3.RestoreObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
		RestoreRequest: &types.RestoreRequest{
			Days: aws.Int32(restoreDays),
			GlacierJobParameters: &types.GlacierJobParameters{
				Tier: types.Tier(tier),
			},
		},
	})
	if err != nil {
		// A concurrent restore request is not a failure.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "RestoreAlreadyInProgress" {
			return key, nil
		}
		return "", classifyS3Error("restore", key, err)
	}
	return key, nil
}

func (b *S3Backend) PollRetrieval(handle string) (icebox.JobState, error) {
	info, err := b.Head(handle)
	if err != nil {
		return icebox.JobFailed, err
	}

	switch info.Restore {
	case icebox.RestoreNotNeeded, icebox.RestoreReady:
		return icebox.JobReady, nil
	case icebox.RestoreInProgress:
		return icebox.JobInProgress, nil
	default:
		// No restore running anymore: either it was never started or the
		// restored copy expired.
		return icebox.JobFailed, nil
	}
}

// StartInventory is synchronous on S3: listing a bucket needs no job.
func (b *S3Backend) StartInventory(_ icebox.Options) (string, error) {
	return inventoryHandle, nil
}

func (b *S3Backend) PollInventory(string) (icebox.JobState, error) {
	return icebox.JobReady, nil
}

func (b *S3Backend) FetchInventory(string) ([]icebox.ObjectInfo, error) {
	var objects []icebox.ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, classifyS3Error("inventory", b.bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if b.prefix != "" {
				key = strings.TrimPrefix(key, b.prefix+"/")
			}

			info := icebox.ObjectInfo{Key: key, Class: icebox.ClassStandard}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if isArchiveClass(string(obj.StorageClass)) {
				info.Class = icebox.ClassArchive
				info.Restore = icebox.RestoreRequired
			}
			objects = append(objects, info)
		}
	}
	return objects, nil
}

// isArchiveClass reports whether a storage class requires a restore before
// GetObject works. GLACIER_IR supports direct reads and is not archival in
// that sense.
func isArchiveClass(class string) bool {
	return class == string(types.StorageClassGlacier) ||
		class == string(types.StorageClassDeepArchive)
}

// restoreStateFromHeader parses the x-amz-restore header of an archived
// object.
func restoreStateFromHeader(restore *string) icebox.RestoreState {
	switch {
	case restore == nil:
		return icebox.RestoreRequired
	case strings.Contains(*restore, restoreOngoing):
		return icebox.RestoreInProgress
	case strings.Contains(*restore, restoreComplete):
		return icebox.RestoreReady
	default:
		return icebox.RestoreRequired
	}
}

// classifyS3Error maps an AWS SDK error into the engine's taxonomy:
// missing keys are NotFoundError, throttling and server faults are
// transient, everything else (auth, signature, policy) is fatal. Errors
// that never reached the API (network trouble) are transient.
func classifyS3Error(op, key string, err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return &icebox.NotFoundError{Kind: "object", Name: key}
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return &icebox.NotFoundError{Kind: "object", Name: key}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return &icebox.NotFoundError{Kind: "object", Name: key}
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout",
			"InternalError", "ServiceUnavailable":
			return &icebox.TransientError{Op: op + " " + key, Err: err}
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return &icebox.TransientError{Op: op + " " + key, Err: err}
		}
		return &icebox.FatalError{Op: op + " " + key, Err: err}
	}

	return &icebox.TransientError{Op: op + " " + key, Err: err}
}
