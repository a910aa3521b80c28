package icebox

import (
	"io"
	"time"
)

// SourceMeta is the plaintext content of an encrypted metadata blob. It is
// everything needed to re-import a source from a backend inventory: the
// original name plus descriptive fields.
type SourceMeta struct {
	Name        string    `json:"name"`
	Comment     string    `json:"comment,omitempty"`
	Size        int64     `json:"size"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// Codec packs and encrypts sources. The engine treats both blobs as opaque
// and never inspects their framing; only the codec knows how to produce or
// read them.
type Codec interface {
	// Encode packs the file or directory at srcPath, encrypts it into dataW
	// and writes a matching encrypted metadata blob to metaW. The returned
	// SourceMeta mirrors what went into the metadata blob.
	Encode(srcPath, comment string, dataW, metaW io.Writer) (*SourceMeta, error)

	// Decode decrypts and unpacks a data blob into dstDir using its
	// metadata blob. Returns the path of the restored file or directory.
	// Failures are reported as DecodeError.
	Decode(dataR, metaR io.Reader, dstDir string) (string, error)

	// DecodeMeta decrypts a metadata blob on its own. Used by refresh to
	// recover source names from inventory entries.
	DecodeMeta(metaR io.Reader) (*SourceMeta, error)
}
