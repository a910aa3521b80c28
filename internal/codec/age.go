// Package codec encrypts sources into opaque data and metadata blobs.
//
// A data blob is an age-encrypted gzipped tar stream of the source file or
// directory. A metadata blob is an age-encrypted JSON document carrying the
// original name and descriptive fields, small enough to always live in the
// backend's standard storage class. The rest of the system treats both as
// opaque bytes.
package codec

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"

	"icebox-go/internal/icebox"
)

// AgeCodec implements icebox.Codec with an X25519 age key pair. The key file
// holds the identity (private key); the recipient is derived from it. The
// key identity is created at box init and never changes.
type AgeCodec struct {
	keyPath string
	clock   icebox.Clock
}

var _ icebox.Codec = (*AgeCodec)(nil)

// NewAgeCodec creates a codec reading its key identity from keyPath.
func NewAgeCodec(keyPath string, clock icebox.Clock) *AgeCodec {
	return &AgeCodec{keyPath: keyPath, clock: clock}
}

// GenerateKey creates a new X25519 identity and writes it to keyPath.
// Fails if the file already exists: a box's key identity is immutable.
func GenerateKey(keyPath string) error {
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("key file already exists: %s", keyPath)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	content := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n",
		time.Now().UTC().Format(time.RFC3339), identity.Recipient(), identity)
	if err := os.WriteFile(keyPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

// Encode packs srcPath into a gzipped tar, encrypts it to dataW and writes
// an encrypted metadata blob to metaW. The fingerprint is the SHA-256 of
// the gzipped tar stream, taken before encryption.
func (c *AgeCodec) Encode(srcPath, comment string, dataW, metaW io.Writer) (*icebox.SourceMeta, error) {
	recipient, err := c.loadRecipient()
	if err != nil {
		return nil, err
	}

	encW, err := age.Encrypt(dataW, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}

	hash := sha256.New()
	size, err := packTar(srcPath, io.MultiWriter(encW, hash))
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", srcPath, err)
	}
	if err := encW.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}

	meta := &icebox.SourceMeta{
		Name:        filepath.Base(filepath.Clean(srcPath)),
		Comment:     comment,
		Size:        size,
		Fingerprint: hex.EncodeToString(hash.Sum(nil)),
		CreatedAt:   c.clock.Now().UTC(),
	}

	if err := c.encodeMeta(meta, metaW, recipient); err != nil {
		return nil, err
	}
	return meta, nil
}

// Decode decrypts and unpacks a data blob into dstDir, validating the
// fingerprint recorded in the metadata blob. Returns the restored path.
func (c *AgeCodec) Decode(dataR, metaR io.Reader, dstDir string) (string, error) {
	meta, err := c.DecodeMeta(metaR)
	if err != nil {
		return "", err
	}

	identity, err := c.loadIdentity()
	if err != nil {
		return "", err
	}

	decR, err := age.Decrypt(dataR, identity)
	if err != nil {
		return "", fmt.Errorf("decrypting data: %w", err)
	}

	hash := sha256.New()
	restored, err := unpackTar(io.TeeReader(decR, hash), dstDir, meta.Name)
	if err != nil {
		return "", fmt.Errorf("unpacking archive: %w", err)
	}

	if got := hex.EncodeToString(hash.Sum(nil)); got != meta.Fingerprint {
		return "", fmt.Errorf("fingerprint mismatch: got %s, want %s", got, meta.Fingerprint)
	}
	return restored, nil
}

// DecodeMeta decrypts a metadata blob on its own.
func (c *AgeCodec) DecodeMeta(metaR io.Reader) (*icebox.SourceMeta, error) {
	identity, err := c.loadIdentity()
	if err != nil {
		return nil, err
	}

	decR, err := age.Decrypt(metaR, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting metadata: %w", err)
	}

	var meta icebox.SourceMeta
	if err := json.NewDecoder(decR).Decode(&meta); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	if meta.Name == "" {
		return nil, fmt.Errorf("metadata has no source name")
	}
	return &meta, nil
}

func (c *AgeCodec) encodeMeta(meta *icebox.SourceMeta, w io.Writer, recipient age.Recipient) error {
	encW, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted metadata writer: %w", err)
	}
	if err := json.NewEncoder(encW).Encode(meta); err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err := encW.Close(); err != nil {
		return fmt.Errorf("finalizing metadata encryption: %w", err)
	}
	return nil
}

func (c *AgeCodec) loadIdentity() (age.Identity, error) {
	data, err := os.ReadFile(c.keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities in key file %s", c.keyPath)
	}
	return identities[0], nil
}

func (c *AgeCodec) loadRecipient() (age.Recipient, error) {
	identity, err := c.loadIdentity()
	if err != nil {
		return nil, err
	}
	x, ok := identity.(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("key file %s does not hold an X25519 identity", c.keyPath)
	}
	return x.Recipient(), nil
}

// packTar writes a tar stream of the file or directory at srcPath into a
// gzip writer over w. Returns the total plaintext size of regular files.
func packTar(srcPath string, w io.Writer) (int64, error) {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	root := filepath.Clean(srcPath)
	base := filepath.Base(root)
	var total int64

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		// Symlinks and other irregular files are not archived.
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := base
		if rel != "." {
			name = filepath.ToSlash(filepath.Join(base, rel))
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		n, err := io.Copy(tw, f)
		total += n
		return err
	})
	if err != nil {
		return 0, err
	}

	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}
	return total, nil
}

// unpackTar extracts a gzipped tar stream into dstDir. All entries must live
// under wantBase; anything escaping it is rejected. Returns the path of the
// restored root entry.
func unpackTar(r io.Reader, dstDir, wantBase string) (string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return "", fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	restored := filepath.Join(dstDir, wantBase)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading archive: %w", err)
		}

		name := filepath.FromSlash(strings.TrimSuffix(hdr.Name, "/"))
		if name != wantBase && !strings.HasPrefix(name, wantBase+string(filepath.Separator)) {
			return "", fmt.Errorf("archive entry escapes source root: %s", hdr.Name)
		}
		if strings.Contains(name, "..") {
			return "", fmt.Errorf("archive entry contains path traversal: %s", hdr.Name)
		}
		target := filepath.Join(dstDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return "", fmt.Errorf("creating directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return "", fmt.Errorf("creating directory for %s: %w", target, err)
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
			if err != nil {
				return "", fmt.Errorf("creating %s: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return "", fmt.Errorf("writing %s: %w", target, err)
			}
			if err := f.Close(); err != nil {
				return "", fmt.Errorf("closing %s: %w", target, err)
			}
		default:
			// Other entry types are skipped; packTar never writes them.
		}
	}

	// Drain to the end of the gzip stream so the CRC is verified and the
	// caller's fingerprint hash sees every byte.
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return "", fmt.Errorf("reading archive trailer: %w", err)
	}
	return restored, nil
}
