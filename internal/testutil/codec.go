package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"icebox-go/internal/icebox"
)

// PlainCodec is a pass-through icebox.Codec for engine tests: data blobs are
// the raw file bytes and metadata blobs are unencrypted JSON. It only
// handles single files, which is all the engine tests need.
type PlainCodec struct {
	clock icebox.Clock
}

var _ icebox.Codec = (*PlainCodec)(nil)

// NewPlainCodec creates a PlainCodec stamping metadata with clock.
func NewPlainCodec(clock icebox.Clock) *PlainCodec {
	return &PlainCodec{clock: clock}
}

func (c *PlainCodec) Encode(srcPath, comment string, dataW, metaW io.Writer) (*icebox.SourceMeta, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, fmt.Errorf("reading source: %w", err)
	}
	if _, err := dataW.Write(data); err != nil {
		return nil, fmt.Errorf("writing data blob: %w", err)
	}

	hash := sha256.Sum256(data)
	meta := &icebox.SourceMeta{
		Name:        filepath.Base(srcPath),
		Comment:     comment,
		Size:        int64(len(data)),
		Fingerprint: hex.EncodeToString(hash[:]),
		CreatedAt:   c.clock.Now(),
	}
	if err := json.NewEncoder(metaW).Encode(meta); err != nil {
		return nil, fmt.Errorf("writing metadata blob: %w", err)
	}
	return meta, nil
}

func (c *PlainCodec) Decode(dataR, metaR io.Reader, dstDir string) (string, error) {
	meta, err := c.DecodeMeta(metaR)
	if err != nil {
		return "", err
	}

	data, err := io.ReadAll(dataR)
	if err != nil {
		return "", fmt.Errorf("reading data blob: %w", err)
	}

	target := filepath.Join(dstDir, meta.Name)
	if err := os.WriteFile(target, data, 0644); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	return target, nil
}

func (c *PlainCodec) DecodeMeta(metaR io.Reader) (*icebox.SourceMeta, error) {
	var meta icebox.SourceMeta
	if err := json.NewDecoder(metaR).Decode(&meta); err != nil {
		return nil, fmt.Errorf("parsing metadata blob: %w", err)
	}
	if meta.Name == "" {
		return nil, fmt.Errorf("metadata has no source name")
	}
	return &meta, nil
}
