package backend

import (
	"fmt"

	"icebox-go/internal/config"
	"icebox-go/internal/icebox"
)

// New creates a Backend from a box configuration.
func New(cfg *config.BoxConfig) (icebox.Backend, error) {
	switch cfg.Backend {
	case config.BackendFolder:
		if cfg.Folder.Path == "" {
			return nil, fmt.Errorf("folder backend requires folder.path to be set")
		}
		return NewFolderBackend(cfg.Folder.Path), nil

	case config.BackendS3:
		return NewS3Backend(S3Params{
			Bucket:       cfg.S3.Bucket,
			Prefix:       cfg.S3.Prefix,
			Region:       cfg.S3.Region,
			Profile:      cfg.S3.Profile,
			StorageClass: cfg.S3.StorageClass,
			Tier:         cfg.S3.Tier,
		})

	case config.BackendWebDAV:
		return NewWebDAVBackend(cfg.WebDAV.URL, cfg.WebDAV.Username, cfg.WebDAV.Password)

	default:
		return nil, fmt.Errorf("unknown backend kind: %q", cfg.Backend)
	}
}
