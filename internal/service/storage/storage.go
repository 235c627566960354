// Package storage stores uploaded job input files on the local disk or in
// S3-compatible, Google Cloud or Azure object storage.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"delegate-server/internal/config"
	"delegate-server/internal/domain"
)

// objectKey is the object name of input name of jobID in bucket backends.
func objectKey(jobID, name string) string {
	return path.Join("jobs", jobID, name)
}

// validateName rejects names that would leave the job's directory.
func validateName(jobID, name string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return domain.ErrNotAcceptable("invalid job id %q", jobID)
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return domain.ErrNotAcceptable("invalid input name %q", name)
	}
	return nil
}

// New creates the InputStorage selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (domain.InputStorage, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.LocalPath)
	case "s3":
		return NewS3(cfg)
	case "gcs":
		return NewGCS(ctx, cfg)
	case "azure":
		return NewAzure(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
