package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"delegate-server/internal/config"
	"delegate-server/internal/domain"
)

var _ domain.InputStorage = (*GCS)(nil)

// gcsObjects is the subset of bucket operations used here. Canceling the
// context passed to newWriter aborts the upload without creating the object.
type gcsObjects interface {
	newWriter(ctx context.Context, key string) io.WriteCloser
	newReader(ctx context.Context, key string) (io.ReadCloser, error)
	attrs(ctx context.Context, key string) error
}

type bucketObjects struct {
	bucket *gcs.BucketHandle
}

func (b bucketObjects) newWriter(ctx context.Context, key string) io.WriteCloser {
	w := b.bucket.Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	return w
}

func (b bucketObjects) newReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return b.bucket.Object(key).NewReader(ctx)
}

func (b bucketObjects) attrs(ctx context.Context, key string) error {
	_, err := b.bucket.Object(key).Attrs(ctx)
	return err
}

// GCS stores inputs in a Google Cloud Storage bucket.
type GCS struct {
	objects gcsObjects
}

// NewGCS creates a GCS storage. Without a key file, application default
// credentials are used.
func NewGCS(ctx context.Context, cfg config.StorageConfig) (*GCS, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("GCS bucket is required")
	}
	var opts []option.ClientOption
	if cfg.GCSKeyFilePath != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.GCSKeyFilePath))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCS{objects: bucketObjects{bucket: client.Bucket(cfg.GCSBucket)}}, nil
}

// Put uploads r. A failing read aborts the upload, so no truncated object
// is left behind.
func (g *GCS) Put(ctx context.Context, jobID, name string, r io.Reader) error {
	if err := validateName(jobID, name); err != nil {
		return err
	}
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := g.objects.newWriter(writeCtx, objectKey(jobID, name))
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		return fmt.Errorf("upload %s for job %s: %w", name, jobID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish upload %s for job %s: %w", name, jobID, err)
	}
	return nil
}

// Get downloads the stored input.
func (g *GCS) Get(ctx context.Context, jobID, name string) (io.ReadCloser, error) {
	if err := validateName(jobID, name); err != nil {
		return nil, err
	}
	r, err := g.objects.newReader(ctx, objectKey(jobID, name))
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, domain.ErrNotFound("input %s not found for job %s", name, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s for job %s: %w", name, jobID, err)
	}
	return r, nil
}

// Exists reports whether the input was stored.
func (g *GCS) Exists(ctx context.Context, jobID, name string) (bool, error) {
	if err := validateName(jobID, name); err != nil {
		return false, err
	}
	err := g.objects.attrs(ctx, objectKey(jobID, name))
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s for job %s: %w", name, jobID, err)
	}
	return true, nil
}
