package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"delegate-server/internal/config"
	"delegate-server/internal/domain"
)

var _ domain.InputStorage = (*S3)(nil)

// s3API is the subset of the S3 client used here.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3 stores inputs in an S3-compatible bucket.
type S3 struct {
	client s3API
	bucket string
}

// NewS3 creates an S3 storage using static credentials and path-style
// addressing, which S3-compatible providers require.
func NewS3(cfg config.StorageConfig) (*S3, error) {
	if cfg.S3Endpoint == "" || cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3 config is incomplete")
	}
	endpoint := cfg.S3Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}

	client := s3.New(s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.S3KeyID, cfg.S3Secret, ""),
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
	})
	return &S3{client: client, bucket: cfg.S3Bucket}, nil
}

// Put uploads r. The body is spooled to a temporary file first because the
// SDK needs a seekable body of known length.
func (s *S3) Put(ctx context.Context, jobID, name string, r io.Reader) error {
	if err := validateName(jobID, name); err != nil {
		return err
	}
	spool, err := os.CreateTemp("", "delegate-upload-*")
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	defer os.Remove(spool.Name()) //nolint:errcheck
	defer spool.Close()           //nolint:errcheck

	size, err := io.Copy(spool, r)
	if err != nil {
		return fmt.Errorf("spool %s: %w", name, err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(jobID, name)),
		Body:          spool,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("put %s for job %s: %w", name, jobID, err)
	}
	return nil
}

// Get downloads the stored input.
func (s *S3) Get(ctx context.Context, jobID, name string) (io.ReadCloser, error) {
	if err := validateName(jobID, name); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(jobID, name)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, domain.ErrNotFound("input %s not found for job %s", name, jobID)
		}
		return nil, fmt.Errorf("get %s for job %s: %w", name, jobID, err)
	}
	return out.Body, nil
}

// Exists reports whether the input was stored.
func (s *S3) Exists(ctx context.Context, jobID, name string) (bool, error) {
	if err := validateName(jobID, name); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(jobID, name)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("head %s for job %s: %w", name, jobID, err)
	}
	return true, nil
}
