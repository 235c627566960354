package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"

	"delegate-server/internal/domain"
)

// UploadGate decides whether a job still accepts input uploads.
type UploadGate interface {
	CheckUploadAccepted(ctx context.Context, id string) (*domain.Job, error)
}

// UploadService accepts input archives for jobs in state CREATED.
type UploadService struct {
	gate    UploadGate
	inputs  domain.InputStorage
	maxSize int64
	logger  *slog.Logger
}

// NewUploadService creates an UploadService. maxSize <= 0 disables the
// size limit.
func NewUploadService(gate UploadGate, inputs domain.InputStorage, maxSize int64, logger *slog.Logger) *UploadService {
	return &UploadService{gate: gate, inputs: inputs, maxSize: maxSize, logger: logger.With("component", "upload")}
}

var errTooLarge = errors.New("upload exceeds size limit")

// limitedReader fails once more than n bytes were read.
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n < 0 {
		return 0, errTooLarge
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	if l.n < 0 {
		return n, errTooLarge
	}
	return n, err
}

// Upload stores r as input fileName of job jobID.
func (s *UploadService) Upload(ctx context.Context, jobID, fileName string, r io.Reader) error {
	if !slices.Contains(domain.InputArchiveNames, fileName) {
		return domain.ErrNotAcceptable("upload file name %q is not supported, accepted are %v", fileName, domain.InputArchiveNames)
	}
	if _, err := s.gate.CheckUploadAccepted(ctx, jobID); err != nil {
		return err
	}

	body := r
	if s.maxSize > 0 {
		body = &limitedReader{r: r, n: s.maxSize}
	}
	if err := s.inputs.Put(ctx, jobID, fileName, body); err != nil {
		if errors.Is(err, errTooLarge) {
			return domain.ErrNotAcceptable("upload %s for job %s exceeds %d bytes", fileName, jobID, s.maxSize)
		}
		return err
	}
	s.logger.Info("input uploaded", "job_id", jobID, "file", fileName)
	return nil
}
