// Package job implements job admission, the job lifecycle operations of the
// REST surface and the per-server queue selector.
package job

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"delegate-server/internal/db/crypto"
	"delegate-server/internal/domain"
)

// Service admits jobs and serves their lifecycle operations.
type Service struct {
	jobs     domain.JobRepository
	products domain.ProductCatalog
	cipher   *crypto.ConfigCipher
	serverID string
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new job Service for the given server identity.
func NewService(
	jobs domain.JobRepository,
	products domain.ProductCatalog,
	cipher *crypto.ConfigCipher,
	serverID string,
	logger *slog.Logger,
) *Service {
	return &Service{
		jobs:     jobs,
		products: products,
		cipher:   cipher,
		serverID: serverID,
		logger:   logger.With("component", "job-service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// ServerID returns the server identity jobs are admitted for.
func (s *Service) ServerID() string { return s.serverID }

// CreateJob validates cfg against the product catalog, encrypts it and
// persists a new job in state CREATED owned by owner. Nothing is persisted
// when validation fails.
func (s *Service) CreateJob(ctx context.Context, owner string, cfg *domain.JobConfiguration) (string, error) {
	if err := s.validateConfiguration(cfg); err != nil {
		return "", err
	}

	ciphertext, iv, err := s.cipher.EncryptConfiguration(cfg)
	if err != nil {
		return "", err
	}

	job := &domain.Job{
		ID:                     domain.NewID(),
		UpstreamJobID:          cfg.UpstreamJobID,
		ServerID:               s.serverID,
		ProductID:              cfg.ProductID,
		State:                  domain.JobStateCreated,
		Owner:                  owner,
		Created:                s.now(),
		EncryptedConfiguration: ciphertext,
		EncryptionIV:           iv,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return "", err
	}

	s.logger.Info("job created",
		"job_id", job.ID, "upstream_job_id", job.UpstreamJobID, "product", job.ProductID, "owner", owner)
	return job.ID, nil
}

func (s *Service) validateConfiguration(cfg *domain.JobConfiguration) error {
	if cfg == nil {
		return domain.ErrNotAcceptable("job configuration may not be null")
	}
	if strings.TrimSpace(cfg.UpstreamJobID) == "" {
		return domain.ErrNotAcceptable("upstream job id must be set")
	}
	product, ok := s.products.Product(cfg.ProductID)
	if !ok {
		return domain.ErrNotAcceptable("server %s does not support product identifier %q", s.serverID, cfg.ProductID)
	}
	for _, mandatory := range product.MandatoryParameters {
		if _, found := cfg.Parameter(mandatory.Key); !found {
			return domain.ErrNotAcceptable("mandatory parameter not found: %s", mandatory.Key)
		}
	}
	return nil
}

// MarkReadyToStart moves a CREATED job to READY_TO_START. Calling it again
// on a job that is already ready is a no-op.
func (s *Service) MarkReadyToStart(ctx context.Context, id string) error {
	job, err := Update(ctx, s.jobs, id, func(job *domain.Job) (bool, error) {
		if job.State == domain.JobStateReadyToStart {
			return false, nil
		}
		if err := domain.RequireState(job, "mark ready to start", domain.JobStateCreated); err != nil {
			return false, err
		}
		return true, job.TransitionTo(domain.JobStateReadyToStart, s.now())
	})
	if err != nil {
		return err
	}
	s.logger.Info("job ready to start", "job_id", job.ID)
	return nil
}

// GetStatus returns the status summary of job id.
func (s *Service) GetStatus(ctx context.Context, id string) (domain.JobStatus, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return domain.JobStatus{}, err
	}
	return domain.StatusOf(job), nil
}

// GetResult returns the result payload of a finished job.
func (s *Service) GetResult(ctx context.Context, id string) (string, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if err := domain.RequireState(job, "get result", domain.JobStateDone, domain.JobStateFailed); err != nil {
		return "", err
	}
	return job.Result, nil
}

// GetJobConfiguration decrypts the configuration of job id.
func (s *Service) GetJobConfiguration(ctx context.Context, id string) (*domain.JobConfiguration, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.cipher.DecryptConfiguration(job)
}

// CheckUploadAccepted returns job id if it still accepts input uploads.
func (s *Service) CheckUploadAccepted(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := domain.RequireState(job, "upload", domain.JobStateCreated); err != nil {
		return nil, err
	}
	return job, nil
}
