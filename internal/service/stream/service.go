package stream

import (
	"context"
	"log/slog"
	"time"

	"delegate-server/internal/domain"
	"delegate-server/internal/service/job"
)

// Service exposes job stream text and records refresh requests that the
// executor picks up.
type Service struct {
	jobs     domain.JobRepository
	throttle *Throttle
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a stream Service.
func NewService(jobs domain.JobRepository, throttle *Throttle, logger *slog.Logger) *Service {
	return &Service{
		jobs:     jobs,
		throttle: throttle,
		logger:   logger.With("component", "stream-service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RequestRefresh stamps a refresh request on a running job when its stream
// text is older than the update window. It reports whether a request was
// recorded.
func (s *Service) RequestRefresh(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	_, err := job.Update(ctx, s.jobs, jobID, func(j *domain.Job) (bool, error) {
		requested = s.throttle.IsUpdateNecessaryWhenRefreshRequestedNow(j)
		if !requested {
			return false, nil
		}
		now := s.now()
		j.LastStreamTextRefreshRequest = &now
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if requested {
		s.logger.Debug("stream refresh requested", "job_id", jobID)
	}
	return requested, nil
}

// OutputStream returns the most recent output text of jobID, asking the
// executor for fresher text first.
func (s *Service) OutputStream(ctx context.Context, jobID string) (string, error) {
	j, err := s.refreshed(ctx, jobID)
	if err != nil {
		return "", err
	}
	return Truncate(j.OutputStreamText), nil
}

// ErrorStream returns the most recent error text of jobID, asking the
// executor for fresher text first.
func (s *Service) ErrorStream(ctx context.Context, jobID string) (string, error) {
	j, err := s.refreshed(ctx, jobID)
	if err != nil {
		return "", err
	}
	return Truncate(j.ErrorStreamText), nil
}

func (s *Service) refreshed(ctx context.Context, jobID string) (*domain.Job, error) {
	if _, err := s.RequestRefresh(ctx, jobID); err != nil {
		return nil, err
	}
	return s.jobs.GetByID(ctx, jobID)
}
