package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"delegate-server/internal/domain"
	"delegate-server/internal/service/job"
)

// CancelService handles cancellation requests and reconciles requested
// cancellations against the registry.
type CancelService struct {
	jobs        domain.JobRepository
	registry    *Registry
	orphanAfter time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewCancelService creates a CancelService. A CANCEL_REQUESTED job without
// a registered handle is treated as orphaned once it is older than orphanAfter.
func NewCancelService(jobs domain.JobRepository, registry *Registry, orphanAfter time.Duration, logger *slog.Logger) *CancelService {
	return &CancelService{
		jobs:        jobs,
		registry:    registry,
		orphanAfter: orphanAfter,
		logger:      logger.With("component", "cancel-service"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *CancelService) SetClock(now func() time.Time) { s.now = now }

// RequestCancellation marks a RUNNING job as CANCEL_REQUESTED. Repeating
// the request is a no-op; every other state is rejected.
func (s *CancelService) RequestCancellation(ctx context.Context, jobID string) error {
	updated, err := job.Update(ctx, s.jobs, jobID, func(j *domain.Job) (bool, error) {
		if j.State == domain.JobStateCancelRequested {
			return false, nil
		}
		if err := domain.RequireState(j, "cancel job", domain.JobStateRunning); err != nil {
			return false, err
		}
		return true, j.TransitionTo(domain.JobStateCancelRequested, s.now())
	})
	if err != nil {
		return err
	}
	s.logger.Info("cancellation requested", "job_id", updated.ID)
	return nil
}

// Cancel asks the registered execution of jobID to stop.
func (s *CancelService) Cancel(jobID string) domain.CancelResult {
	handle, ok := s.registry.Lookup(jobID)
	if !ok {
		return domain.CancelNotFound
	}
	if handle.Cancel() {
		return domain.CancelFoundCanceled
	}
	return domain.CancelFoundNotPossible
}

// PassSummary reports what one reconciliation pass did.
type PassSummary struct {
	Inspected int
	Canceled  int
	Failed    int
}

// HandleCancelRequests runs one reconciliation pass over every
// CANCEL_REQUESTED job. Per-job failures are logged and counted; the pass
// continues with the next job. Only a failure to list jobs is returned.
func (s *CancelService) HandleCancelRequests(ctx context.Context) (PassSummary, error) {
	var summary PassSummary
	requested, err := s.jobs.ListByState(ctx, domain.JobStateCancelRequested)
	if err != nil {
		return summary, fmt.Errorf("list cancel requested jobs: %w", err)
	}

	for i := range requested {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		j := &requested[i]
		summary.Inspected++

		canceled, err := s.reconcile(ctx, j)
		if err != nil {
			summary.Failed++
			s.logger.Error("cancel reconciliation failed", "job_id", j.ID, "error", err)
			continue
		}
		if canceled {
			summary.Canceled++
		}
	}
	return summary, nil
}

func (s *CancelService) reconcile(ctx context.Context, j *domain.Job) (bool, error) {
	result := s.Cancel(j.ID)
	switch result {
	case domain.CancelFoundCanceled:
		// The executor persists the terminal state once the process stops.
		s.logger.Debug("cancel delivered", "job_id", j.ID)
		return false, nil

	case domain.CancelFoundNotPossible:
		s.logger.Warn("execution cannot be canceled, marking job canceled", "job_id", j.ID)
		return s.markCanceled(ctx, j.ID)

	case domain.CancelNotFound:
		age := s.now().Sub(j.Created)
		if age <= s.orphanAfter {
			s.logger.Debug("no execution found, waiting before treating job as orphaned",
				"job_id", j.ID, "age", age, "orphan_after", s.orphanAfter)
			return false, nil
		}
		s.logger.Warn("orphaned job, marking canceled", "job_id", j.ID, "age", age)
		return s.markCanceled(ctx, j.ID)

	default:
		return false, fmt.Errorf("unexpected cancel result %q", result)
	}
}

// markCanceled persists CANCELED unless the job has left CANCEL_REQUESTED
// since it was listed.
func (s *CancelService) markCanceled(ctx context.Context, jobID string) (bool, error) {
	var changed bool
	_, err := job.Update(ctx, s.jobs, jobID, func(j *domain.Job) (bool, error) {
		changed = j.State == domain.JobStateCancelRequested
		if !changed {
			return false, nil
		}
		return true, j.TransitionTo(domain.JobStateCanceled, s.now())
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}
