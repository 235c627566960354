package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"delegate-server/internal/domain"
	"delegate-server/internal/service/job"
)

// interruptedResult is stored on jobs whose process was lost with a
// previous server process.
const interruptedResult = "execution interrupted by server restart"

// RecoverInterrupted fails the RUNNING jobs of serverID. It must run before
// the launcher starts: a fresh registry holds no executions, so any RUNNING
// job of this server belongs to a process that no longer exists and would
// otherwise block the queue. CANCEL_REQUESTED jobs are left to the cancel
// reconciler. Failures are logged and counted, not fatal.
func RecoverInterrupted(ctx context.Context, jobs domain.JobRepository, serverID string, logger *slog.Logger) (int, error) {
	logger = logger.With("component", "recovery", "server_id", serverID)
	running, err := jobs.ListByState(ctx, domain.JobStateRunning)
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}

	recovered := 0
	for i := range running {
		if running[i].ServerID != serverID {
			continue
		}
		id := running[i].ID
		_, err := job.Update(ctx, jobs, id, func(j *domain.Job) (bool, error) {
			if j.State != domain.JobStateRunning {
				return false, nil
			}
			j.Result = interruptedResult
			return true, j.TransitionTo(domain.JobStateFailed, time.Now().UTC())
		})
		if err != nil {
			logger.Warn("could not recover interrupted job", "job_id", id, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		logger.Info("failed interrupted jobs", "count", recovered)
	}
	return recovered, nil
}
