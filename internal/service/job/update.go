package job

import (
	"context"
	"errors"
	"time"

	"delegate-server/internal/domain"
)

// maxUpdateAttempts bounds how often a read-mutate-save cycle is retried
// after losing a version race.
const maxUpdateAttempts = 3

// Mutation changes a freshly loaded job. It returns false when there is
// nothing to persist.
type Mutation func(job *domain.Job) (bool, error)

// Update loads job id, applies mutate and saves the result with the
// repository's version check. A ConflictError reloads the job and runs
// mutate again, so mutate must decide from the job it is given.
func Update(ctx context.Context, jobs domain.JobRepository, id string, mutate Mutation) (*domain.Job, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		job, err := jobs.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		changed, err := mutate(job)
		if err != nil {
			return nil, err
		}
		if !changed {
			return job, nil
		}
		err = jobs.Save(ctx, job)
		if err == nil {
			return job, nil
		}
		var conflict *domain.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Transition returns a Mutation moving the job to next, stamping
// timestamps with now. It is a no-op when the job is already in next.
func Transition(next domain.JobState, now func() time.Time) Mutation {
	return func(job *domain.Job) (bool, error) {
		if job.State == next {
			return false, nil
		}
		return true, job.TransitionTo(next, now())
	}
}
