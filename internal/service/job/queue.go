package job

import (
	"context"

	"delegate-server/internal/domain"
)

// FindNextJobToExecute returns the oldest READY_TO_START job of serverID,
// or nil when there is none or a job of that server is RUNNING.
func (s *Service) FindNextJobToExecute(ctx context.Context, serverID string) (*domain.Job, error) {
	return s.jobs.FindNextReadyToStart(ctx, serverID)
}

// CountJobsInState counts the jobs of serverID in state.
func (s *Service) CountJobsInState(ctx context.Context, serverID string, state domain.JobState) (int64, error) {
	return s.jobs.CountInState(ctx, serverID, state)
}
