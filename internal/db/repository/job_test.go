package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegate-server/internal/db"
	"delegate-server/internal/domain"
)

var baseTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newJob(serverID string, state domain.JobState, created time.Time) *domain.Job {
	job := &domain.Job{
		ID:            domain.NewID(),
		UpstreamJobID: "upstream-" + serverID,
		ServerID:      serverID,
		ProductID:     "PDS_CODESCAN",
		State:         state,
		Owner:         "orchestrator",
		Created:       created,
	}
	if state.HasPassedReadyToStart() {
		started := created.Add(time.Second)
		job.Started = &started
	}
	if state.IsTerminal() {
		ended := created.Add(time.Minute)
		job.Ended = &ended
	}
	return job
}

func TestJobRepo_CreateAndGet(t *testing.T) {
	t.Parallel()

	writeDB, readDB := db.OpenTestSQLite(t)
	repo := NewJobRepo(writeDB, readDB)
	ctx := context.Background()

	job := newJob("server-a", domain.JobStateCreated, baseTime)
	job.EncryptedConfiguration = []byte{1, 2, 3}
	job.EncryptionIV = []byte{4, 5, 6}
	require.NoError(t, repo.Create(ctx, job))

	loaded, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, domain.JobStateCreated, loaded.State)
	assert.Equal(t, "orchestrator", loaded.Owner)
	assert.True(t, baseTime.Equal(loaded.Created))
	assert.Equal(t, []byte{1, 2, 3}, loaded.EncryptedConfiguration)
	assert.Equal(t, []byte{4, 5, 6}, loaded.EncryptionIV)
	assert.Nil(t, loaded.Started)
	assert.Equal(t, int64(0), loaded.Version)
}

func TestJobRepo_GetByID_NotFound(t *testing.T) {
	t.Parallel()

	writeDB, readDB := db.OpenTestSQLite(t)
	repo := NewJobRepo(writeDB, readDB)

	_, err := repo.GetByID(context.Background(), "missing")
	var notFound *domain.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestJobRepo_Save_VersionCheck(t *testing.T) {
	t.Parallel()

	writeDB, readDB := db.OpenTestSQLite(t)
	repo := NewJobRepo(writeDB, readDB)
	ctx := context.Background()

	job := newJob("server-a", domain.JobStateCreated, baseTime)
	require.NoError(t, repo.Create(ctx, job))

	first, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	second, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, first.TransitionTo(domain.JobStateReadyToStart, baseTime))
	require.NoError(t, repo.Save(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	second.Result = "stale writer"
	err = repo.Save(ctx, second)
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))

	loaded, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateReadyToStart, loaded.State)
	assert.Empty(t, loaded.Result)
}

func TestJobRepo_Save_UnknownJob(t *testing.T) {
	t.Parallel()

	writeDB, readDB := db.OpenTestSQLite(t)
	repo := NewJobRepo(writeDB, readDB)

	err := repo.Save(context.Background(), newJob("server-a", domain.JobStateCreated, baseTime))
	var notFound *domain.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestJobRepo_Save_PersistsStreamsAndTimestamps(t *testing.T) {
	t.Parallel()

	writeDB, readDB := db.OpenTestSQLite(t)
	repo := NewJobRepo(writeDB, readDB)
	ctx := context.Background()

	job := newJob("server-a", domain.JobStateRunning, baseTime)
	require.NoError(t, repo.Create(ctx, job))

	update := baseTime.Add(3 * time.Second)
	job.OutputStreamText = "line 1\nline 2"
	job.ErrorStreamText = "warn"
	job.LastStreamTextUpdate = &update
	require.NoError(t, job.TransitionTo(domain.JobStateDone, baseTime.Add(time.Hour)))
	job.Result = "ok"
	job.EncryptionOutOfSync = true
	require.NoError(t, repo.Save(ctx, job))

	loaded, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDone, loaded.State)
	assert.Equal(t, "line 1\nline 2", loaded.OutputStreamText)
	assert.Equal(t, "warn", loaded.ErrorStreamText)
	require.NotNil(t, loaded.LastStreamTextUpdate)
	assert.True(t, update.Equal(*loaded.LastStreamTextUpdate))
	require.NotNil(t, loaded.Ended)
	assert.Equal(t, "ok", loaded.Result)
	assert.True(t, loaded.EncryptionOutOfSync)
}

func TestJobRepo_FindNextReadyToStart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		jobs   []*domain.Job
		server string
		want   int // index into jobs, -1 for none
	}{
		{
			name:   "no jobs",
			server: "server-a",
			want:   -1,
		},
		{
			name: "oldest ready job wins",
			jobs: []*domain.Job{
				newJob("server-a", domain.JobStateReadyToStart, baseTime.Add(2*time.Minute)),
				newJob("server-a", domain.JobStateReadyToStart, baseTime.Add(time.Minute)),
			},
			server: "server-a",
			want:   1,
		},
		{
			name: "running job blocks its server",
			jobs: []*domain.Job{
				newJob("server-a", domain.JobStateRunning, baseTime),
				newJob("server-a", domain.JobStateReadyToStart, baseTime.Add(time.Minute)),
			},
			server: "server-a",
			want:   -1,
		},
		{
			name: "running job on another server does not block",
			jobs: []*domain.Job{
				newJob("server-b", domain.JobStateRunning, baseTime),
				newJob("server-a", domain.JobStateReadyToStart, baseTime.Add(time.Minute)),
			},
			server: "server-a",
			want:   1,
		},
		{
			name: "terminal and created jobs are ignored",
			jobs: []*domain.Job{
				newJob("server-a", domain.JobStateDone, baseTime),
				newJob("server-a", domain.JobStateCreated, baseTime),
				newJob("server-a", domain.JobStateReadyToStart, baseTime.Add(time.Hour)),
			},
			server: "server-a",
			want:   2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeDB, readDB := db.OpenTestSQLite(t)
			repo := NewJobRepo(writeDB, readDB)
			ctx := context.Background()
			for _, j := range tt.jobs {
				require.NoError(t, repo.Create(ctx, j))
			}

			got, err := repo.FindNextReadyToStart(ctx, tt.server)
			require.NoError(t, err)
			if tt.want < 0 {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.jobs[tt.want].ID, got.ID)
		})
	}
}

func TestJobRepo_ListByStateAndCount(t *testing.T) {
	t.Parallel()

	writeDB, readDB := db.OpenTestSQLite(t)
	repo := NewJobRepo(writeDB, readDB)
	ctx := context.Background()

	for _, j := range []*domain.Job{
		newJob("server-a", domain.JobStateCancelRequested, baseTime.Add(time.Minute)),
		newJob("server-a", domain.JobStateCancelRequested, baseTime),
		newJob("server-b", domain.JobStateCancelRequested, baseTime),
		newJob("server-a", domain.JobStateRunning, baseTime),
	} {
		require.NoError(t, repo.Create(ctx, j))
	}

	jobs, err := repo.ListByState(ctx, domain.JobStateCancelRequested)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.False(t, jobs[0].Created.After(jobs[2].Created))

	n, err := repo.CountInState(ctx, "server-a", domain.JobStateCancelRequested)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.CountInState(ctx, "server-b", domain.JobStateRunning)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestJobRepo_QueriesUseReadPool(t *testing.T) {
	t.Parallel()

	writeDB, readDB := db.OpenTestSQLite(t)
	repo := NewJobRepo(writeDB, readDB)
	ctx := context.Background()

	job := newJob("server-a", domain.JobStateReadyToStart, baseTime)
	require.NoError(t, repo.Create(ctx, job))
	require.NoError(t, readDB.Close())

	_, err := repo.GetByID(ctx, job.ID)
	require.Error(t, err)
	_, err = repo.ListByState(ctx, domain.JobStateReadyToStart)
	require.Error(t, err)
	_, err = repo.CountInState(ctx, "server-a", domain.JobStateReadyToStart)
	require.Error(t, err)
	_, err = repo.FindNextReadyToStart(ctx, "server-a")
	require.Error(t, err)

	job.State = domain.JobStateRunning
	started := baseTime.Add(time.Second)
	job.Started = &started
	require.NoError(t, repo.Save(ctx, job), "writes keep using the write pool")
}

func TestJobRepo_NilReadPoolUsesWritePool(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewJobRepo(writeDB, nil)
	ctx := context.Background()

	job := newJob("server-a", domain.JobStateCreated, baseTime)
	require.NoError(t, repo.Create(ctx, job))

	loaded, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, loaded.ID)
}
