package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"delegate-server/internal/domain"
)

var _ domain.JobRepository = (*JobRepo)(nil)

const jobColumns = `id, upstream_job_id, server_id, product_id, state, owner,
	created, started, ended,
	encrypted_configuration, encryption_iv, encryption_out_of_sync,
	result, output_stream_text, error_stream_text,
	last_stream_text_update, last_stream_text_refresh_request, version`

// JobRepo stores job records in SQLite. Updates are guarded by the
// version column so concurrent writers cannot silently overwrite each other.
// Writes go through the single-connection write pool, queries through the
// read pool.
type JobRepo struct {
	db   *sql.DB
	read *sql.DB
}

// NewJobRepo creates a new JobRepo. A nil readDB sends queries to writeDB.
func NewJobRepo(writeDB, readDB *sql.DB) *JobRepo {
	if readDB == nil {
		readDB = writeDB
	}
	return &JobRepo{db: writeDB, read: readDB}
}

// Create inserts a new job. The stored version starts at 0.
func (r *JobRepo) Create(ctx context.Context, job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("job is required")
	}
	if job.ID == "" {
		job.ID = domain.NewID()
	}
	if err := job.Validate(); err != nil {
		return err
	}
	job.Version = 0

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, job.UpstreamJobID, job.ServerID, job.ProductID, string(job.State), job.Owner,
		formatTime(job.Created), nullTime(job.Started), nullTime(job.Ended),
		nullBytes(job.EncryptedConfiguration), nullBytes(job.EncryptionIV), boolToInt(job.EncryptionOutOfSync),
		job.Result, job.OutputStreamText, job.ErrorStreamText,
		nullTime(job.LastStreamTextUpdate), nullTime(job.LastStreamTextRefreshRequest), job.Version,
	)
	return mapDBError(err)
}

// Save persists all mutable fields of job if its version still matches
// the stored one, then increments job.Version.
func (r *JobRepo) Save(ctx context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, started = ?, ended = ?,
		    encrypted_configuration = ?, encryption_iv = ?, encryption_out_of_sync = ?,
		    result = ?, output_stream_text = ?, error_stream_text = ?,
		    last_stream_text_update = ?, last_stream_text_refresh_request = ?,
		    version = version + 1
		WHERE id = ? AND version = ?
	`,
		string(job.State), nullTime(job.Started), nullTime(job.Ended),
		nullBytes(job.EncryptedConfiguration), nullBytes(job.EncryptionIV), boolToInt(job.EncryptionOutOfSync),
		job.Result, job.OutputStreamText, job.ErrorStreamText,
		nullTime(job.LastStreamTextUpdate), nullTime(job.LastStreamTextRefreshRequest),
		job.ID, job.Version,
	)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, job.ID); err != nil {
			return err
		}
		return domain.ErrConflict("job %s was modified concurrently (version %d is stale)", job.ID, job.Version)
	}
	job.Version++
	return nil
}

// GetByID returns the job with the given id or a NotFoundError.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(r.read.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("job %s not found", id)
	}
	return job, err
}

// ListByState returns every job in state, oldest first.
func (r *JobRepo) ListByState(ctx context.Context, state domain.JobState) ([]domain.Job, error) {
	rows, err := r.read.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY created ASC
	`, string(state))
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// FindNextReadyToStart returns the oldest READY_TO_START job of serverID,
// unless a job of that server is RUNNING. It returns nil, nil when no job
// is eligible.
func (r *JobRepo) FindNextReadyToStart(ctx context.Context, serverID string) (*domain.Job, error) {
	job, err := scanJob(r.read.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.server_id = ? AND j.state = ?
		  AND NOT EXISTS (
		      SELECT 1 FROM jobs running
		      WHERE running.server_id = j.server_id AND running.state = ?
		  )
		ORDER BY j.created ASC
		LIMIT 1
	`, serverID, string(domain.JobStateReadyToStart), string(domain.JobStateRunning)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// CountInState counts jobs of serverID in state.
func (r *JobRepo) CountInState(ctx context.Context, serverID string, state domain.JobState) (int64, error) {
	var n int64
	err := r.read.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE server_id = ? AND state = ?
	`, serverID, string(state)).Scan(&n)
	if err != nil {
		return 0, mapDBError(err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job                        domain.Job
		state                      string
		created                    string
		started, ended             sql.NullString
		lastUpdate, lastRefresh    sql.NullString
		outOfSync                  int64
		encryptedConfig, encryptIV []byte
	)

	err := row.Scan(
		&job.ID, &job.UpstreamJobID, &job.ServerID, &job.ProductID, &state, &job.Owner,
		&created, &started, &ended,
		&encryptedConfig, &encryptIV, &outOfSync,
		&job.Result, &job.OutputStreamText, &job.ErrorStreamText,
		&lastUpdate, &lastRefresh, &job.Version,
	)
	if err != nil {
		return nil, err
	}

	job.State = domain.JobState(state)
	job.EncryptedConfiguration = encryptedConfig
	job.EncryptionIV = encryptIV
	job.EncryptionOutOfSync = outOfSync != 0

	if job.Created, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created of job %s: %w", job.ID, err)
	}
	if job.Started, err = parseNullTime(started); err != nil {
		return nil, fmt.Errorf("parse started of job %s: %w", job.ID, err)
	}
	if job.Ended, err = parseNullTime(ended); err != nil {
		return nil, fmt.Errorf("parse ended of job %s: %w", job.ID, err)
	}
	if job.LastStreamTextUpdate, err = parseNullTime(lastUpdate); err != nil {
		return nil, fmt.Errorf("parse stream update of job %s: %w", job.ID, err)
	}
	if job.LastStreamTextRefreshRequest, err = parseNullTime(lastRefresh); err != nil {
		return nil, fmt.Errorf("parse stream refresh request of job %s: %w", job.ID, err)
	}
	return &job, nil
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
