package domain

import (
	"context"
	"io"
)

// JobRepository is the persistence contract for job records. Save is
// version checked: it fails with ConflictError when the stored version
// differs from job.Version.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Save(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id string) (*Job, error)
	ListByState(ctx context.Context, state JobState) ([]Job, error)
	// FindNextReadyToStart returns nil, nil when no job is eligible.
	FindNextReadyToStart(ctx context.Context, serverID string) (*Job, error)
	CountInState(ctx context.Context, serverID string, state JobState) (int64, error)
}

// ProductCatalog resolves product identifiers known to this server.
type ProductCatalog interface {
	Product(id string) (*Product, bool)
}

// UpstreamModelProvider exposes the optional upstream configuration model of a job.
type UpstreamModelProvider interface {
	// Model returns ok=false when the job carries no model.
	Model(ctx context.Context, job *Job) (model *UpstreamModel, ok bool, err error)
}

// InputStorage stores uploaded job input files.
type InputStorage interface {
	Put(ctx context.Context, jobID, name string, r io.Reader) error
	Get(ctx context.Context, jobID, name string) (io.ReadCloser, error)
	Exists(ctx context.Context, jobID, name string) (bool, error)
}

// ExecutionHandle is a cancelable, in-memory handle on one run attempt.
type ExecutionHandle interface {
	// Cancel asks the execution to stop. It reports whether the request
	// was delivered; the execution may still finish normally.
	Cancel() bool
}

// CancelResult is the outcome of asking a registered execution to stop.
type CancelResult string

// Cancel outcomes.
const (
	CancelFoundCanceled    CancelResult = "FOUND_CANCELED"
	CancelFoundNotPossible CancelResult = "FOUND_CANCEL_NOT_POSSIBLE"
	CancelNotFound         CancelResult = "NOT_FOUND"
)
