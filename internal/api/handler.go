// Package api provides the HTTP surface of the delegation server.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"delegate-server/internal/domain"
	"delegate-server/internal/middleware"
)

// JobService is the job lifecycle surface the handlers need.
type JobService interface {
	CreateJob(ctx context.Context, owner string, cfg *domain.JobConfiguration) (string, error)
	MarkReadyToStart(ctx context.Context, id string) error
	GetStatus(ctx context.Context, id string) (domain.JobStatus, error)
	GetResult(ctx context.Context, id string) (string, error)
	CountJobsInState(ctx context.Context, serverID string, state domain.JobState) (int64, error)
	ServerID() string
}

// CancelRequester records cancellation requests for running jobs.
type CancelRequester interface {
	RequestCancellation(ctx context.Context, jobID string) error
}

// StreamReader serves the output and error text of jobs.
type StreamReader interface {
	OutputStream(ctx context.Context, jobID string) (string, error)
	ErrorStream(ctx context.Context, jobID string) (string, error)
}

// Uploader stores input archives of jobs.
type Uploader interface {
	Upload(ctx context.Context, jobID, fileName string, r io.Reader) error
}

// Handler serves the job REST endpoints.
type Handler struct {
	jobs    JobService
	cancels CancelRequester
	streams StreamReader
	uploads Uploader
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(jobs JobService, cancels CancelRequester, streams StreamReader, uploads Uploader, logger *slog.Logger) *Handler {
	return &Handler{
		jobs:    jobs,
		cancels: cancels,
		streams: streams,
		uploads: uploads,
		logger:  logger.With("component", "api"),
	}
}

// principal returns the authenticated caller. The auth middleware guarantees
// its presence on every /api route.
func principal(r *http.Request) domain.ContextPrincipal {
	p, _ := domain.PrincipalFromContext(r.Context())
	return p
}

// authorizeJob hides jobs of other owners from non-admin callers.
func (h *Handler) authorizeJob(r *http.Request, id string) error {
	status, err := h.jobs.GetStatus(r.Context(), id)
	if err != nil {
		return err
	}
	p := principal(r)
	if !p.IsAdmin && status.Owner != p.Name {
		return domain.ErrNotFound("job %s not found", id)
	}
	return nil
}

func requestIDFrom(r *http.Request) string {
	return middleware.RequestIDFromContext(r.Context())
}
