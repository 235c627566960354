package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"delegate-server/internal/domain"
)

// maxConfigurationBytes bounds the JSON body of a create request.
const maxConfigurationBytes = 1 << 20

type createJobResponse struct {
	JobID string `json:"jobId"`
}

type jobStatusResponse struct {
	JobID    string     `json:"jobId"`
	ServerID string     `json:"serverId"`
	Owner    string     `json:"owner"`
	State    string     `json:"state"`
	Created  time.Time  `json:"created"`
	Started  *time.Time `json:"started,omitempty"`
	Ended    *time.Time `json:"ended,omitempty"`
	Version  int64      `json:"version"`
}

func jobStatusToAPI(s domain.JobStatus) jobStatusResponse {
	return jobStatusResponse{
		JobID:    s.JobID,
		ServerID: s.ServerID,
		Owner:    s.Owner,
		State:    string(s.State),
		Created:  s.Created,
		Started:  s.Started,
		Ended:    s.Ended,
		Version:  s.Version,
	}
}

// CreateJob handles POST /job/create.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var cfg *domain.JobConfiguration
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigurationBytes))
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, domain.ErrNotAcceptable("job configuration is not valid JSON: %v", err))
		return
	}
	id, err := h.jobs.CreateJob(r.Context(), principal(r).Name, cfg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createJobResponse{JobID: id})
}

// MarkReadyToStart handles PUT /job/{id}/mark-ready-to-start.
func (h *Handler) MarkReadyToStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.authorizeJob(r, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.jobs.MarkReadyToStart(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadInput handles POST /job/{id}/upload/{fileName}. The body is the raw
// archive.
func (h *Handler) UploadInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.authorizeJob(r, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.uploads.Upload(r.Context(), id, chi.URLParam(r, "fileName"), r.Body); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStatus handles GET /job/{id}/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := h.jobs.GetStatus(r.Context(), id)
	if err == nil {
		if p := principal(r); !p.IsAdmin && status.Owner != p.Name {
			err = domain.ErrNotFound("job %s not found", id)
		}
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobStatusToAPI(status))
}

// GetResult handles GET /job/{id}/result. The stored result is returned
// verbatim.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.authorizeJob(r, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.jobs.GetResult(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	contentType := "text/plain; charset=utf-8"
	if json.Valid([]byte(result)) {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, result)
}

// GetOutputStream handles GET /job/{id}/stream/output.
func (h *Handler) GetOutputStream(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, h.streams.OutputStream)
}

// GetErrorStream handles GET /job/{id}/stream/error.
func (h *Handler) GetErrorStream(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, h.streams.ErrorStream)
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, read func(ctx context.Context, id string) (string, error)) {
	id := chi.URLParam(r, "id")
	if err := h.authorizeJob(r, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	text, err := read(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

// CancelJob handles PUT /job/{id}/cancel.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.authorizeJob(r, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.cancels.RequestCancellation(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
