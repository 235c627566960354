package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"delegate-server/internal/domain"
)

// httpStatusFromDomainError maps domain errors to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var notFound *domain.NotFoundError
	var notAcceptable *domain.NotAcceptableError
	var conflict *domain.ConflictError
	var encryption *domain.EncryptionError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &notAcceptable):
		return http.StatusNotAcceptable
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &encryption):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON error payload of every failed request.
type errorBody struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err. Internal details of 5xx errors stay in the log.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatusFromDomainError(err)
	msg := err.Error()
	requestID := requestIDFrom(r)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err, "request_id", requestID)
		msg = http.StatusText(code)
	} else {
		h.logger.Debug("request rejected",
			"method", r.Method, "path", r.URL.Path, "status", code, "error", err, "request_id", requestID)
	}
	writeJSON(w, code, errorBody{Code: code, Message: msg, RequestID: requestID})
}
