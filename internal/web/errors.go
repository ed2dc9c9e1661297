package web

// errors.go turns service errors into HTTP responses. The technical error
// is logged with the request id; the client gets the mapped user message
// and its support code.

import (
	"errors"
	"net/http"

	"github.com/vendorregistry/importer/internal/importer"
	"github.com/vendorregistry/importer/internal/logging"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`

	// RunID is set when the failure belongs to a run that was created.
	RunID int64 `json:"run_id,omitempty"`
}

// statusFor picks the HTTP status for err. A processing failure is a
// server error even when its cause is one of the pre-run sentinels.
func statusFor(err error) int {
	switch {
	case errors.Is(err, importer.ErrProcessing):
		return http.StatusInternalServerError
	case errors.Is(err, importer.ErrBusy), errors.Is(err, importer.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, importer.ErrEmptyFile), errors.Is(err, importer.ErrBadHeader), errors.Is(err, importer.ErrInvalidCSV):
		return http.StatusUnprocessableEntity
	case errors.Is(err, importer.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, importer.ErrNoFile), errors.Is(err, importer.ErrNotCSV):
		return http.StatusBadRequest
	case errors.Is(err, importer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, importer.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes its user-facing form.
func respondError(w http.ResponseWriter, r *http.Request, err error, runID int64) {
	status := statusFor(err)
	msg := importer.MapError(err)

	log := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", msg.Code,
		"error", err.Error(),
	}
	if runID != 0 {
		attrs = append(attrs, "run_id", runID)
	}
	if status >= http.StatusInternalServerError {
		log.Error("request error", attrs...)
	} else {
		log.Info("request rejected", attrs...)
	}

	writeJSON(w, status, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
		RunID:   runID,
	})
}
