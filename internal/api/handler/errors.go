// Package handler implements the HTTP endpoints of the job engine.
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/tabprep/internal/api/response"
	"github.com/kiranshivaraju/tabprep/internal/jobs"
	"github.com/kiranshivaraju/tabprep/internal/quota"
	"github.com/kiranshivaraju/tabprep/internal/ratelimit"
	"github.com/kiranshivaraju/tabprep/internal/storage"
	"github.com/kiranshivaraju/tabprep/internal/store"
	"github.com/kiranshivaraju/tabprep/pkg/models"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// errorMappings is checked in order; the first match wins.
var errorMappings = []errorMapping{
	{jobs.ErrJobNotFound, http.StatusNotFound, "JOB_NOT_FOUND"},
	{jobs.ErrResultNotReady, http.StatusConflict, "RESULT_NOT_READY"},
	{jobs.ErrInvalidConfig, http.StatusBadRequest, "INVALID_REQUEST"},
	{jobs.ErrQueueClosed, http.StatusServiceUnavailable, "UNAVAILABLE"},
	{models.ErrInvalidStateTransition, http.StatusConflict, "INVALID_STATE_TRANSITION"},
	{storage.ErrInputNotFound, http.StatusNotFound, "INPUT_NOT_FOUND"},
	{storage.ErrUnsupportedFormat, http.StatusUnsupportedMediaType, "UNSUPPORTED_FORMAT"},
	{quota.ErrQuotaExceeded, http.StatusForbidden, "QUOTA_EXCEEDED"},
	{ratelimit.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
	{store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{store.ErrDuplicateKey, http.StatusConflict, "CONFLICT"},
}

// writeError maps err to its envelope code. Unknown errors are logged and
// reported as INTERNAL_ERROR without their message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			response.Error(w, m.status, m.code, err.Error(), details(err))
			return
		}
	}
	slog.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}

func details(err error) any {
	var te *models.InvalidTransitionError
	if errors.As(err, &te) {
		return map[string]any{
			"job_id":           te.JobID,
			"current_status":   te.Current,
			"requested_status": te.Requested,
		}
	}
	return nil
}

func badRequest(w http.ResponseWriter, message string) {
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", message, nil)
}
