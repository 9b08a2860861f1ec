// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/fiscaldesk/internal/platform/db"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

type mapping struct {
	target error
	status int
	title  string
}

// Order matters: conflicts are checked before persistence so a wrapped
// serialization failure is reported as 409 rather than 503.
var mappings = []mapping{
	{shared.ErrValidation, http.StatusBadRequest, "Validation Failed"},
	{shared.ErrInvalidCredentials, http.StatusUnauthorized, "Invalid Credentials"},
	{shared.ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
	{shared.ErrForbidden, http.StatusForbidden, "Forbidden"},
	{shared.ErrNotFound, http.StatusNotFound, "Not Found"},
	{shared.ErrAlreadyReviewed, http.StatusConflict, "Already Reviewed"},
	{shared.ErrInvalidStateTransition, http.StatusConflict, "Invalid State Transition"},
	{shared.ErrNoOpSwitch, http.StatusConflict, "Fiscal Year Already Current"},
	{shared.ErrConcurrencyConflict, http.StatusConflict, "Concurrency Conflict"},
	{shared.ErrStaleFiscalYear, http.StatusUnprocessableEntity, "Stale Fiscal Year"},
	{shared.ErrInvalidTarget, http.StatusUnprocessableEntity, "Invalid Target"},
	{shared.ErrCapacityExceeded, http.StatusUnprocessableEntity, "Sequence Capacity Exceeded"},
	{shared.ErrManualSwitchBlocked, http.StatusLocked, "Manual Switch Blocked"},
}

// StatusFor returns the HTTP status and title RespondError would use for err.
func StatusFor(err error) (int, string) {
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.status, m.title
		}
	}
	if db.IsConflict(err) {
		return http.StatusConflict, "Concurrency Conflict"
	}
	if errors.Is(err, shared.ErrPersistence) {
		return http.StatusServiceUnavailable, "Store Unavailable"
	}
	return http.StatusInternalServerError, "Internal Error"
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	status, title := StatusFor(err)
	detail := ""
	if status < http.StatusInternalServerError {
		detail = err.Error()
	}
	Problem(w, status, title, detail)
}
