package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"opsboard/api/internal/dispatch"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError translates dispatcher and storage errors into an HTTP
// status, code, and message. Everything unrecognized is a 500.
func mapError(err error) (int, string, string, any) {
	var domain *DomainError
	if errors.As(err, &domain) {
		return domain.Status, domain.Code, domain.Message, domain.Details
	}

	switch {
	case errors.Is(err, dispatch.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil
	case errors.Is(err, dispatch.ErrNoActiveOrg):
		return http.StatusForbidden, "NO_ACTIVE_ORG", "No active organization", nil
	case errors.Is(err, dispatch.ErrUnknownMutator):
		return http.StatusBadRequest, "UNKNOWN_MUTATOR", "Unknown mutator", nil
	case errors.Is(err, dispatch.ErrLimitExceeded):
		return http.StatusForbidden, "LIMIT_EXCEEDED", "Plan limit reached", nil
	case errors.Is(err, dispatch.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "Too many attempts", nil
	case errors.Is(err, dispatch.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, dispatch.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, dispatch.ErrValidation):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", "Internal error", nil
	}
}
