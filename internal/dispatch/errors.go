package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"pulsecrm/internal/models"
)

// Caller-facing error taxonomy. Provider-level failures never escape the
// dispatcher as raw errors; they are converted into structured failed
// entries on the result.
var (
	ErrNoProviderAvailable = errors.New("no provider available for this operation")
	ErrAllProvidersFailed  = errors.New("all providers failed")
	ErrInvalidRequest      = errors.New("invalid dispatch request")
)

// CallError is a classified failure from one provider call
type CallError struct {
	Kind    models.ErrorKind
	Message string
}

func (e *CallError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// classifyStatus maps an upstream HTTP status to an error kind
func classifyStatus(status int, body string) models.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.ErrKindAuthError
	case status == http.StatusTooManyRequests:
		return models.ErrKindRateLimited
	case status >= http.StatusInternalServerError:
		return models.ErrKindProviderError
	case strings.Contains(strings.ToLower(body), "quota"):
		return models.ErrKindRateLimited
	case status >= http.StatusBadRequest:
		return models.ErrKindProviderError
	default:
		return models.ErrKindUnknown
	}
}

// classifyErr maps a transport-level error to an error kind
func classifyErr(err error) models.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrKindTimeout
	case errors.Is(err, context.Canceled):
		return models.ErrKindTimeout
	default:
		return models.ErrKindUnknown
	}
}

// asCallError normalizes any error into a *CallError
func asCallError(err error) *CallError {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr
	}
	return &CallError{Kind: classifyErr(err), Message: err.Error()}
}

// retryable reports whether a failed call is worth retrying under the
// backoff policy. Timeouts already consumed the caller's deadline and
// auth errors will not fix themselves.
func retryable(err *CallError) bool {
	switch err.Kind {
	case models.ErrKindProviderError, models.ErrKindUnknown:
		return true
	default:
		return false
	}
}
