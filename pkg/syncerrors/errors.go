// Package syncerrors defines the error taxonomy shared by the gather and
// enrich pipelines, and the mapping of those errors to run outcomes and HTTP
// status codes.
package syncerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrAlreadyRunning is returned when the single-flight guard for a job is held
// by another execution.
var ErrAlreadyRunning = errors.New("job already running")

// UserNotFoundError is returned when no settings record exists for a user.
type UserNotFoundError struct {
	UserID string
}

func (e *UserNotFoundError) Error() string {
	return fmt.Sprintf("user %s not found", e.UserID)
}

// QuotaExceededError signals that the remote API budget is exhausted until
// NextResetAt.
type QuotaExceededError struct {
	Service     string
	NextResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	if e.NextResetAt.IsZero() {
		return fmt.Sprintf("%s quota exceeded", e.Service)
	}
	return fmt.Sprintf("%s quota exceeded, next reset at %s", e.Service, e.NextResetAt.UTC().Format(time.RFC3339))
}

// RemoteFetchError wraps a network or HTTP failure talking to the activity API.
type RemoteFetchError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RemoteFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s failed (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s failed: %v", e.Op, e.Err)
}

func (e *RemoteFetchError) Unwrap() error { return e.Err }

// AuthError reports that no usable access token could be obtained for a
// user, either because the account is not linked or because the refresh was
// rejected. It affects every request for the user, not a single activity.
type AuthError struct {
	UserID string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("strava authorization for user %s failed: %v", e.UserID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// PersistenceError is surfaced once the persistence gateway has exhausted its
// retries.
type PersistenceError struct {
	Op         string
	Collection string
	Attempts   int
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s on %s failed after %d attempts: %v", e.Op, e.Collection, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ValidationError reports malformed input such as an unparseable queue
// message.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Outcome is the caller-visible classification of a run.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeNothingToDo Outcome = "nothing_to_do"
	OutcomeDeferred    Outcome = "deferred"
	OutcomeFailed      Outcome = "failed"
)

// IsExpected reports whether err is a recoverable condition that should be
// surfaced to the scheduler but not treated as a failure.
func IsExpected(err error) bool {
	var quota *QuotaExceededError
	return errors.As(err, &quota) || errors.Is(err, ErrAlreadyRunning)
}

// IsPermanent reports whether retrying the same request cannot succeed: the
// remote rejected it with a client error other than an auth or rate-limit
// failure, or the owning user no longer exists.
func IsPermanent(err error) bool {
	var notFound *UserNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	var remote *RemoteFetchError
	if !errors.As(err, &remote) {
		return false
	}
	switch remote.StatusCode {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return remote.StatusCode >= 400 && remote.StatusCode < 500
}

// Classify maps an error to a run outcome. A nil error is a success.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if IsExpected(err) {
		return OutcomeDeferred
	}
	return OutcomeFailed
}

// HTTPStatus maps an error to the status code returned by HTTP triggers.
func HTTPStatus(err error) int {
	var (
		notFound    *UserNotFoundError
		auth        *AuthError
		quota       *QuotaExceededError
		remote      *RemoteFetchError
		persistence *PersistenceError
		validation  *ValidationError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &auth):
		return http.StatusFailedDependency
	case errors.As(err, &quota):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrAlreadyRunning):
		return http.StatusConflict
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &remote):
		return http.StatusBadGateway
	case errors.As(err, &persistence):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
