// Package faults is the error taxonomy of the ingestion pipeline.
//
// Handlers return these types; the worker pool and the HTTP layer decide
// retry and response code from the type alone:
//
//	ValidationError   bad input, never retried, 400
//	TransientError    network/timeout, retried with backoff, 500 if surfaced
//	PermanentFailure  retries exhausted, job failed, owner flagged
//	ConflictError     concurrent training run, 409
//	IntegrityError    missing or removed parent, job dropped
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized and ErrRateLimited are returned by the API middleware.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransientError wraps a failure expected to clear on retry.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Transient wraps cause as a TransientError. A nil cause returns nil.
func Transient(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &TransientError{Op: op, Cause: cause}
}

// PermanentFailure marks a job whose retries are exhausted or whose failure
// cannot be retried.
type PermanentFailure struct {
	JobType  string
	TargetID string
	Attempts int
	Cause    error
}

func (e *PermanentFailure) Error() string {
	if e.JobType == "" {
		return fmt.Sprintf("permanent failure: %v", e.Cause)
	}
	return fmt.Sprintf("permanent failure: %s %s after %d attempts: %v", e.JobType, e.TargetID, e.Attempts, e.Cause)
}

func (e *PermanentFailure) Unwrap() error { return e.Cause }

// Permanent marks cause as not worth retrying (e.g. HTTP 404). A nil cause
// returns nil.
func Permanent(cause error) error {
	if cause == nil {
		return nil
	}
	return &PermanentFailure{Cause: cause}
}

// ConflictError reports an operation already in progress.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s: %s", e.Resource, e.Reason)
}

// Conflict builds a ConflictError.
func Conflict(resource, reason string) error {
	return &ConflictError{Resource: resource, Reason: reason}
}

// IntegrityError reports a child whose parent is missing or removed.
type IntegrityError struct {
	ChildID  string
	ParentID string
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: %s -> %s: %s", e.ChildID, e.ParentID, e.Reason)
}

// Integrity builds an IntegrityError.
func Integrity(childID, parentID, reason string) error {
	return &IntegrityError{ChildID: childID, ParentID: parentID, Reason: reason}
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

func IsPermanent(err error) bool {
	var e *PermanentFailure
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsIntegrity(err error) bool {
	var e *IntegrityError
	return errors.As(err, &e)
}

// Retryable reports whether a job failing with err should be requeued.
// Validation and integrity failures cannot be fixed by running again.
func Retryable(err error) bool {
	return !IsValidation(err) && !IsIntegrity(err) && !IsPermanent(err)
}

// HTTPStatus maps err to the response status code of the API envelope.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
