// Package apierr defines the error classes surfaced by the SDK.
//
// Every failure reaches the caller as exactly one of these types. Callers
// match a class with errors.Is against the sentinels, or pull the details
// out with errors.As.
package apierr

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation = errors.New("validation error")
	ErrTransport  = errors.New("transport error")
	ErrTimeout    = errors.New("timeout")
	ErrJobFailed  = errors.New("job failed")
)

// ValidationError reports bad caller input. It is raised before any I/O.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for a ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// TransportError is a non-2xx response or a network failure. StatusCode is
// zero when no response was received.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, truncate(e.Body, 200))
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Temporary reports whether the failure is worth another attempt: network
// errors, 408, 429 and 5xx.
func (e *TransportError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 408, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// Phase names the stage whose time budget ran out.
type Phase string

const (
	PhaseRetry      Phase = "retry"
	PhaseIndexing   Phase = "indexing"
	PhaseProcessing Phase = "processing"
)

// TimeoutError is returned when a retry budget or a poll budget is exceeded.
type TimeoutError struct {
	Op       string
	Phase    Phase
	Attempts int
	Elapsed  time.Duration
	Budget   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout: %s exceeded %s after %d attempts (%s elapsed)",
		e.Phase, e.Op, e.Budget, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// UnrecoverableJobError means the server reported the job as failed rather
// than pending. It is never retried.
type UnrecoverableJobError struct {
	FileID       string
	ExtractionID string
	Status       string
	Reason       string
}

func (e *UnrecoverableJobError) Error() string {
	msg := fmt.Sprintf("job failed: file %s", e.FileID)
	if e.ExtractionID != "" {
		msg += ", extraction " + e.ExtractionID
	}
	msg += ": status " + e.Status
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnrecoverableJobError) Is(target error) bool { return target == ErrJobFailed }

// Permanent reports whether err belongs to a class that must surface
// immediately without another attempt.
func Permanent(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrJobFailed)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
