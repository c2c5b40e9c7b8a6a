// Package api provides the job API client and the error taxonomy shared by
// the reconciler and the lifecycle controller.
package api

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every *Error unwraps to exactly one of them.
var (
	// ErrTransport indicates the backend could not be reached or answered with
	// something unusable (network failure, 5xx, 429, undecodable body).
	// The pull channel retries these on its next tick.
	ErrTransport = errors.New("transport error")

	// ErrInvalidState indicates an operation was attempted from a run state
	// that forbids it. Rejected synchronously, never retried.
	ErrInvalidState = errors.New("invalid state")

	// ErrServerRejected indicates the backend explicitly refused the request.
	ErrServerRejected = errors.New("server rejected")

	// ErrLostContact indicates no update arrived within the missed-heartbeat budget.
	ErrLostContact = errors.New("lost contact")
)

// Error is the normalized failure returned by the job client and the controller.
type Error struct {
	Kind       error  // one of the Err* kinds above
	Op         string // start, stop, status, log, dismiss, ...
	JobID      string
	StatusCode int // HTTP status, 0 if no response
	Message    string
	Err        error // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.JobID != "" {
		b.WriteString(" job ")
		b.WriteString(e.JobID)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// HTTPStatus returns the HTTP status code of the failed call.
func (e *Error) HTTPStatus() int {
	return e.StatusCode
}

// NewInvalidState builds an InvalidState error for op.
func NewInvalidState(op, jobID, format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidState, Op: op, JobID: jobID, Message: fmt.Sprintf(format, args...)}
}

// NewLostContact builds the error recorded when a job is failed locally.
func NewLostContact(jobID string, missed int) *Error {
	return &Error{
		Kind:    ErrLostContact,
		Op:      "monitor",
		JobID:   jobID,
		Message: fmt.Sprintf("no update for %d consecutive ticks", missed),
	}
}

func newTransport(op, jobID string, status int, err error, format string, args ...any) *Error {
	return &Error{Kind: ErrTransport, Op: op, JobID: jobID, StatusCode: status, Err: err, Message: fmt.Sprintf(format, args...)}
}

func newRejected(op, jobID string, status int, message string) *Error {
	if message == "" {
		message = "request refused"
	}
	return &Error{Kind: ErrServerRejected, Op: op, JobID: jobID, StatusCode: status, Message: message}
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsInvalidState reports whether err is a state-machine violation.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsServerRejected reports whether the backend refused the request.
func IsServerRejected(err error) bool { return errors.Is(err, ErrServerRejected) }

// IsLostContact reports whether err records a missed-heartbeat timeout.
func IsLostContact(err error) bool { return errors.Is(err, ErrLostContact) }
