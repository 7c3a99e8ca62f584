// Package storage implements the authenticated streaming request pipeline for
// an object-storage service: request channels, lazily started download streams
// with bounded retry, session-backed upload streams, listing and bulk deletion.
package storage

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sandgrain/grain-storage/internal/auth"
)

// Sentinel errors. Use errors.Is(err, storage.ErrNotFound) to check.
var (
	ErrNotFound          = errors.New("storage: not found")
	ErrUpstream          = errors.New("storage: upstream error")
	ErrTransport         = errors.New("storage: transport error")
	ErrPartialFailure    = errors.New("storage: partial failure")
	ErrMalformedResponse = errors.New("storage: malformed response")
	ErrAborted           = errors.New("storage: request aborted")
	ErrDeleteSkipped     = errors.New("storage: delete skipped after earlier failure")
	ErrBucketRequired    = errors.New("storage: a bucket name is required")
	ErrKeyRequired       = errors.New("storage: an object key is required")
	ErrStreamClosed      = errors.New("storage: stream closed")

	// ErrAuthFailure is the gate's sentinel, re-exported so callers of this
	// package need not import internal/auth.
	ErrAuthFailure = auth.ErrAuthFailure
)

// Finer status sentinels. Every one of them also matches ErrUpstream.
var (
	ErrUnauthorized       = errors.New("storage: unauthorized")
	ErrForbidden          = errors.New("storage: forbidden")
	ErrPreconditionFailed = errors.New("storage: precondition failed")
	ErrThrottled          = errors.New("storage: throttled")
	ErrServerError        = errors.New("storage: server error")
)

// StatusError reports an HTTP status of 400 or above. A 404 matches
// ErrNotFound; every other status matches ErrUpstream plus the finer
// sentinel for its code, if any.
type StatusError struct {
	StatusCode int
	Method     string
	RequestID  string
	Message    string
	Attempts   int
}

func (e *StatusError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "storage: %s HTTP %d", e.Method, e.StatusCode)

	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request-id: %s)", e.RequestID)
	}

	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	return b.String()
}

func (e *StatusError) Unwrap() []error {
	if e.StatusCode == http.StatusNotFound {
		return []error{ErrNotFound}
	}

	if finer := classifyStatus(e.StatusCode); finer != nil {
		return []error{ErrUpstream, finer}
	}

	return []error{ErrUpstream}
}

// TransportError is a connection-level fault (reset, refused, truncated
// body). It is never a status code.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("storage: %s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// PartialFailureError aggregates the per-object failures of a forced bulk
// delete.
type PartialFailureError struct {
	Failures []DeleteOutcome
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("storage: %d object(s) failed to delete", len(e.Failures))
}

func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, ErrPartialFailure)

	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}

	return errs
}

// classifyStatus maps an HTTP status to its finer sentinel, or nil.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}
