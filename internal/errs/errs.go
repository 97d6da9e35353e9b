// Package errs provides the error taxonomy shared by the sync engine and its
// storage adapters.
//
// Every failure that crosses a package boundary carries a Code. The engine
// decides what to do with a failure (requeue, back off, surface, or mark a
// conflict) by inspecting the code, never by matching error strings.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure. Codes are strings so they read well in
// logs and serialize naturally to JSON.
type Code string

const (
	// CodeRemoteUnavailable means the remote store cannot be reached (no
	// connectivity, DNS failure, sync disabled). Non-fatal: the intent is
	// requeued and the engine goes offline.
	CodeRemoteUnavailable Code = "REMOTE_UNAVAILABLE"

	// CodeAuthenticationFailed means the remote store rejected our
	// credentials. Permanent: surfaced to the caller, never retried.
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"

	// CodeTransferFailed means an upload, download or metadata call failed in
	// a way that may succeed later. Retried with exponential backoff.
	CodeTransferFailed Code = "TRANSFER_FAILED"

	// CodeConflictDetected means both replicas changed since the last sync.
	CodeConflictDetected Code = "CONFLICT_DETECTED"

	// CodeNotFound means the record does not exist where it was looked up.
	CodeNotFound Code = "NOT_FOUND"

	// CodeInvalidInput means the caller supplied a malformed record or argument.
	CodeInvalidInput Code = "INVALID_INPUT"

	// CodeInternal means a local failure (database, encoding) occurred.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Retryable reports whether failures of this class are worth retrying.
func (c Code) Retryable() bool {
	switch c {
	case CodeTransferFailed, CodeRemoteUnavailable:
		return true
	default:
		return false
	}
}

// Error is a coded error with the operation and record it concerns.
type Error struct {
	// Code classifies the failure.
	Code Code

	// Op is the operation that failed (e.g. "upload", "fetch metadata").
	Op string

	// RecordID is the record involved, if any.
	RecordID string

	// Err is the underlying cause. May be nil.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.RecordID != "" {
		msg = fmt.Sprintf("%s (record %s)", msg, e.RecordID)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so sentinel values such as
// ErrConflictDetected work with errors.Is regardless of Op or RecordID.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// WithRecord returns a copy of e annotated with a record id.
func (e *Error) WithRecord(id string) *Error {
	cp := *e
	cp.RecordID = id
	return &cp
}

// Sentinels for errors.Is checks.
var (
	ErrRemoteUnavailable    = &Error{Code: CodeRemoteUnavailable}
	ErrAuthenticationFailed = &Error{Code: CodeAuthenticationFailed}
	ErrTransferFailed       = &Error{Code: CodeTransferFailed}
	ErrConflictDetected     = &Error{Code: CodeConflictDetected}
	ErrNotFound             = &Error{Code: CodeNotFound}
	ErrInvalidInput         = &Error{Code: CodeInvalidInput}
	ErrInternal             = &Error{Code: CodeInternal}
)

// New creates a coded error with a message as its cause.
func New(code Code, op, msg string) *Error {
	return &Error{Code: code, Op: op, Err: errors.New(msg)}
}

// Wrap attaches a code and operation to err. A nil err yields nil. If err is
// already an *Error its code is kept and only the operation is prefixed.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return &Error{Code: coded.Code, Op: op, RecordID: coded.RecordID, Err: err}
	}
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the code from err, or CodeInternal for uncoded errors and
// "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err carries a retryable code.
func IsRetryable(err error) bool {
	return CodeOf(err).Retryable()
}
