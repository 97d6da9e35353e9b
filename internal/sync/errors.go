package sync

import "errors"

// Causes carried inside REMOTE_UNAVAILABLE errors, so callers can tell
// errors.Is(err, ErrSyncDisabled) apart from a real outage while
// errors.Is(err, errs.ErrRemoteUnavailable) matches both.
var (
	// ErrSyncDisabled is returned while the engine is disabled.
	ErrSyncDisabled = errors.New("sync is disabled")

	// ErrOffline is returned while the remote is unreachable.
	ErrOffline = errors.New("remote is unreachable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sync engine is closed")
)
