package sync

import (
	"context"
	"time"

	"github.com/mschirtzinger/recsync/internal/record"
)

// LocalStore is the always-writable local replica.
type LocalStore interface {
	// Get returns the record, or an error with code NOT_FOUND if it does
	// not exist.
	Get(ctx context.Context, id string) (*record.Record, error)

	// Put inserts or replaces a record.
	Put(ctx context.Context, rec *record.Record) error

	// PutIfUnchanged stores rec only if the stored record still carries
	// expected as its LastModified or, for a zero expected, if no record
	// with that id exists. It reports whether rec was written.
	PutIfUnchanged(ctx context.Context, rec *record.Record, expected time.Time) (bool, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error

	// ListUnsynced returns every record with IsSynced == false.
	ListUnsynced(ctx context.Context) ([]*record.Record, error)

	// MarkSynced records that both replicas agree on lastModified. The
	// record must only be flagged synced if its stored LastModified still
	// equals lastModified, so an edit that raced the transfer stays pending.
	MarkSynced(ctx context.Context, id string, lastModified time.Time) error
}

// RemoteStore is the durable, shared replica.
//
// Implementations classify failures with errs codes: REMOTE_UNAVAILABLE,
// AUTHENTICATION_FAILED or TRANSFER_FAILED. Timeouts are the store's
// responsibility and count as TRANSFER_FAILED.
type RemoteStore interface {
	// FetchMetadata returns (nil, nil) when the record does not exist.
	FetchMetadata(ctx context.Context, id string) (*record.Metadata, error)

	// Upload creates or replaces the remote copy. The remote LastModified
	// must equal rec.LastModified afterwards.
	Upload(ctx context.Context, rec *record.Record) error

	// Download returns the remote copy.
	Download(ctx context.Context, id string) (*record.Record, error)

	// Delete removes the remote copy. Deleting a missing record succeeds.
	Delete(ctx context.Context, id string) error
}

// RemoteLister is implemented by remote stores that can enumerate their
// records. SyncAll uses it to pull records created on other devices.
type RemoteLister interface {
	List(ctx context.Context) ([]record.Metadata, error)
}

// ConnectivityPort reports whether the remote store can be reached.
type ConnectivityPort interface {
	IsReachable() bool
	OnChange(fn func(reachable bool)) func()
}

// IntentJournal persists queued intents. A LocalStore that implements it
// gets a queue that survives restarts.
type IntentJournal interface {
	SaveIntent(ctx context.Context, in record.Intent) error
	DeleteIntent(ctx context.Context, recordID string) error
	LoadIntents(ctx context.Context) ([]record.Intent, error)
}

// ConflictJournal persists conflicts waiting for a decision.
type ConflictJournal interface {
	SaveConflict(ctx context.Context, c record.Conflict) error
	DeleteConflict(ctx context.Context, recordID string) error
	LoadConflicts(ctx context.Context) ([]record.Conflict, error)
}
