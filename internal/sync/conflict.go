package sync

import (
	"time"

	"github.com/mschirtzinger/recsync/internal/record"
)

// Outcome is what reconciliation decided to do with a record.
type Outcome int

const (
	// InSync means the replicas already agree. Nothing is transferred.
	InSync Outcome = iota
	// KeepLocal uploads the local replica over the remote one.
	KeepLocal
	// KeepCloud downloads the remote replica over the local one.
	KeepCloud
	// NeedsManual means both replicas changed since they last agreed.
	NeedsManual
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case InSync:
		return "in-sync"
	case KeepLocal:
		return "keep-local"
	case KeepCloud:
		return "keep-cloud"
	case NeedsManual:
		return "needs-manual"
	default:
		return "unknown"
	}
}

// Resolve compares local and remote metadata against base, the LastModified
// both replicas agreed on at the last successful sync (zero if never).
//
// Equal timestamps or equal non-empty content hashes mean the replicas are
// consistent. Otherwise a side counts as modified when its LastModified
// differs from base: if exactly one side is modified it wins, if both are the
// caller has to decide.
func Resolve(local, remote record.Metadata, base time.Time) Outcome {
	if local.LastModified.Equal(remote.LastModified) {
		return InSync
	}
	if local.ContentHash != "" && local.ContentHash == remote.ContentHash {
		return InSync
	}

	localModified := !local.LastModified.Equal(base)
	remoteModified := !remote.LastModified.Equal(base)

	switch {
	case localModified && !remoteModified:
		return KeepLocal
	case remoteModified && !localModified:
		return KeepCloud
	default:
		return NeedsManual
	}
}

// Apply maps a caller's decision onto an outcome. KeepBoth maps to KeepCloud:
// the original id takes the cloud version once the local content has been
// duplicated under a new identity.
func Apply(d record.Decision) Outcome {
	switch d {
	case record.KeepLocal:
		return KeepLocal
	case record.KeepCloud, record.KeepBoth:
		return KeepCloud
	default:
		return NeedsManual
	}
}
