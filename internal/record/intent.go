package record

import (
	"fmt"
	"strings"
	"time"
)

// Op is the kind of reconciliation an intent asks for.
type Op int

const (
	// OpSync reconciles the record between replicas.
	OpSync Op = iota
	// OpDelete removes the record from the remote replica.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpSync:
		return "sync"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseOp is the inverse of Op.String.
func ParseOp(s string) (Op, error) {
	switch s {
	case "sync":
		return OpSync, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("unknown intent op %q", s)
	}
}

// Decision is a caller's answer to a conflict.
type Decision int

const (
	// DecisionNone means no decision: the resolver decides.
	DecisionNone Decision = iota
	// KeepLocal uploads the local replica over the remote one.
	KeepLocal
	// KeepCloud downloads the remote replica over the local one.
	KeepCloud
	// KeepBoth keeps the local content under a new identity and takes the
	// remote replica for the original id.
	KeepBoth
)

// String returns a human-readable representation of the decision.
func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case KeepLocal:
		return "keep-local"
	case KeepCloud:
		return "keep-cloud"
	case KeepBoth:
		return "keep-both"
	default:
		return "unknown"
	}
}

// ParseDecision accepts "local", "cloud", "both" with an optional "keep-"
// or "keep_" prefix, case-insensitively.
func ParseDecision(s string) (Decision, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "keep-")
	v = strings.TrimPrefix(v, "keep_")
	v = strings.TrimPrefix(v, "keep")
	switch v {
	case "local":
		return KeepLocal, nil
	case "cloud", "remote":
		return KeepCloud, nil
	case "both":
		return KeepBoth, nil
	case "none", "":
		return DecisionNone, nil
	default:
		return DecisionNone, fmt.Errorf("unknown conflict decision %q (want local, cloud or both)", s)
	}
}

// Intent is a queued request to reconcile one record.
type Intent struct {
	RecordID    string    `json:"record_id"`
	Op          Op        `json:"op"`
	RequestedAt time.Time `json:"requested_at"`
	Attempts    int       `json:"attempts"`
	NotBefore   time.Time `json:"not_before,omitempty"` // backoff gate
	Decision    Decision  `json:"decision,omitempty"`
}

// Conflict is a record whose replicas both changed since the last sync.
type Conflict struct {
	RecordID   string    `json:"record_id"`
	Local      Metadata  `json:"local"`
	Remote     Metadata  `json:"remote"`
	DetectedAt time.Time `json:"detected_at"`
}
