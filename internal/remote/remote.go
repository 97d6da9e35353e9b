// Package remote provides RemoteStore implementations for the sync engine.
//
// Every backend stores a record as one JSON object named {prefix}{id}.json
// and carries the record's LastModified (integer nanoseconds) and content
// hash as object metadata, so FetchMetadata never transfers the payload and
// the timestamp survives the round trip exactly.
//
// Backends translate their SDK errors into errs codes:
//
//	dial/DNS failure, connection refused  → REMOTE_UNAVAILABLE
//	HTTP 401/403, access-denied codes     → AUTHENTICATION_FAILED
//	timeouts, 5xx, throttling, the rest   → TRANSFER_FAILED
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mschirtzinger/recsync/internal/errs"
	"github.com/mschirtzinger/recsync/internal/record"
)

// Metadata keys, without any backend-specific prefix.
const (
	metaModified = "Recsync-Modified"
	metaHash     = "Recsync-Hash"
)

// authCodes are provider error codes that mean our credentials are bad.
var authCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
	"InvalidToken":          true,
	"AllAccessDisabled":     true,
}

// objectKey returns the object key for a record id.
func objectKey(prefix, id string) string {
	return prefix + id + ".json"
}

// idFromKey is the inverse of objectKey.
func idFromKey(prefix, key string) (string, bool) {
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json")
	if record.ValidateID(id) != nil {
		return "", false
	}
	return id, true
}

// encode serializes a record for upload. Sync bookkeeping is local state and
// is not stored remotely.
func encode(rec *record.Record) ([]byte, error) {
	cp := rec.Clone()
	cp.IsSynced = false
	cp.SyncedAt = time.Time{}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}
	return data, nil
}

// decode parses a downloaded record and checks it against the object metadata.
func decode(id string, data []byte) (*record.Record, error) {
	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
	}
	if rec.ID != id {
		return nil, fmt.Errorf("object for %s contains record %s", id, rec.ID)
	}
	rec.LastModified = rec.LastModified.UTC()
	return &rec, nil
}

// metadataValues returns the metadata stored alongside a record object.
func metadataValues(rec *record.Record) map[string]string {
	return map[string]string{
		metaModified: strconv.FormatInt(rec.LastModified.UnixNano(), 10),
		metaHash:     rec.ContentHash(),
	}
}

// parseMetadata rebuilds record metadata from stored object metadata. get
// looks a key up case-insensitively in whatever shape the backend returns.
func parseMetadata(id string, size int64, get func(key string) string) (*record.Metadata, error) {
	raw := get(metaModified)
	if raw == "" {
		return nil, fmt.Errorf("object for %s has no %s metadata", id, metaModified)
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("object for %s has invalid %s metadata %q: %w", id, metaModified, raw, err)
	}
	return &record.Metadata{
		ID:           id,
		LastModified: time.Unix(0, ns).UTC(),
		ContentHash:  get(metaHash),
		Size:         size,
	}, nil
}

// classify maps a backend failure onto an errs code. status and code are the
// HTTP status and provider error code when the backend could extract them.
func classify(op, id string, status int, code string, err error) error {
	if err == nil {
		return nil
	}

	c := errs.CodeTransferFailed
	switch {
	case status == 401 || status == 403 || authCodes[code]:
		c = errs.CodeAuthenticationFailed
	case isUnreachable(err):
		c = errs.CodeRemoteUnavailable
	}

	return &errs.Error{Code: c, Op: op, RecordID: id, Err: err}
}

// isUnreachable reports whether err means the endpoint could not be reached
// at all, as opposed to a request that was reached and failed.
func isUnreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial" && !opErr.Timeout()
	}
	return false
}
