// Package record provides the data structures exchanged between the local
// store, the remote store and the sync engine.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxIDLength bounds record ids so they remain usable as file names and
// object keys.
const MaxIDLength = 128

// Record is one meeting recording as the sync engine sees it.
//
// Content fields are owned by the recording layer. LastModified, IsSynced and
// SyncedAt are sync bookkeeping: every local mutation must go through Touch so
// LastModified moves forward and IsSynced is cleared.
type Record struct {
	// ===== Identity =====
	ID string `json:"id"`

	// ===== Content =====
	Title        string        `json:"title"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Participants []string      `json:"participants,omitempty"`
	Transcript   string        `json:"transcript,omitempty"`
	Payload      []byte        `json:"payload,omitempty"` // opaque: encoded audio, attachments

	// ===== Sync bookkeeping =====
	LastModified time.Time `json:"last_modified"`
	IsSynced     bool      `json:"is_synced"`
	SyncedAt     time.Time `json:"synced_at,omitempty"` // LastModified both replicas agreed on
}

// New creates an unsynced record with a generated id.
func New(title string, startedAt time.Time) *Record {
	r := &Record{
		ID:        uuid.NewString(),
		Title:     title,
		StartedAt: startedAt.UTC(),
	}
	r.Touch()
	return r
}

// Now returns the current time in the form used for LastModified: UTC with the
// monotonic clock reading stripped, so values compare equal after a round trip
// through storage.
func Now() time.Time {
	return time.Now().UTC().Round(0)
}

// Touch records a local modification.
func (r *Record) Touch() {
	now := Now()
	// Two edits inside one clock tick must still be distinguishable.
	if !now.After(r.LastModified) {
		now = r.LastModified.Add(time.Nanosecond)
	}
	r.LastModified = now
	r.IsSynced = false
}

// Validate checks if the Record has valid field values.
func (r *Record) Validate() error {
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	if len(r.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(r.Title))
	}
	if r.Duration < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	if r.LastModified.IsZero() {
		return fmt.Errorf("last_modified is required")
	}
	return nil
}

// ValidateID checks that id can be used as a file name and object key.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("id must be %d characters or less (got %d)", MaxIDLength, len(id))
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("id %q must not contain path separators", id)
	}
	return nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Participants != nil {
		cp.Participants = append([]string(nil), r.Participants...)
	}
	if r.Payload != nil {
		cp.Payload = append([]byte(nil), r.Payload...)
	}
	return &cp
}

// Duplicate returns a copy of the content under a fresh identity, unsynced
// and never synced.
func (r *Record) Duplicate() *Record {
	cp := r.Clone()
	cp.ID = uuid.NewString()
	cp.IsSynced = false
	cp.SyncedAt = time.Time{}
	cp.Touch()
	return cp
}

// content is the hashed part of a record. Sync bookkeeping is excluded so two
// replicas with the same content hash equal regardless of their timestamps.
type content struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Participants []string      `json:"participants"`
	Transcript   string        `json:"transcript"`
	Payload      []byte        `json:"payload"`
}

// ContentHash returns the hex SHA-256 of the record content.
func (r *Record) ContentHash() string {
	data, _ := json.Marshal(content{
		ID:           r.ID,
		Title:        r.Title,
		StartedAt:    r.StartedAt.UTC(),
		Duration:     r.Duration,
		Participants: r.Participants,
		Transcript:   r.Transcript,
		Payload:      r.Payload,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Metadata returns the record's sync metadata.
func (r *Record) Metadata() Metadata {
	return Metadata{
		ID:           r.ID,
		LastModified: r.LastModified,
		ContentHash:  r.ContentHash(),
		Size:         int64(len(r.Payload) + len(r.Transcript)),
	}
}

// Filename returns the canonical filename for this record: {id}.json
func (r *Record) Filename() string {
	return r.ID + ".json"
}

// IDFromFilename extracts the record id from a {id}.json path.
func IDFromFilename(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(base, ".json")
	if ValidateID(id) != nil {
		return "", false
	}
	return id, true
}

// Metadata is what the remote store reports about a record without
// transferring it. ID and LastModified must survive a round trip exactly.
type Metadata struct {
	ID           string    `json:"id"`
	LastModified time.Time `json:"last_modified"`
	ContentHash  string    `json:"content_hash,omitempty"`
	Size         int64     `json:"size"`
}

// ReadFile reads and parses a record JSON file from the given path.
func ReadFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record file %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record file %s: %w", path, err)
	}

	// Files written by the recording layer may omit the timestamp.
	if rec.LastModified.IsZero() {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat record file %s: %w", path, err)
		}
		rec.LastModified = info.ModTime().UTC().Round(0)
	}
	rec.LastModified = rec.LastModified.UTC()

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record file %s: %w", path, err)
	}

	return &rec, nil
}

// WriteFile writes a Record to dir/{id}.json with pretty-printed formatting.
func WriteFile(dir string, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid record: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create recordings directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}

	path := filepath.Join(dir, rec.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file %s: %w", path, err)
	}

	return nil
}

// ReadAllFiles reads all record files from dir. Invalid files are reported
// through skip and otherwise ignored. A missing directory yields no records.
func ReadAllFiles(dir string, skip func(name string, err error)) ([]*Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	var recs []*Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		rec, err := ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			if skip != nil {
				skip(entry.Name(), err)
			}
			continue
		}
		recs = append(recs, rec)
	}

	return recs, nil
}
