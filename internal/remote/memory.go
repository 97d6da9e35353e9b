package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/mschirtzinger/recsync/internal/errs"
	"github.com/mschirtzinger/recsync/internal/record"
)

// Memory is an in-process RemoteStore. It backs the "memory" backend and is
// instrumented for tests: call counters, injectable failures and an upload
// hook that can block a transfer mid-flight.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]record.Metadata

	available bool
	failures  map[string][]error // op -> queued errors

	// BeforeUpload, if set, runs before each upload with the record id. It
	// is called without the store lock held.
	BeforeUpload func(id string)

	uploads   int
	downloads int
	deletes   int
	fetches   int
}

// NewMemory creates an empty, reachable in-memory store.
func NewMemory() *Memory {
	return &Memory{
		objects:   make(map[string][]byte),
		meta:      make(map[string]record.Metadata),
		available: true,
		failures:  make(map[string][]error),
	}
}

// Memory operation names for FailNext.
const (
	OpFetch    = "fetch"
	OpUpload   = "upload"
	OpDownload = "download"
	OpDelete   = "delete"
)

// FailNext makes the next call of op return err. Calls queue up.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// SetAvailable toggles reachability. An unavailable store fails every call
// with REMOTE_UNAVAILABLE.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = ok
}

// Ping implements the connectivity health check.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return &errs.Error{Code: errs.CodeRemoteUnavailable, Op: "ping"}
	}
	return nil
}

func (m *Memory) check(op, id string) error {
	if !m.available {
		return &errs.Error{Code: errs.CodeRemoteUnavailable, Op: op, RecordID: id}
	}
	if q := m.failures[op]; len(q) > 0 {
		m.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

// FetchMetadata returns the stored metadata, or nil if the record is absent.
func (m *Memory) FetchMetadata(ctx context.Context, id string) (*record.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if err := m.check(OpFetch, id); err != nil {
		return nil, err
	}
	md, ok := m.meta[id]
	if !ok {
		return nil, nil
	}
	return &md, nil
}

// Upload stores the record, replacing any existing copy.
func (m *Memory) Upload(ctx context.Context, rec *record.Record) error {
	if hook := m.uploadHook(); hook != nil {
		hook(rec.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++
	if err := m.check(OpUpload, rec.ID); err != nil {
		return err
	}
	data, err := encode(rec)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "upload", err)
	}
	m.objects[rec.ID] = data
	md := rec.Metadata()
	md.Size = int64(len(data))
	m.meta[rec.ID] = md
	return nil
}

func (m *Memory) uploadHook() func(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BeforeUpload
}

// Download returns the stored record.
func (m *Memory) Download(ctx context.Context, id string) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads++
	if err := m.check(OpDownload, id); err != nil {
		return nil, err
	}
	data, ok := m.objects[id]
	if !ok {
		return nil, &errs.Error{Code: errs.CodeNotFound, Op: "download", RecordID: id}
	}
	return decode(id, data)
}

// Delete removes the record. Deleting an absent record succeeds.
func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if err := m.check(OpDelete, id); err != nil {
		return err
	}
	delete(m.objects, id)
	delete(m.meta, id)
	return nil
}

// List returns metadata for every stored record ordered by id.
func (m *Memory) List(ctx context.Context) ([]record.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpFetch, ""); err != nil {
		return nil, err
	}
	out := make([]record.Metadata, 0, len(m.meta))
	for _, md := range m.meta {
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put stores a record directly, bypassing counters and failures. Tests use it
// to simulate edits made on another device.
func (m *Memory) Put(rec *record.Record) {
	data, err := encode(rec)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[rec.ID] = data
	md := rec.Metadata()
	md.Size = int64(len(data))
	m.meta[rec.ID] = md
}

// Get returns the stored record without counting a download.
func (m *Memory) Get(id string) (*record.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[id]
	if !ok {
		return nil, false
	}
	rec, err := decode(id, data)
	if err != nil {
		return nil, false
	}
	return rec, true
}

// Stats reports call counts.
type Stats struct {
	Uploads   int
	Downloads int
	Deletes   int
	Fetches   int
}

// Stats returns the call counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Uploads: m.uploads, Downloads: m.downloads, Deletes: m.deletes, Fetches: m.fetches}
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
