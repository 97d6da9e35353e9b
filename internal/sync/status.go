package sync

import (
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"
)

// State is the engine's coarse sync state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateError   State = "error"
	StateOffline State = "offline"
)

// Status is one observable engine state.
type Status struct {
	State State

	// Progress is the completed fraction of the current run, 0.0 to 1.0.
	// Only meaningful while State is StateSyncing.
	Progress float64

	// Err is the cause while State is StateError.
	Err error

	// RecordID is the record whose processing produced the transition, if
	// any.
	RecordID string

	At time.Time
}

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s.State {
	case StateSyncing:
		return fmt.Sprintf("syncing (%.0f%%)", s.Progress*100)
	case StateError:
		if s.Err != nil {
			return "error: " + s.Err.Error()
		}
		return "error"
	default:
		return string(s.State)
	}
}

type statusJSON struct {
	State    State     `json:"state" yaml:"state"`
	Progress float64   `json:"progress" yaml:"progress"`
	Error    string    `json:"error,omitempty" yaml:"error,omitempty"`
	RecordID string    `json:"record_id,omitempty" yaml:"record_id,omitempty"`
	At       time.Time `json:"at" yaml:"at"`
}

func (s Status) view() statusJSON {
	v := statusJSON{State: s.State, Progress: s.Progress, RecordID: s.RecordID, At: s.At}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}

// MarshalJSON encodes the error as its message.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.view())
}

// MarshalYAML encodes the error as its message.
func (s Status) MarshalYAML() (interface{}, error) {
	return s.view(), nil
}

// Broadcaster holds the current Status and fans every change out to
// subscribers.
//
// Publishing never blocks: each subscriber has a bounded buffer and a
// subscriber that falls behind loses its oldest undelivered values, so the
// latest value is always delivered and order is preserved.
type Broadcaster struct {
	mu      gosync.Mutex
	current Status
	subs    map[int]chan Status
	nextID  int
	buffer  int
	closed  bool
}

// NewBroadcaster creates a broadcaster holding initial. buffer is the
// per-subscriber capacity (minimum 1).
func NewBroadcaster(initial Status, buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	if initial.At.IsZero() {
		initial.At = time.Now()
	}
	return &Broadcaster{
		current: initial,
		subs:    make(map[int]chan Status),
		buffer:  buffer,
	}
}

// Current returns the current value.
func (b *Broadcaster) Current() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Publish replaces the current value and delivers it to every subscriber.
func (b *Broadcaster) Publish(s Status) {
	if s.At.IsZero() {
		s.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.current = s
	for _, ch := range b.subs {
		deliver(ch, s)
	}
}

// deliver sends s, dropping the oldest buffered value if ch is full. Only
// Publish sends, under the broadcaster lock, so after one drop there is room.
func deliver(ch chan Status, s Status) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Subscribe returns a channel that first receives the current value and then
// every published value. The returned func unsubscribes and closes the
// channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan Status, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Status, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- b.current

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
