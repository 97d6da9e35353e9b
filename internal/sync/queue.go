package sync

import (
	"context"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/recsync/internal/record"
)

// Queue is the FIFO of sync intents, coalesced by record id.
//
// An intent is either queued or in flight. Next hands out the first queued
// intent that is not backing off; the worker then ends it with exactly one
// of Done, Requeue or Release. A request for a record that is in
// flight is parked as a follow-up and joins the queue when the attempt
// ends, so the same record is never handed out twice at once.
//
// If a journal is set every change is mirrored to it; journal failures are
// logged and the in-memory queue stays authoritative.
type Queue struct {
	mu       gosync.Mutex
	order    []string
	queued   map[string]*record.Intent
	inflight map[string]record.Intent
	followUp map[string]record.Intent
	ready    chan struct{}

	journal IntentJournal
	logger  *zap.Logger
}

// NewQueue creates an empty queue. journal and logger may be nil.
func NewQueue(journal IntentJournal, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		queued:   make(map[string]*record.Intent),
		inflight: make(map[string]record.Intent),
		followUp: make(map[string]record.Intent),
		ready:    make(chan struct{}, 1),
		journal:  journal,
		logger:   logger,
	}
}

// Ready receives a value after new work becomes available.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Load restores journaled intents without writing them back.
func (q *Queue) Load(intents []record.Intent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, in := range intents {
		in := in
		if _, ok := q.queued[in.RecordID]; ok {
			continue
		}
		q.queued[in.RecordID] = &in
		q.order = append(q.order, in.RecordID)
	}
	if len(q.order) > 0 {
		q.signal()
	}
}

// Enqueue adds an intent or refreshes the queued one for the same record.
// A refresh keeps the queue position and any carried decision unless the
// new intent sets one; a change of operation resets the attempt count. It
// reports whether the record was already queued or in flight.
func (q *Queue) Enqueue(in record.Intent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.signal()

	if _, busy := q.inflight[in.RecordID]; busy {
		if prev, ok := q.followUp[in.RecordID]; ok {
			in = merge(prev, in)
		}
		q.followUp[in.RecordID] = in
		q.save(in)
		return true
	}

	if cur, ok := q.queued[in.RecordID]; ok {
		*cur = merge(*cur, in)
		q.save(*cur)
		return true
	}

	q.queued[in.RecordID] = &in
	q.order = append(q.order, in.RecordID)
	q.save(in)
	return false
}

// merge folds a newer request into an existing intent.
func merge(cur, next record.Intent) record.Intent {
	out := cur
	out.RequestedAt = next.RequestedAt
	if next.Op != cur.Op {
		out.Op = next.Op
		out.Attempts = 0
		out.NotBefore = time.Time{}
		out.Decision = record.DecisionNone
	}
	if next.Decision != record.DecisionNone {
		out.Decision = next.Decision
	}
	if out.Op == record.OpDelete {
		out.Decision = record.DecisionNone
	}
	return out
}

// Next removes and returns the first queued intent whose NotBefore has
// passed, marking it in flight. If none is ready it returns ok == false and
// the time until the earliest backoff expires (zero if nothing is waiting).
func (q *Queue) Next(now time.Time) (in record.Intent, wait time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, id := range q.order {
		cur := q.queued[id]
		if cur.NotBefore.After(now) {
			if d := cur.NotBefore.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		q.order = append(q.order[:i:i], q.order[i+1:]...)
		delete(q.queued, id)
		q.inflight[id] = *cur
		return *cur, 0, true
	}
	return record.Intent{}, wait, false
}

// Done ends an attempt. The intent leaves the queue unless a follow-up
// arrived while it was in flight.
func (q *Queue) Done(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, id)
	if next, ok := q.followUp[id]; ok {
		delete(q.followUp, id)
		q.pushBack(next)
		return
	}
	q.remove(id)
}

// Requeue ends a failed attempt: attempts is incremented and the intent
// waits delay before it is handed out again. A follow-up that arrived in the
// meantime replaces it, keeping the carried decision.
func (q *Queue) Requeue(in record.Intent, delay time.Duration) {
	in.Attempts++
	q.putBack(in, delay, false)
}

// Release returns an in-flight intent untouched to the front of the queue.
func (q *Queue) Release(in record.Intent) {
	q.putBack(in, 0, true)
}

func (q *Queue) putBack(in record.Intent, delay time.Duration, front bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, in.RecordID)
	if next, ok := q.followUp[in.RecordID]; ok {
		delete(q.followUp, in.RecordID)
		if next.Op == in.Op && next.Decision == record.DecisionNone {
			next.Decision = in.Decision
		}
		in = next
		delay = 0
	}
	if delay > 0 {
		in.NotBefore = time.Now().Add(delay)
	} else {
		in.NotBefore = time.Time{}
	}

	if front {
		q.queued[in.RecordID] = &in
		q.order = append([]string{in.RecordID}, q.order...)
		q.save(in)
		q.signal()
		return
	}
	q.pushBack(in)
}

// pushBack appends an intent. Caller holds q.mu and the id is not queued.
func (q *Queue) pushBack(in record.Intent) {
	q.queued[in.RecordID] = &in
	q.order = append(q.order, in.RecordID)
	q.save(in)
	q.signal()
}

// Remove drops a queued intent. An in-flight attempt is unaffected but its
// pending follow-up is discarded.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.followUp, id)
	if _, ok := q.queued[id]; !ok {
		return false
	}
	delete(q.queued, id)
	for i, qid := range q.order {
		if qid == id {
			q.order = append(q.order[:i:i], q.order[i+1:]...)
			break
		}
	}
	if _, busy := q.inflight[id]; !busy {
		q.remove(id)
	}
	return true
}

// ClearDelays makes every queued intent ready now.
func (q *Queue) ClearDelays() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, in := range q.queued {
		in.NotBefore = time.Time{}
	}
	if len(q.order) > 0 {
		q.signal()
	}
}

// Len returns the number of queued intents, not counting in-flight ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// InFlight returns the number of intents being processed.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// IsInFlight reports whether the record is being processed.
func (q *Queue) IsInFlight(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[id]
	return ok
}

// Contains reports whether the record is queued or in flight.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, queued := q.queued[id]
	_, busy := q.inflight[id]
	return queued || busy
}

// PendingOp returns the operation that will run next for the record: a
// parked follow-up, else the queued intent, else the one in flight.
func (q *Queue) PendingOp(id string) (record.Op, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if in, ok := q.followUp[id]; ok {
		return in.Op, true
	}
	if in, ok := q.queued[id]; ok {
		return in.Op, true
	}
	if in, ok := q.inflight[id]; ok {
		return in.Op, true
	}
	return record.OpSync, false
}

// Pending returns in-flight intents followed by queued ones in queue order.
func (q *Queue) Pending() []record.Intent {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]record.Intent, 0, len(q.inflight)+len(q.order))
	for _, in := range q.inflight {
		out = append(out, in)
	}
	for _, id := range q.order {
		out = append(out, *q.queued[id])
	}
	return out
}

func (q *Queue) save(in record.Intent) {
	if q.journal == nil {
		return
	}
	if err := q.journal.SaveIntent(context.Background(), in); err != nil {
		q.logger.Warn("failed to journal intent", zap.String("record", in.RecordID), zap.Error(err))
	}
}

func (q *Queue) remove(id string) {
	if q.journal == nil {
		return
	}
	if err := q.journal.DeleteIntent(context.Background(), id); err != nil {
		q.logger.Warn("failed to drop journaled intent", zap.String("record", id), zap.Error(err))
	}
}
