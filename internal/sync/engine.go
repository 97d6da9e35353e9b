package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mschirtzinger/recsync/internal/errs"
	"github.com/mschirtzinger/recsync/internal/record"
)

// Config holds configuration for the engine.
type Config struct {
	// Local is the local replica. If it also implements IntentJournal and
	// ConflictJournal the queue and pending conflicts survive restarts.
	Local LocalStore

	// Remote is the remote replica. If it implements RemoteLister, SyncAll
	// also pulls records that only exist remotely.
	Remote RemoteStore

	// Connectivity gates all remote calls. Nil means always reachable.
	Connectivity ConnectivityPort

	// Logger for engine activity. Nil disables logging.
	Logger *zap.Logger

	// Workers is how many different records may transfer concurrently.
	Workers int

	// Retry configures retries of TRANSFER_FAILED attempts.
	Retry RetryPolicy

	// StatusBuffer is the per-subscriber status buffer.
	StatusBuffer int

	// Enabled starts the engine in the active lifecycle.
	Enabled bool

	// OnLocalWrite, if set, is called with every record whose content the
	// engine wrote to the local store: downloads and keep-both copies. It
	// runs on a worker goroutine and must not call back into the engine.
	OnLocalWrite func(rec *record.Record)
}

// DefaultConfig returns defaults for everything except the stores.
func DefaultConfig() Config {
	return Config{
		Workers:      1,
		Retry:        DefaultRetryPolicy(),
		StatusBuffer: 16,
	}
}

// outcome kinds for one processed intent.
type resultKind int

const (
	resultDone     resultKind = iota // success, waiters get nil
	resultFailed                     // permanent failure or retries exhausted
	resultConflict                   // both sides modified
	resultRetry                      // transient failure, backing off
	resultDefer                      // remote unreachable
	resultRelease                    // disabled or offline before anything happened
	resultStale                      // local record changed during the attempt
)

type result struct {
	kind   resultKind
	intent record.Intent
	err    error
	delay  time.Duration
}

// runStats tracks one drain run, from the first dispatched intent until
// nothing is ready or in flight.
type runStats struct {
	active  bool
	done    int
	failed  int
	lastErr error
	lastID  string
}

// Engine reconciles records between a LocalStore and a RemoteStore.
type Engine struct {
	local     LocalStore
	remote    RemoteStore
	lister    RemoteLister
	conn      ConnectivityPort
	intents   IntentJournal
	conflictJ ConflictJournal
	logger    *zap.Logger
	onWrite   func(*record.Record)
	backoff   *Backoff
	queue     *Queue
	status    *Broadcaster
	sem       *semaphore.Weighted

	mu        gosync.Mutex
	enabled   bool
	online    bool
	started   bool
	closed    bool
	conflicts map[string]record.Conflict
	waiters   map[string][]chan error
	idle      []chan struct{}
	run       runStats
	// downUntil pauses dispatch after the remote reported itself
	// unavailable; downStreak grows the pause while the outage lasts.
	downUntil  time.Time
	downStreak int
	runCtx     context.Context
	runCancel  context.CancelFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wake       chan struct{}
	unsubConn  func()
	wg         gosync.WaitGroup
}

// New creates an engine. Call Start before use.
func New(config Config) (*Engine, error) {
	if config.Local == nil {
		return nil, errs.New(errs.CodeInvalidInput, "new engine", "local store is required")
	}
	if config.Remote == nil {
		return nil, errs.New(errs.CodeInvalidInput, "new engine", "remote store is required")
	}

	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.StatusBuffer <= 0 {
		config.StatusBuffer = def.StatusBuffer
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sync")

	e := &Engine{
		local:     config.Local,
		remote:    config.Remote,
		conn:      config.Connectivity,
		logger:    logger,
		onWrite:   config.OnLocalWrite,
		backoff:   NewBackoff(config.Retry),
		status:    NewBroadcaster(Status{State: StateIdle}, config.StatusBuffer),
		sem:       semaphore.NewWeighted(int64(config.Workers)),
		enabled:   config.Enabled,
		online:    true,
		conflicts: make(map[string]record.Conflict),
		waiters:   make(map[string][]chan error),
		wake:      make(chan struct{}, 1),
	}
	e.lister, _ = config.Remote.(RemoteLister)
	e.intents, _ = config.Local.(IntentJournal)
	e.conflictJ, _ = config.Local.(ConflictJournal)
	e.queue = NewQueue(e.intents, logger)
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())
	if e.enabled {
		e.runCtx, e.runCancel = context.WithCancel(e.baseCtx)
	}
	return e, nil
}

// Start restores journaled state and starts the drain loop. The loop stops
// when ctx is done or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.started {
		return nil
	}

	if e.intents != nil {
		intents, err := e.intents.LoadIntents(ctx)
		if err != nil {
			return fmt.Errorf("failed to load queued intents: %w", err)
		}
		e.queue.Load(intents)
		if len(intents) > 0 {
			e.logger.Info("restored queued intents", zap.Int("count", len(intents)))
		}
	}
	if e.conflictJ != nil {
		conflicts, err := e.conflictJ.LoadConflicts(ctx)
		if err != nil {
			return fmt.Errorf("failed to load pending conflicts: %w", err)
		}
		for _, c := range conflicts {
			e.conflicts[c.RecordID] = c
		}
	}

	if e.conn != nil {
		e.online = e.conn.IsReachable()
		e.unsubConn = e.conn.OnChange(e.onConnectivity)
	}
	if !e.canRunLocked() {
		e.publishLocked(Status{State: StateOffline})
	}

	e.started = true
	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

// Close stops the drain loop and waits for in-flight attempts. Queued
// intents stay journaled.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.unsubConn != nil {
		e.unsubConn()
	}
	for id := range e.waiters {
		e.notifyLocked(id, ErrClosed)
	}
	e.mu.Unlock()

	e.baseCancel()
	e.wg.Wait()
	e.status.Close()
	return nil
}

// EnableSync enters the active lifecycle and starts draining. Idempotent.
func (e *Engine) EnableSync() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.enabled || e.closed {
		return
	}
	e.enabled = true
	e.downUntil, e.downStreak = time.Time{}, 0
	e.runCtx, e.runCancel = context.WithCancel(e.baseCtx)
	e.logger.Info("sync enabled")

	if e.online {
		e.publishLocked(Status{State: StateIdle})
	} else {
		e.publishLocked(Status{State: StateOffline})
	}
	e.signal()
}

// DisableSync stops draining. A transfer already under way finishes; queued
// intents are kept. Idempotent.
func (e *Engine) DisableSync() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return
	}
	e.enabled = false
	if e.runCancel != nil {
		e.runCancel()
	}
	e.logger.Info("sync disabled")

	for id := range e.waiters {
		if !e.queue.IsInFlight(id) {
			e.notifyLocked(id, e.unavailableErr(id))
		}
	}
	e.run = runStats{}
	e.publishLocked(Status{State: StateOffline})
}

// IsEnabled reports whether sync is enabled.
func (e *Engine) IsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// SyncRecord queues the record and waits for the attempt that concludes it.
//
// It returns nil once both replicas agree, an error matching
// errs.ErrConflictDetected if both sides changed, the failure for permanent
// errors and TRANSFER_FAILED once retries are exhausted. While disabled or
// offline it returns REMOTE_UNAVAILABLE immediately (wrapping ErrSyncDisabled
// or ErrOffline) and the intent stays queued.
func (e *Engine) SyncRecord(ctx context.Context, id string) error {
	if err := record.ValidateID(id); err != nil {
		return &errs.Error{Code: errs.CodeInvalidInput, Op: "sync record", RecordID: id, Err: err}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if !e.started {
		e.mu.Unlock()
		return errs.New(errs.CodeInternal, "sync record", "engine not started")
	}
	if !e.requestSync(ctx, id, record.Now()) {
		e.mu.Unlock()
		return &errs.Error{Code: errs.CodeNotFound, Op: "sync record", RecordID: id,
			Err: errors.New("record is being deleted")}
	}
	if !e.canRunLocked() {
		e.publishLocked(Status{State: StateOffline, RecordID: id})
		err := e.unavailableErr(id)
		e.mu.Unlock()
		return err
	}
	ch := make(chan error, 1)
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		e.dropWaiter(id, ch)
		return ctx.Err()
	}
}

// Submit queues the record without waiting. It is safe to call while
// disabled; the intent is journaled and drained later.
func (e *Engine) Submit(id string) error {
	if err := record.ValidateID(id); err != nil {
		return &errs.Error{Code: errs.CodeInvalidInput, Op: "submit", RecordID: id, Err: err}
	}
	e.requestSync(context.Background(), id, record.Now())
	return nil
}

// requestSync queues a sync intent for id. A pending delete of a record that
// no longer exists locally wins: turning it into a sync would download the
// deleted record again. It reports whether a sync was queued.
func (e *Engine) requestSync(ctx context.Context, id string, at time.Time) bool {
	if op, ok := e.queue.PendingOp(id); ok && op == record.OpDelete {
		if _, err := e.local.Get(ctx, id); errors.Is(err, errs.ErrNotFound) {
			return false
		}
	}
	e.queue.Enqueue(record.Intent{RecordID: id, Op: record.OpSync, RequestedAt: at})
	return true
}

// SyncAll queues every unsynced local record and, when the remote can list,
// every remote record that is missing or stale locally. It does not wait.
// On a disabled engine it does nothing and returns nil.
func (e *Engine) SyncAll(ctx context.Context) error {
	e.mu.Lock()
	enabled, online := e.enabled, e.online
	e.mu.Unlock()
	if !enabled {
		return nil
	}

	unsynced, err := e.local.ListUnsynced(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unsynced records: %w", err)
	}
	now := record.Now()
	queued := 0
	for _, rec := range unsynced {
		if e.requestSync(ctx, rec.ID, now) {
			queued++
		}
	}

	if e.lister != nil && online {
		remote, err := e.lister.List(ctx)
		if err != nil {
			e.logger.Warn("remote listing failed", zap.Error(err))
		}
		for _, md := range remote {
			local, err := e.local.Get(ctx, md.ID)
			switch {
			case errors.Is(err, errs.ErrNotFound):
			case err != nil:
				e.logger.Warn("failed to load local record", zap.String("record", md.ID), zap.Error(err))
				continue
			case !local.IsSynced || local.LastModified.Equal(md.LastModified):
				continue
			}
			if e.requestSync(ctx, md.ID, now) {
				queued++
			}
		}
	}

	e.logger.Debug("sync all queued records", zap.Int("count", queued))
	return nil
}

// ResolveSyncConflict applies a decision to a record reported as conflicted
// and queues the resulting work.
func (e *Engine) ResolveSyncConflict(id string, decision record.Decision) error {
	switch decision {
	case record.KeepLocal, record.KeepCloud, record.KeepBoth:
	default:
		return &errs.Error{Code: errs.CodeInvalidInput, Op: "resolve conflict", RecordID: id,
			Err: fmt.Errorf("invalid decision %s", decision)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.conflicts[id]; !ok {
		return &errs.Error{Code: errs.CodeNotFound, Op: "resolve conflict", RecordID: id,
			Err: errors.New("no pending conflict")}
	}
	e.dropConflictLocked(id)
	e.queue.Enqueue(record.Intent{
		RecordID:    id,
		Op:          record.OpSync,
		RequestedAt: record.Now(),
		Decision:    decision,
	})
	e.logger.Info("conflict resolved", zap.String("record", id), zap.Stringer("decision", decision))
	return nil
}

// DeleteRecord deletes the record locally and queues the remote delete.
func (e *Engine) DeleteRecord(ctx context.Context, id string) error {
	if err := record.ValidateID(id); err != nil {
		return &errs.Error{Code: errs.CodeInvalidInput, Op: "delete record", RecordID: id, Err: err}
	}
	if err := e.local.Delete(ctx, id); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropConflictLocked(id)
	e.queue.Enqueue(record.Intent{RecordID: id, Op: record.OpDelete, RequestedAt: record.Now()})
	return nil
}

// Status returns the current status.
func (e *Engine) Status() Status {
	return e.status.Current()
}

// Subscribe returns a channel that receives the current status and every
// later transition. Call the returned func to unsubscribe.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	return e.status.Subscribe()
}

// Conflicts returns the conflicts waiting for a decision, oldest first.
func (e *Engine) Conflicts() []record.Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]record.Conflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].RecordID < out[j].RecordID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Pending returns queued and in-flight intents.
func (e *Engine) Pending() []record.Intent {
	return e.queue.Pending()
}

// WaitIdle blocks until nothing is queued or in flight. Intents kept while
// disabled or offline count as queued.
func (e *Engine) WaitIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.queue.Len() == 0 && e.queue.InFlight() == 0 {
			e.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		e.idle = append(e.idle, ch)
		e.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// loop dispatches ready intents until ctx or the engine is done.
func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if wait := e.dispatch(); wait > 0 {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-e.baseCtx.Done():
			return
		case <-e.queue.Ready():
		case <-e.wake:
		case <-timer.C:
		}
	}
}

// dispatch starts workers for ready intents. It returns how long until a
// backing-off intent becomes ready, or zero.
func (e *Engine) dispatch() time.Duration {
	for {
		e.mu.Lock()
		if e.closed || !e.enabled || !e.online {
			e.mu.Unlock()
			return 0
		}
		if wait := time.Until(e.downUntil); wait > 0 {
			e.mu.Unlock()
			return wait
		}
		if !e.sem.TryAcquire(1) {
			// A finishing worker wakes the loop.
			e.mu.Unlock()
			return 0
		}

		in, wait, ok := e.queue.Next(time.Now())
		if !ok {
			e.sem.Release(1)
			e.maybeEndRunLocked()
			e.mu.Unlock()
			return wait
		}

		if !e.run.active {
			e.run = runStats{active: true}
		}
		// Probing a remote that was unavailable stays offline until it answers.
		if e.downStreak == 0 {
			e.publishProgressLocked(in.RecordID)
		}

		ctx := e.runCtx
		e.wg.Add(1)
		e.mu.Unlock()

		go e.work(ctx, in)
	}
}

func (e *Engine) work(ctx context.Context, in record.Intent) {
	defer e.wg.Done()
	defer e.signal()
	defer e.sem.Release(1)

	var res result
	if in.Op == record.OpDelete {
		res = e.processDelete(ctx, in)
	} else {
		res = e.processSync(ctx, in)
	}
	e.finish(res)
}

// processSync runs one reconciliation attempt for a record.
func (e *Engine) processSync(ctx context.Context, in record.Intent) result {
	id := in.RecordID
	log := e.logger.With(zap.String("record", id))

	if !e.canRun() {
		return result{kind: resultRelease, intent: in}
	}

	local, err := e.local.Get(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		local = nil
	} else if err != nil {
		if ctx.Err() != nil {
			return result{kind: resultRelease, intent: in}
		}
		return result{kind: resultFailed, intent: in, err: errs.Wrap(errs.CodeInternal, "load local", err)}
	}

	remote, err := e.remote.FetchMetadata(ctx, id)
	if err != nil {
		return e.remoteFailure(ctx, in, "fetch metadata", err)
	}

	// Checkpoint: nothing has been transferred yet.
	if !e.canRun() || ctx.Err() != nil {
		return result{kind: resultRelease, intent: in}
	}

	var outcome Outcome
	switch {
	case local == nil && remote == nil:
		return result{kind: resultFailed, intent: in,
			err: &errs.Error{Code: errs.CodeNotFound, Op: "sync record", RecordID: id}}
	case local == nil:
		outcome = KeepCloud
	case remote == nil:
		outcome = KeepLocal
	case in.Decision != record.DecisionNone:
		outcome = Apply(in.Decision)
	default:
		outcome = Resolve(local.Metadata(), *remote, local.SyncedAt)
	}
	log.Debug("reconciling", zap.Stringer("outcome", outcome), zap.Stringer("decision", in.Decision))

	// Transfers run to completion even if sync is disabled meanwhile.
	tctx := context.WithoutCancel(ctx)

	if in.Decision == record.KeepBoth && local != nil && remote != nil {
		dup := local.Duplicate()
		if err := e.local.Put(tctx, dup); err != nil {
			return result{kind: resultFailed, intent: in, err: errs.Wrap(errs.CodeInternal, "duplicate local", err)}
		}
		e.wrote(dup)
		e.queue.Enqueue(record.Intent{RecordID: dup.ID, Op: record.OpSync, RequestedAt: record.Now()})
		log.Info("kept local copy under new id", zap.String("copy", dup.ID))
		// A retry must not duplicate again.
		in.Decision = record.KeepCloud
	}

	switch outcome {
	case InSync:
		if !local.LastModified.Equal(remote.LastModified) {
			// Same content, different clocks: adopt the remote timestamp so
			// both replicas carry the same lastModified.
			aligned := local.Clone()
			aligned.LastModified = remote.LastModified
			aligned.IsSynced = true
			aligned.SyncedAt = remote.LastModified
			ok, err := e.local.PutIfUnchanged(tctx, aligned, local.LastModified)
			if err != nil {
				return result{kind: resultFailed, intent: in, err: errs.Wrap(errs.CodeInternal, "align local", err)}
			}
			if !ok {
				return result{kind: resultStale, intent: in}
			}
			return result{kind: resultDone, intent: in}
		}
		return e.markSynced(tctx, in, local.LastModified)

	case KeepLocal:
		if err := e.remote.Upload(tctx, local); err != nil {
			return e.remoteFailure(tctx, in, "upload", err)
		}
		log.Debug("uploaded")
		return e.markSynced(tctx, in, local.LastModified)

	case KeepCloud:
		rec, err := e.remote.Download(tctx, id)
		if err != nil {
			return e.remoteFailure(tctx, in, "download", err)
		}
		rec.IsSynced = true
		rec.SyncedAt = rec.LastModified
		var expected time.Time
		if local != nil {
			expected = local.LastModified
		}
		ok, err := e.local.PutIfUnchanged(tctx, rec, expected)
		if err != nil {
			return result{kind: resultFailed, intent: in, err: errs.Wrap(errs.CodeInternal, "store download", err)}
		}
		if !ok {
			return result{kind: resultStale, intent: in}
		}
		e.wrote(rec)
		log.Debug("downloaded")
		return result{kind: resultDone, intent: in}

	default:
		c := record.Conflict{
			RecordID:   id,
			Local:      local.Metadata(),
			Remote:     *remote,
			DetectedAt: record.Now(),
		}
		return result{kind: resultConflict, intent: in, err: e.recordConflict(c)}
	}
}

func (e *Engine) wrote(rec *record.Record) {
	if e.onWrite != nil {
		e.onWrite(rec.Clone())
	}
}

func (e *Engine) processDelete(ctx context.Context, in record.Intent) result {
	if !e.canRun() {
		return result{kind: resultRelease, intent: in}
	}
	if err := e.remote.Delete(ctx, in.RecordID); err != nil {
		return e.remoteFailure(ctx, in, "delete", err)
	}
	e.mu.Lock()
	e.dropConflictLocked(in.RecordID)
	e.mu.Unlock()
	e.logger.Debug("deleted remotely", zap.String("record", in.RecordID))
	return result{kind: resultDone, intent: in}
}

func (e *Engine) markSynced(ctx context.Context, in record.Intent, lastModified time.Time) result {
	err := e.local.MarkSynced(ctx, in.RecordID, lastModified)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return result{kind: resultFailed, intent: in, err: errs.Wrap(errs.CodeInternal, "mark synced", err)}
	}
	return result{kind: resultDone, intent: in}
}

// remoteFailure classifies a remote error into the next step for the intent.
func (e *Engine) remoteFailure(ctx context.Context, in record.Intent, op string, err error) result {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return result{kind: resultRelease, intent: in}
	}

	switch errs.CodeOf(err) {
	case errs.CodeRemoteUnavailable:
		return result{kind: resultDefer, intent: in, err: err}

	case errs.CodeTransferFailed, errs.CodeInternal:
		// Unclassified remote errors are transient.
		attempts := in.Attempts + 1
		if e.backoff.Exhausted(attempts) {
			return result{kind: resultFailed, intent: in, err: &errs.Error{
				Code: errs.CodeTransferFailed, Op: op, RecordID: in.RecordID,
				Err: fmt.Errorf("giving up after %d attempts: %w", attempts, err),
			}}
		}
		return result{kind: resultRetry, intent: in, err: err, delay: e.backoff.Delay(attempts)}

	default:
		return result{kind: resultFailed, intent: in, err: err}
	}
}

// recordConflict stores a conflict and returns the error reported for it.
func (e *Engine) recordConflict(c record.Conflict) error {
	if e.conflictJ != nil {
		if err := e.conflictJ.SaveConflict(context.Background(), c); err != nil {
			e.logger.Warn("failed to persist conflict", zap.String("record", c.RecordID), zap.Error(err))
		}
	}
	e.mu.Lock()
	e.conflicts[c.RecordID] = c
	e.mu.Unlock()

	e.logger.Warn("conflict detected",
		zap.String("record", c.RecordID),
		zap.Time("local_modified", c.Local.LastModified),
		zap.Time("remote_modified", c.Remote.LastModified))

	return &errs.Error{Code: errs.CodeConflictDetected, Op: "sync record", RecordID: c.RecordID,
		Err: errors.New("local and remote both changed since last sync")}
}

// finish applies an attempt's result to the queue, status and waiters.
// Waiters are notified last so a caller that returns from SyncRecord sees
// the status the attempt produced.
func (e *Engine) finish(res result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := res.intent.RecordID
	log := e.logger.With(zap.String("record", id))

	notify := true
	var notifyErr error

	if e.downStreak > 0 && res.kind != resultDefer && res.kind != resultRelease {
		e.downStreak = 0
		log.Info("remote answered again, resuming sync")
	}

	switch res.kind {
	case resultDone:
		e.queue.Done(id)
		e.run.done++

	case resultFailed, resultConflict:
		e.queue.Done(id)
		e.run.done++
		e.run.failed++
		e.run.lastErr, e.run.lastID = res.err, id
		if res.kind == resultFailed {
			log.Error("sync failed", zap.Error(res.err))
		}
		notifyErr = res.err

	case resultRetry:
		e.queue.Requeue(res.intent, res.delay)
		e.run.lastErr, e.run.lastID = res.err, id
		notify = false
		log.Warn("transfer failed, retrying",
			zap.Int("attempt", res.intent.Attempts+1),
			zap.Duration("delay", res.delay),
			zap.Error(res.err))

	case resultDefer:
		e.queue.Release(res.intent)
		e.downStreak++
		delay := e.backoff.Delay(e.downStreak)
		e.downUntil = time.Now().Add(delay)
		log.Warn("remote unavailable, pausing sync", zap.Duration("delay", delay), zap.Error(res.err))
		if e.enabled {
			e.publishLocked(Status{State: StateOffline, RecordID: id})
		}
		notifyErr = res.err

	case resultRelease:
		e.queue.Release(res.intent)
		notifyErr = e.unavailableErr(id)

	case resultStale:
		// A decision taken before the edit no longer applies to it.
		in := res.intent
		in.Decision = record.DecisionNone
		e.queue.Release(in)
		notify = false
		log.Info("local record changed during transfer, reconciling again")
	}

	if e.queue.Len() == 0 && e.queue.InFlight() == 0 {
		for _, ch := range e.idle {
			close(ch)
		}
		e.idle = nil
	}

	if e.canRunLocked() {
		if e.queue.InFlight() > 0 || e.queue.Len() > 0 {
			if res.kind == resultDone || res.kind == resultFailed || res.kind == resultConflict {
				e.publishProgressLocked(id)
			}
			// The loop ends the run once nothing queued is ready.
		} else {
			e.maybeEndRunLocked()
		}
	}

	if notify {
		e.notifyLocked(id, notifyErr)
	}
}

// maybeEndRunLocked publishes the final status of a run once nothing is in
// flight and nothing queued is ready. Caller holds e.mu.
func (e *Engine) maybeEndRunLocked() {
	if !e.run.active || e.queue.InFlight() > 0 || e.hasReady() {
		return
	}

	run := e.run
	e.run = runStats{}

	// Intents still backing off count against the run.
	if run.lastErr != nil && (run.failed > 0 || e.queue.Len() > 0) {
		e.publishLocked(Status{State: StateError, Err: run.lastErr, RecordID: run.lastID})
		return
	}
	e.publishLocked(Status{State: StateSyncing, Progress: 1, RecordID: run.lastID})
	e.publishLocked(Status{State: StateSynced, RecordID: run.lastID})
}

// hasReady reports whether a queued intent could be dispatched now.
func (e *Engine) hasReady() bool {
	now := time.Now()
	for _, in := range e.queue.Pending() {
		if !e.queue.IsInFlight(in.RecordID) && !in.NotBefore.After(now) {
			return true
		}
	}
	return false
}

func (e *Engine) publishProgressLocked(id string) {
	done := e.run.done
	total := done + e.queue.Len() + e.queue.InFlight()
	progress := 0.0
	if total > 0 {
		progress = float64(done) / float64(total)
	}
	e.publishLocked(Status{State: StateSyncing, Progress: progress, RecordID: id})
}

// publishLocked publishes s. Repeated idle or offline values are collapsed.
// Caller holds e.mu so transitions are totally ordered.
func (e *Engine) publishLocked(s Status) {
	cur := e.status.Current()
	if (s.State == StateOffline || s.State == StateIdle) && cur.State == s.State {
		return
	}
	if s.State == StateOffline {
		e.run = runStats{}
	}
	s.At = time.Now()
	e.status.Publish(s)
}

// onConnectivity is registered with the ConnectivityPort.
func (e *Engine) onConnectivity(reachable bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.online == reachable {
		return
	}
	e.online = reachable
	if !reachable {
		e.logger.Warn("remote unreachable, sync paused")
		for id := range e.waiters {
			if !e.queue.IsInFlight(id) {
				e.notifyLocked(id, e.unavailableErr(id))
			}
		}
		if e.enabled {
			e.publishLocked(Status{State: StateOffline})
		}
		return
	}

	e.logger.Info("remote reachable, resuming sync")
	e.downUntil, e.downStreak = time.Time{}, 0
	if e.enabled {
		e.queue.ClearDelays()
		e.publishLocked(Status{State: StateIdle})
		e.signal()
	}
}

func (e *Engine) canRun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canRunLocked()
}

func (e *Engine) canRunLocked() bool {
	return e.enabled && e.online && !e.closed && !time.Now().Before(e.downUntil)
}

// unavailableErr is returned to callers that cannot be served right now.
// Caller holds e.mu.
func (e *Engine) unavailableErr(id string) error {
	cause := ErrOffline
	if !e.enabled {
		cause = ErrSyncDisabled
	}
	return &errs.Error{Code: errs.CodeRemoteUnavailable, Op: "sync record", RecordID: id, Err: cause}
}

func (e *Engine) notifyLocked(id string, err error) {
	for _, ch := range e.waiters[id] {
		ch <- err
	}
	delete(e.waiters, id)
}

func (e *Engine) dropWaiter(id string, ch chan error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.waiters[id]
	for i, c := range list {
		if c == ch {
			e.waiters[id] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(e.waiters[id]) == 0 {
		delete(e.waiters, id)
	}
}

// dropConflictLocked forgets a pending conflict. Caller holds e.mu.
func (e *Engine) dropConflictLocked(id string) {
	if _, ok := e.conflicts[id]; !ok {
		return
	}
	delete(e.conflicts, id)
	if e.conflictJ != nil {
		if err := e.conflictJ.DeleteConflict(context.Background(), id); err != nil {
			e.logger.Warn("failed to drop persisted conflict", zap.String("record", id), zap.Error(err))
		}
	}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// waiterCount returns how many SyncRecord calls wait on id.
func (e *Engine) waiterCount(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiters[id])
}
