// Package sync implements the engine that mirrors meeting records between the
// always-writable local store and the remote store.
//
// # Overview
//
// Every local mutation leaves a record with a bumped LastModified and
// IsSynced cleared. Callers (or the daemon) then ask the engine to
// reconcile it. The engine queues one intent per record, drains the queue
// whenever sync is enabled and the remote is reachable, and publishes a
// status stream that UIs can follow.
//
// Architecture
//
//	recording layer ──► LocalStore (Put, lastModified bumped)
//	                         │
//	      SyncRecord / Submit / SyncAll / DeleteRecord
//	                         ▼
//	                       Queue ──(journal)──► LocalStore intents table
//	                         │
//	                    drain loop ──► workers (semaphore)
//	                                     │
//	           FetchMetadata ► Resolve ► Upload / Download / Delete
//	                                     │
//	                           MarkSynced, Broadcaster
//
// # Reconciliation
//
// For each intent the engine fetches remote metadata and compares it with the
// local record using the SyncedAt timestamp both replicas last agreed on:
//
//   - remote absent: first upload
//   - equal timestamps or equal content hashes: already consistent
//   - only one side changed since SyncedAt: that side wins
//   - both changed: conflict, nothing is overwritten until the caller picks
//     keep-local, keep-cloud or keep-both with ResolveSyncConflict
//
// Failures
//
//   - REMOTE_UNAVAILABLE: status goes offline, the intent stays queued
//   - TRANSFER_FAILED: retried with exponential backoff up to MaxAttempts
//   - AUTHENTICATION_FAILED: surfaced, not retried, record stays pending
//
// Usage
//
//	engine, err := sync.New(sync.Config{
//	    Local:        store,
//	    Remote:       remoteStore,
//	    Connectivity: prober,
//	    Logger:       logger,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := engine.Start(ctx); err != nil {
//	    return err
//	}
//	defer engine.Close()
//
//	engine.EnableSync()
//	if err := engine.SyncRecord(ctx, rec.ID); errors.Is(err, errs.ErrConflictDetected) {
//	    _ = engine.ResolveSyncConflict(rec.ID, record.KeepLocal)
//	}
//
// # Concurrency
//
// One drain loop dispatches intents to at most Config.Workers concurrent
// workers. The same record is never transferred twice at once: a request
// that arrives while its record is in flight waits for that attempt and
// queues a follow-up, which finds the replicas consistent unless the record
// changed again.
package sync
