package localstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mschirtzinger/recsync/internal/errs"
	"github.com/mschirtzinger/recsync/internal/record"
)

// SaveIntent inserts or replaces the journaled intent for a record. A
// replaced intent keeps its original queue position.
func (db *DB) SaveIntent(ctx context.Context, in record.Intent) error {
	query := `
	INSERT INTO intents (record_id, op, requested_at, attempts, not_before, decision, seq)
	VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM intents))
	ON CONFLICT(record_id) DO UPDATE SET
		op = excluded.op,
		requested_at = excluded.requested_at,
		attempts = excluded.attempts,
		not_before = excluded.not_before,
		decision = excluded.decision
	`

	_, err := db.conn.ExecContext(ctx, query,
		in.RecordID,
		in.Op.String(),
		toNanos(in.RequestedAt),
		in.Attempts,
		toNanos(in.NotBefore),
		int(in.Decision),
	)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "journal save", fmt.Errorf("failed to save intent %s: %w", in.RecordID, err))
	}
	return nil
}

// DeleteIntent removes the journaled intent for a record.
func (db *DB) DeleteIntent(ctx context.Context, recordID string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM intents WHERE record_id = ?`, recordID); err != nil {
		return errs.Wrap(errs.CodeInternal, "journal delete", fmt.Errorf("failed to delete intent %s: %w", recordID, err))
	}
	return nil
}

// LoadIntents returns journaled intents in queue order.
func (db *DB) LoadIntents(ctx context.Context) ([]record.Intent, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT record_id, op, requested_at, attempts, not_before, decision
		FROM intents ORDER BY seq`)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "journal load", fmt.Errorf("failed to load intents: %w", err))
	}
	defer rows.Close()

	var intents []record.Intent
	for rows.Next() {
		var (
			in          record.Intent
			op          string
			requestedAt int64
			notBefore   int64
			decision    int
		)
		if err := rows.Scan(&in.RecordID, &op, &requestedAt, &in.Attempts, &notBefore, &decision); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, "journal load", err)
		}
		if in.Op, err = record.ParseOp(op); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, "journal load", err)
		}
		in.RequestedAt = fromNanos(requestedAt)
		in.NotBefore = fromNanos(notBefore)
		in.Decision = record.Decision(decision)
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// SaveConflict inserts or replaces a pending conflict.
func (db *DB) SaveConflict(ctx context.Context, c record.Conflict) error {
	local, err := json.Marshal(c.Local)
	if err != nil {
		return fmt.Errorf("failed to marshal local metadata: %w", err)
	}
	remote, err := json.Marshal(c.Remote)
	if err != nil {
		return fmt.Errorf("failed to marshal remote metadata: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO conflicts (record_id, local, remote, detected_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			local = excluded.local,
			remote = excluded.remote,
			detected_at = excluded.detected_at`,
		c.RecordID, string(local), string(remote), toNanos(c.DetectedAt))
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "conflict save", fmt.Errorf("failed to save conflict %s: %w", c.RecordID, err))
	}
	return nil
}

// DeleteConflict removes a pending conflict.
func (db *DB) DeleteConflict(ctx context.Context, recordID string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM conflicts WHERE record_id = ?`, recordID); err != nil {
		return errs.Wrap(errs.CodeInternal, "conflict delete", fmt.Errorf("failed to delete conflict %s: %w", recordID, err))
	}
	return nil
}

// LoadConflicts returns pending conflicts, oldest first.
func (db *DB) LoadConflicts(ctx context.Context) ([]record.Conflict, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT record_id, local, remote, detected_at FROM conflicts ORDER BY detected_at`)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "conflict load", fmt.Errorf("failed to load conflicts: %w", err))
	}
	defer rows.Close()

	var conflicts []record.Conflict
	for rows.Next() {
		var (
			c                   record.Conflict
			localJSON, remoteJS string
			detectedAt          int64
		)
		if err := rows.Scan(&c.RecordID, &localJSON, &remoteJS, &detectedAt); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, "conflict load", err)
		}
		if err := json.Unmarshal([]byte(localJSON), &c.Local); err != nil {
			return nil, fmt.Errorf("failed to parse local metadata for %s: %w", c.RecordID, err)
		}
		if err := json.Unmarshal([]byte(remoteJS), &c.Remote); err != nil {
			return nil, fmt.Errorf("failed to parse remote metadata for %s: %w", c.RecordID, err)
		}
		c.DetectedAt = fromNanos(detectedAt)
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}
