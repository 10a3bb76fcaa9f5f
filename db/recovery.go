package db

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// recoveryBatchSize bounds memory during a recovery scan; rows are
// fetched through a server-side cursor in batches of this size
const recoveryBatchSize = 500

var cursorSeq atomic.Uint64

// RecoveryCursor streams stored rows for one channel, oldest first,
// through a server-side cursor. The cursor's read transaction takes no
// row locks; actual delivery goes through the claim protocol, which is
// what dedups a replay against concurrent live processing.
type RecoveryCursor struct {
	tx        recoveryTx
	name      string
	batch     []StoredNotification
	idx       int
	exhausted bool
	closed    bool
}

type recoveryTx interface {
	queryBatch(ctx context.Context, cursor string, limit int) ([]StoredNotification, error)
	close(ctx context.Context) error
}

// Recovery opens a server-side cursor over the channel's stored rows
func (s *Store) Recovery(ctx context.Context, channel string) (*RecoveryCursor, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin recovery transaction: %w", err)
	}

	name := fmt.Sprintf("pgbus_recovery_%d", cursorSeq.Add(1))
	// DECLARE is a utility statement and cannot carry bind parameters,
	// so the channel predicate is inlined as an escaped literal.
	declare := fmt.Sprintf(
		"DECLARE %s NO SCROLL CURSOR FOR SELECT id, channel, payload, db_version, created_at FROM %s WHERE channel = %s ORDER BY id ASC",
		name, NotificationTable, quoteLiteral(channel),
	)
	if _, err := tx.Exec(ctx, declare); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("declare recovery cursor: %w", err)
	}

	return &RecoveryCursor{tx: &pgxRecoveryTx{tx: tx}, name: name}, nil
}

// Next returns the next stored row, or nil when the scan is exhausted
func (rc *RecoveryCursor) Next(ctx context.Context) (*StoredNotification, error) {
	if rc.closed {
		return nil, fmt.Errorf("recovery cursor closed")
	}
	if rc.idx >= len(rc.batch) {
		if rc.exhausted {
			return nil, nil
		}
		batch, err := rc.tx.queryBatch(ctx, rc.name, recoveryBatchSize)
		if err != nil {
			return nil, fmt.Errorf("fetch recovery batch: %w", err)
		}
		rc.batch = batch
		rc.idx = 0
		if len(batch) < recoveryBatchSize {
			rc.exhausted = true
		}
		if len(batch) == 0 {
			return nil, nil
		}
	}
	row := rc.batch[rc.idx]
	rc.idx++
	return &row, nil
}

// Close ends the scan and its transaction
func (rc *RecoveryCursor) Close(ctx context.Context) error {
	if rc.closed {
		return nil
	}
	rc.closed = true
	return rc.tx.close(ctx)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
