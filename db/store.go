package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotificationTable is the persisted notification relation. Its layout
// is owned by migrations; the store depends only on atomic insertion,
// lock-and-skip claims, and delete-by-id.
const NotificationTable = "pgbus_notification"

var dialect = goqu.Dialect("postgres")

// ErrClaimDone is returned when a terminal call is made twice on a ClaimTx
var ErrClaimDone = errors.New("claim transaction already finished")

// StoredNotification is one persisted durable notification row
type StoredNotification struct {
	ID        int64
	Channel   string
	Payload   []byte
	DBVersion *string
	CreatedAt time.Time
}

// QueueStats summarizes the unprocessed durable backlog
type QueueStats struct {
	Length          int64
	OldestCreatedAt *time.Time
}

// ProcessingLagMS converts the oldest pending age into milliseconds at
// the given instant; zero when the backlog is empty
func (qs QueueStats) ProcessingLagMS(now time.Time) float64 {
	if qs.OldestCreatedAt == nil {
		return 0
	}
	return float64(now.Sub(*qs.OldestCreatedAt)) / float64(time.Millisecond)
}

// Store coordinates access to the stored-notification table. All
// cross-worker coordination happens through row-level locks taken with
// skip-locked semantics; the store itself holds no application mutex.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a connection pool
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// claimSQL builds the skip-locked claim select. When matchPayload is
// false the payload predicate is omitted (wakeup-ping drain path).
func claimSQL(channel string, payload []byte, matchPayload bool) (string, []any, error) {
	ds := dialect.From(NotificationTable).
		Select("id", "channel", "payload", "db_version", "created_at")
	if matchPayload {
		ds = ds.Where(
			goqu.C("channel").Eq(channel),
			goqu.L("payload = ?::jsonb", string(payload)),
		)
	} else {
		ds = ds.Where(goqu.C("channel").Eq(channel))
	}
	return ds.
		Order(goqu.C("id").Asc()).
		Limit(1).
		ForUpdate(exp.SkipLocked).
		Prepared(true).
		ToSQL()
}

// Claim opens a short transaction and locks the first stored row
// matching (channel, payload) with skip-locked semantics. The returned
// ClaimTx may hold no row: either another worker already processed the
// notification or every matching row is currently locked. Exactly one of
// Complete, Release or Abort must be called.
func (s *Store) Claim(ctx context.Context, channel string, payload []byte) (*ClaimTx, error) {
	return s.claim(ctx, channel, payload, true)
}

// ClaimAny locks the oldest unlocked stored row on the channel
// regardless of payload. Used to drain the backlog after a wakeup ping.
func (s *Store) ClaimAny(ctx context.Context, channel string) (*ClaimTx, error) {
	return s.claim(ctx, channel, nil, false)
}

func (s *Store) claim(ctx context.Context, channel string, payload []byte, matchPayload bool) (*ClaimTx, error) {
	sql, args, err := claimSQL(channel, payload, matchPayload)
	if err != nil {
		return nil, fmt.Errorf("build claim query: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}

	row := tx.QueryRow(ctx, sql, args...)
	claim := &StoredNotification{}
	err = row.Scan(&claim.ID, &claim.Channel, &claim.Payload, &claim.DBVersion, &claim.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ClaimTx{tx: tx}, nil
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("claim row on %s: %w", channel, err)
	}
	return &ClaimTx{tx: tx, row: claim}, nil
}

// InsertNotification adds a stored notification inside the caller's
// transaction so the row commits atomically with the producing work
func InsertNotification(ctx context.Context, tx pgx.Tx, channel string, payload []byte, dbVersion *string) error {
	sql, args, err := dialect.Insert(NotificationTable).
		Cols("channel", "payload", "db_version").
		Vals(goqu.Vals{channel, string(payload), dbVersion}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert stored notification: %w", err)
	}
	return nil
}

// QueueStats counts unprocessed rows and finds the oldest pending
// timestamp for the given channel wire names (all channels when empty).
// Runs in a plain read transaction and takes no row locks.
func (s *Store) QueueStats(ctx context.Context, channels []string) (QueueStats, error) {
	ds := dialect.From(NotificationTable).
		Select(goqu.COUNT(goqu.Star()), goqu.MIN("created_at"))
	if len(channels) > 0 {
		ds = ds.Where(goqu.C("channel").In(channels))
	}
	sql, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return QueueStats{}, fmt.Errorf("build stats query: %w", err)
	}

	var stats QueueStats
	row := s.pool.QueryRow(ctx, sql, args...)
	if err := row.Scan(&stats.Length, &stats.OldestCreatedAt); err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// ClaimTx is one claim attempt inside its own transaction. The row-level
// lock is held until a terminal call commits or rolls back.
type ClaimTx struct {
	tx   pgx.Tx
	row  *StoredNotification
	done bool
}

// Row returns the claimed row, or nil when no unlocked match was found
func (c *ClaimTx) Row() *StoredNotification {
	return c.row
}

// Complete deletes the claimed row and commits. Only valid when a row
// was claimed.
func (c *ClaimTx) Complete(ctx context.Context) error {
	if c.done {
		return ErrClaimDone
	}
	c.done = true
	if c.row == nil {
		_ = c.tx.Rollback(ctx)
		return errors.New("complete called without a claimed row")
	}

	sql, args, err := dialect.Delete(NotificationTable).
		Where(goqu.C("id").Eq(c.row.ID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		_ = c.tx.Rollback(ctx)
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := c.tx.Exec(ctx, sql, args...); err != nil {
		_ = c.tx.Rollback(ctx)
		return fmt.Errorf("delete claimed row %d: %w", c.row.ID, err)
	}
	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit claim: %w", err)
	}
	return nil
}

// Release commits without deleting, leaving the row for another process
// or a later pass
func (c *ClaimTx) Release(ctx context.Context) error {
	if c.done {
		return ErrClaimDone
	}
	c.done = true
	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// Abort rolls the transaction back; a claimed row becomes available
// again immediately
func (c *ClaimTx) Abort(ctx context.Context) error {
	if c.done {
		return ErrClaimDone
	}
	c.done = true
	if err := c.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("abort claim: %w", err)
	}
	return nil
}
