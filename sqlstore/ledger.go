package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/MrEthical07/fedauth/lockout"
)

// Ledger is a lockout.Ledger over the user_retries table. Each transition
// increments with a single UPDATE so concurrent failures serialize on the
// row.
type Ledger struct {
	db     *sqlx.DB
	config lockout.Config
	now    func() time.Time
}

// NewLedger returns a ledger over db.
func NewLedger(db *sqlx.DB, cfg lockout.Config) *Ledger {
	if cfg.Threshold <= 0 {
		cfg.Threshold = lockout.DefaultThreshold
	}
	return &Ledger{db: db, config: cfg, now: time.Now}
}

type retryRow struct {
	Count       int  `db:"retry_count"`
	Locked      bool `db:"locked"`
	AdminLocked bool `db:"admin_locked"`
}

func (r retryRow) state() lockout.State {
	return lockout.State{Failures: r.Count, Locked: r.Locked, Administrative: r.AdminLocked}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", lockout.ErrLedgerUnavailable, err)
}

// RecordFailure implements lockout.Ledger.
func (l *Ledger) RecordFailure(ctx context.Context, key string) (lockout.State, error) {
	now := l.now()
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return lockout.State{}, unavailable(err)
	}
	defer tx.Rollback()

	if err := l.expire(ctx, tx, key, now); err != nil {
		return lockout.State{}, unavailable(err)
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO user_retries (username, retry_count, locked, admin_locked, updated_at)
VALUES (?, 0, FALSE, FALSE, ?) ON CONFLICT (username) DO NOTHING`), key, toMillis(now))
	if err != nil {
		return lockout.State{}, unavailable(err)
	}

	var row retryRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`UPDATE user_retries
SET retry_count = retry_count + 1, locked = (retry_count + 1 >= ?), updated_at = ?
WHERE username = ? AND locked = FALSE
RETURNING retry_count, locked, admin_locked`), l.config.Threshold, toMillis(now), key)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT retry_count, locked, admin_locked FROM user_retries WHERE username = ?`), key)
	}
	if err != nil {
		return lockout.State{}, unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return lockout.State{}, unavailable(err)
	}
	return row.state(), nil
}

// RecordSuccess implements lockout.Ledger.
func (l *Ledger) RecordSuccess(ctx context.Context, key string) (lockout.State, error) {
	now := l.now()
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return lockout.State{}, unavailable(err)
	}
	defer tx.Rollback()

	if err := l.expire(ctx, tx, key, now); err != nil {
		return lockout.State{}, unavailable(err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM user_retries WHERE username = ? AND locked = FALSE`), key); err != nil {
		return lockout.State{}, unavailable(err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE user_retries SET retry_count = 0, updated_at = ? WHERE username = ? AND admin_locked = TRUE`),
		toMillis(now), key); err != nil {
		return lockout.State{}, unavailable(err)
	}

	var row retryRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT retry_count, locked, admin_locked FROM user_retries WHERE username = ?`), key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return lockout.State{}, unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return lockout.State{}, unavailable(err)
	}
	return row.state(), nil
}

// State implements lockout.Ledger.
func (l *Ledger) State(ctx context.Context, key string) (lockout.State, error) {
	var row struct {
		retryRow
		UpdatedAt int64 `db:"updated_at"`
	}
	err := l.db.GetContext(ctx, &row, l.db.Rebind(`SELECT retry_count, locked, admin_locked, updated_at FROM user_retries WHERE username = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return lockout.State{}, nil
	}
	if err != nil {
		return lockout.State{}, unavailable(err)
	}
	if !row.AdminLocked && l.expired(row.UpdatedAt, l.now()) {
		return lockout.State{}, nil
	}
	return row.state(), nil
}

// Lock implements lockout.Ledger.
func (l *Ledger) Lock(ctx context.Context, key string) error {
	_, err := l.db.ExecContext(ctx, l.db.Rebind(`INSERT INTO user_retries (username, retry_count, locked, admin_locked, updated_at)
VALUES (?, 0, TRUE, TRUE, ?)
ON CONFLICT (username) DO UPDATE SET locked = TRUE, admin_locked = TRUE, updated_at = excluded.updated_at`),
		key, toMillis(l.now()))
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Reset implements lockout.Ledger.
func (l *Ledger) Reset(ctx context.Context, key string) error {
	if _, err := l.db.ExecContext(ctx, l.db.Rebind(`DELETE FROM user_retries WHERE username = ?`), key); err != nil {
		return unavailable(err)
	}
	return nil
}

// expire drops a counter-imposed entry untouched for longer than the
// configured duration.
func (l *Ledger) expire(ctx context.Context, tx *sqlx.Tx, key string, now time.Time) error {
	if l.config.Duration <= 0 {
		return nil
	}
	cutoff := toMillis(now.Add(-l.config.Duration))
	_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM user_retries WHERE username = ? AND admin_locked = FALSE AND updated_at < ?`), key, cutoff)
	return err
}

func (l *Ledger) expired(updatedAt int64, now time.Time) bool {
	return l.config.Duration > 0 && updatedAt < toMillis(now.Add(-l.config.Duration))
}

var _ lockout.Ledger = (*Ledger)(nil)
