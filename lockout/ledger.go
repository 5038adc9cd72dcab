// Package lockout holds the per-identity failure ledger shared by password
// and one-time-code checks.
//
// The ledger is account-wide: once an identity is locked every factor is
// refused until a reset event. Implementations must make each transition
// atomic for a single key so that concurrent failures are never under-counted.
package lockout

import (
	"context"
	"errors"
	"time"
)

// DefaultThreshold is the number of counted failures that locks an identity.
const DefaultThreshold = 3

// ErrLedgerUnavailable indicates the ledger backend could not be reached.
var ErrLedgerUnavailable = errors.New("lockout ledger unavailable")

// State is a snapshot of one identity's ledger entry.
type State struct {
	Failures int
	Locked   bool
	// Administrative is set when the lock was imposed by an operator rather
	// than by the failure counter. A successful login never clears it.
	Administrative bool
}

// Ledger records counted failures and successes per identity key.
type Ledger interface {
	// RecordFailure counts one failure. Once the threshold is reached the
	// identity is locked and further calls only report the locked state.
	RecordFailure(ctx context.Context, key string) (State, error)
	// RecordSuccess zeroes the counter of an unlocked identity. A locked
	// entry is left in place and reported, so a success racing the failure
	// that locked the identity cannot undo the lock. Only Reset (or lock
	// expiry) clears it.
	RecordSuccess(ctx context.Context, key string) (State, error)
	// State returns the current entry without modifying it.
	State(ctx context.Context, key string) (State, error)
	// Lock imposes an administrative lock.
	Lock(ctx context.Context, key string) error
	// Reset removes the entry entirely (operator unlock, password reset).
	Reset(ctx context.Context, key string) error
}

// Config tunes a ledger.
type Config struct {
	// Threshold is the failure count that locks the identity.
	Threshold int
	// Duration, when positive, bounds how long a counter-imposed lock and
	// its failures are retained. Zero keeps them until a reset event.
	Duration time.Duration
}

func (c Config) threshold() int {
	if c.Threshold <= 0 {
		return DefaultThreshold
	}
	return c.Threshold
}
