package creditgate

import (
	"context"
	"time"
)

// LedgerStore persists account balances. Every balance mutation goes
// through CompareAndSwap.
type LedgerStore interface {
	// Get returns the record for an account, or ErrNotFound.
	Get(ctx context.Context, accountID string) (QuotaRecord, error)

	// Create stores a new record with the given balance. If the account
	// already exists the existing record is returned unchanged.
	Create(ctx context.Context, accountID string, initialBalance int64) (QuotaRecord, error)

	// CompareAndSwap sets the balance only if the stored version equals
	// expectedVersion. Returns ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, accountID string, expectedVersion, newBalance int64) (QuotaRecord, error)
}

// ReservationStore persists reservations and their state transitions.
type ReservationStore interface {
	// Insert stores a new reservation. Returns ErrDuplicateReservation if the ID exists.
	Insert(ctx context.Context, res Reservation) error

	// Get returns a reservation by ID, or ErrReservationNotFound.
	Get(ctx context.Context, id string) (Reservation, error)

	// Transition atomically moves a reservation from one state to another.
	// If the current state is not from, it returns the current reservation
	// together with ErrStateConflict.
	Transition(ctx context.Context, id string, from, to ReservationState, at time.Time) (Reservation, error)

	// ListStale returns up to limit reservations still Reserved that were
	// created before olderThan.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Reservation, error)
}

// Reservation is an in-flight claim against an account's balance.
type Reservation struct {
	ID        string
	AccountID string
	Kind      AccountKind
	Amount    int64
	State     ReservationState
	CreatedAt time.Time
	SettledAt time.Time
}

// ReservationState is the lifecycle state of a Reservation.
type ReservationState string

const (
	StateReserved  ReservationState = "reserved"
	StateCommitted ReservationState = "committed"
	StateRefunded  ReservationState = "refunded"
)
