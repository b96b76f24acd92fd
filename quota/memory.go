// Package quota provides process-local ledger and reservation stores.
package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/creditgate"
)

// MemoryLedger is an in-memory LedgerStore. It backs anonymous accounts and
// tests; balances do not survive a restart.
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[string]*creditgate.QuotaRecord
	now      func() time.Time
}

var _ creditgate.LedgerStore = (*MemoryLedger)(nil)

// NewMemoryLedger creates a new in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[string]*creditgate.QuotaRecord),
		now:      time.Now,
	}
}

// Get returns the record for an account.
func (l *MemoryLedger) Get(_ context.Context, accountID string) (creditgate.QuotaRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.accounts[accountID]
	if !ok {
		return creditgate.QuotaRecord{}, creditgate.ErrNotFound
	}
	return *rec, nil
}

// Create stores a new record, or returns the existing one.
func (l *MemoryLedger) Create(_ context.Context, accountID string, initialBalance int64) (creditgate.QuotaRecord, error) {
	if initialBalance < 0 {
		return creditgate.QuotaRecord{}, creditgate.ErrNegativeBalance
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.accounts[accountID]; ok {
		return *rec, nil
	}
	rec := &creditgate.QuotaRecord{
		AccountID: accountID,
		Balance:   initialBalance,
		Version:   1,
		UpdatedAt: l.now().UTC(),
	}
	l.accounts[accountID] = rec
	return *rec, nil
}

// CompareAndSwap sets the balance if the version still matches.
func (l *MemoryLedger) CompareAndSwap(_ context.Context, accountID string, expectedVersion, newBalance int64) (creditgate.QuotaRecord, error) {
	if newBalance < 0 {
		return creditgate.QuotaRecord{}, creditgate.ErrNegativeBalance
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.accounts[accountID]
	if !ok {
		return creditgate.QuotaRecord{}, creditgate.ErrNotFound
	}
	if rec.Version != expectedVersion {
		return creditgate.QuotaRecord{}, creditgate.ErrVersionConflict
	}
	rec.Balance = newBalance
	rec.Version++
	rec.UpdatedAt = l.now().UTC()
	return *rec, nil
}

// defaultRetention is how long settled reservations are kept.
const defaultRetention = 7 * 24 * time.Hour

// MemoryReservations is an in-memory ReservationStore. Settled reservations
// are dropped once they are older than the retention, which bounds how long
// an idempotency key is remembered.
type MemoryReservations struct {
	mu        sync.Mutex
	items     map[string]*creditgate.Reservation
	retention time.Duration
	now       func() time.Time
}

var _ creditgate.ReservationStore = (*MemoryReservations)(nil)

// ReservationsOption configures a MemoryReservations.
type ReservationsOption func(*MemoryReservations)

// WithRetention sets how long committed and refunded reservations are kept
// (default 7 days).
func WithRetention(d time.Duration) ReservationsOption {
	return func(m *MemoryReservations) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithReservationClock overrides the time source used for pruning.
func WithReservationClock(now func() time.Time) ReservationsOption {
	return func(m *MemoryReservations) { m.now = now }
}

// NewMemoryReservations creates a new in-memory reservation store.
func NewMemoryReservations(opts ...ReservationsOption) *MemoryReservations {
	m := &MemoryReservations{
		items:     make(map[string]*creditgate.Reservation),
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Insert stores a new reservation.
func (m *MemoryReservations) Insert(_ context.Context, res creditgate.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[res.ID]; ok {
		return creditgate.ErrDuplicateReservation
	}
	r := res
	m.items[res.ID] = &r
	return nil
}

// Get returns a reservation by ID.
func (m *MemoryReservations) Get(_ context.Context, id string) (creditgate.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.items[id]
	if !ok {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}
	return *r, nil
}

// Transition moves a reservation between states if it is currently in from.
func (m *MemoryReservations) Transition(_ context.Context, id string, from, to creditgate.ReservationState, at time.Time) (creditgate.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.items[id]
	if !ok {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}
	if r.State != from {
		return *r, creditgate.ErrStateConflict
	}
	r.State = to
	r.SettledAt = at
	return *r, nil
}

// ListStale returns the oldest Reserved reservations created before olderThan.
// It also drops settled reservations past the retention; the sweep calls it
// on every pass.
func (m *MemoryReservations) ListStale(_ context.Context, olderThan time.Time, limit int) ([]creditgate.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := m.now().Add(-m.retention)
	var stale []creditgate.Reservation
	for id, r := range m.items {
		switch {
		case r.State == creditgate.StateReserved:
			if r.CreatedAt.Before(olderThan) {
				stale = append(stale, *r)
			}
		case r.SettledAt.Before(expired):
			delete(m.items, id)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Len returns the number of reservations held, settled ones included.
func (m *MemoryReservations) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
