// Package postgres provides PostgreSQL-backed ledger and reservation stores for creditgate.
//
// Balances and reservations live in two tables. Compare-and-swap is a
// conditional UPDATE on the version column, so concurrent instances never
// overwrite each other's writes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/creditgate"
)

// Store owns the connection pool and table names shared by Ledger and Reservations.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	retention   time.Duration
}

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithRetention sets how long settled reservations are kept (default 7 days).
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditgate_",
		retention:   7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) ledgerTable() string       { return s.tablePrefix + "ledger" }
func (s *Store) reservationsTable() string { return s.tablePrefix + "reservations" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			account_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL CHECK (balance >= 0),
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			settled_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS %[2]s_state_created_idx ON %[2]s (state, created_at);
	`, s.ledgerTable(), s.reservationsTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("creditgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// Ledger returns the LedgerStore view of the store.
func (s *Store) Ledger() *Ledger { return &Ledger{s} }

// Reservations returns the ReservationStore view of the store.
func (s *Store) Reservations() *Reservations { return &Reservations{s} }

// Ledger is a PostgreSQL-backed LedgerStore.
type Ledger struct{ s *Store }

var _ creditgate.LedgerStore = (*Ledger)(nil)

// Get returns the record for an account.
func (l *Ledger) Get(ctx context.Context, accountID string) (creditgate.QuotaRecord, error) {
	rec := creditgate.QuotaRecord{AccountID: accountID}
	err := l.s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance, version, updated_at FROM %s WHERE account_id = $1`, l.s.ledgerTable()),
		accountID,
	).Scan(&rec.Balance, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditgate.QuotaRecord{}, creditgate.ErrNotFound
	}
	if err != nil {
		return creditgate.QuotaRecord{}, fmt.Errorf("creditgate/postgres: get: %w", err)
	}
	return rec, nil
}

// Create stores a new record, or returns the existing one.
func (l *Ledger) Create(ctx context.Context, accountID string, initialBalance int64) (creditgate.QuotaRecord, error) {
	if initialBalance < 0 {
		return creditgate.QuotaRecord{}, creditgate.ErrNegativeBalance
	}
	_, err := l.s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (account_id, balance) VALUES ($1, $2) ON CONFLICT (account_id) DO NOTHING`, l.s.ledgerTable()),
		accountID, initialBalance,
	)
	if err != nil {
		return creditgate.QuotaRecord{}, fmt.Errorf("creditgate/postgres: create: %w", err)
	}
	return l.Get(ctx, accountID)
}

// CompareAndSwap sets the balance if the version still matches.
func (l *Ledger) CompareAndSwap(ctx context.Context, accountID string, expectedVersion, newBalance int64) (creditgate.QuotaRecord, error) {
	if newBalance < 0 {
		return creditgate.QuotaRecord{}, creditgate.ErrNegativeBalance
	}
	rec := creditgate.QuotaRecord{AccountID: accountID}
	err := l.s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = $1, version = version + 1, updated_at = now()
			WHERE account_id = $2 AND version = $3
			RETURNING balance, version, updated_at`, l.s.ledgerTable()),
		newBalance, accountID, expectedVersion,
	).Scan(&rec.Balance, &rec.Version, &rec.UpdatedAt)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return creditgate.QuotaRecord{}, fmt.Errorf("creditgate/postgres: compare and swap: %w", err)
	}

	// No row matched: either the account is gone or the version moved.
	if _, err := l.Get(ctx, accountID); err != nil {
		return creditgate.QuotaRecord{}, err
	}
	return creditgate.QuotaRecord{}, creditgate.ErrVersionConflict
}

// Reservations is a PostgreSQL-backed ReservationStore.
type Reservations struct{ s *Store }

var _ creditgate.ReservationStore = (*Reservations)(nil)

const reservationColumns = `id, account_id, kind, amount, state, created_at, settled_at`

// Insert stores a new reservation.
func (r *Reservations) Insert(ctx context.Context, res creditgate.Reservation) error {
	tag, err := r.s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, NULL) ON CONFLICT (id) DO NOTHING`,
			r.s.reservationsTable(), reservationColumns),
		res.ID, res.AccountID, string(res.Kind), res.Amount, string(res.State), res.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: insert reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return creditgate.ErrDuplicateReservation
	}
	return nil
}

// Get returns a reservation by ID.
func (r *Reservations) Get(ctx context.Context, id string) (creditgate.Reservation, error) {
	res, err := scanReservation(r.s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, reservationColumns, r.s.reservationsTable()),
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/postgres: get reservation: %w", err)
	}
	return res, nil
}

// Transition moves a reservation between states if it is currently in from.
func (r *Reservations) Transition(ctx context.Context, id string, from, to creditgate.ReservationState, at time.Time) (creditgate.Reservation, error) {
	var settled *time.Time
	if !at.IsZero() {
		t := at.UTC()
		settled = &t
	}
	res, err := scanReservation(r.s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET state = $1, settled_at = $2 WHERE id = $3 AND state = $4 RETURNING %s`,
			r.s.reservationsTable(), reservationColumns),
		string(to), settled, id, string(from),
	))
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/postgres: transition: %w", err)
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return creditgate.Reservation{}, err
	}
	return current, creditgate.ErrStateConflict
}

// ListStale returns the oldest Reserved reservations created before olderThan.
func (r *Reservations) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]creditgate.Reservation, error) {
	if _, err := r.s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE state <> $1 AND settled_at < $2`, r.s.reservationsTable()),
		string(creditgate.StateReserved), time.Now().Add(-r.s.retention).UTC(),
	); err != nil {
		return nil, fmt.Errorf("creditgate/postgres: prune settled: %w", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE state = $1 AND created_at < $2 ORDER BY created_at`,
		reservationColumns, r.s.reservationsTable())
	args := []any{string(creditgate.StateReserved), olderThan.UTC()}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("creditgate/postgres: list stale: %w", err)
	}
	defer rows.Close()

	var stale []creditgate.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("creditgate/postgres: list stale: %w", err)
		}
		stale = append(stale, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditgate/postgres: list stale: %w", err)
	}
	return stale, nil
}

func scanReservation(row pgx.Row) (creditgate.Reservation, error) {
	var (
		res         creditgate.Reservation
		kind, state string
		settledAt   *time.Time
	)
	if err := row.Scan(&res.ID, &res.AccountID, &kind, &res.Amount, &state, &res.CreatedAt, &settledAt); err != nil {
		return creditgate.Reservation{}, err
	}
	res.Kind = creditgate.AccountKind(kind)
	res.State = creditgate.ReservationState(state)
	if settledAt != nil {
		res.SettledAt = *settledAt
	}
	return res, nil
}
