package creditgate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// reservationNamespace scopes UUIDv5 reservation IDs derived from idempotency keys.
var reservationNamespace = uuid.MustParse("6f1c2f5e-3c1a-4c8e-9d55-0f7f3f2b8a41")

// sweepBatch bounds how many stale reservations one sweep pass loads.
const sweepBatch = 100

// Service is the quota authority: it reserves, commits and refunds credits.
type Service struct {
	ledgers      map[AccountKind]LedgerStore
	reservations map[AccountKind]ReservationStore
	stores       []ReservationStore // distinct values of reservations, in kind order
	grants       map[AccountKind]int64
	maxRetries   int
	backoff      time.Duration
	timeout      time.Duration
	meter        Meter
	now          func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLedger sets the ledger store backing one account kind.
func WithLedger(kind AccountKind, store LedgerStore) ServiceOption {
	return func(s *Service) { s.ledgers[kind] = store }
}

// WithReservationStore sets the reservation store for both account kinds.
func WithReservationStore(rs ReservationStore) ServiceOption {
	return func(s *Service) {
		s.reservations[KindAnonymous] = rs
		s.reservations[KindAuthenticated] = rs
	}
}

// WithKindReservationStore sets the reservation store for one account kind,
// keeping its reservations next to that kind's ledger.
func WithKindReservationStore(kind AccountKind, rs ReservationStore) ServiceOption {
	return func(s *Service) { s.reservations[kind] = rs }
}

// WithServiceMeter sets the meter.
func WithServiceMeter(m Meter) ServiceOption {
	return func(s *Service) { s.meter = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a quota service. Both account kinds need a ledger and a
// reservation store.
func NewService(cfg QuotaConfig, opts ...ServiceOption) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		ledgers:      make(map[AccountKind]LedgerStore, 2),
		reservations: make(map[AccountKind]ReservationStore, 2),
		grants: map[AccountKind]int64{
			KindAnonymous:     cfg.AnonymousGrant,
			KindAuthenticated: cfg.AuthenticatedGrant,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		timeout:    cfg.ReservationTimeout,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.ledgers[KindAnonymous] == nil || s.ledgers[KindAuthenticated] == nil {
		return nil, fmt.Errorf("creditgate: a ledger store is required for both account kinds")
	}
	for _, kind := range []AccountKind{KindAnonymous, KindAuthenticated} {
		rs := s.reservations[kind]
		if rs == nil {
			return nil, fmt.Errorf("creditgate: a reservation store is required for %s accounts", kind)
		}
		if len(s.stores) == 0 || s.stores[0] != rs {
			s.stores = append(s.stores, rs)
		}
	}
	if s.meter == nil {
		s.meter = noopMeter{}
	}

	return s, nil
}

// ReservationTimeout returns the age after which an open reservation is abandoned.
func (s *Service) ReservationTimeout() time.Duration { return s.timeout }

func (s *Service) ledger(kind AccountKind) (LedgerStore, error) {
	l, ok := s.ledgers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return l, nil
}

// load returns the account's record, creating it with the kind's grant on first sight.
func (s *Service) load(ctx context.Context, ledger LedgerStore, acc Account) (QuotaRecord, error) {
	rec, err := ledger.Get(ctx, acc.ID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return QuotaRecord{}, storageErr("get", err)
	}
	rec, err = ledger.Create(ctx, acc.ID, s.grants[acc.Kind])
	if err != nil {
		return QuotaRecord{}, storageErr("create", err)
	}
	return rec, nil
}

// Balance returns the account's current record. An account that has never
// been seen reports its kind's grant with Version 0 and is not stored; the
// record is created on the first reservation or grant.
func (s *Service) Balance(ctx context.Context, acc Account) (QuotaRecord, error) {
	ledger, err := s.ledger(acc.Kind)
	if err != nil {
		return QuotaRecord{}, err
	}
	rec, err := ledger.Get(ctx, acc.ID)
	if errors.Is(err, ErrNotFound) {
		return QuotaRecord{AccountID: acc.ID, Balance: s.grants[acc.Kind]}, nil
	}
	if err != nil {
		return QuotaRecord{}, storageErr("get", err)
	}
	return rec, nil
}

// CheckAndReserve debits amount from the account and records a Reserved
// reservation. A non-empty idempotencyKey makes a repeated request fail with
// ErrDuplicateReservation instead of debiting twice.
func (s *Service) CheckAndReserve(ctx context.Context, acc Account, amount int64, idempotencyKey string) (Reservation, error) {
	res, balance, attempts, err := s.reserve(ctx, acc, amount, idempotencyKey)
	s.meter.OnReserve(ReserveEvent{
		AccountID:     acc.ID,
		Kind:          acc.Kind,
		ReservationID: res.ID,
		Amount:        amount,
		Balance:       balance,
		Attempts:      attempts,
		Error:         err,
	})
	return res, err
}

func (s *Service) reserve(ctx context.Context, acc Account, amount int64, idempotencyKey string) (Reservation, int64, int, error) {
	if amount <= 0 {
		return Reservation{}, 0, 0, ErrInvalidAmount
	}
	ledger, err := s.ledger(acc.Kind)
	if err != nil {
		return Reservation{}, 0, 0, err
	}

	id := uuid.NewString()
	if idempotencyKey != "" {
		id = reservationID(acc, idempotencyKey)
		existing, err := s.reservations[acc.Kind].Get(ctx, id)
		if err == nil {
			return existing, 0, 0, ErrDuplicateReservation
		}
		if !errors.Is(err, ErrReservationNotFound) {
			return Reservation{}, 0, 0, storageErr("get reservation", err)
		}
	}

	rec, attempts, err := s.update(ctx, ledger, acc, func(balance int64) (int64, error) {
		if balance < amount {
			return 0, ErrInsufficientQuota
		}
		return balance - amount, nil
	})
	if err != nil {
		return Reservation{}, rec.Balance, attempts, err
	}

	res := Reservation{
		ID:        id,
		AccountID: acc.ID,
		Kind:      acc.Kind,
		Amount:    amount,
		State:     StateReserved,
		CreatedAt: s.now(),
	}
	if err := s.reservations[acc.Kind].Insert(ctx, res); err != nil {
		// Put the debit back; the reservation never existed.
		if _, _, cerr := s.update(context.WithoutCancel(ctx), ledger, acc, credit(amount)); cerr != nil {
			return Reservation{}, rec.Balance, attempts, fmt.Errorf("%w (restoring debit: %v)", storageErr("insert reservation", err), cerr)
		}
		return Reservation{}, rec.Balance + amount, attempts, storageErr("insert reservation", err)
	}

	return res, rec.Balance, attempts, nil
}

// Commit marks a reservation Committed. Committing twice is a no-op.
func (s *Service) Commit(ctx context.Context, reservationID string) error {
	res, err := s.transition(ctx, reservationID, StateReserved, StateCommitted)
	if errors.Is(err, ErrStateConflict) {
		if res.State == StateCommitted {
			return nil
		}
		err = ErrReservationSettled
	}
	if err != nil {
		err = storageErr("commit", err)
	}
	s.meter.OnSettle(SettleEvent{
		ReservationID: reservationID,
		AccountID:     res.AccountID,
		Kind:          res.Kind,
		Amount:        res.Amount,
		Outcome:       OutcomeCommitted,
		Error:         err,
	})
	return err
}

// Refund marks a reservation Refunded and restores its amount. Refunding
// twice restores the amount once.
func (s *Service) Refund(ctx context.Context, reservationID string) error {
	return s.refund(ctx, reservationID, OutcomeRefunded)
}

func (s *Service) refund(ctx context.Context, reservationID string, outcome SettleOutcome) error {
	res, err := s.transition(ctx, reservationID, StateReserved, StateRefunded)
	if errors.Is(err, ErrStateConflict) {
		if res.State == StateRefunded {
			return nil
		}
		err = ErrReservationSettled
	}
	if err == nil {
		err = s.restore(ctx, res)
	} else {
		err = storageErr("refund", err)
	}
	s.meter.OnSettle(SettleEvent{
		ReservationID: reservationID,
		AccountID:     res.AccountID,
		Kind:          res.Kind,
		Amount:        res.Amount,
		Outcome:       outcome,
		Error:         err,
	})
	return err
}

// restore credits a refunded reservation back. If the credit cannot be
// written the reservation is reopened so a later sweep retries it.
func (s *Service) restore(ctx context.Context, res Reservation) error {
	ledger, err := s.ledger(res.Kind)
	if err == nil {
		_, _, err = s.update(ctx, ledger, Account{ID: res.AccountID, Kind: res.Kind}, credit(res.Amount))
	}
	if err == nil {
		return nil
	}
	if _, rerr := s.reservations[res.Kind].Transition(context.WithoutCancel(ctx), res.ID, StateRefunded, StateReserved, time.Time{}); rerr != nil {
		return fmt.Errorf("%w (reopening reservation: %v)", err, rerr)
	}
	return err
}

// Grant adds amount credits to the account.
func (s *Service) Grant(ctx context.Context, acc Account, amount int64) (QuotaRecord, error) {
	if amount <= 0 {
		return QuotaRecord{}, ErrInvalidAmount
	}
	ledger, err := s.ledger(acc.Kind)
	if err != nil {
		return QuotaRecord{}, err
	}
	rec, _, err := s.update(ctx, ledger, acc, credit(amount))
	return rec, err
}

// SweepAbandoned refunds reservations left Reserved for longer than olderThan
// and returns how many were refunded.
func (s *Service) SweepAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	swept := 0
	for _, store := range s.stores {
		n, err := s.sweepStore(ctx, store, cutoff)
		swept += n
		if err != nil {
			return swept, err
		}
	}
	return swept, nil
}

func (s *Service) sweepStore(ctx context.Context, store ReservationStore, cutoff time.Time) (int, error) {
	swept := 0
	for {
		stale, err := store.ListStale(ctx, cutoff, sweepBatch)
		if err != nil {
			return swept, storageErr("list stale", err)
		}

		progressed := false
		var firstErr error
		for _, res := range stale {
			if err := s.refund(ctx, res.ID, OutcomeSwept); err != nil {
				if !errors.Is(err, ErrReservationSettled) && firstErr == nil {
					firstErr = err
				}
				continue
			}
			swept++
			progressed = true
		}
		if firstErr != nil {
			return swept, firstErr
		}
		if len(stale) < sweepBatch || !progressed {
			return swept, nil
		}
	}
}

// transition applies a state change to the reservation in whichever store
// holds it.
func (s *Service) transition(ctx context.Context, id string, from, to ReservationState) (Reservation, error) {
	at := s.now()
	for _, store := range s.stores {
		res, err := store.Transition(ctx, id, from, to, at)
		if errors.Is(err, ErrReservationNotFound) {
			continue
		}
		return res, err
	}
	return Reservation{}, ErrReservationNotFound
}

// RunSweeper calls SweepAbandoned with the reservation timeout every interval
// until ctx is done. Errors are reported through onError if it is non-nil.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepAbandoned(ctx, s.timeout); err != nil && onError != nil && ctx.Err() == nil {
				onError(err)
			}
		}
	}
}

// update applies fn to the account balance through a compare-and-swap loop,
// retrying version conflicts up to maxRetries times. It returns the last
// observed record and the number of attempts.
func (s *Service) update(ctx context.Context, ledger LedgerStore, acc Account, fn func(balance int64) (int64, error)) (QuotaRecord, int, error) {
	var rec QuotaRecord
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		var err error
		rec, err = s.load(ctx, ledger, acc)
		if err != nil {
			return rec, attempt, err
		}

		next, err := fn(rec.Balance)
		if err != nil {
			return rec, attempt, err
		}

		updated, err := ledger.CompareAndSwap(ctx, acc.ID, rec.Version, next)
		if err == nil {
			return updated, attempt, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return rec, attempt, storageErr("compare and swap", err)
		}

		if attempt < s.maxRetries {
			if err := s.wait(ctx, attempt); err != nil {
				return rec, attempt, err
			}
		}
	}
	return rec, s.maxRetries, ErrContention
}

// wait sleeps for a jittered, linearly growing backoff.
func (s *Service) wait(ctx context.Context, attempt int) error {
	if s.backoff <= 0 {
		return ctx.Err()
	}
	d := s.backoff*time.Duration(attempt) + rand.N(s.backoff)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func credit(amount int64) func(int64) (int64, error) {
	return func(balance int64) (int64, error) { return balance + amount, nil }
}

func reservationID(acc Account, key string) string {
	return uuid.NewSHA1(reservationNamespace, []byte(string(acc.Kind)+"/"+acc.ID+"/"+key)).String()
}
