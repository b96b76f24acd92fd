package creditgate

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInsufficientQuota    = errors.New("creditgate: insufficient quota")
	ErrVersionConflict      = errors.New("creditgate: version conflict")
	ErrContention           = errors.New("creditgate: too much contention, try again")
	ErrExternalOpFailed     = errors.New("creditgate: external operation failed")
	ErrNotFound             = errors.New("creditgate: account not found")
	ErrStorageUnavailable   = errors.New("creditgate: ledger storage unavailable")
	ErrNegativeBalance      = errors.New("creditgate: balance cannot be negative")
	ErrInvalidAmount        = errors.New("creditgate: amount must be positive")
	ErrUnknownKind          = errors.New("creditgate: unknown account kind")
	ErrReservationNotFound  = errors.New("creditgate: reservation not found")
	ErrDuplicateReservation = errors.New("creditgate: duplicate reservation")
	ErrStateConflict        = errors.New("creditgate: reservation state conflict")
	ErrReservationSettled   = errors.New("creditgate: reservation already settled")
	ErrUnauthenticated      = errors.New("creditgate: invalid credentials")
)

// GateError wraps an error with the account and reservation it concerns.
type GateError struct {
	Err           error
	AccountID     string
	Kind          AccountKind
	ReservationID string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("creditgate: account=%s kind=%s reservation=%s: %v",
		e.AccountID, e.Kind, e.ReservationID, e.Err)
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the caller may retry the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention) || errors.Is(err, ErrStorageUnavailable)
}

// isStoreSentinel reports errors a store returns as part of its contract,
// as opposed to transport or backend failures.
func isStoreSentinel(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrNegativeBalance) ||
		errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrDuplicateReservation) ||
		errors.Is(err, ErrStateConflict)
}

// storageErr marks a backend failure as ErrStorageUnavailable.
func storageErr(op string, err error) error {
	if err == nil || isStoreSentinel(err) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("creditgate: %s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
