package creditgate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultOperationTimeout = 45 * time.Second
	defaultSettleTimeout    = 5 * time.Second
)

// Operation is the expensive call a Gate meters.
type Operation[T any] func(ctx context.Context) (T, error)

// Gate charges one credit per successful operation and refunds failed ones.
type Gate[T any] struct {
	quota         *Service
	timeout       time.Duration
	settleTimeout time.Duration
	meter         Meter
}

// GateOption configures a Gate.
type GateOption func(*gateOptions)

type gateOptions struct {
	timeout       time.Duration
	settleTimeout time.Duration
	meter         Meter
}

// WithOperationTimeout bounds how long the wrapped operation may run.
func WithOperationTimeout(d time.Duration) GateOption {
	return func(o *gateOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithSettleTimeout bounds the commit/refund call made after the operation.
func WithSettleTimeout(d time.Duration) GateOption {
	return func(o *gateOptions) {
		if d > 0 {
			o.settleTimeout = d
		}
	}
}

// WithGateMeter sets the meter that receives ExecuteEvents.
func WithGateMeter(m Meter) GateOption {
	return func(o *gateOptions) { o.meter = m }
}

// NewGate creates a Gate in front of operations returning T.
func NewGate[T any](quota *Service, opts ...GateOption) *Gate[T] {
	o := gateOptions{
		timeout:       defaultOperationTimeout,
		settleTimeout: defaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.meter == nil {
		o.meter = noopMeter{}
	}
	return &Gate[T]{
		quota:         quota,
		timeout:       o.timeout,
		settleTimeout: o.settleTimeout,
		meter:         o.meter,
	}
}

type opResult[T any] struct {
	val T
	err error
}

// Execute reserves one credit for acc, runs op and settles the reservation:
// committed when op succeeds, refunded when it fails, times out, panics or the
// caller goes away. op is not invoked when the account has no credits left.
func (g *Gate[T]) Execute(ctx context.Context, acc Account, idempotencyKey string, op Operation[T]) (T, error) {
	var zero T

	res, err := g.quota.CheckAndReserve(ctx, acc, 1, idempotencyKey)
	if err != nil {
		return zero, &GateError{Err: err, AccountID: acc.ID, Kind: acc.Kind, ReservationID: res.ID}
	}

	start := time.Now()
	val, opErr := g.run(ctx, op)
	duration := time.Since(start)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.settleTimeout)
	defer cancel()

	if opErr != nil {
		err := fmt.Errorf("%w: %w", ErrExternalOpFailed, opErr)
		if rerr := g.quota.Refund(settleCtx, res.ID); rerr != nil {
			// The sweep refunds it later.
			err = fmt.Errorf("%w (refund deferred: %v)", err, rerr)
		}
		g.meter.OnExecute(ExecuteEvent{
			AccountID:     acc.ID,
			Kind:          acc.Kind,
			ReservationID: res.ID,
			Duration:      duration,
			Error:         err,
		})
		return zero, &GateError{Err: err, AccountID: acc.ID, Kind: acc.Kind, ReservationID: res.ID}
	}

	if err := g.quota.Commit(settleCtx, res.ID); err != nil {
		g.meter.OnExecute(ExecuteEvent{
			AccountID:     acc.ID,
			Kind:          acc.Kind,
			ReservationID: res.ID,
			Duration:      duration,
			Error:         err,
		})
		return zero, &GateError{Err: err, AccountID: acc.ID, Kind: acc.Kind, ReservationID: res.ID}
	}

	g.meter.OnExecute(ExecuteEvent{
		AccountID:     acc.ID,
		Kind:          acc.Kind,
		ReservationID: res.ID,
		Success:       true,
		Duration:      duration,
	})
	return val, nil
}

// run invokes op in its own goroutine so a stuck operation cannot hold the
// reservation past the timeout.
func (g *Gate[T]) run(ctx context.Context, op Operation[T]) (T, error) {
	var zero T
	opCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan opResult[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- opResult[T]{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		val, err := op(opCtx)
		done <- opResult[T]{val: val, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && opCtx.Err() != nil {
			// Finished, but after the deadline or cancellation.
			return zero, opCtx.Err()
		}
		return r.val, r.err
	case <-opCtx.Done():
		err := opCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("operation timed out after %s: %w", g.timeout, err)
		}
		return zero, err
	}
}
