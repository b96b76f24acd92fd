package creditgate

import "time"

// Meter observes quota events for monitoring/logging.
type Meter interface {
	// OnReserve is called after every CheckAndReserve attempt.
	OnReserve(event ReserveEvent)

	// OnSettle is called when a reservation is committed or refunded.
	OnSettle(event SettleEvent)

	// OnExecute is called when a gated operation finishes.
	OnExecute(event ExecuteEvent)
}

// ReserveEvent describes a reservation attempt.
type ReserveEvent struct {
	AccountID     string
	Kind          AccountKind
	ReservationID string
	Amount        int64
	Balance       int64 // balance after the debit, or the observed balance on failure
	Attempts      int
	Error         error
}

// SettleOutcome names how a reservation was resolved.
type SettleOutcome string

const (
	OutcomeCommitted SettleOutcome = "committed"
	OutcomeRefunded  SettleOutcome = "refunded"
	OutcomeSwept     SettleOutcome = "swept"
)

// SettleEvent describes a commit or refund.
type SettleEvent struct {
	ReservationID string
	AccountID     string
	Kind          AccountKind
	Amount        int64
	Outcome       SettleOutcome
	Error         error
}

// ExecuteEvent describes the outcome of a gated operation.
type ExecuteEvent struct {
	AccountID     string
	Kind          AccountKind
	ReservationID string
	Success       bool
	Duration      time.Duration
	Error         error
}

type noopMeter struct{}

func (noopMeter) OnReserve(ReserveEvent) {}
func (noopMeter) OnSettle(SettleEvent)   {}
func (noopMeter) OnExecute(ExecuteEvent) {}
