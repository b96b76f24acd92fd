package meter

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/creditgate"
)

const (
	resultOK           = "ok"
	resultInsufficient = "insufficient"
	resultDuplicate    = "duplicate"
	resultContention   = "contention"
	resultError        = "error"
)

// ReserveResult maps a reservation error to a metric label.
func ReserveResult(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, creditgate.ErrInsufficientQuota):
		return resultInsufficient
	case errors.Is(err, creditgate.ErrDuplicateReservation):
		return resultDuplicate
	case errors.Is(err, creditgate.ErrContention):
		return resultContention
	default:
		return resultError
	}
}

// PromMeter records quota events as Prometheus metrics.
type PromMeter struct {
	// Reservations counts reservation attempts.
	// Labels: kind, result (ok, insufficient, duplicate, contention, error)
	Reservations *prometheus.CounterVec

	// Settlements counts commits and refunds.
	// Labels: kind, outcome (committed, refunded, swept, error)
	Settlements *prometheus.CounterVec

	// ExecuteDuration tracks how long gated operations take.
	// Labels: kind, result (success, failure)
	ExecuteDuration *prometheus.HistogramVec
}

var _ creditgate.Meter = (*PromMeter)(nil)

// NewPromMeter registers the creditgate metrics with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PromMeter{
		Reservations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "creditgate",
				Subsystem: "quota",
				Name:      "reservations_total",
				Help:      "Total number of reservation attempts by result",
			},
			[]string{"kind", "result"},
		),
		Settlements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "creditgate",
				Subsystem: "quota",
				Name:      "settlements_total",
				Help:      "Total number of settled reservations by outcome",
			},
			[]string{"kind", "outcome"},
		),
		ExecuteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "creditgate",
				Subsystem: "gate",
				Name:      "execute_duration_seconds",
				Help:      "Duration of gated operations in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
			},
			[]string{"kind", "result"},
		),
	}
}

func (m *PromMeter) OnReserve(e creditgate.ReserveEvent) {
	m.Reservations.WithLabelValues(string(e.Kind), ReserveResult(e.Error)).Inc()
}

func (m *PromMeter) OnSettle(e creditgate.SettleEvent) {
	outcome := string(e.Outcome)
	if e.Error != nil {
		outcome = resultError
	}
	m.Settlements.WithLabelValues(string(e.Kind), outcome).Inc()
}

func (m *PromMeter) OnExecute(e creditgate.ExecuteEvent) {
	result := "success"
	if !e.Success {
		result = "failure"
	}
	m.ExecuteDuration.WithLabelValues(string(e.Kind), result).Observe(e.Duration.Seconds())
}
