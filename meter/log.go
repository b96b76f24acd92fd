package meter

import (
	"go.uber.org/zap"

	"github.com/ineyio/creditgate"
)

// LogMeter logs quota events using zap.
type LogMeter struct {
	Logger *zap.Logger
}

var _ creditgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, zap.L() is used.
func NewLogMeter(logger *zap.Logger) *LogMeter {
	if logger == nil {
		logger = zap.L()
	}
	return &LogMeter{Logger: logger.Named("quota")}
}

func (m *LogMeter) OnReserve(e creditgate.ReserveEvent) {
	fields := []zap.Field{
		zap.String("account", e.AccountID),
		zap.String("kind", string(e.Kind)),
		zap.String("reservation", e.ReservationID),
		zap.Int64("amount", e.Amount),
		zap.Int64("balance", e.Balance),
		zap.Int("attempts", e.Attempts),
	}
	switch ReserveResult(e.Error) {
	case resultOK:
		m.Logger.Debug("reserve", fields...)
	case resultInsufficient, resultDuplicate:
		m.Logger.Info("reserve_rejected", append(fields, zap.Error(e.Error))...)
	default:
		m.Logger.Warn("reserve_error", append(fields, zap.Error(e.Error))...)
	}
}

func (m *LogMeter) OnSettle(e creditgate.SettleEvent) {
	fields := []zap.Field{
		zap.String("reservation", e.ReservationID),
		zap.String("account", e.AccountID),
		zap.String("kind", string(e.Kind)),
		zap.Int64("amount", e.Amount),
		zap.String("outcome", string(e.Outcome)),
	}
	if e.Error != nil {
		m.Logger.Warn("settle_error", append(fields, zap.Error(e.Error))...)
		return
	}
	if e.Outcome == creditgate.OutcomeSwept {
		m.Logger.Info("settle", fields...)
		return
	}
	m.Logger.Debug("settle", fields...)
}

func (m *LogMeter) OnExecute(e creditgate.ExecuteEvent) {
	fields := []zap.Field{
		zap.String("account", e.AccountID),
		zap.String("kind", string(e.Kind)),
		zap.String("reservation", e.ReservationID),
		zap.Duration("duration", e.Duration),
	}
	if e.Success {
		m.Logger.Info("execute", fields...)
	} else {
		m.Logger.Warn("execute_error", append(fields, zap.Error(e.Error))...)
	}
}
