package meter

import "github.com/ineyio/creditgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ creditgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnReserve(creditgate.ReserveEvent) {}
func (m *NoopMeter) OnSettle(creditgate.SettleEvent)   {}
func (m *NoopMeter) OnExecute(creditgate.ExecuteEvent) {}
