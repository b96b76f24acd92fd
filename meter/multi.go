package meter

import "github.com/ineyio/creditgate"

// Multi fans every event out to each meter in order.
type Multi []creditgate.Meter

var _ creditgate.Meter = Multi(nil)

func (m Multi) OnReserve(e creditgate.ReserveEvent) {
	for _, mt := range m {
		mt.OnReserve(e)
	}
}

func (m Multi) OnSettle(e creditgate.SettleEvent) {
	for _, mt := range m {
		mt.OnSettle(e)
	}
}

func (m Multi) OnExecute(e creditgate.ExecuteEvent) {
	for _, mt := range m {
		mt.OnExecute(e)
	}
}
