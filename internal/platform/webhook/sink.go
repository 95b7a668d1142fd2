package webhook

import (
	"github.com/medstock/medstock/internal/domain/inventory"
)

// Event types emitted by Sink.
const (
	EventWarningEntered = "warning.entered"
	EventWarningCleared = "warning.cleared"
	EventReplenished    = "order.replenished"
	EventDispensed      = "order.dispensed"
)

// Sink turns inventory events into queued webhook deliveries. Stock
// snapshots are not forwarded.
type Sink struct {
	m *Manager
}

func NewSink(m *Manager) *Sink {
	return &Sink{m: m}
}

func (s *Sink) NotifyTransition(t inventory.Transition) {
	s.enqueue("warning."+string(t.Kind), t.MedicineID, t)
}

func (s *Sink) Replenished(o inventory.InboundOrder) {
	s.enqueue(EventReplenished, o.MedicineID, o)
}

func (s *Sink) Dispensed(o inventory.OutboundOrder) {
	s.enqueue(EventDispensed, o.MedicineID, o)
}

func (s *Sink) StateChanged([]inventory.MedicineRecord, int, int) {}

func (s *Sink) enqueue(typ string, medicineID int, payload interface{}) {
	if len(s.m.subscribers(typ)) == 0 {
		return
	}
	ev, err := NewEvent(typ, medicineID, payload)
	if err != nil {
		s.m.logger.Error().Err(err).Msg("failed to build webhook event")
		return
	}
	s.m.Enqueue(ev)
}
