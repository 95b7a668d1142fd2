package inventory

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/medstock/medstock/internal/platform/websocket"
)

// Topics published by BroadcastSink.
const (
	TopicWarnings = "warnings"
	TopicOrders   = "orders"
	TopicStock    = "stock"
)

// StockSummary is the payload of a stock.changed event.
type StockSummary struct {
	Medicines      int `json:"medicines"`
	Warnings       int `json:"warnings"`
	PendingInbound int `json:"pending_inbound"`
	LedgerSize     int `json:"ledger_size"`
}

// BroadcastSink forwards service events to a websocket publisher.
type BroadcastSink struct {
	pub    websocket.EventPublisher
	logger zerolog.Logger
}

func NewBroadcastSink(pub websocket.EventPublisher, logger zerolog.Logger) *BroadcastSink {
	return &BroadcastSink{pub: pub, logger: logger}
}

func (b *BroadcastSink) NotifyTransition(t Transition) {
	b.publish(TopicWarnings, "warning."+string(t.Kind), t.MedicineID, t)
}

func (b *BroadcastSink) Replenished(o InboundOrder) {
	b.publish(TopicOrders, "order.replenished", o.MedicineID, o)
}

func (b *BroadcastSink) Dispensed(o OutboundOrder) {
	b.publish(TopicOrders, "order.dispensed", o.MedicineID, o)
}

func (b *BroadcastSink) StateChanged(records []MedicineRecord, pendingInbound, ledgerSize int) {
	sum := StockSummary{Medicines: len(records), PendingInbound: pendingInbound, LedgerSize: ledgerSize}
	for _, r := range records {
		if r.IsWarning {
			sum.Warnings++
		}
	}
	b.publish(TopicStock, "stock.changed", 0, sum)
}

func (b *BroadcastSink) publish(topic, typ string, medicineID int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error().Err(err).Str("type", typ).Msg("failed to encode event")
		return
	}
	ev := websocket.Event{Type: typ, Topic: topic, MedicineID: medicineID, Data: data}
	if err := b.pub.Publish(context.Background(), ev); err != nil {
		b.logger.Warn().Err(err).Str("type", typ).Msg("failed to publish event")
	}
}
