package webhook

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medstock/medstock/internal/domain/inventory"
	"github.com/medstock/medstock/internal/platform/clock"
)

func openService(t *testing.T, sinks ...inventory.EventSink) *inventory.Service {
	t.Helper()
	cfg := inventory.SessionConfig{
		RegistryCapacity: 10,
		QueueCapacity:    5,
		Clock:            clock.NewManual(time.Date(2024, 5, 20, 9, 0, 0, 0, time.Local)),
		Logger:           zerolog.Nop(),
	}
	svc, err := inventory.Open(context.Background(), inventory.NewMemoryStore(), cfg, sinks...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return svc
}

func TestSink_ForwardsWarningTransitions(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	defer srv.Close()

	m := newTestManager()
	m.Register(srv.URL, "k", []string{"warning.*"})
	svc := openService(t, NewSink(m))
	ctx := context.Background()

	rec := inventory.MedicineRecord{ID: 1, Name: "Astragalus", Origin: "Gansu", Spec: "500g", Stock: 10, Threshold: 5}
	if _, err := svc.AddMedicine(ctx, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Dispense(ctx, 1, 6, "RX-1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(runCtx)
	waitFor(t, func() bool { return rcv.count() == 1 })

	var ev Event
	rcv.mu.Lock()
	err := json.Unmarshal(rcv.bodies[0], &ev)
	rcv.mu.Unlock()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != EventWarningEntered || ev.MedicineID != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	var tr inventory.Transition
	if err := json.Unmarshal(ev.Payload, &tr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Stock != 4 || tr.Threshold != 5 {
		t.Errorf("unexpected transition payload: %+v", tr)
	}
}

func TestSink_SkipsUnsubscribed(t *testing.T) {
	m := newTestManager(WithQueueSize(4))
	m.Register("http://127.0.0.1:1/hook", "k", []string{"warning.*"})
	sink := NewSink(m)

	sink.Dispensed(inventory.OutboundOrder{MedicineID: 1, Quantity: 2})
	sink.Replenished(inventory.InboundOrder{MedicineID: 1, Quantity: 2})
	sink.StateChanged(nil, 0, 0)
	if len(m.queue) != 0 {
		t.Errorf("expected nothing queued, got %d", len(m.queue))
	}

	sink.NotifyTransition(inventory.Transition{MedicineID: 1, Kind: inventory.WarningCleared})
	if len(m.queue) != 1 {
		t.Errorf("expected the transition to be queued, got %d", len(m.queue))
	}
}
