package inventory

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medstock/medstock/internal/platform/clock"
)

type failingStore struct {
	MemoryStore
	failSave bool
}

func (s *failingStore) Save(ctx context.Context, snap Snapshot) error {
	if s.failSave {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, snap)
}

type fakeSink struct {
	mu          sync.Mutex
	transitions []Transition
	replenished []InboundOrder
	dispensed   []OutboundOrder
	states      int
	lastPending int
}

func (f *fakeSink) NotifyTransition(t Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, t)
}

func (f *fakeSink) Replenished(o InboundOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replenished = append(f.replenished, o)
}

func (f *fakeSink) Dispensed(o OutboundOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispensed = append(f.dispensed, o)
}

func (f *fakeSink) StateChanged(_ []MedicineRecord, pending, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states++
	f.lastPending = pending
}

func testConfig() SessionConfig {
	return SessionConfig{
		RegistryCapacity: 10,
		QueueCapacity:    5,
		Clock:            clock.NewManual(testNow),
		Logger:           zerolog.Nop(),
	}
}

func newTestService(t *testing.T, sinks ...EventSink) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc, err := Open(context.Background(), store, testConfig(), sinks...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return svc, store
}

func TestService_PersistsAfterMutation(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.AddMedicine(ctx, newRecord(1, "Astragalus", 10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Dispense(ctx, 1, 3, "RX-1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Replenish(ctx, 1, 2, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, _ := store.Load(ctx)
	if len(snap.Records) != 1 || snap.Records[0].Stock != 9 {
		t.Fatalf("expected persisted stock 9, got %+v", snap.Records)
	}
	if len(snap.Inbound) != 1 || len(snap.Outbound) != 1 {
		t.Errorf("expected queue and ledger persisted, got %d/%d", len(snap.Inbound), len(snap.Outbound))
	}
}

func TestService_ReopenKeepsState(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	svc.AddMedicine(ctx, newRecord(1, "Astragalus", 10))
	svc.Dispense(ctx, 1, 3, "RX-1", "")

	reopened, err := Open(ctx, store, testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := reopened.GetMedicine(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Stock != 7 || got.UsageHistory[HistoryDays-1] != 3 {
		t.Errorf("expected stock 7 with usage 3, got %+v", got)
	}
	if len(reopened.Outbound()) != 1 {
		t.Errorf("expected ledger to survive reopen")
	}
}

func TestService_FailedOperationDoesNotPersist(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	svc.AddMedicine(ctx, newRecord(1, "Astragalus", 2))

	if _, err := svc.Dispense(ctx, 1, 5, "RX-1", ""); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	snap, _ := store.Load(ctx)
	if snap.Records[0].Stock != 2 || len(snap.Outbound) != 0 {
		t.Errorf("expected stored state unchanged, got %+v", snap)
	}
}

func TestService_SaveErrorIsReturned(t *testing.T) {
	store := &failingStore{}
	svc, err := Open(context.Background(), store, testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	store.failSave = true
	if _, err := svc.AddMedicine(context.Background(), newRecord(1, "Astragalus", 2)); err == nil {
		t.Error("expected persist error")
	}
	if len(svc.ListMedicines()) != 0 {
		t.Errorf("expected failed add to be rolled back, got %+v", svc.ListMedicines())
	}
}

func TestService_SaveErrorRollsBack(t *testing.T) {
	store := &failingStore{}
	sink := &fakeSink{}
	ctx := context.Background()
	svc, err := Open(ctx, store, testConfig(), sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := newRecord(1, "Astragalus", 10)
	rec.Threshold = 5
	if _, err := svc.AddMedicine(ctx, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Replenish(ctx, 1, 1, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	statesBefore := sink.states

	store.failSave = true
	for i := 0; i < 2; i++ {
		if _, err := svc.Dispense(ctx, 1, 8, "RX-1", ""); err == nil {
			t.Fatal("expected persist error")
		}
	}
	if _, err := svc.Replenish(ctx, 1, 3, "bob"); err == nil {
		t.Fatal("expected persist error")
	}
	if _, err := svc.ProcessInbound(ctx); err == nil {
		t.Fatal("expected persist error")
	}

	got, _ := svc.GetMedicine(1)
	if got.Stock != 11 || got.IsWarning || got.UsageHistory[HistoryDays-1] != 0 {
		t.Errorf("expected record untouched, got stock %d warning %v usage %v", got.Stock, got.IsWarning, got.UsageHistory)
	}
	if n := len(svc.Outbound()); n != 0 {
		t.Errorf("expected empty ledger, got %d", n)
	}
	if n := len(svc.PendingInbound()); n != 1 {
		t.Errorf("expected the one committed inbound order, got %d", n)
	}
	if len(sink.transitions) != 0 || len(sink.dispensed) != 0 || len(sink.replenished) != 1 || sink.states != statesBefore {
		t.Errorf("expected no events for failed operations, got %d transitions, %d dispensed, %d replenished, %d states",
			len(sink.transitions), len(sink.dispensed), len(sink.replenished), sink.states-statesBefore)
	}

	store.failSave = false
	if _, err := svc.Dispense(ctx, 1, 8, "RX-1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = svc.GetMedicine(1)
	if got.Stock != 3 || !got.IsWarning {
		t.Errorf("expected retry to apply once, got stock %d warning %v", got.Stock, got.IsWarning)
	}
	if len(sink.transitions) != 1 || len(sink.dispensed) != 1 {
		t.Errorf("expected one transition and one dispense event, got %d/%d", len(sink.transitions), len(sink.dispensed))
	}
}

func TestService_CanceledContextChangesNothing(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	if _, err := svc.AddMedicine(ctx, newRecord(1, "Astragalus", 10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := svc.Dispense(canceled, 1, 4, "RX-1", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	got, _ := svc.GetMedicine(1)
	if got.Stock != 10 || len(svc.Outbound()) != 0 {
		t.Errorf("expected no dispense, got stock %d ledger %d", got.Stock, len(svc.Outbound()))
	}
	snap, _ := store.Load(ctx)
	if len(snap.Outbound) != 0 {
		t.Errorf("expected nothing persisted, got %d ledger entries", len(snap.Outbound))
	}
}

func TestService_Sinks(t *testing.T) {
	sink := &fakeSink{}
	svc, _ := newTestService(t, sink)
	ctx := context.Background()

	rec := newRecord(1, "Astragalus", 5)
	rec.Threshold = 2
	svc.AddMedicine(ctx, rec)
	svc.Dispense(ctx, 1, 4, "RX-1", "")
	svc.Replenish(ctx, 1, 5, "alice")

	if len(sink.dispensed) != 1 || len(sink.replenished) != 1 {
		t.Errorf("expected one dispense and one replenish, got %d/%d", len(sink.dispensed), len(sink.replenished))
	}
	if len(sink.transitions) != 2 {
		t.Errorf("expected enter and clear transitions, got %+v", sink.transitions)
	}
	if sink.states < 3 || sink.lastPending != 1 {
		t.Errorf("expected state updates with 1 pending, got %d/%d", sink.states, sink.lastPending)
	}
}

func TestService_RollOver(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	svc.AddMedicine(ctx, newRecord(1, "Astragalus", 5))

	ran, _, err := svc.RollOver(ctx)
	if err != nil || !ran {
		t.Fatalf("expected rollover to run, got %v (%v)", ran, err)
	}
	ran, _, _ = svc.RollOver(ctx)
	if ran {
		t.Error("expected second rollover to be skipped")
	}
	snap, _ := store.Load(ctx)
	if snap.LastRollover != "2024-05-20" {
		t.Errorf("expected persisted rollover date, got %q", snap.LastRollover)
	}
}

func TestService_BackupRestore(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.AddMedicine(ctx, newRecord(1, "Astragalus", 5))
	svc.Dispense(ctx, 1, 2, "RX-1", "")

	var buf bytes.Buffer
	if err := EncodeSnapshot(&buf, svc.Snapshot()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	svc.RemoveMedicine(ctx, 1)
	if len(svc.ListMedicines()) != 0 {
		t.Fatal("expected medicine removed")
	}

	snap, err := DecodeSnapshot(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Restore(ctx, snap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := svc.GetMedicine(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Stock != 3 || len(svc.Outbound()) != 1 {
		t.Errorf("expected restored stock 3 and ledger, got %+v", got)
	}
}

func TestService_ImportMedicines(t *testing.T) {
	svc, _ := newTestService(t)
	added, errs := svc.ImportMedicines(context.Background(), []MedicineRecord{
		newRecord(2, "Licorice", 1),
		newRecord(1, "Astragalus", 1),
		newRecord(2, "Duplicate", 1),
	})
	if added != 2 {
		t.Errorf("expected 2 added, got %d", added)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrDuplicateID) {
		t.Errorf("expected one duplicate error, got %v", errs)
	}
}

func TestService_ConcurrentDispense(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.AddMedicine(ctx, newRecord(1, "Astragalus", 100))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Dispense(ctx, 1, 1, "RX", ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, _ := svc.GetMedicine(1)
	if succeeded != 100 || got.Stock != 0 {
		t.Errorf("expected exactly 100 dispenses down to 0, got %d and stock %d", succeeded, got.Stock)
	}
}

func TestLoadSaveRegistry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Save(ctx, Snapshot{Outbound: []OutboundOrder{{MedicineID: 1, Quantity: 1}}})

	reg := NewRegistry(5)
	reg.Insert(newRecord(3, "c", 1))
	reg.Insert(newRecord(1, "a", 1))
	clk := clock.NewManual(time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC))
	if err := SaveRegistry(ctx, store, reg, clk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, err := LoadRegistry(ctx, store, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ids(loaded.All()); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("expected [1 3], got %v", got)
	}
	snap, _ := store.Load(ctx)
	if len(snap.Outbound) != 1 {
		t.Errorf("expected ledger kept by SaveRegistry")
	}
	if !snap.SavedAt.Equal(clk.Now()) {
		t.Errorf("expected save stamped %v, got %v", clk.Now(), snap.SavedAt)
	}
}
