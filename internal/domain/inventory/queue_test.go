package inventory

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medstock/medstock/internal/platform/clock"
)

var testNow = time.Date(2024, 5, 20, 9, 0, 0, 0, time.Local)

func inbound(t *testing.T, id, qty int) InboundOrder {
	t.Helper()
	o, err := NewInboundOrder(id, qty, "alice", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return o
}

func TestInboundQueue_CapacityTwoScenario(t *testing.T) {
	q := NewInboundQueue(2)
	a, b, c := inbound(t, 1, 1), inbound(t, 2, 2), inbound(t, 3, 3)

	if err := q.Enqueue(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Enqueue(b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Enqueue(c); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	got, err := q.Dequeue()
	if err != nil || got.ID != a.ID {
		t.Fatalf("expected A first, got %v (%v)", got.MedicineID, err)
	}
	got, err = q.Dequeue()
	if err != nil || got.ID != b.ID {
		t.Fatalf("expected B second, got %v (%v)", got.MedicineID, err)
	}
	if _, err := q.Dequeue(); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestInboundQueue_FullLeavesCursors(t *testing.T) {
	q := NewInboundQueue(3)
	for i := 1; i <= 3; i++ {
		q.Enqueue(inbound(t, i, 1))
	}
	q.Dequeue()
	q.Enqueue(inbound(t, 4, 1))

	front, count, rear := q.front, q.count, q.rear()
	if err := q.Enqueue(inbound(t, 5, 1)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.front != front || q.count != count || q.rear() != rear {
		t.Errorf("cursors changed on failed enqueue: front %d->%d count %d->%d", front, q.front, count, q.count)
	}
}

func TestInboundQueue_FIFOAcrossWraparound(t *testing.T) {
	q := NewInboundQueue(3)
	next, expect := 1, 1
	for round := 0; round < 50; round++ {
		for q.Len() < 2 {
			if err := q.Enqueue(inbound(t, next, 1)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			next++
		}
		o, err := q.Dequeue()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if o.MedicineID != expect {
			t.Fatalf("expected order %d, got %d", expect, o.MedicineID)
		}
		expect++
		if q.count < 0 || q.count > q.Cap() {
			t.Fatalf("count %d out of range", q.count)
		}
		if q.rear() != (q.front+q.count)%q.Cap() {
			t.Fatalf("rear index out of sync with front and count")
		}
	}
}

func TestInboundQueue_Snapshot(t *testing.T) {
	q := NewInboundQueue(3)
	q.Enqueue(inbound(t, 1, 1))
	q.Enqueue(inbound(t, 2, 1))
	q.Dequeue()
	q.Enqueue(inbound(t, 3, 1))
	q.Enqueue(inbound(t, 4, 1))

	snap := q.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 pending orders, got %d", len(snap))
	}
	for i, want := range []int{2, 3, 4} {
		if snap[i].MedicineID != want {
			t.Errorf("snapshot[%d]: expected %d, got %d", i, want, snap[i].MedicineID)
		}
	}
	if q.Len() != 3 {
		t.Errorf("expected Snapshot not to consume, len %d", q.Len())
	}
}

func TestInboundQueue_DrainAndProcess(t *testing.T) {
	reg := NewRegistry(10)
	rec := newRecord(1, "Astragalus", 0)
	rec.Threshold = 1
	reg.Insert(rec)
	engine := NewWarningEngine(clock.NewManual(testNow), zerolog.Nop())

	q := NewInboundQueue(5)
	q.Enqueue(inbound(t, 1, 4))
	q.Enqueue(inbound(t, 99, 2))
	q.Enqueue(inbound(t, 1, 1))

	res := q.DrainAndProcess(reg, engine)
	if res.Processed != 2 {
		t.Errorf("expected 2 processed, got %d", res.Processed)
	}
	if len(res.Discarded) != 1 || res.Discarded[0].MedicineID != 99 {
		t.Errorf("expected order for 99 discarded, got %+v", res.Discarded)
	}
	if !q.Empty() {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
	got, _ := reg.Get(1)
	if got.Stock != 0 {
		t.Errorf("expected draining not to change stock, got %d", got.Stock)
	}
	if !got.IsWarning {
		t.Error("expected warning check to run for matched orders")
	}
}

func TestNewInboundOrder_Validation(t *testing.T) {
	cases := []struct {
		name     string
		id, qty  int
		operator string
	}{
		{"zero id", 0, 1, "alice"},
		{"zero quantity", 1, 0, "alice"},
		{"negative quantity", 1, -3, "alice"},
		{"empty operator", 1, 1, "  "},
		{"long operator", 1, 1, "abcdefghijklmnopqrst"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewInboundOrder(tc.id, tc.qty, tc.operator, testNow); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	o := inbound(t, 3, 7)
	if o.Date != "2024-05-20" {
		t.Errorf("expected date 2024-05-20, got %s", o.Date)
	}
}
