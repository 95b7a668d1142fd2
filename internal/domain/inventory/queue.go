package inventory

import "fmt"

// InboundQueue is a fixed-capacity ring buffer of pending replenishments.
// rear is always (front+count) mod capacity.
type InboundQueue struct {
	buf   []InboundOrder
	front int
	count int
}

// NewInboundQueue returns an empty queue. capacity <= 0 selects
// DefaultQueueCapacity.
func NewInboundQueue(capacity int) *InboundQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &InboundQueue{buf: make([]InboundOrder, capacity)}
}

func (q *InboundQueue) Len() int { return q.count }
func (q *InboundQueue) Cap() int { return len(q.buf) }
func (q *InboundQueue) Full() bool { return q.count == len(q.buf) }
func (q *InboundQueue) Empty() bool { return q.count == 0 }

func (q *InboundQueue) rear() int { return (q.front + q.count) % len(q.buf) }

// Enqueue appends o at the rear. It never blocks; a full queue is reported
// as ErrQueueFull with the cursors unchanged.
func (q *InboundQueue) Enqueue(o InboundOrder) error {
	if q.Full() {
		return fmt.Errorf("%w: capacity %d", ErrQueueFull, len(q.buf))
	}
	q.buf[q.rear()] = o
	q.count++
	return nil
}

// Dequeue removes and returns the oldest order.
func (q *InboundQueue) Dequeue() (InboundOrder, error) {
	if q.Empty() {
		return InboundOrder{}, ErrQueueEmpty
	}
	o := q.buf[q.front]
	q.buf[q.front] = InboundOrder{}
	q.front = (q.front + 1) % len(q.buf)
	q.count--
	return o, nil
}

// Snapshot returns the pending orders oldest first without consuming them.
func (q *InboundQueue) Snapshot() []InboundOrder {
	out := make([]InboundOrder, 0, q.count)
	for i := 0; i < q.count; i++ {
		out = append(out, q.buf[(q.front+i)%len(q.buf)])
	}
	return out
}

// DrainResult reports the outcome of draining the queue.
type DrainResult struct {
	Processed int            `json:"processed"`
	Applied   []InboundOrder `json:"applied"`
	Discarded []InboundOrder `json:"discarded"`
}

// DrainAndProcess dequeues every pending order. Stock was already applied
// when the order was submitted, so a matched order only triggers a warning
// check and is returned in Applied. Orders whose medicine no longer exists
// are discarded and returned in Discarded.
func (q *InboundQueue) DrainAndProcess(reg *Registry, engine *WarningEngine) DrainResult {
	res := DrainResult{Applied: make([]InboundOrder, 0), Discarded: make([]InboundOrder, 0)}
	for !q.Empty() {
		o, _ := q.Dequeue()
		if reg.Find(o.MedicineID) == nil {
			res.Discarded = append(res.Discarded, o)
			continue
		}
		if engine != nil {
			engine.Check(reg, o.MedicineID)
		}
		res.Applied = append(res.Applied, o)
		res.Processed++
	}
	return res
}
