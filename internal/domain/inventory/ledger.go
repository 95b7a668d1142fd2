package inventory

import "iter"

type ledgerNode struct {
	order OutboundOrder
	next  *ledgerNode
}

// OutboundLedger is an unbounded stack of dispensing events, newest on top.
type OutboundLedger struct {
	top  *ledgerNode
	size int
}

func NewOutboundLedger() *OutboundLedger {
	return &OutboundLedger{}
}

func (l *OutboundLedger) Len() int { return l.size }

// Push links o as the new top.
func (l *OutboundLedger) Push(o OutboundOrder) {
	l.top = &ledgerNode{order: o, next: l.top}
	l.size++
}

// Pop detaches and returns the most recent order.
func (l *OutboundLedger) Pop() (OutboundOrder, error) {
	if l.top == nil {
		return OutboundOrder{}, ErrLedgerEmpty
	}
	n := l.top
	l.top = n.next
	n.next = nil
	l.size--
	return n.order, nil
}

// Peek returns the most recent order without removing it.
func (l *OutboundLedger) Peek() (OutboundOrder, error) {
	if l.top == nil {
		return OutboundOrder{}, ErrLedgerEmpty
	}
	return l.top.order, nil
}

// Traverse yields the orders matching keep, newest first. A nil keep yields
// every order. The sequence may be ranged over any number of times.
func (l *OutboundLedger) Traverse(keep func(OutboundOrder) bool) iter.Seq[OutboundOrder] {
	return func(yield func(OutboundOrder) bool) {
		for n := l.top; n != nil; n = n.next {
			if keep != nil && !keep(n.order) {
				continue
			}
			if !yield(n.order) {
				return
			}
		}
	}
}

// Orders returns every order newest first.
func (l *OutboundLedger) Orders() []OutboundOrder {
	out := make([]OutboundOrder, 0, l.size)
	for o := range l.Traverse(nil) {
		out = append(out, o)
	}
	return out
}

// OnDate matches orders dispensed on the given calendar date.
func OnDate(date string) func(OutboundOrder) bool {
	return func(o OutboundOrder) bool { return o.Date == date }
}

// ForMedicine matches orders for one medicine.
func ForMedicine(id int) func(OutboundOrder) bool {
	return func(o OutboundOrder) bool { return o.MedicineID == id }
}

// restoreLedger rebuilds a ledger from orders listed newest first.
func restoreLedger(newestFirst []OutboundOrder) *OutboundLedger {
	l := NewOutboundLedger()
	for i := len(newestFirst) - 1; i >= 0; i-- {
		l.Push(newestFirst[i])
	}
	return l
}
