package inventory

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/medstock/medstock/internal/platform/clock"
)

// SessionConfig configures a new Session.
type SessionConfig struct {
	RegistryCapacity int
	QueueCapacity    int
	Clock            clock.Clock
	Logger           zerolog.Logger
	Notifiers        []TransitionNotifier
}

// Session owns one registry together with its inbound queue, outbound
// ledger and warning engine. It is not safe for concurrent use; Service
// adds the locking.
type Session struct {
	reg          *Registry
	queue        *InboundQueue
	ledger       *OutboundLedger
	engine       *WarningEngine
	stats        *Aggregator
	clock        clock.Clock
	logger       zerolog.Logger
	lastRollover string
}

func NewSession(cfg SessionConfig) *Session {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	reg := NewRegistry(cfg.RegistryCapacity)
	queue := NewInboundQueue(cfg.QueueCapacity)
	ledger := NewOutboundLedger()
	return &Session{
		reg:    reg,
		queue:  queue,
		ledger: ledger,
		engine: NewWarningEngine(clk, cfg.Logger, cfg.Notifiers...),
		stats:  NewAggregator(reg, queue, ledger, clk),
		clock:  clk,
		logger: cfg.Logger,
	}
}

// RestoreSession builds a session from a persisted snapshot. Records are
// inserted in order, so a snapshot exceeding the configured capacities is
// rejected.
func RestoreSession(cfg SessionConfig, snap Snapshot) (*Session, error) {
	s := NewSession(cfg)
	for _, rec := range snap.Records {
		if err := s.reg.Insert(rec); err != nil {
			return nil, fmt.Errorf("restore medicine %d: %w", rec.ID, err)
		}
	}
	for _, o := range snap.Inbound {
		if err := s.queue.Enqueue(o); err != nil {
			return nil, fmt.Errorf("restore inbound order %s: %w", o.ID, err)
		}
	}
	s.ledger = restoreLedger(snap.Outbound)
	s.stats = NewAggregator(s.reg, s.queue, s.ledger, s.clock)
	s.lastRollover = snap.LastRollover
	return s, nil
}

// Snapshot captures the full session state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Records:      s.reg.All(),
		Inbound:      s.queue.Snapshot(),
		Outbound:     s.ledger.Orders(),
		LastRollover: s.lastRollover,
		SavedAt:      s.clock.Now(),
	}
}

func (s *Session) Registry() *Registry { return s.reg }
func (s *Session) Queue() *InboundQueue { return s.queue }
func (s *Session) Ledger() *OutboundLedger { return s.ledger }
func (s *Session) Engine() *WarningEngine { return s.engine }
func (s *Session) Stats() *Aggregator { return s.stats }
func (s *Session) Clock() clock.Clock { return s.clock }
func (s *Session) LastRollover() string { return s.lastRollover }

// AddMedicine inserts a new record in the Normal state and checks it
// against its threshold.
func (s *Session) AddMedicine(rec MedicineRecord) (MedicineRecord, error) {
	rec.IsWarning = false
	rec.WarningTime = nil
	rec.ResponseTime = nil
	if err := s.reg.Insert(rec); err != nil {
		return MedicineRecord{}, err
	}
	if _, err := s.engine.Check(s.reg, rec.ID); err != nil {
		return MedicineRecord{}, err
	}
	return s.reg.Get(rec.ID)
}

// UpdateMedicine merges upd into the record. Changing stock or threshold
// re-runs the warning check.
func (s *Session) UpdateMedicine(id int, upd MedicineUpdate) (MedicineRecord, error) {
	cur, err := s.reg.Get(id)
	if err != nil {
		return MedicineRecord{}, err
	}
	next := upd.apply(cur)
	if err := next.Validate(); err != nil {
		return MedicineRecord{}, err
	}
	if err := s.reg.replace(next); err != nil {
		return MedicineRecord{}, err
	}
	if upd.Stock != nil || upd.Threshold != nil {
		if _, err := s.engine.Check(s.reg, id); err != nil {
			return MedicineRecord{}, err
		}
	}
	return s.reg.Get(id)
}

func (s *Session) RemoveMedicine(id int) error {
	return s.reg.Delete(id)
}

// Warnings returns the records currently in the Warning state.
func (s *Session) Warnings() []MedicineRecord {
	out := make([]MedicineRecord, 0)
	for _, rec := range s.reg.records {
		if rec.IsWarning {
			out = append(out, rec)
		}
	}
	return out
}

// Replenish raises stock immediately and queues the order for later
// reconciliation. A full queue is reported before anything changes.
func (s *Session) Replenish(id, qty int, operator string) (InboundOrder, error) {
	order, err := NewInboundOrder(id, qty, operator, s.clock.Now())
	if err != nil {
		return InboundOrder{}, err
	}
	if s.reg.Find(id) == nil {
		return InboundOrder{}, notFound(id)
	}
	if s.queue.Full() {
		return InboundOrder{}, fmt.Errorf("%w: capacity %d", ErrQueueFull, s.queue.Cap())
	}
	if err := s.reg.AdjustStock(id, qty); err != nil {
		return InboundOrder{}, err
	}
	if err := s.queue.Enqueue(order); err != nil {
		_ = s.reg.AdjustStock(id, -qty)
		return InboundOrder{}, err
	}
	if _, err := s.engine.Check(s.reg, id); err != nil {
		return InboundOrder{}, err
	}
	return order, nil
}

// ProcessInbound drains the inbound queue. Orders for medicines that no
// longer exist are logged and dropped.
func (s *Session) ProcessInbound() DrainResult {
	res := s.queue.DrainAndProcess(s.reg, s.engine)
	for _, o := range res.Applied {
		s.logger.Info().
			Str("order_id", o.ID.String()).
			Int("medicine_id", o.MedicineID).
			Int("quantity", o.Quantity).
			Str("operator", o.Operator).
			Msg("inbound order processed")
	}
	for _, o := range res.Discarded {
		s.logger.Warn().
			Str("order_id", o.ID.String()).
			Int("medicine_id", o.MedicineID).
			Int("quantity", o.Quantity).
			Msg("inbound order discarded: medicine not found")
	}
	return res
}

// Dispense lowers stock, records usage and pushes the order onto the
// ledger. Insufficient stock leaves everything untouched.
func (s *Session) Dispense(id, qty int, prescriptionNo, patient string) (OutboundOrder, error) {
	order, err := NewOutboundOrder(id, qty, prescriptionNo, patient, s.clock.Now())
	if err != nil {
		return OutboundOrder{}, err
	}
	if err := s.reg.AdjustStock(id, -qty); err != nil {
		return OutboundOrder{}, err
	}
	RecordUsage(s.reg.Find(id), qty)
	s.ledger.Push(order)
	if _, err := s.engine.Check(s.reg, id); err != nil {
		return OutboundOrder{}, err
	}
	return order, nil
}

// ProcessOutbound removes the most recent ledger entry.
func (s *Session) ProcessOutbound() (OutboundOrder, error) {
	return s.ledger.Pop()
}

func (s *Session) CheckWarnings() []Transition {
	return s.engine.CheckAll(s.reg)
}

// RecomputeThreshold refreshes one record's threshold from its usage window.
func (s *Session) RecomputeThreshold(id int) (MedicineRecord, error) {
	if _, err := s.engine.RecomputeThreshold(s.reg, id); err != nil {
		return MedicineRecord{}, err
	}
	return s.reg.Get(id)
}

// RollOver runs the daily maintenance step: every usage window shifts by the
// calendar days elapsed since the last rollover, thresholds are recomputed
// and warnings re-checked. It runs at most once per calendar date; later
// calls on the same date, or on an earlier one, report false.
func (s *Session) RollOver() (bool, []Transition) {
	today := clock.Date(s.clock.Now())
	days := 1
	if s.lastRollover != "" {
		n, err := clock.DaysBetween(s.lastRollover, today)
		if err != nil {
			s.logger.Warn().Err(err).Str("last_rollover", s.lastRollover).Msg("unreadable last rollover date, shifting one day")
			n = 1
		}
		days = n
	}
	if days <= 0 {
		return false, nil
	}
	ts := s.engine.RollOverAll(s.reg, days)
	s.lastRollover = today
	s.logger.Info().Str("date", today).Int("days", days).Int("medicines", s.reg.Len()).Msg("usage window rolled over")
	return true, ts
}
