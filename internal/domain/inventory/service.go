package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medstock/medstock/internal/platform/clock"
)

// EventSink observes committed service operations.
type EventSink interface {
	TransitionNotifier
	Replenished(o InboundOrder)
	Dispensed(o OutboundOrder)
	StateChanged(records []MedicineRecord, pendingInbound, ledgerSize int)
}

// Service exposes a Session to concurrent callers. Every operation holds a
// single lock, and every successful mutation is persisted before returning.
type Service struct {
	mu      sync.Mutex
	session *Session
	store   Store
	cfg     SessionConfig
	sinks   []EventSink
	logger  zerolog.Logger
}

// Open loads the stored snapshot into a new session.
func Open(ctx context.Context, store Store, cfg SessionConfig, sinks ...EventSink) (*Service, error) {
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load inventory: %w", err)
	}
	for _, sink := range sinks {
		cfg.Notifiers = append(cfg.Notifiers, sink)
	}
	sess, err := RestoreSession(cfg, snap)
	if err != nil {
		return nil, err
	}
	s := &Service{session: sess, store: store, cfg: cfg, sinks: sinks, logger: cfg.Logger}
	s.publishState()
	return s, nil
}

// NewService wraps an existing session without loading from store.
func NewService(sess *Session, store Store) *Service {
	return &Service{session: sess, store: store, logger: sess.logger}
}

func (s *Service) persist(ctx context.Context) error {
	if err := s.store.Save(ctx, s.session.Snapshot()); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist inventory")
		return fmt.Errorf("persist inventory: %w", err)
	}
	return nil
}

// errUnchanged tells commit that op left the session as it was.
var errUnchanged = errors.New("inventory unchanged")

// commit runs op against the session and persists the result. Warning
// transitions are held back until the save succeeds. If ctx is already done,
// op fails or the save fails, the session is put back as it was and no sink
// hears about the attempt, so the caller can safely retry.
func (s *Service) commit(ctx context.Context, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prev := s.session.Snapshot()
	s.session.engine.Hold()
	err := op()
	if errors.Is(err, errUnchanged) {
		s.session.engine.Release(true)
		return nil
	}
	if err == nil {
		err = s.persist(ctx)
	}
	if err != nil {
		s.session.engine.Release(false)
		s.rollback(prev)
		return err
	}
	s.session.engine.Release(true)
	s.publishState()
	return nil
}

// rollback rebuilds the session from prev.
func (s *Service) rollback(prev Snapshot) {
	sess, err := RestoreSession(s.sessionConfig(), prev)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to roll back inventory session")
		return
	}
	s.session = sess
}

// sessionConfig describes the current session so it can be rebuilt.
func (s *Service) sessionConfig() SessionConfig {
	cfg := s.cfg
	if cfg.Clock == nil {
		cfg.Clock = s.session.clock
	}
	if cfg.RegistryCapacity == 0 {
		cfg.RegistryCapacity = s.session.reg.Cap()
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = s.session.queue.Cap()
	}
	if cfg.Notifiers == nil {
		cfg.Notifiers = s.session.engine.notifiers
	}
	cfg.Logger = s.logger
	return cfg
}

func (s *Service) publishState() {
	if len(s.sinks) == 0 {
		return
	}
	recs := s.session.reg.All()
	for _, sink := range s.sinks {
		sink.StateChanged(recs, s.session.queue.Len(), s.session.ledger.Len())
	}
}

// -- Medicines --

func (s *Service) AddMedicine(ctx context.Context, rec MedicineRecord) (MedicineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out MedicineRecord
	err := s.commit(ctx, func() (err error) {
		out, err = s.session.AddMedicine(rec)
		return err
	})
	if err != nil {
		return MedicineRecord{}, err
	}
	return out, nil
}

func (s *Service) UpdateMedicine(ctx context.Context, id int, upd MedicineUpdate) (MedicineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out MedicineRecord
	err := s.commit(ctx, func() (err error) {
		out, err = s.session.UpdateMedicine(id, upd)
		return err
	})
	if err != nil {
		return MedicineRecord{}, err
	}
	return out, nil
}

func (s *Service) RemoveMedicine(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(ctx, func() error {
		return s.session.RemoveMedicine(id)
	})
}

func (s *Service) GetMedicine(id int) (MedicineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.reg.Get(id)
}

func (s *Service) ListMedicines() []MedicineRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.reg.All()
}

func (s *Service) SearchMedicines(keyword string) []MedicineRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.reg.Search(keyword)
}

// ImportMedicines adds every record in order and persists once. Records
// that fail are reported and skipped. When the save fails nothing is added.
func (s *Service) ImportMedicines(ctx context.Context, recs []MedicineRecord) (int, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	var errs []error
	err := s.commit(ctx, func() error {
		for _, rec := range recs {
			if _, err := s.session.AddMedicine(rec); err != nil {
				errs = append(errs, fmt.Errorf("medicine %d: %w", rec.ID, err))
				continue
			}
			added++
		}
		if added == 0 {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return 0, append(errs, err)
	}
	return added, errs
}

// -- Orders --

func (s *Service) Replenish(ctx context.Context, id, qty int, operator string) (InboundOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var o InboundOrder
	err := s.commit(ctx, func() (err error) {
		o, err = s.session.Replenish(id, qty, operator)
		return err
	})
	if err != nil {
		return InboundOrder{}, err
	}
	for _, sink := range s.sinks {
		sink.Replenished(o)
	}
	return o, nil
}

func (s *Service) PendingInbound() []InboundOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.queue.Snapshot()
}

func (s *Service) ProcessInbound(ctx context.Context) (DrainResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res DrainResult
	err := s.commit(ctx, func() error {
		res = s.session.ProcessInbound()
		return nil
	})
	if err != nil {
		return DrainResult{}, err
	}
	return res, nil
}

func (s *Service) Dispense(ctx context.Context, id, qty int, prescriptionNo, patient string) (OutboundOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var o OutboundOrder
	err := s.commit(ctx, func() (err error) {
		o, err = s.session.Dispense(id, qty, prescriptionNo, patient)
		return err
	})
	if err != nil {
		return OutboundOrder{}, err
	}
	for _, sink := range s.sinks {
		sink.Dispensed(o)
	}
	return o, nil
}

// Outbound returns the ledger newest first.
func (s *Service) Outbound() []OutboundOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.ledger.Orders()
}

func (s *Service) ProcessOutbound(ctx context.Context) (OutboundOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var o OutboundOrder
	err := s.commit(ctx, func() (err error) {
		o, err = s.session.ProcessOutbound()
		return err
	})
	if err != nil {
		return OutboundOrder{}, err
	}
	return o, nil
}

// -- Warnings --

func (s *Service) Warnings() []MedicineRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Warnings()
}

func (s *Service) CheckWarnings(ctx context.Context) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ts []Transition
	err := s.commit(ctx, func() error {
		ts = s.session.CheckWarnings()
		if len(ts) == 0 {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ts, nil
}

func (s *Service) RecomputeThreshold(ctx context.Context, id int) (MedicineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec MedicineRecord
	err := s.commit(ctx, func() (err error) {
		rec, err = s.session.RecomputeThreshold(id)
		return err
	})
	if err != nil {
		return MedicineRecord{}, err
	}
	return rec, nil
}

// RollOver runs the daily maintenance step. ran is false when it already
// ran today.
func (s *Service) RollOver(ctx context.Context) (ran bool, ts []Transition, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.commit(ctx, func() error {
		ran, ts = s.session.RollOver()
		if !ran {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return ran, ts, nil
}

// -- Statistics --

// Stats runs fn against the aggregator while holding the lock.
func (s *Service) Stats(fn func(a *Aggregator)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.session.stats)
}

// Now returns the current instant of the session clock.
func (s *Service) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.clock.Now()
}

// Today returns the current calendar date of the session clock.
func (s *Service) Today() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clock.Date(s.session.clock.Now())
}

// -- Snapshots --

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Snapshot()
}

// Restore replaces the whole session with snap and persists it. An
// invalid snapshot or a failed save leaves the current session in place.
func (s *Service) Restore(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	sess, err := RestoreSession(s.sessionConfig(), snap)
	if err != nil {
		return err
	}
	prev := s.session
	s.session = sess
	if err := s.persist(ctx); err != nil {
		s.session = prev
		return err
	}
	s.publishState()
	return nil
}

func (s *Service) Close() error {
	return s.store.Close()
}
