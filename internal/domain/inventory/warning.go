package inventory

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/medstock/medstock/internal/platform/clock"
)

// thresholdRatio is the share of average daily usage kept as safety stock.
const thresholdRatio = 0.1

// TransitionKind names a change of warning state.
type TransitionKind string

const (
	WarningEntered TransitionKind = "entered"
	WarningCleared TransitionKind = "cleared"
)

// Transition describes one Normal<->Warning change of a record.
type Transition struct {
	MedicineID    int            `json:"medicine_id"`
	Name          string         `json:"name"`
	Kind          TransitionKind `json:"kind"`
	Stock         int            `json:"stock"`
	Threshold     int            `json:"threshold"`
	At            time.Time      `json:"at"`
	ResponseHours float64        `json:"response_hours,omitempty"`
}

// TransitionNotifier is told about every warning transition after it has
// been applied to the record.
type TransitionNotifier interface {
	NotifyTransition(t Transition)
}

// ThreeDayAverage is the mean of the non-zero entries among the last three
// days of the window, or 0 when all three are zero.
func ThreeDayAverage(window [HistoryDays]int) float64 {
	sum, n := 0, 0
	for _, v := range window[HistoryDays-3:] {
		if v != 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

// ComputeThreshold derives the warning threshold from the usage window,
// falling back to lastUsage when the last three days are empty. The result
// is never below 1.
func ComputeThreshold(window [HistoryDays]int, lastUsage int) int {
	base := ThreeDayAverage(window)
	if base == 0 {
		base = float64(lastUsage)
	}
	t := int(math.Round(base * thresholdRatio))
	if t < 1 {
		return 1
	}
	return t
}

// Evaluate applies at most one state transition to rec. Re-evaluating a
// record that is already in the right state changes nothing, timestamps
// included.
func Evaluate(rec *MedicineRecord, now time.Time) (Transition, bool) {
	switch {
	case !rec.IsWarning && rec.Stock < rec.Threshold:
		at := now
		rec.IsWarning = true
		rec.WarningTime = &at
		return Transition{
			MedicineID: rec.ID,
			Name:       rec.Name,
			Kind:       WarningEntered,
			Stock:      rec.Stock,
			Threshold:  rec.Threshold,
			At:         now,
		}, true
	case rec.IsWarning && rec.Stock >= rec.Threshold:
		at := now
		rec.IsWarning = false
		rec.ResponseTime = &at
		return Transition{
			MedicineID:    rec.ID,
			Name:          rec.Name,
			Kind:          WarningCleared,
			Stock:         rec.Stock,
			Threshold:     rec.Threshold,
			At:            now,
			ResponseHours: ResponseHours(*rec),
		}, true
	}
	return Transition{}, false
}

// ResponseHours is the time in hours from the start of the last warning to
// its clearing. It is 0 while the record is in Warning or was never warned.
func ResponseHours(rec MedicineRecord) float64 {
	if rec.IsWarning || rec.WarningTime == nil || rec.ResponseTime == nil {
		return 0
	}
	d := rec.ResponseTime.Sub(*rec.WarningTime)
	if d < 0 {
		return 0
	}
	return d.Hours()
}

// RecordUsage adds a dispensed quantity to today's slot. The first usage of
// the day also becomes LastUsage.
func RecordUsage(rec *MedicineRecord, qty int) {
	today := HistoryDays - 1
	if rec.UsageHistory[today] == 0 {
		rec.UsageHistory[today] = qty
		rec.LastUsage = qty
		return
	}
	rec.UsageHistory[today] += qty
}

// RollOver shifts the usage window days slots to the left, zero-filling the
// newest slots. Shifting HistoryDays or more clears the window.
func RollOver(rec *MedicineRecord, days int) {
	if days <= 0 {
		return
	}
	if days > HistoryDays {
		days = HistoryDays
	}
	copy(rec.UsageHistory[:], rec.UsageHistory[days:])
	for i := HistoryDays - days; i < HistoryDays; i++ {
		rec.UsageHistory[i] = 0
	}
}

// WarningEngine runs the warning state machine against registry records and
// reports transitions to the log and to any notifiers.
type WarningEngine struct {
	clock     clock.Clock
	logger    zerolog.Logger
	notifiers []TransitionNotifier
	held      []Transition
	holding   bool
}

func NewWarningEngine(clk clock.Clock, logger zerolog.Logger, notifiers ...TransitionNotifier) *WarningEngine {
	if clk == nil {
		clk = clock.System{}
	}
	return &WarningEngine{clock: clk, logger: logger, notifiers: notifiers}
}

// AddNotifier registers n for future transitions.
func (e *WarningEngine) AddNotifier(n TransitionNotifier) {
	e.notifiers = append(e.notifiers, n)
}

// Check evaluates one record using its stored threshold. It returns the
// transition that happened, or nil.
func (e *WarningEngine) Check(reg *Registry, id int) (*Transition, error) {
	rec := reg.Find(id)
	if rec == nil {
		return nil, notFound(id)
	}
	t, changed := Evaluate(rec, e.clock.Now())
	if !changed {
		return nil, nil
	}
	e.emit(t)
	return &t, nil
}

// CheckAll evaluates every record and returns the transitions in id order.
func (e *WarningEngine) CheckAll(reg *Registry) []Transition {
	now := e.clock.Now()
	out := make([]Transition, 0)
	reg.each(func(rec *MedicineRecord) {
		if t, changed := Evaluate(rec, now); changed {
			out = append(out, t)
		}
	})
	for _, t := range out {
		e.emit(t)
	}
	return out
}

// RecomputeThreshold derives a fresh threshold for one record from its
// usage window and then re-checks its warning state.
func (e *WarningEngine) RecomputeThreshold(reg *Registry, id int) (*Transition, error) {
	rec := reg.Find(id)
	if rec == nil {
		return nil, notFound(id)
	}
	rec.Threshold = ComputeThreshold(rec.UsageHistory, rec.LastUsage)
	return e.Check(reg, id)
}

// RollOverAll shifts every usage window by days, recomputes every threshold
// and re-checks all records.
func (e *WarningEngine) RollOverAll(reg *Registry, days int) []Transition {
	reg.each(func(rec *MedicineRecord) {
		RollOver(rec, days)
		rec.Threshold = ComputeThreshold(rec.UsageHistory, rec.LastUsage)
	})
	return e.CheckAll(reg)
}

// Hold defers transition logging and notification until Release. Holds do
// not nest.
func (e *WarningEngine) Hold() {
	e.holding = true
	e.held = e.held[:0]
}

// Release ends a Hold. With deliver set the held transitions are logged and
// notified in order; otherwise they are dropped.
func (e *WarningEngine) Release(deliver bool) {
	held := e.held
	e.holding = false
	e.held = nil
	if !deliver {
		return
	}
	for _, t := range held {
		e.deliver(t)
	}
}

func (e *WarningEngine) emit(t Transition) {
	if e.holding {
		e.held = append(e.held, t)
		return
	}
	e.deliver(t)
}

func (e *WarningEngine) deliver(t Transition) {
	switch t.Kind {
	case WarningEntered:
		e.logger.Warn().
			Int("medicine_id", t.MedicineID).
			Str("name", t.Name).
			Int("stock", t.Stock).
			Int("threshold", t.Threshold).
			Msg("stock below threshold")
	case WarningCleared:
		e.logger.Info().
			Int("medicine_id", t.MedicineID).
			Str("name", t.Name).
			Int("stock", t.Stock).
			Int("threshold", t.Threshold).
			Float64("response_hours", t.ResponseHours).
			Msg("stock warning cleared")
	}
	for _, n := range e.notifiers {
		n.NotifyTransition(t)
	}
}
