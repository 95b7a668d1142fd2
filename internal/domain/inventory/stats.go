package inventory

import (
	"sort"

	"github.com/medstock/medstock/internal/platform/clock"
)

// UnknownMedicineName labels ledger entries whose medicine has been removed.
const UnknownMedicineName = "unknown"

// UsageTotal is the dispensed quantity and number of dispenses of one medicine.
type UsageTotal struct {
	Quantity  int `json:"quantity"`
	Frequency int `json:"frequency"`
}

// MedicineUsage is one row of a per-date usage listing.
type MedicineUsage struct {
	MedicineID int    `json:"medicine_id"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	Frequency  int    `json:"frequency"`
}

// UsageRank is one row of a quantity ranking.
type UsageRank struct {
	MedicineID int     `json:"medicine_id"`
	Name       string  `json:"name"`
	Quantity   int     `json:"quantity"`
	Percentage float64 `json:"percentage"`
}

// FrequencyRank is one row of a dispense-count ranking.
type FrequencyRank struct {
	MedicineID int    `json:"medicine_id"`
	Name       string `json:"name"`
	Frequency  int    `json:"frequency"`
}

// DailySummary aggregates one calendar date.
type DailySummary struct {
	Date                 string  `json:"date"`
	Prescriptions        int     `json:"prescriptions"`
	TotalDosage          int     `json:"total_dosage"`
	AverageDosage        float64 `json:"average_dosage"`
	InboundOrders        int     `json:"inbound_orders"`
	OutboundOrders       int     `json:"outbound_orders"`
	AverageResponseHours float64 `json:"average_response_hours"`
}

// LedgerLine is one medicine's stock movement on a date.
type LedgerLine struct {
	MedicineID      int    `json:"medicine_id"`
	Name            string `json:"name"`
	PreviousBalance int    `json:"previous_balance"`
	Inbound         int    `json:"inbound"`
	Outbound        int    `json:"outbound"`
	CurrentBalance  int    `json:"current_balance"`
}

// Comparison puts the usage and frequency rankings of a window side by side.
type Comparison struct {
	Days      int             `json:"days"`
	Dates     []string        `json:"dates"`
	Usage     []UsageRank     `json:"usage"`
	Frequency []FrequencyRank `json:"frequency"`
}

// Aggregator derives read-only statistics from the registry, the pending
// inbound queue and the outbound ledger. It keeps no state of its own.
type Aggregator struct {
	reg    *Registry
	queue  *InboundQueue
	ledger *OutboundLedger
	clock  clock.Clock
}

func NewAggregator(reg *Registry, queue *InboundQueue, ledger *OutboundLedger, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.System{}
	}
	return &Aggregator{reg: reg, queue: queue, ledger: ledger, clock: clk}
}

// UsageByDate sums the ledger entries dispensed on date per medicine.
func (a *Aggregator) UsageByDate(date string) map[int]UsageTotal {
	out := make(map[int]UsageTotal)
	for o := range a.ledger.Traverse(OnDate(date)) {
		u := out[o.MedicineID]
		u.Quantity += o.Quantity
		u.Frequency++
		out[o.MedicineID] = u
	}
	return out
}

// MedicineUsage lists the usage of date, largest quantity first.
func (a *Aggregator) MedicineUsage(date string) []MedicineUsage {
	totals := a.UsageByDate(date)
	out := make([]MedicineUsage, 0, len(totals))
	for id, u := range totals {
		out = append(out, MedicineUsage{
			MedicineID: id,
			Name:       a.name(id),
			Quantity:   u.Quantity,
			Frequency:  u.Frequency,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Quantity != out[j].Quantity {
			return out[i].Quantity > out[j].Quantity
		}
		return out[i].MedicineID < out[j].MedicineID
	})
	return out
}

// MaxWindowDays bounds the number of dates a ranking or comparison covers.
const MaxWindowDays = 366

// ValidateWindow rejects a ranking window outside 1..MaxWindowDays.
func ValidateWindow(days int) error {
	if days <= 0 || days > MaxWindowDays {
		return invalidf("days must be between 1 and %d, got %d", MaxWindowDays, days)
	}
	return nil
}

// windowTotals sums usage over the last days calendar dates counted back
// from the clock, not from the ledger contents. days is capped at
// MaxWindowDays.
func (a *Aggregator) windowTotals(days int) map[int]UsageTotal {
	out := make(map[int]UsageTotal)
	if days > MaxWindowDays {
		days = MaxWindowDays
	}
	dates := clock.RecentDates(a.clock.Now(), days)
	if len(dates) == 0 {
		return out
	}
	in := make(map[string]bool, len(dates))
	for _, d := range dates {
		in[d] = true
	}
	for o := range a.ledger.Traverse(func(o OutboundOrder) bool { return in[o.Date] }) {
		u := out[o.MedicineID]
		u.Quantity += o.Quantity
		u.Frequency++
		out[o.MedicineID] = u
	}
	return out
}

// UsageRanking ranks medicines by dispensed quantity over the last days
// dates. Percentage is the share of the window total, 0 when nothing was
// dispensed. Ties are ordered by id.
func (a *Aggregator) UsageRanking(days int) []UsageRank {
	totals := a.windowTotals(days)
	sum := 0
	for _, u := range totals {
		sum += u.Quantity
	}
	out := make([]UsageRank, 0, len(totals))
	for id, u := range totals {
		pct := 0.0
		if sum > 0 {
			pct = float64(u.Quantity) / float64(sum) * 100
		}
		out = append(out, UsageRank{MedicineID: id, Name: a.name(id), Quantity: u.Quantity, Percentage: pct})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Quantity != out[j].Quantity {
			return out[i].Quantity > out[j].Quantity
		}
		return out[i].MedicineID < out[j].MedicineID
	})
	return out
}

// FrequencyRanking ranks medicines by number of dispenses over the last
// days dates.
func (a *Aggregator) FrequencyRanking(days int) []FrequencyRank {
	totals := a.windowTotals(days)
	out := make([]FrequencyRank, 0, len(totals))
	for id, u := range totals {
		out = append(out, FrequencyRank{MedicineID: id, Name: a.name(id), Frequency: u.Frequency})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].MedicineID < out[j].MedicineID
	})
	return out
}

// AverageResponseTime is the mean response time in hours of the records
// whose warning was cleared on date and has not re-entered since.
func (a *Aggregator) AverageResponseTime(date string) float64 {
	total, n := 0.0, 0
	for _, rec := range a.reg.records {
		if rec.IsWarning || rec.ResponseTime == nil || rec.WarningTime == nil {
			continue
		}
		if clock.Date(*rec.ResponseTime) != date {
			continue
		}
		total += ResponseHours(rec)
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// DailySummary collects the headline numbers of date. Inbound orders are
// counted from the pending queue only; processed orders are no longer held.
func (a *Aggregator) DailySummary(date string) DailySummary {
	s := DailySummary{Date: date}
	for o := range a.ledger.Traverse(OnDate(date)) {
		s.OutboundOrders++
		s.TotalDosage += o.Quantity
	}
	s.Prescriptions = s.OutboundOrders
	if s.Prescriptions > 0 {
		s.AverageDosage = float64(s.TotalDosage) / float64(s.Prescriptions)
	}
	for _, o := range a.queue.Snapshot() {
		if o.Date == date {
			s.InboundOrders++
		}
	}
	s.AverageResponseHours = a.AverageResponseTime(date)
	return s
}

// StockLedger reports every record's movement on date. The previous
// balance is reconstructed as current - inbound + outbound.
func (a *Aggregator) StockLedger(date string) []LedgerLine {
	inbound := make(map[int]int)
	for _, o := range a.queue.Snapshot() {
		if o.Date == date {
			inbound[o.MedicineID] += o.Quantity
		}
	}
	outbound := make(map[int]int)
	for o := range a.ledger.Traverse(OnDate(date)) {
		outbound[o.MedicineID] += o.Quantity
	}
	out := make([]LedgerLine, 0, a.reg.Len())
	for _, rec := range a.reg.records {
		in, ob := inbound[rec.ID], outbound[rec.ID]
		out = append(out, LedgerLine{
			MedicineID:      rec.ID,
			Name:            rec.Name,
			PreviousBalance: rec.Stock - in + ob,
			Inbound:         in,
			Outbound:        ob,
			CurrentBalance:  rec.Stock,
		})
	}
	return out
}

// CompareRecent returns both rankings over the last days dates.
func (a *Aggregator) CompareRecent(days int) Comparison {
	if days > MaxWindowDays {
		days = MaxWindowDays
	}
	dates := clock.RecentDates(a.clock.Now(), days)
	if dates == nil {
		dates = []string{}
	}
	return Comparison{
		Days:      days,
		Dates:     dates,
		Usage:     a.UsageRanking(days),
		Frequency: a.FrequencyRanking(days),
	}
}

func (a *Aggregator) name(id int) string {
	if rec := a.reg.Find(id); rec != nil {
		return rec.Name
	}
	return UnknownMedicineName
}
