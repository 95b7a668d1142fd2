// Package reporting renders inventory statistics as aligned text tables for
// the command line and the /reports endpoints.
package reporting

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/medstock/medstock/internal/domain/inventory"
	"github.com/medstock/medstock/internal/platform/clock"
)

// ReportDefinition describes one available report.
type ReportDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Parameters  []string `json:"parameters"`
}

// PredefinedReports is the list of reports served under /reports.
var PredefinedReports = []ReportDefinition{
	{
		ID:          "daily",
		Name:        "Daily Summary",
		Description: "Prescriptions, dosage, order counts and average warning response time for one date",
		Parameters:  []string{"date"},
	},
	{
		ID:          "usage",
		Name:        "Usage Ranking",
		Description: "Medicines ranked by dispensed quantity over the last days, with their share of the total",
		Parameters:  []string{"days"},
	},
	{
		ID:          "frequency",
		Name:        "Frequency Ranking",
		Description: "Medicines ranked by number of dispenses over the last days",
		Parameters:  []string{"days"},
	},
	{
		ID:          "ledger",
		Name:        "Stock Ledger",
		Description: "Previous balance, inbound, outbound and current balance of every medicine for one date",
		Parameters:  []string{"date"},
	},
	{
		ID:          "warnings",
		Name:        "Warning List",
		Description: "Medicines currently below their warning threshold",
		Parameters:  []string{},
	},
}

// FindReport looks up a report by ID.
func FindReport(id string) *ReportDefinition {
	for i := range PredefinedReports {
		if PredefinedReports[i].ID == id {
			return &PredefinedReports[i]
		}
	}
	return nil
}

// Percent formats a percentage with two decimal places.
func Percent(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2) + "%"
}

// Fixed formats v with two decimal places.
func Fixed(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// WriteDailySummary renders one day's headline numbers.
func WriteDailySummary(w io.Writer, s inventory.DailySummary) error {
	tw := newTable(w)
	fmt.Fprintf(tw, "Date\t%s\n", s.Date)
	fmt.Fprintf(tw, "Prescriptions\t%d\n", s.Prescriptions)
	fmt.Fprintf(tw, "Total dosage\t%d\n", s.TotalDosage)
	fmt.Fprintf(tw, "Average dosage\t%s\n", Fixed(s.AverageDosage))
	fmt.Fprintf(tw, "Inbound orders\t%d\n", s.InboundOrders)
	fmt.Fprintf(tw, "Outbound orders\t%d\n", s.OutboundOrders)
	fmt.Fprintf(tw, "Average response (h)\t%s\n", Fixed(s.AverageResponseHours))
	return tw.Flush()
}

// WriteUsageRanking renders a usage ranking with rank, quantity and share.
func WriteUsageRanking(w io.Writer, ranks []inventory.UsageRank) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "RANK\tID\tNAME\tQUANTITY\tSHARE")
	for i, r := range ranks {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\n", i+1, r.MedicineID, r.Name, r.Quantity, Percent(r.Percentage))
	}
	return tw.Flush()
}

// WriteFrequencyRanking renders a frequency ranking.
func WriteFrequencyRanking(w io.Writer, ranks []inventory.FrequencyRank) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "RANK\tID\tNAME\tDISPENSES")
	for i, r := range ranks {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\n", i+1, r.MedicineID, r.Name, r.Frequency)
	}
	return tw.Flush()
}

// WriteStockLedger renders one line per medicine.
func WriteStockLedger(w io.Writer, lines []inventory.LedgerLine) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tNAME\tPREVIOUS\tIN\tOUT\tCURRENT")
	for _, l := range lines {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\n",
			l.MedicineID, l.Name, l.PreviousBalance, l.Inbound, l.Outbound, l.CurrentBalance)
	}
	return tw.Flush()
}

// WriteComparison renders the usage and frequency rankings of a window.
func WriteComparison(w io.Writer, c inventory.Comparison) error {
	fmt.Fprintf(w, "Last %d days (%d dates)\n\nUsage\n", c.Days, len(c.Dates))
	if err := WriteUsageRanking(w, c.Usage); err != nil {
		return err
	}
	fmt.Fprintln(w, "\nFrequency")
	return WriteFrequencyRanking(w, c.Frequency)
}

// WriteMedicines renders registry records.
func WriteMedicines(w io.Writer, recs []inventory.MedicineRecord) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tNAME\tORIGIN\tSPEC\tSTOCK\tTHRESHOLD\tSTATE")
	for _, r := range recs {
		state := "normal"
		if r.IsWarning {
			state = "warning"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n", r.ID, r.Name, r.Origin, r.Spec, r.Stock, r.Threshold, state)
	}
	return tw.Flush()
}

// WriteInbound renders pending replenishment orders in queue order.
func WriteInbound(w io.Writer, orders []inventory.InboundOrder) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ORDER\tMEDICINE\tQUANTITY\tOPERATOR\tCREATED")
	for _, o := range orders {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", o.ID, o.MedicineID, o.Quantity, o.Operator, o.CreatedAt.Format(time.DateTime))
	}
	return tw.Flush()
}

// WriteOutbound renders dispense orders newest first.
func WriteOutbound(w io.Writer, orders []inventory.OutboundOrder) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ORDER\tMEDICINE\tQUANTITY\tPRESCRIPTION\tPATIENT\tDISPENSED")
	for _, o := range orders {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n",
			o.ID, o.MedicineID, o.Quantity, o.PrescriptionNo, o.Patient, o.DispensedAt.Format(time.DateTime))
	}
	return tw.Flush()
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	svc *inventory.Service
}

// NewHandler creates a new reporting handler.
func NewHandler(svc *inventory.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports")
	g.GET("", h.ListReports)
	g.GET("/:id", h.RenderReport)
}

// ListReports returns all available report definitions.
func (h *Handler) ListReports(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedReports)
}

// RenderReport renders a report as plain text.
func (h *Handler) RenderReport(c echo.Context) error {
	def := FindReport(c.Param("id"))
	if def == nil {
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}

	date := c.QueryParam("date")
	if date == "" {
		date = h.svc.Today()
	} else if _, err := time.Parse(clock.DateLayout, date); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
	}
	days := inventory.HistoryDays
	if raw := c.QueryParam("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "days must be a positive integer")
		}
		if err := inventory.ValidateWindow(n); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		days = n
	}

	var buf bytes.Buffer
	if err := Render(&buf, h.svc, def.ID, date, days); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, buf.Bytes())
}

// Render writes the report id for date or the last days dates.
func Render(w io.Writer, svc *inventory.Service, id, date string, days int) error {
	var err error
	switch id {
	case "daily":
		svc.Stats(func(a *inventory.Aggregator) { err = WriteDailySummary(w, a.DailySummary(date)) })
	case "usage":
		svc.Stats(func(a *inventory.Aggregator) { err = WriteUsageRanking(w, a.UsageRanking(days)) })
	case "frequency":
		svc.Stats(func(a *inventory.Aggregator) { err = WriteFrequencyRanking(w, a.FrequencyRanking(days)) })
	case "ledger":
		svc.Stats(func(a *inventory.Aggregator) { err = WriteStockLedger(w, a.StockLedger(date)) })
	case "warnings":
		err = WriteMedicines(w, svc.Warnings())
	default:
		return fmt.Errorf("unknown report %q", id)
	}
	return err
}
