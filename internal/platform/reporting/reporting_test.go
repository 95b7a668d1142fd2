package reporting

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medstock/medstock/internal/domain/inventory"
	"github.com/medstock/medstock/internal/platform/clock"
)

func TestFindReport(t *testing.T) {
	for _, def := range PredefinedReports {
		if FindReport(def.ID) == nil {
			t.Errorf("FindReport(%q) returned nil", def.ID)
		}
		if def.Name == "" || def.Description == "" {
			t.Errorf("report %s is missing name or description", def.ID)
		}
	}
	if FindReport("nonexistent") != nil {
		t.Error("expected nil for nonexistent report")
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{in: 0, want: "0.00%"},
		{in: 75, want: "75.00%"},
		{in: 100.0 / 3, want: "33.33%"},
		{in: 200.0 / 3, want: "66.67%"},
	}
	for _, tt := range tests {
		if got := Percent(tt.in); got != tt.want {
			t.Errorf("Percent(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestWriteUsageRanking(t *testing.T) {
	var buf bytes.Buffer
	err := WriteUsageRanking(&buf, []inventory.UsageRank{
		{MedicineID: 2, Name: "Licorice", Quantity: 6, Percentage: 75},
		{MedicineID: 1, Name: "Astragalus", Quantity: 2, Percentage: 25},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "RANK") {
		t.Errorf("unexpected header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "Licorice") || !strings.HasSuffix(lines[1], "75.00%") {
		t.Errorf("unexpected first row: %q", lines[1])
	}
	if strings.Index(lines[1], "Licorice") != strings.Index(lines[2], "Astragalus") {
		t.Error("expected name column to be aligned")
	}
}

func TestWriteDailySummary(t *testing.T) {
	var buf bytes.Buffer
	err := WriteDailySummary(&buf, inventory.DailySummary{
		Date: "2024-05-20", Prescriptions: 3, TotalDosage: 10, AverageDosage: 10.0 / 3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"2024-05-20", "Prescriptions", "3.33", "0.00"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestWriteStockLedger(t *testing.T) {
	var buf bytes.Buffer
	err := WriteStockLedger(&buf, []inventory.LedgerLine{
		{MedicineID: 1, Name: "Astragalus", PreviousBalance: 10, Inbound: 5, Outbound: 3, CurrentBalance: 12},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fields := strings.Fields(strings.Split(strings.TrimSpace(buf.String()), "\n")[1])
	want := []string{"1", "Astragalus", "10", "5", "3", "12"}
	if strings.Join(fields, " ") != strings.Join(want, " ") {
		t.Errorf("unexpected row: %v", fields)
	}
}

func newTestService(t *testing.T) *inventory.Service {
	t.Helper()
	ctx := context.Background()
	cfg := inventory.SessionConfig{
		RegistryCapacity: 10,
		QueueCapacity:    5,
		Clock:            clock.NewManual(time.Date(2024, 5, 20, 9, 0, 0, 0, time.Local)),
		Logger:           zerolog.Nop(),
	}
	svc, err := inventory.Open(ctx, inventory.NewMemoryStore(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, rec := range []inventory.MedicineRecord{
		{ID: 1, Name: "Astragalus", Origin: "Gansu", Spec: "500g", Stock: 20},
		{ID: 2, Name: "Licorice", Origin: "Inner Mongolia", Spec: "250g", Stock: 20},
	} {
		if _, err := svc.AddMedicine(ctx, rec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := svc.Dispense(ctx, 2, 6, "RX-1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Dispense(ctx, 1, 2, "RX-2", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return svc
}

func TestRender(t *testing.T) {
	svc := newTestService(t)
	for _, def := range PredefinedReports {
		var buf bytes.Buffer
		if err := Render(&buf, svc, def.ID, "2024-05-20", 7); err != nil {
			t.Errorf("Render(%s) error: %v", def.ID, err)
		}
	}

	var buf bytes.Buffer
	if err := Render(&buf, svc, "usage", "2024-05-20", 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "75.00%") || !strings.Contains(buf.String(), "25.00%") {
		t.Errorf("expected 75/25 split:\n%s", buf.String())
	}

	if err := Render(&buf, svc, "bogus", "", 1); err == nil {
		t.Error("expected error for unknown report")
	}
}

func TestHandler_RenderReport(t *testing.T) {
	svc := newTestService(t)
	e := echo.New()
	NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))

	tests := []struct {
		path string
		code int
	}{
		{path: "/api/v1/reports", code: http.StatusOK},
		{path: "/api/v1/reports/ledger?date=2024-05-20", code: http.StatusOK},
		{path: "/api/v1/reports/usage?days=3", code: http.StatusOK},
		{path: "/api/v1/reports/usage?days=0", code: http.StatusBadRequest},
		{path: "/api/v1/reports/usage?days=367", code: http.StatusBadRequest},
		{path: "/api/v1/reports/daily?date=20-05-2024", code: http.StatusBadRequest},
		{path: "/api/v1/reports/nope", code: http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.code {
			t.Errorf("GET %s: expected %d, got %d", tt.path, tt.code, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reports/ledger", nil))
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "Licorice") {
		t.Errorf("expected ledger rows in body:\n%s", rec.Body.String())
	}
}
