package inventory

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medstock/medstock/internal/platform/blobstore"
	"github.com/medstock/medstock/internal/platform/clock"
	"github.com/medstock/medstock/pkg/pagination"
)

type Handler struct {
	svc     *Service
	backups blobstore.Store
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// WithBackups enables the /backups endpoints.
func (h *Handler) WithBackups(blobs blobstore.Store) *Handler {
	h.backups = blobs
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/medicines", h.ListMedicines)
	api.POST("/medicines", h.AddMedicine)
	api.GET("/medicines/search", h.SearchMedicines)
	api.GET("/medicines/:id", h.GetMedicine)
	api.PUT("/medicines/:id", h.UpdateMedicine)
	api.DELETE("/medicines/:id", h.RemoveMedicine)
	api.POST("/medicines/:id/threshold", h.RecomputeThreshold)

	api.GET("/inbound", h.ListInbound)
	api.POST("/inbound", h.Replenish)
	api.POST("/inbound/process", h.ProcessInbound)

	api.GET("/outbound", h.ListOutbound)
	api.POST("/outbound", h.Dispense)
	api.POST("/outbound/pop", h.PopOutbound)

	api.GET("/warnings", h.ListWarnings)
	api.POST("/warnings/check", h.CheckWarnings)
	api.POST("/rollover", h.RollOver)

	api.GET("/stats/daily", h.DailyStats)
	api.GET("/stats/usage", h.UsageRanking)
	api.GET("/stats/frequency", h.FrequencyRanking)
	api.GET("/stats/compare", h.CompareRecent)
	api.GET("/stats/response-time", h.ResponseTime)
	api.GET("/stats/ledger", h.StockLedger)
	api.GET("/stats/medicine-usage", h.MedicineUsage)

	if h.backups != nil {
		api.GET("/backups", h.ListBackups)
		api.POST("/backups", h.CreateBackup)
		api.POST("/backups/restore", h.RestoreBackup)
	}
}

// httpError maps an inventory error kind to an HTTP error.
func httpError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out before the change was applied").SetInternal(err)
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrQueueEmpty), errors.Is(err, ErrLedgerEmpty):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateID), errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrQueueFull):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) dateParam(c echo.Context) (string, error) {
	date := c.QueryParam("date")
	if date == "" {
		return h.svc.Today(), nil
	}
	if _, err := time.Parse(clock.DateLayout, date); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
	}
	return date, nil
}

func daysParam(c echo.Context, def int) (int, error) {
	raw := c.QueryParam("days")
	if raw == "" {
		return def, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "days must be a positive integer")
	}
	if err := ValidateWindow(days); err != nil {
		return 0, httpError(err)
	}
	return days, nil
}

func paged[T any](c echo.Context, all []T) error {
	pg := pagination.FromContext(c)
	if link := pg.LinkHeader(c.Request().URL.Path, len(all)); link != "" {
		c.Response().Header().Set("Link", link)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(all, pg), len(all), pg.Limit, pg.Offset))
}

// -- Medicines --

func (h *Handler) AddMedicine(c echo.Context) error {
	var m MedicineRecord
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.AddMedicine(c.Request().Context(), m)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) GetMedicine(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.GetMedicine(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ListMedicines(c echo.Context) error {
	return paged(c, h.svc.ListMedicines())
}

func (h *Handler) SearchMedicines(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	return c.JSON(http.StatusOK, h.svc.SearchMedicines(q))
}

func (h *Handler) UpdateMedicine(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var upd MedicineUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.svc.UpdateMedicine(c.Request().Context(), id, upd)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) RemoveMedicine(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.RemoveMedicine(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RecomputeThreshold(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.RecomputeThreshold(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

// -- Inbound --

type replenishRequest struct {
	MedicineID int    `json:"medicine_id"`
	Quantity   int    `json:"quantity"`
	Operator   string `json:"operator"`
}

func (h *Handler) Replenish(c echo.Context) error {
	var req replenishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.Replenish(c.Request().Context(), req.MedicineID, req.Quantity, req.Operator)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) ListInbound(c echo.Context) error {
	return paged(c, h.svc.PendingInbound())
}

func (h *Handler) ProcessInbound(c echo.Context) error {
	res, err := h.svc.ProcessInbound(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Outbound --

type dispenseRequest struct {
	MedicineID     int    `json:"medicine_id"`
	Quantity       int    `json:"quantity"`
	PrescriptionNo string `json:"prescription_no"`
	Patient        string `json:"patient"`
}

func (h *Handler) Dispense(c echo.Context) error {
	var req dispenseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.Dispense(c.Request().Context(), req.MedicineID, req.Quantity, req.PrescriptionNo, req.Patient)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) ListOutbound(c echo.Context) error {
	return paged(c, h.svc.Outbound())
}

func (h *Handler) PopOutbound(c echo.Context) error {
	o, err := h.svc.ProcessOutbound(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

// -- Warnings --

func (h *Handler) ListWarnings(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Warnings())
}

func (h *Handler) CheckWarnings(c echo.Context) error {
	ts, err := h.svc.CheckWarnings(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ts)
}

func (h *Handler) RollOver(c echo.Context) error {
	ran, ts, err := h.svc.RollOver(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if ts == nil {
		ts = []Transition{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"rolled_over": ran,
		"date":        h.svc.Today(),
		"transitions": ts,
	})
}

// -- Statistics --

func (h *Handler) DailyStats(c echo.Context) error {
	date, err := h.dateParam(c)
	if err != nil {
		return err
	}
	var out DailySummary
	h.svc.Stats(func(a *Aggregator) { out = a.DailySummary(date) })
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) MedicineUsage(c echo.Context) error {
	date, err := h.dateParam(c)
	if err != nil {
		return err
	}
	var out []MedicineUsage
	h.svc.Stats(func(a *Aggregator) { out = a.MedicineUsage(date) })
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) UsageRanking(c echo.Context) error {
	days, err := daysParam(c, 1)
	if err != nil {
		return err
	}
	var out []UsageRank
	h.svc.Stats(func(a *Aggregator) { out = a.UsageRanking(days) })
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) FrequencyRanking(c echo.Context) error {
	days, err := daysParam(c, 1)
	if err != nil {
		return err
	}
	var out []FrequencyRank
	h.svc.Stats(func(a *Aggregator) { out = a.FrequencyRanking(days) })
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CompareRecent(c echo.Context) error {
	days, err := daysParam(c, 3)
	if err != nil {
		return err
	}
	var out Comparison
	h.svc.Stats(func(a *Aggregator) { out = a.CompareRecent(days) })
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ResponseTime(c echo.Context) error {
	date, err := h.dateParam(c)
	if err != nil {
		return err
	}
	var hours float64
	h.svc.Stats(func(a *Aggregator) { hours = a.AverageResponseTime(date) })
	return c.JSON(http.StatusOK, map[string]interface{}{
		"date":                   date,
		"average_response_hours": hours,
	})
}

func (h *Handler) StockLedger(c echo.Context) error {
	date, err := h.dateParam(c)
	if err != nil {
		return err
	}
	var out []LedgerLine
	h.svc.Stats(func(a *Aggregator) { out = a.StockLedger(date) })
	return c.JSON(http.StatusOK, out)
}

// -- Backups --

func (h *Handler) ListBackups(c echo.Context) error {
	infos, err := h.backups.List(c.Request().Context(), BackupPrefix)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return paged(c, infos)
}

func (h *Handler) CreateBackup(c echo.Context) error {
	info, err := Backup(c.Request().Context(), h.svc, h.backups, h.svc.Now())
	if err != nil {
		if errors.Is(err, blobstore.ErrExists) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, info)
}

func (h *Handler) RestoreBackup(c echo.Context) error {
	var req struct {
		Key string `json:"key"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	key, err := RestoreBackup(c.Request().Context(), h.svc, h.backups, req.Key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"restored": key})
}
