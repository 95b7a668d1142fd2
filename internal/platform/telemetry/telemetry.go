// Package telemetry exposes Prometheus metrics for the HTTP server and the
// inventory: request latency and size, stock levels, warnings, order volume
// and warning response times.
package telemetry

import (
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medstock/medstock/internal/domain/inventory"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	MetricsEnabled *bool // nil = use default (true)
	// ProcessMetrics registers the Go runtime and process collectors.
	ProcessMetrics bool
}

func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "medstock"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

var (
	durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets     = prometheus.ExponentialBuckets(100, 10, 6)
	responseBuckets = []float64{1, 4, 12, 24, 48, 72, 168}
)

// TelemetryProvider owns a private Prometheus registry and every collector
// registered on it.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestSize     prometheus.Histogram
	responseSize    prometheus.Histogram
	activeRequests  prometheus.Gauge

	medicines      prometheus.Gauge
	stock          *prometheus.GaugeVec
	warnings       prometheus.Gauge
	pendingInbound prometheus.Gauge
	ledgerSize     prometheus.Gauge
	transitions    *prometheus.CounterVec
	orders         *prometheus.CounterVec
	units          *prometheus.CounterVec
	responseHours  prometheus.Histogram

	dbActive prometheus.Gauge
	dbIdle   prometheus.Gauge
}

// NewTelemetryProvider creates and registers all collectors.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": cfg.ServiceName, "env": cfg.Environment}

	tp := &TelemetryProvider{
		cfg:      cfg,
		registry: reg,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_server_request_duration_seconds", Help: "HTTP request latency.",
			Buckets: durationBuckets, ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		requestSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "http_server_request_size_bytes", Help: "HTTP request body size.",
			Buckets: sizeBuckets, ConstLabels: constLabels,
		}),
		responseSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "http_server_response_size_bytes", Help: "HTTP response body size.",
			Buckets: sizeBuckets, ConstLabels: constLabels,
		}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_server_active_requests", Help: "In-flight HTTP requests.", ConstLabels: constLabels,
		}),
		medicines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medstock_medicines", Help: "Medicines in the registry.", ConstLabels: constLabels,
		}),
		stock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "medstock_stock_units", Help: "Current stock per medicine.", ConstLabels: constLabels,
		}, []string{"medicine_id", "name"}),
		warnings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medstock_warnings", Help: "Medicines currently in warning.", ConstLabels: constLabels,
		}),
		pendingInbound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medstock_inbound_pending", Help: "Replenishment orders waiting in the queue.", ConstLabels: constLabels,
		}),
		ledgerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medstock_outbound_ledger_size", Help: "Dispense orders in the outbound ledger.", ConstLabels: constLabels,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medstock_warning_transitions_total", Help: "Warning state transitions.", ConstLabels: constLabels,
		}, []string{"kind"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medstock_orders_total", Help: "Orders accepted.", ConstLabels: constLabels,
		}, []string{"direction"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medstock_order_units_total", Help: "Units moved by accepted orders.", ConstLabels: constLabels,
		}, []string{"direction"}),
		responseHours: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "medstock_warning_response_hours", Help: "Hours from entering to clearing a warning.",
			Buckets: responseBuckets, ConstLabels: constLabels,
		}),
		dbActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_active_connections", Help: "Acquired database connections.", ConstLabels: constLabels,
		}),
		dbIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_connections", Help: "Idle database connections.", ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		tp.requestDuration, tp.requestSize, tp.responseSize, tp.activeRequests,
		tp.medicines, tp.stock, tp.warnings, tp.pendingInbound, tp.ledgerSize,
		tp.transitions, tp.orders, tp.units, tp.responseHours,
		tp.dbActive, tp.dbIdle,
	)
	if cfg.ProcessMetrics {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return tp
}

// Registry exposes the underlying registry, mainly for tests.
func (tp *TelemetryProvider) Registry() *prometheus.Registry { return tp.registry }

// Resource describes the service being observed.
func (tp *TelemetryProvider) Resource() map[string]string {
	return map[string]string{
		"service.name":           tp.cfg.ServiceName,
		"service.version":        tp.cfg.ServiceVersion,
		"deployment.environment": tp.cfg.Environment,
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() || c.Path() == "/metrics" {
				return next(c)
			}
			tp.activeRequests.Inc()
			defer tp.activeRequests.Dec()

			start := time.Now()
			req := c.Request()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			tp.requestDuration.WithLabelValues(req.Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			if req.ContentLength > 0 {
				tp.requestSize.Observe(float64(req.ContentLength))
			}
			if size := c.Response().Size; size > 0 {
				tp.responseSize.Observe(float64(size))
			}
			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus text format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{}))
}

// ObserveDBPool copies the current pool statistics into the gauges.
func (tp *TelemetryProvider) ObserveDBPool(pool *pgxpool.Pool) {
	if pool == nil {
		return
	}
	stat := pool.Stat()
	tp.dbActive.Set(float64(stat.AcquiredConns()))
	tp.dbIdle.Set(float64(stat.IdleConns()))
}

// ---------------------------------------------------------------------------
// Inventory
// ---------------------------------------------------------------------------

var _ inventory.EventSink = (*TelemetryProvider)(nil)

func (tp *TelemetryProvider) NotifyTransition(t inventory.Transition) {
	tp.transitions.WithLabelValues(string(t.Kind)).Inc()
	if t.Kind == inventory.WarningCleared {
		tp.responseHours.Observe(t.ResponseHours)
	}
}

func (tp *TelemetryProvider) Replenished(o inventory.InboundOrder) {
	tp.orders.WithLabelValues("inbound").Inc()
	tp.units.WithLabelValues("inbound").Add(float64(o.Quantity))
}

func (tp *TelemetryProvider) Dispensed(o inventory.OutboundOrder) {
	tp.orders.WithLabelValues("outbound").Inc()
	tp.units.WithLabelValues("outbound").Add(float64(o.Quantity))
}

// StateChanged replaces the per-medicine gauges so removed medicines drop out.
func (tp *TelemetryProvider) StateChanged(records []inventory.MedicineRecord, pendingInbound, ledgerSize int) {
	tp.stock.Reset()
	warnings := 0
	for _, r := range records {
		tp.stock.WithLabelValues(strconv.Itoa(r.ID), r.Name).Set(float64(r.Stock))
		if r.IsWarning {
			warnings++
		}
	}
	tp.medicines.Set(float64(len(records)))
	tp.warnings.Set(float64(warnings))
	tp.pendingInbound.Set(float64(pendingInbound))
	tp.ledgerSize.Set(float64(ledgerSize))
}
