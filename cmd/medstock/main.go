package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medstock/medstock/internal/domain/inventory"
	"github.com/medstock/medstock/internal/platform/db"
	"github.com/medstock/medstock/internal/platform/middleware"
	"github.com/medstock/medstock/internal/platform/reporting"
	"github.com/medstock/medstock/internal/platform/telemetry"
	"github.com/medstock/medstock/internal/platform/webhook"
	"github.com/medstock/medstock/internal/platform/websocket"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "medstock",
		Short:        "Medicine stock registry",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("output", "o", "text", "Output format: text or json")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(medicineCmd())
	rootCmd.AddCommand(replenishCmd())
	rootCmd.AddCommand(dispenseCmd())
	rootCmd.AddCommand(inboundCmd())
	rootCmd.AddCommand(outboundCmd())
	rootCmd.AddCommand(warningsCmd())
	rootCmd.AddCommand(thresholdCmd())
	rootCmd.AddCommand(rolloverCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(importCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	// Event fan-out
	hub := websocket.NewHub(logger)
	metrics := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "medstock",
		Environment:    cfg.Env,
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
		ProcessMetrics: true,
	})
	hooks, err := newWebhooks(cfg.WebhookURLs, cfg.WebhookSecret, cfg.WebhookEvents, logger)
	if err != nil {
		return err
	}
	sinks := []inventory.EventSink{inventory.NewBroadcastSink(hub, logger), metrics, webhook.NewSink(hooks)}

	a, err := openApp(ctx, os.Stdout, sinks...)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open inventory")
		return err
	}
	defer a.close()
	logger.Info().Str("store", cfg.StoreDriver).Int("medicines", len(a.svc.ListMedicines())).Msg("inventory loaded")

	blobs, err := a.backups(ctx)
	if err != nil {
		return err
	}

	e := newServer(a, hub, metrics)
	invHandler := inventory.NewHandler(a.svc).WithBackups(blobs)
	apiV1 := e.Group("/api/v1")
	invHandler.RegisterRoutes(apiV1)
	reporting.NewHandler(a.svc).RegisterRoutes(apiV1)
	webhook.NewHandler(hooks).RegisterRoutes(apiV1)

	go hooks.Run(ctx)
	go runRollover(ctx, a, metrics)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the Echo instance with the global middleware chain and
// the operational endpoints.
func newServer(a *app, hub *websocket.Hub, metrics *telemetry.TelemetryProvider) *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(metrics.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("1M"))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}
	if cfg.RateLimitRPS > 0 {
		e.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}))
	}

	e.GET("/health", db.HealthHandler(cfg.StoreDriver, a.pinger(), a.pool))
	if cfg.MetricsEnabled {
		e.GET("/metrics", metrics.PrometheusHandler())
	}
	websocket.NewHandler(hub, cfg.CORSOrigins,
		inventory.TopicWarnings, inventory.TopicOrders, inventory.TopicStock).RegisterRoutes(e)
	return e
}

// newWebhooks registers the endpoints named in configuration. More can be
// added at runtime through the API.
func newWebhooks(urls []string, secret string, events []string, logger zerolog.Logger) (*webhook.Manager, error) {
	m := webhook.NewManager(logger)
	for _, u := range urls {
		ep, err := m.Register(u, secret, events)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: %w", u, err)
		}
		logger.Info().Str("url", ep.URL).Strs("events", ep.Events).Msg("webhook registered")
	}
	return m, nil
}

// runRollover rolls the usage history over once per calendar day. The check
// runs every ROLLOVER_INTERVAL; RollOver itself is a no-op within a day.
func runRollover(ctx context.Context, a *app, metrics *telemetry.TelemetryProvider) {
	roll := func() {
		ran, ts, err := a.svc.RollOver(ctx)
		if err != nil {
			a.logger.Error().Err(err).Msg("daily rollover failed")
		} else if ran {
			a.logger.Info().Int("transitions", len(ts)).Str("date", a.svc.Today()).Msg("daily rollover")
		}
		metrics.ObserveDBPool(a.pool)
	}

	roll()
	ticker := time.NewTicker(a.cfg.RolloverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			roll()
		}
	}
}
