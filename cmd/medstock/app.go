package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/medstock/medstock/internal/config"
	"github.com/medstock/medstock/internal/domain/inventory"
	"github.com/medstock/medstock/internal/platform/blobstore"
	"github.com/medstock/medstock/internal/platform/clock"
	"github.com/medstock/medstock/internal/platform/db"
	"github.com/medstock/medstock/migrations"
)

// app bundles what every command needs: configuration, logging, the
// persistent store and the inventory service on top of it.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  inventory.Store
	pool   *pgxpool.Pool
	svc    *inventory.Service
	blobs  blobstore.Store
}

func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// openApp loads configuration, opens the configured store and restores the
// inventory from it. Sinks observe every committed operation.
func openApp(ctx context.Context, logOut io.Writer, sinks ...inventory.EventSink) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(cfg, logOut)}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.svc, err = inventory.Open(ctx, a.store, inventory.SessionConfig{
		RegistryCapacity: cfg.RegistryCapacity,
		QueueCapacity:    cfg.QueueCapacity,
		Clock:            clock.System{},
		Logger:           a.logger,
	}, sinks...)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case config.StoreMemory:
		a.store = inventory.NewMemoryStore()
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns, a.logger)
		if err != nil {
			return err
		}
		migrator, err := db.NewMigrator(pool, migrations.FS, "")
		if err != nil {
			pool.Close()
			return err
		}
		applied, err := migrator.Up(ctx)
		if err != nil {
			pool.Close()
			return fmt.Errorf("migrate: %w", err)
		}
		if applied > 0 {
			a.logger.Info().Int("applied", applied).Msg("database migrated")
		}
		a.pool = pool
		a.store = inventory.NewPGStore(pool)
	default:
		store, err := inventory.OpenSQLiteStore(a.cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.store = store
	}
	a.logger.Debug().Str("driver", a.cfg.StoreDriver).Msg("store opened")
	return nil
}

// backups opens the configured blob store on first use.
func (a *app) backups(ctx context.Context) (blobstore.Store, error) {
	if a.blobs != nil {
		return a.blobs, nil
	}
	var err error
	switch a.cfg.BackupDriver {
	case config.BackupMemory:
		a.blobs = blobstore.NewMemoryStore()
	case config.BackupS3:
		a.blobs, err = blobstore.NewS3Store(ctx, blobstore.S3Config{
			Region:    a.cfg.BackupS3Region,
			Bucket:    a.cfg.BackupS3Bucket,
			Endpoint:  a.cfg.BackupS3Endpoint,
			PathStyle: a.cfg.BackupS3PathStyle,
		})
	default:
		a.blobs, err = blobstore.NewFSStore(a.cfg.BackupDir)
	}
	if err != nil {
		return nil, fmt.Errorf("open backup store: %w", err)
	}
	return a.blobs, nil
}

// pinger returns the store's health check, or nil when it has none.
func (a *app) pinger() db.Pinger {
	if p, ok := a.store.(db.Pinger); ok {
		return p
	}
	return nil
}

// close releases the store; the PG store also closes its pool.
func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing store")
		}
	}
}
