package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	BackupFS     = "fs"
	BackupS3     = "s3"
	BackupMemory = "memory"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	StoreDriver       string        `mapstructure:"STORE_DRIVER"`
	SQLitePath        string        `mapstructure:"SQLITE_PATH"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	RegistryCapacity  int           `mapstructure:"REGISTRY_CAPACITY"`
	QueueCapacity     int           `mapstructure:"QUEUE_CAPACITY"`
	BackupDriver      string        `mapstructure:"BACKUP_DRIVER"`
	BackupDir         string        `mapstructure:"BACKUP_DIR"`
	BackupS3Bucket    string        `mapstructure:"BACKUP_S3_BUCKET"`
	BackupS3Region    string        `mapstructure:"BACKUP_S3_REGION"`
	BackupS3Endpoint  string        `mapstructure:"BACKUP_S3_ENDPOINT"`
	BackupS3PathStyle bool          `mapstructure:"BACKUP_S3_PATH_STYLE"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RolloverInterval  time.Duration `mapstructure:"ROLLOVER_INTERVAL"`
	MetricsEnabled    bool          `mapstructure:"METRICS_ENABLED"`
	WebhookURLs       []string      `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret     string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents     []string      `mapstructure:"WEBHOOK_EVENTS"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "SQLITE_PATH", "DATABASE_URL",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "REGISTRY_CAPACITY", "QUEUE_CAPACITY",
	"BACKUP_DRIVER", "BACKUP_DIR", "BACKUP_S3_BUCKET", "BACKUP_S3_REGION",
	"BACKUP_S3_ENDPOINT", "BACKUP_S3_PATH_STYLE", "CORS_ORIGINS",
	"LOG_LEVEL", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"ROLLOVER_INTERVAL", "METRICS_ENABLED", "WEBHOOK_URLS", "WEBHOOK_SECRET",
	"WEBHOOK_EVENTS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StoreSQLite)
	v.SetDefault("SQLITE_PATH", "medstock.db")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("REGISTRY_CAPACITY", 300)
	v.SetDefault("QUEUE_CAPACITY", 100)
	v.SetDefault("BACKUP_DRIVER", BackupFS)
	v.SetDefault("BACKUP_DIR", "backups")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("ROLLOVER_INTERVAL", "1m")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("WEBHOOK_EVENTS", "warning.*")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.WebhookURLs = splitList(v.GetString("WEBHOOK_URLS"))
	cfg.WebhookEvents = splitList(v.GetString("WEBHOOK_EVENTS"))
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.BackupDriver = strings.ToLower(cfg.BackupDriver)

	return cfg, nil
}

// splitList parses a comma separated value, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreSQLite, StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", StoreSQLite, StorePostgres, StoreMemory, c.StoreDriver)
	}

	if c.RegistryCapacity <= 0 {
		return fmt.Errorf("REGISTRY_CAPACITY must be positive, got %d", c.RegistryCapacity)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity)
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.RolloverInterval <= 0 {
		return fmt.Errorf("ROLLOVER_INTERVAL must be positive, got %s", c.RolloverInterval)
	}

	switch c.BackupDriver {
	case BackupFS, BackupMemory:
	case BackupS3:
		if c.BackupS3Bucket == "" {
			return fmt.Errorf("BACKUP_S3_BUCKET is required when BACKUP_DRIVER is %q", BackupS3)
		}
	default:
		return fmt.Errorf("BACKUP_DRIVER must be %q, %q or %q, got %q", BackupFS, BackupS3, BackupMemory, c.BackupDriver)
	}
	return nil
}
