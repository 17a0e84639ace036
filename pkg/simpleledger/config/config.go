// Package config reads the ledger pipeline configuration from the
// environment and builds a Runtime with every backend wired.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
)

const (
	LedgerModeHTTP   = "http"
	LedgerModeMemory = "memory"

	JournalDatabase = "database"
	JournalRedis    = "redis"

	DatabaseMemory = "memory"
)

type Config struct {
	Environment string `env:"ENVIRONMENT" env-default:"development"`
	JWTSecret   string `env:"JWT_SECRET"`

	Ledger    LedgerConfig
	Upload    UploadConfig
	DB        DBConfig
	Journal   JournalConfig
	Events    EventsConfig
	Reconcile ReconcileConfig
}

type LedgerConfig struct {
	Mode       string `env:"LEDGER_MODE" env-default:"http"`
	Host       string `env:"LEDGER_HOST" env-default:"arweave.net"`
	Port       int    `env:"LEDGER_PORT" env-default:"443"`
	Protocol   string `env:"LEDGER_PROTOCOL" env-default:"https"`
	Wallet     string `env:"LEDGER_WALLET"`
	WalletFile string `env:"LEDGER_WALLET_FILE"`

	RateLimit       float64       `env:"LEDGER_RATE_LIMIT" env-default:"10"`
	RateBurst       int           `env:"LEDGER_RATE_BURST" env-default:"5"`
	BreakerFailures uint32        `env:"LEDGER_BREAKER_FAILURES" env-default:"5"`
	BreakerTimeout  time.Duration `env:"LEDGER_BREAKER_TIMEOUT" env-default:"30s"`
}

type UploadConfig struct {
	ChunkSize      int           `env:"UPLOAD_CHUNK_SIZE" env-default:"262144"`
	MaxAttempts    int           `env:"UPLOAD_MAX_ATTEMPTS" env-default:"5"`
	MaxChunkSends  int           `env:"UPLOAD_MAX_CHUNK_SENDS" env-default:"8"`
	ChunkTimeout   time.Duration `env:"UPLOAD_CHUNK_TIMEOUT" env-default:"30s"`
	Timeout        time.Duration `env:"UPLOAD_TIMEOUT" env-default:"5m"`
	InitialBackoff time.Duration `env:"UPLOAD_BACKOFF_INITIAL" env-default:"200ms"`
	MaxBackoff     time.Duration `env:"UPLOAD_BACKOFF_MAX" env-default:"10s"`
	PollInterval   time.Duration `env:"UPLOAD_POLL_INTERVAL" env-default:"1s"`
	MaxIdlePolls   int           `env:"UPLOAD_MAX_IDLE_POLLS" env-default:"10"`
	MaxBytes       int64         `env:"UPLOAD_MAX_BYTES" env-default:"10485760"`
}

type DBConfig struct {
	URL     string `env:"DATABASE_URL" env-default:"memory"`
	Schema  string `env:"DB_SCHEMA" env-default:"social"`
	Migrate bool   `env:"DB_MIGRATE" env-default:"true"`
}

type JournalConfig struct {
	Backend       string `env:"JOURNAL_BACKEND" env-default:"database"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" env-default:"ledger"`
}

type EventsConfig struct {
	KafkaBrokers []string `env:"KAFKA_BROKERS" env-separator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" env-default:"ledger.pipeline"`
}

type ReconcileConfig struct {
	GracePeriod      time.Duration `env:"ORPHAN_GRACE_PERIOD" env-default:"1h"`
	VerifyCommitRefs bool          `env:"VERIFY_COMMIT_REFS" env-default:"false"`

	ReportBucket string `env:"REPORT_S3_BUCKET"`
	ReportPrefix string `env:"REPORT_S3_PREFIX"`
	Region       string `env:"AWS_REGION" env-default:"us-east-1"`
	Endpoint     string `env:"AWS_S3_ENDPOINT"`
	AccessKeyID  string `env:"AWS_ACCESS_KEY_ID"`
	SecretKey    string `env:"AWS_SECRET_ACCESS_KEY"`
	UsePathStyle bool   `env:"AWS_S3_USE_PATH_STYLE" env-default:"false"`
}

// Load reads Config from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// UsesPostgres reports whether DATABASE_URL points at PostgreSQL.
func (c *Config) UsesPostgres() bool {
	return c.DB.URL != "" && c.DB.URL != DatabaseMemory
}

// Policy returns the coordinator retry policy.
func (c *Config) Policy() simpleledger.RetryPolicy {
	return simpleledger.RetryPolicy{
		MaxAttempts:    c.Upload.MaxAttempts,
		MaxChunkSends:  c.Upload.MaxChunkSends,
		ChunkTimeout:   c.Upload.ChunkTimeout,
		UploadTimeout:  c.Upload.Timeout,
		InitialBackoff: c.Upload.InitialBackoff,
		MaxBackoff:     c.Upload.MaxBackoff,
		PollInterval:   c.Upload.PollInterval,
		MaxIdlePolls:   c.Upload.MaxIdlePolls,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Ledger.Mode {
	case LedgerModeHTTP:
		if c.Ledger.Host == "" {
			return errors.New("LEDGER_HOST is required in http mode")
		}
		if c.Ledger.Port <= 0 || c.Ledger.Port > 65535 {
			return fmt.Errorf("LEDGER_PORT %d is out of range", c.Ledger.Port)
		}
	case LedgerModeMemory:
	default:
		return fmt.Errorf("LEDGER_MODE must be '%s' or '%s', got %q", LedgerModeHTTP, LedgerModeMemory, c.Ledger.Mode)
	}

	if c.Upload.ChunkSize <= 0 {
		return errors.New("UPLOAD_CHUNK_SIZE must be positive")
	}
	if c.Upload.MaxBytes <= 0 {
		return errors.New("UPLOAD_MAX_BYTES must be positive")
	}
	if err := c.Policy().Validate(); err != nil {
		return err
	}

	if c.DB.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.UsesPostgres() && !strings.HasPrefix(c.DB.URL, "postgres://") && !strings.HasPrefix(c.DB.URL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must be '%s' or a postgres:// url", DatabaseMemory)
	}

	switch c.Journal.Backend {
	case JournalDatabase:
	case JournalRedis:
		if c.Journal.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required when JOURNAL_BACKEND is redis")
		}
	default:
		return fmt.Errorf("JOURNAL_BACKEND must be '%s' or '%s', got %q", JournalDatabase, JournalRedis, c.Journal.Backend)
	}

	if c.Reconcile.GracePeriod < 0 {
		return errors.New("ORPHAN_GRACE_PERIOD must not be negative")
	}
	if !c.IsDevelopment() && c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required outside development")
	}
	return nil
}
