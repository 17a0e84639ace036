package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
	"github.com/tendant/simple-ledger/pkg/simpleledger/credential"
	"github.com/tendant/simple-ledger/pkg/simpleledger/events/kafka"
	journalredis "github.com/tendant/simple-ledger/pkg/simpleledger/journal/redis"
	"github.com/tendant/simple-ledger/pkg/simpleledger/reconcile"
	"github.com/tendant/simple-ledger/pkg/simpleledger/reconcile/s3report"
	"github.com/tendant/simple-ledger/pkg/simpleledger/repo/memory"
	"github.com/tendant/simple-ledger/pkg/simpleledger/repo/postgres"
	"github.com/tendant/simple-ledger/pkg/simpleledger/transport/httpledger"
	ledgermem "github.com/tendant/simple-ledger/pkg/simpleledger/transport/memory"
)

// Runtime holds every component built from a Config.
type Runtime struct {
	// Credential is nil when no wallet is configured; uploads then fail
	// with ErrCredentialMissing.
	Credential simpleledger.Credential

	Coordinator *simpleledger.Coordinator
	Committer   *simpleledger.MetadataCommitter
	Publisher   *simpleledger.Publisher
	Scanner     *reconcile.Scanner

	// ReportWriter is nil unless REPORT_S3_BUCKET is set.
	ReportWriter reconcile.ReportWriter

	Store   simpleledger.RecordStore
	Journal simpleledger.UploadJournal

	// Ledger is the in-process ledger in memory mode, nil otherwise.
	Ledger *ledgermem.Ledger

	closers []func() error
}

// Close releases connections in reverse order of creation.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Build wires every backend named by cfg. On error, anything already
// opened is closed.
func Build(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *Runtime, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if rt.Credential, err = buildCredential(cfg, logger); err != nil {
		return nil, err
	}

	transport, err := rt.buildTransport(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build ledger transport: %w", err)
	}

	if err := rt.buildStorage(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}

	if cfg.Journal.Backend == JournalRedis {
		journal, err := rt.buildRedisJournal(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build journal: %w", err)
		}
		rt.Journal = journal
	}

	options := []simpleledger.Option{
		simpleledger.WithTransport(transport),
		simpleledger.WithRetryPolicy(cfg.Policy()),
		simpleledger.WithChunkSize(cfg.Upload.ChunkSize),
		simpleledger.WithRecordStore(rt.Store),
		simpleledger.WithJournal(rt.Journal),
		simpleledger.WithLogger(logger),
	}
	if len(cfg.Events.KafkaBrokers) > 0 {
		sink := kafka.NewSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		rt.closers = append(rt.closers, sink.Close)
		options = append(options, simpleledger.WithEventSink(sink))
	}
	if cfg.Reconcile.VerifyCommitRefs {
		options = append(options, simpleledger.WithReferenceVerifier(rt.Journal))
	}

	if rt.Coordinator, err = simpleledger.NewCoordinator(options...); err != nil {
		return nil, err
	}
	if rt.Committer, err = simpleledger.NewCommitter(options...); err != nil {
		return nil, err
	}
	if rt.Publisher, err = simpleledger.NewPublisher(rt.Coordinator, rt.Committer, options...); err != nil {
		return nil, err
	}

	rt.Scanner, err = reconcile.New(rt.Store, rt.Journal,
		reconcile.WithGracePeriod(cfg.Reconcile.GracePeriod),
		reconcile.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	if cfg.Reconcile.ReportBucket != "" {
		rt.ReportWriter, err = s3report.New(ctx, s3report.Config{
			Region:          cfg.Reconcile.Region,
			Bucket:          cfg.Reconcile.ReportBucket,
			Prefix:          cfg.Reconcile.ReportPrefix,
			AccessKeyID:     cfg.Reconcile.AccessKeyID,
			SecretAccessKey: cfg.Reconcile.SecretKey,
			Endpoint:        cfg.Reconcile.Endpoint,
			UsePathStyle:    cfg.Reconcile.UsePathStyle,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build report writer: %w", err)
		}
	}

	logger.Info("ledger runtime ready",
		"ledger_mode", cfg.Ledger.Mode,
		"postgres", cfg.UsesPostgres(),
		"journal", cfg.Journal.Backend,
		"kafka", len(cfg.Events.KafkaBrokers) > 0,
		"verify_refs", cfg.Reconcile.VerifyCommitRefs,
		"wallet", rt.Credential)
	return rt, nil
}

// buildCredential loads the wallet once. Memory mode generates an
// ephemeral wallet when none is configured.
func buildCredential(cfg *Config, logger *slog.Logger) (simpleledger.Credential, error) {
	w, err := credential.Load(cfg.Ledger.Wallet, cfg.Ledger.WalletFile)
	switch {
	case err == nil:
		return w, nil
	case !errors.Is(err, credential.ErrNoWallet):
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	case cfg.Ledger.Mode == LedgerModeMemory:
		w, err := credential.Generate(credential.MinKeyBits)
		if err != nil {
			return nil, err
		}
		logger.Warn("no wallet configured, using an ephemeral wallet", "wallet", w)
		return w, nil
	default:
		logger.Warn("no wallet configured, uploads will fail until LEDGER_WALLET is set")
		return nil, nil
	}
}

func (rt *Runtime) buildTransport(cfg *Config, logger *slog.Logger) (simpleledger.LedgerTransport, error) {
	if cfg.Ledger.Mode == LedgerModeMemory {
		rt.Ledger = ledgermem.NewLedger()
		return ledgermem.NewTransport(rt.Ledger), nil
	}
	return httpledger.New(httpLedgerConfig(cfg, logger))
}

// httpLedgerConfig leaves HTTPClient nil so the client's tuned default is used.
func httpLedgerConfig(cfg *Config, logger *slog.Logger) httpledger.Config {
	return httpledger.Config{
		Protocol:        cfg.Ledger.Protocol,
		Host:            cfg.Ledger.Host,
		Port:            cfg.Ledger.Port,
		RateLimit:       cfg.Ledger.RateLimit,
		RateBurst:       cfg.Ledger.RateBurst,
		BreakerFailures: cfg.Ledger.BreakerFailures,
		BreakerTimeout:  cfg.Ledger.BreakerTimeout,
		Logger:          logger,
	}
}

func (rt *Runtime) buildStorage(ctx context.Context, cfg *Config) error {
	if !cfg.UsesPostgres() {
		repo := memory.New()
		rt.Store, rt.Journal = repo, repo
		return nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DB.URL, cfg.DB.Schema)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, func() error { pool.Close(); return nil })

	if cfg.DB.Migrate {
		if err := postgres.Migrate(ctx, pool, cfg.DB.Schema); err != nil {
			return err
		}
	}
	repo := postgres.NewWithPool(pool)
	rt.Store, rt.Journal = repo, repo
	return nil
}

func (rt *Runtime) buildRedisJournal(ctx context.Context, cfg *Config) (*journalredis.Journal, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Journal.RedisAddr,
		Password: cfg.Journal.RedisPassword,
		DB:       cfg.Journal.RedisDB,
	})
	rt.closers = append(rt.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return journalredis.New(client, cfg.Journal.RedisPrefix), nil
}
