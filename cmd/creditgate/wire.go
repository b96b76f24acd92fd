package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/analyzer"
	"github.com/ineyio/creditgate/meter"
	"github.com/ineyio/creditgate/provider/gemini"
	"github.com/ineyio/creditgate/provider/mock"
	"github.com/ineyio/creditgate/provider/openaicompat"
	"github.com/ineyio/creditgate/quota"
	quotapg "github.com/ineyio/creditgate/quota/postgres"
	quotaredis "github.com/ineyio/creditgate/quota/redis"
)

// dependencies holds the infrastructure built from config.
type dependencies struct {
	cfg      creditgate.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	quota    *creditgate.Service
	meter    creditgate.Meter
	redis    *goredis.Client
	pgStore  *quotapg.Store
	pool     *pgxpool.Pool
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
	if d.logger != nil {
		_ = d.logger.Sync() // Best-effort sync
	}
}

// initLogger initializes the structured logger.
func initLogger(cfg creditgate.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// initDependencies loads config and connects the ledger backends.
//
// Anonymous balances always live in this process. Authenticated balances and
// their reservations use the configured backend.
func initDependencies(ctx context.Context) (*dependencies, error) {
	cfg, err := creditgate.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := initLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	d := &dependencies{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		ledger       creditgate.LedgerStore
		reservations creditgate.ReservationStore
	)
	switch cfg.Storage.Backend {
	case creditgate.BackendRedis:
		rc := cfg.Storage.Redis
		d.redis = goredis.NewClient(&goredis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := d.redis.Ping(ctx).Err(); err != nil {
			d.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", rc.Addr, err)
		}
		opts := []quotaredis.Option{
			quotaredis.WithKeyPrefix(rc.KeyPrefix),
			quotaredis.WithRetention(cfg.Quota.ReservationRetention),
		}
		ledger = quotaredis.NewLedger(d.redis, opts...)
		reservations = quotaredis.NewReservations(d.redis, opts...)

	case creditgate.BackendPostgres:
		pc := cfg.Storage.Postgres
		d.pool, err = pgxpool.New(ctx, pc.DSN)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("create postgres pool: %w", err)
		}
		if err := d.pool.Ping(ctx); err != nil {
			d.Close()
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		opts := []quotapg.Option{quotapg.WithRetention(cfg.Quota.ReservationRetention)}
		if pc.TablePrefix != "" {
			opts = append(opts, quotapg.WithTablePrefix(pc.TablePrefix))
		}
		d.pgStore = quotapg.New(d.pool, opts...)
		ledger = d.pgStore.Ledger()
		reservations = d.pgStore.Reservations()

	default:
		ledger = quota.NewMemoryLedger()
		reservations = quota.NewMemoryReservations(quota.WithRetention(cfg.Quota.ReservationRetention))
	}

	d.meter = meter.Multi{
		meter.NewLogMeter(logger),
		meter.NewPromMeter(d.registry),
	}

	d.quota, err = creditgate.NewService(cfg.Quota,
		creditgate.WithLedger(creditgate.KindAnonymous, quota.NewMemoryLedger()),
		creditgate.WithKindReservationStore(creditgate.KindAnonymous,
			quota.NewMemoryReservations(quota.WithRetention(cfg.Quota.ReservationRetention))),
		creditgate.WithLedger(creditgate.KindAuthenticated, ledger),
		creditgate.WithKindReservationStore(creditgate.KindAuthenticated, reservations),
		creditgate.WithServiceMeter(d.meter),
	)
	if err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}

// initAnalyzer builds the providers in configured order.
func initAnalyzer(ctx context.Context, cfg creditgate.AnalyzerConfig, logger *zap.Logger) (*analyzer.Analyzer, error) {
	providers := make([]analyzer.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := newProvider(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		providers = append(providers, p)
	}
	return analyzer.New(providers, analyzer.WithLogger(logger.Named("analyzer")))
}

func newProvider(ctx context.Context, pc creditgate.ProviderConfig) (analyzer.Provider, error) {
	switch pc.Type {
	case "gemini":
		opts := []gemini.Option{gemini.WithName(pc.Name), gemini.WithModel(pc.Model)}
		if pc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(pc.BaseURL))
		}
		return gemini.New(ctx, pc.APIKey, opts...)
	case "openai":
		opts := []openaicompat.Option{openaicompat.WithName(pc.Name), openaicompat.WithModel(pc.Model)}
		if pc.BaseURL != "" {
			opts = append(opts, openaicompat.WithBaseURL(pc.BaseURL))
		}
		return openaicompat.New(pc.APIKey, opts...), nil
	case "mock":
		return mock.New(mock.WithName(pc.Name), mock.WithModel(pc.Model)), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}
