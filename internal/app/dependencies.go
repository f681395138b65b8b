package app

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-lexbill/internal/audit"
	"github.com/noah-isme/backend-lexbill/internal/auth"
	"github.com/noah-isme/backend-lexbill/internal/config"
	"github.com/noah-isme/backend-lexbill/internal/db"
	"github.com/noah-isme/backend-lexbill/internal/lock"
	"github.com/noah-isme/backend-lexbill/internal/obs"
	"github.com/noah-isme/backend-lexbill/internal/reporting"
	"github.com/noah-isme/backend-lexbill/internal/servicedesc"
)

// Dependencies holds the connections shared by the API and the worker.
type Dependencies struct {
	Config   *config.Config
	Logger   zerolog.Logger
	DB       *pgxpool.Pool
	Redis    *redis.Client
	RedisOpt asynq.RedisConnOpt
}

// NewLogger builds the process logger tagged with the environment and component.
func NewLogger(cfg *config.Config, component string) zerolog.Logger {
	return obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().
		Str("env", cfg.AppEnv).
		Str("component", component).
		Logger()
}

// InitTracing installs the global tracer provider when tracing is enabled. The
// returned shutdown func is never nil.
func InitTracing(ctx context.Context, cfg *config.Config, serviceName string, logger zerolog.Logger) (func(context.Context) error, bool) {
	noop := func(context.Context) error { return nil }
	if !cfg.TracingEnabled {
		return noop, false
	}
	shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   serviceName,
		Endpoint:      cfg.OTLPEndpoint,
		Exporter:      cfg.TracingExporter,
		SamplingRatio: cfg.TracingSamplingRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		return noop, false
	}
	return shutdown, true
}

// Open connects to Postgres and Redis. appName is reported to Postgres as the
// application_name of every connection.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger, appName string) (*Dependencies, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri for tasks: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if cfg.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Dependencies{
		Config:   cfg,
		Logger:   logger,
		DB:       pool,
		Redis:    redisClient,
		RedisOpt: redisOpt,
	}, nil
}

// Close releases the pool and the Redis client.
func (d *Dependencies) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// Migrate applies pending schema migrations.
func Migrate(cfg *config.Config, logger zerolog.Logger) error {
	m, err := db.NewMigrator(cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			logger.Warn().AnErr("source", srcErr).AnErr("database", dbErr).Msg("close migrator")
		}
	}()
	return db.Up(m)
}

// ServiceDescriptions wires the service-description service. tasks may be nil
// in processes that never finalize.
func (d *Dependencies) ServiceDescriptions(tasks servicedesc.TaskEnqueuer) (*servicedesc.Service, error) {
	return servicedesc.NewService(servicedesc.ServiceConfig{
		Store:  servicedesc.NewStore(d.DB),
		Cache:  servicedesc.NewTotalsCache(d.Redis, d.Config.TotalsCacheTTL),
		Tasks:  tasks,
		Locker: lock.Locker{R: d.Redis},
		Logger: d.Logger,
	})
}

// Reporting wires the time-report service.
func (d *Dependencies) Reporting() (*reporting.Service, error) {
	return reporting.NewService(reporting.NewStore(d.DB), d.Config.ReportMaxRangeDays)
}

// Auth wires the client-credentials token service.
func (d *Dependencies) Auth() (*auth.Service, error) {
	return auth.NewService(auth.Config{
		Clients:        auth.PGClientStore{Pool: d.DB},
		Secret:         d.Config.JWTSecret,
		AccessTokenTTL: d.Config.AccessTokenTTL,
		Issuer:         d.Config.JWTIssuer,
		Audience:       d.Config.JWTAudience,
	})
}

// Audit wires the audit trail writer.
func (d *Dependencies) Audit() *audit.Service {
	return &audit.Service{Store: audit.NewStore(d.DB), Enabled: d.Config.AuditEnabled}
}
