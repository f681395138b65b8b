package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-lexbill/internal/app"
	"github.com/noah-isme/backend-lexbill/internal/common"
	"github.com/noah-isme/backend-lexbill/internal/config"
	"github.com/noah-isme/backend-lexbill/internal/health"
	"github.com/noah-isme/backend-lexbill/internal/obs"
	"github.com/noah-isme/backend-lexbill/internal/ratelimit"
)

const serviceName = "lexbill-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := app.NewLogger(cfg, "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, tracingEnabled := app.InitTracing(ctx, cfg, serviceName, logger)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	var httpMetrics *obs.HTTPMetrics
	if cfg.MetricsEnabled {
		obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)
		httpMetrics = obs.NewHTTPMetrics(cfg.MetricsNamespace, obs.ParseBucketsCSV(cfg.MetricsBucketsMS), nil)
	}

	if cfg.MigrateOnStart {
		if err := app.Migrate(cfg, logger); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
		logger.Info().Msg("migrations applied")
	}

	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	deps, err := app.Open(openCtx, cfg, logger, serviceName)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("open dependencies")
	}
	defer deps.Close()

	taskClient := asynq.NewClient(deps.RedisOpt)
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()

	authService, err := deps.Auth()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth service")
	}
	descriptions, err := deps.ServiceDescriptions(taskClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise service descriptions")
	}
	reports, err := deps.Reporting()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise reporting")
	}
	limiter, err := ratelimit.NewRedis(deps.Redis, cfg.RateLimitPerMinute, "lexbill:ratelimit")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}

	router := newRouter(routerDeps{
		Config:       cfg,
		Logger:       logger,
		Metrics:      httpMetrics,
		Tracing:      tracingEnabled,
		Health:       health.Deps{Pool: deps.DB, Redis: deps.Redis},
		Auth:         authService,
		Descriptions: descriptions,
		Reports:      reports,
		Limiter:      limiter,
		Idem:         common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL},
		Audit:        deps.Audit(),
	})

	var handler http.Handler = router
	if tracingEnabled {
		handler = otelhttp.NewHandler(router, serviceName)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
	}

	health.SetReady(false)
	logger.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
	logger.Info().Msg("server stopped")
}
