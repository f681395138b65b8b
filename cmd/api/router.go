package main

import (
	"crypto/subtle"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-lexbill/internal/audit"
	"github.com/noah-isme/backend-lexbill/internal/auth"
	"github.com/noah-isme/backend-lexbill/internal/common"
	"github.com/noah-isme/backend-lexbill/internal/config"
	"github.com/noah-isme/backend-lexbill/internal/health"
	"github.com/noah-isme/backend-lexbill/internal/obs"
	"github.com/noah-isme/backend-lexbill/internal/ratelimit"
	"github.com/noah-isme/backend-lexbill/internal/reporting"
	"github.com/noah-isme/backend-lexbill/internal/security"
	"github.com/noah-isme/backend-lexbill/internal/servicedesc"
)

type routerDeps struct {
	Config       *config.Config
	Logger       zerolog.Logger
	Metrics      *obs.HTTPMetrics
	Tracing      bool
	Health       health.Checker
	Auth         *auth.Service
	Descriptions *servicedesc.Service
	Reports      *reporting.Service
	Limiter      ratelimit.Limiter
	Idem         common.Idem
	Audit        *audit.Service
}

func newRouter(d routerDeps) http.Handler {
	cfg := d.Config
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if d.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if d.Metrics != nil {
		r.Use(obs.HTTPObs{Metrics: d.Metrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: d.Logger}.Middleware)
	r.Use(security.CORS(cfg.CORSAllowedOrigins))
	r.Use(security.Headers{EnableHSTS: cfg.AppEnv == "production"}.Middleware)

	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.PprofEnabled {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.PprofUser, cfg.PprofPass))
	}

	healthHandler := health.Handler{
		Checker:      d.Health,
		DBTimeout:    cfg.HealthDBTimeout,
		RedisTimeout: cfg.HealthRedisTimeout,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	authMiddleware := auth.Middleware{Service: d.Auth}
	limit := ratelimit.Handler{
		Limiter: d.Limiter,
		OnError: func(err error) { d.Logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}.Middleware
	guard := func(scope string, extra ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
		chain := chi.Chain(append([]func(http.Handler) http.Handler{
			authMiddleware.RequireAuth,
			limit,
			auth.RequireScope(scope),
		}, extra...)...)
		return chain.Handler
	}

	auditRecorder := audit.HTTPRecorder{
		Service: d.Audit,
		OnError: func(err error) { d.Logger.Error().Err(err).Msg("record audit entry") },
	}.Middleware(audit.HTTPConfig{ResourceType: "service_description", ResourceIDParam: "id"})

	tokenHandler := &auth.Handler{Service: d.Auth, Logger: d.Logger}
	descriptions := servicedesc.NewHandler(servicedesc.HandlerConfig{
		Service:      d.Descriptions,
		Logger:       d.Logger,
		DefaultLimit: cfg.ListDefaultLimit,
		MaxLimit:     cfg.ListMaxLimit,
	})
	reports := &reporting.Handler{Service: d.Reports, Logger: d.Logger}

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)
		v.With(limit).Post("/auth/token", tokenHandler.Token)
		v.Mount("/service-descriptions", descriptions.Routes(
			guard(auth.ScopeBillingRead),
			guard(auth.ScopeBillingWrite, d.Idem.Middleware, auditRecorder),
		))
		v.With(guard(auth.ScopeReportsRead)).Get("/reports/time", reports.TimeReport)
		if d.Audit != nil {
			auditHandler := audit.Handler{Store: d.Audit.Store, Logger: d.Logger}
			v.With(guard(auth.ScopeBillingRead)).Get("/audit", auditHandler.List)
		}
	})

	return r
}

// newPprofMux serves the profiles under their full /debug/pprof paths; chi's
// Mount leaves the request path untouched.
func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="restricted"`)
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorised", nil)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
