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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/inpatient/internal/config"
	"github.com/ehr/inpatient/internal/domain/inpatient"
	"github.com/ehr/inpatient/internal/platform/audit"
	"github.com/ehr/inpatient/internal/platform/auth"
	"github.com/ehr/inpatient/internal/platform/cache"
	"github.com/ehr/inpatient/internal/platform/db"
	"github.com/ehr/inpatient/internal/platform/directory"
	"github.com/ehr/inpatient/internal/platform/middleware"
	"github.com/ehr/inpatient/internal/platform/telemetry"
)

const version = "0.1.0"

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	defaultOrg, _ := cfg.DefaultOrganization()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    "inpatient-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		TracingEnabled: cfg.OTelEnabled,
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     cfg.OTelSampleRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	opts := []inpatient.Option{
		inpatient.WithLogger(logger),
		inpatient.WithMetrics(tel.Metrics),
		inpatient.WithTracer(tel.Tracer("github.com/ehr/inpatient/internal/domain/inpatient")),
		inpatient.WithDirectories(buildDirectories(cfg, pool)),
	}
	health := map[string]db.Pinger{}

	// Census cache
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisURL, "inpatient:")
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, census cache disabled")
		} else {
			defer rc.Close()
			opts = append(opts, inpatient.WithCache(rc, cfg.CensusCacheTTL))
			health["redis"] = rc
			logger.Info().Msg("census cache enabled")
		}
	}

	// Audit
	sink, closeSinks, err := buildAuditSink(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure audit sinks")
	}
	async := audit.NewAsyncSink(sink, cfg.AuditBufferSize, logger)
	async.OnDrop = func(_ audit.Event, reason string) { tel.Metrics.AuditDrop(reason) }
	opts = append(opts, inpatient.WithAudit(async))

	svc := inpatient.NewService(inpatient.NewPGStore(pool), opts...)

	// Background reconciler
	targets, err := reconcileTargets(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid RECONCILE_TENANTS")
	}
	reconciler := inpatient.NewReconciler(svc, cfg.ReconcileInterval, targets, func(ctx context.Context, tenantID string) (context.Context, func(), error) {
		return db.WithTenant(ctx, pool, tenantID)
	}, logger)
	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		_ = reconciler.Run(ctx)
	}()

	e := newEcho(cfg, pool, tel, logger, health)
	inpatient.NewHandler(svc).RegisterRoutes(e.Group("/api/v1", apiMiddleware(cfg, pool, defaultOrg)...))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	<-reconcileDone
	async.Shutdown(shutdownCtx)
	closeSinks()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, pool *pgxpool.Pool, tel *telemetry.Provider, logger zerolog.Logger, health map[string]db.Pinger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(tel.TracingMiddleware())
	e.Use(tel.MetricsMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/health", "/metrics"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID", auth.OrganizationHeader},
	}))

	e.GET("/health", db.HealthHandler(pool, health))
	e.GET("/metrics", tel.PrometheusHandler())
	return e
}

// apiMiddleware is the chain for /api/v1: identity first, then the tenant
// connection, then per-caller rate limiting.
func apiMiddleware(cfg *config.Config, pool *pgxpool.Pool, defaultOrg uuid.UUID) []echo.MiddlewareFunc {
	var authn echo.MiddlewareFunc
	if cfg.ResolvedAuthMode() == "development" {
		authn = auth.DevAuthMiddleware(defaultOrg)
	} else {
		var key []byte
		if cfg.AuthSignKey != "" {
			key = []byte(cfg.AuthSignKey)
		}
		authn = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: key,
		})
	}
	return []echo.MiddlewareFunc{
		authn,
		db.TenantMiddleware(pool, cfg.DefaultTenant),
		middleware.RateLimit(rateLimitConfig(cfg)),
	}
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0 {
		return middleware.DefaultRateLimitConfig()
	}
	return rl
}

// buildAuditSink fans events out to every configured sink. The returned func
// closes sinks that hold connections.
func buildAuditSink(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (audit.Sink, func(), error) {
	var sinks audit.MultiSink
	var closers []func() error
	for _, name := range cfg.AuditSinks {
		switch name {
		case "log":
			sinks = append(sinks, audit.NewLogSink(logger))
		case "db":
			if pool == nil {
				return nil, nil, errors.New("audit sink db requires a database pool")
			}
			sinks = append(sinks, audit.NewPGSink(pool))
		case "kafka":
			k := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
			sinks = append(sinks, k)
			closers = append(closers, k.Close)
		default:
			return nil, nil, fmt.Errorf("unknown audit sink %q", name)
		}
	}
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn().Err(err).Msg("close audit sink")
			}
		}
	}
	return sinks, closeAll, nil
}

func buildDirectories(cfg *config.Config, pool *pgxpool.Pool) (directory.PatientDirectory, directory.StaffDirectory) {
	switch cfg.DirectoryMode {
	case "http":
		c := directory.NewHTTPClient(cfg.DirectoryURL, directory.HTTPOptions{Timeout: cfg.DirectoryTimeout, RetryCount: 1})
		return c, c
	case "none":
		return directory.Nop{}, directory.Nop{}
	default:
		d := directory.NewPG(pool)
		return d, d
	}
}

func reconcileTargets(cfg *config.Config) ([]inpatient.ReconcileTarget, error) {
	parsed, err := cfg.ReconcileTargets()
	if err != nil {
		return nil, err
	}
	out := make([]inpatient.ReconcileTarget, 0, len(parsed))
	for _, t := range parsed {
		out = append(out, inpatient.ReconcileTarget{TenantID: t.Tenant, OrganizationID: t.OrganizationID})
	}
	return out, nil
}
