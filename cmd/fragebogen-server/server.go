package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/Admiral9633/fragebogen/internal/config"
	"github.com/Admiral9633/fragebogen/internal/domain/questionnaire"
	"github.com/Admiral9633/fragebogen/internal/platform/auth"
	"github.com/Admiral9633/fragebogen/internal/platform/db"
	"github.com/Admiral9633/fragebogen/internal/platform/middleware"
	"github.com/Admiral9633/fragebogen/internal/platform/notification"
	"github.com/Admiral9633/fragebogen/internal/platform/telemetry"
)

const shutdownTimeout = 10 * time.Second

// serverDeps carries everything newServer wires into routes. pool and
// migrator are nil with in-memory storage, metrics is nil when disabled.
type serverDeps struct {
	cfg      *config.Config
	logger   zerolog.Logger
	service  *questionnaire.Service
	limiter  middleware.Limiter
	metrics  *telemetry.Metrics
	pool     *pgxpool.Pool
	migrator *db.Migrator
	location *time.Location
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	deps := serverDeps{cfg: cfg, logger: logger, location: loc}

	if cfg.MetricsEnabled {
		deps.metrics = telemetry.New()
	}

	// Storage
	var repo questionnaire.Repository
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn().Msg("using in-memory storage, sessions are lost on restart")
		repo = questionnaire.NewMemoryRepo()
	default:
		pool, err := connect(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")

		deps.pool = pool
		deps.migrator = db.NewMigrator(pool, migrationFiles(cfg))
		if statuses, err := deps.migrator.Status(ctx); err != nil {
			logger.Warn().Err(err).Msg("could not read migration status")
		} else if n := db.Pending(statuses); n > 0 {
			logger.Warn().Int("pending", n).Msg("database has pending migrations, run `fragebogen-server migrate up`")
		}
		if deps.metrics != nil {
			if err := db.RegisterPoolMetrics(deps.metrics.Registerer(), pool); err != nil {
				return fmt.Errorf("register pool metrics: %w", err)
			}
		}
		repo = questionnaire.NewPGRepo(pool)
	}

	// Rate limiting
	rlCfg := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rlCfg.RequestsPerSecond <= 0 || rlCfg.BurstSize <= 0 {
		rlCfg = middleware.DefaultRateLimitConfig()
	}
	if cfg.RedisURL != "" {
		client, err := middleware.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		deps.limiter = middleware.RedisLimiterFromConfig(client, rlCfg)
		logger.Info().Msg("rate limiting via redis")
	} else {
		limiter := middleware.NewMemoryLimiter(rlCfg)
		go limiter.StartCleanup(ctx, time.Minute)
		deps.limiter = limiter
	}

	var observer questionnaire.Observer
	if deps.metrics != nil {
		observer = deps.metrics
	}
	deps.service, err = buildService(cfg, repo, logger, observer, loc)
	if err != nil {
		return err
	}

	e := newServer(deps)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.Storage).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	deps.service.Wait()
	logger.Info().Msg("server stopped")
	return nil
}

// buildService wires the mail provider. Without RESEND_API_KEY emails are
// logged outside production and skipped in production.
func buildService(cfg *config.Config, repo questionnaire.Repository, logger zerolog.Logger, observer questionnaire.Observer, loc *time.Location) (*questionnaire.Service, error) {
	opts := []questionnaire.Option{
		questionnaire.WithLogger(logger),
		questionnaire.WithLinkBase(cfg.PublicBaseURL),
		questionnaire.WithEmailTimeouts(cfg.EmailTimeout, cfg.EmailWait),
	}
	if observer != nil {
		opts = append(opts, questionnaire.WithObserver(observer))
	}

	var sender notification.EmailSender
	switch {
	case cfg.ResendAPIKey != "":
		rs, err := notification.NewResendSender(cfg.ResendAPIKey, cfg.EmailFrom)
		if err != nil {
			return nil, err
		}
		sender = rs
	case !cfg.IsProduction():
		sender = notification.LogSender{Logger: logger}
	default:
		logger.Warn().Msg("RESEND_API_KEY not set, invitation emails are disabled")
	}
	if sender != nil {
		opts = append(opts, questionnaire.WithMailer(
			notification.NewInvitationMailer(sender, nil, cfg.PracticeName, loc),
		))
	}
	return questionnaire.NewService(repo, opts...), nil
}

func newServer(d serverDeps) *echo.Echo {
	cfg := d.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.Recovery(d.logger))
	if d.metrics != nil {
		e.Use(d.metrics.Middleware())
	}
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"storage": cfg.Storage,
		})
	})
	if d.pool != nil {
		e.GET("/health/db", db.HealthHandler(d.pool, d.migrator))
	}
	if d.metrics != nil {
		e.GET("/metrics", d.metrics.Handler())
	}

	public := e.Group("/api/v1")
	public.Use(middleware.RateLimit(d.limiter, middleware.KeyByIPAndRoute, d.logger))

	authCfg := auth.Config{
		APIKey:    cfg.AdminAPIKey,
		JWTSecret: []byte(cfg.AdminJWTSecret),
	}
	if cfg.IsDev() && !authCfg.Enabled() {
		authCfg.Dev = true
		d.logger.Warn().Msg("admin API is open: ENV=development and no admin credential configured")
	}
	admin := e.Group("/api/v1/admin", auth.Middleware(authCfg))

	h := questionnaire.NewHandler(d.service, questionnaire.WithLocation(d.location))
	h.RegisterRoutes(public, admin)
	return e
}
