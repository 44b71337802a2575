package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/visitbilling/internal/config"
	"github.com/ehr/visitbilling/internal/domain/visit"
	"github.com/ehr/visitbilling/internal/platform/auth"
	"github.com/ehr/visitbilling/internal/platform/db"
	"github.com/ehr/visitbilling/internal/platform/hellonote"
	"github.com/ehr/visitbilling/internal/platform/metrics"
	"github.com/ehr/visitbilling/internal/platform/middleware"
	"github.com/ehr/visitbilling/internal/platform/notification"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	pool       *pgxpool.Pool
	repo       visit.Repository
	registry   *prometheus.Registry
	dispatcher *notification.Dispatcher
	ingester   *visit.Ingester
	importer   *visit.Importer
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadApp reads configuration, connects to the database and wires the
// ingestion pipeline.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Env)

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "billing-server",
		ConnectTimeout:  10 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	a, err := wire(cfg, logger, pool, visit.NewRepo(pool))
	if err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// wire builds everything above the repository.
func wire(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, repo visit.Repository) (*app, error) {
	registry := metrics.NewRegistry()
	ingestMetrics, err := metrics.NewIngestMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	notifier, err := notification.FromConfig(cfg.PowerAutomateURL, cfg.NotifyURLs, cfg.NotifyTimeout)
	if err != nil {
		return nil, fmt.Errorf("configure notifications: %w", err)
	}
	dispatcher := notification.NewDispatcher(notifier, cfg.NotifyTimeout, logger.With().Str("component", "notify").Logger())

	ingester := visit.NewIngester(repo,
		visit.WithChunkSize(cfg.IngestChunkSize),
		visit.WithNoteNumberMatch(cfg.IngestMatchNoteNumber),
		visit.WithLogger(logger.With().Str("component", "ingest").Logger()),
		visit.WithRecorder(ingestMetrics),
		visit.WithAnnouncer(dispatcher),
	)

	var importer *visit.Importer
	if cfg.HelloNoteConfigured() {
		client := hellonote.New(hellonote.Config{
			BaseURL:            cfg.HelloNoteBaseURL,
			Email:              cfg.HelloNoteEmail,
			Password:           cfg.HelloNotePassword,
			OrganizationUnitID: cfg.HelloNoteOrgUnitID,
			PageSize:           cfg.HelloNotePageSize,
			Timeout:            cfg.HelloNoteTimeout,
		}, hellonote.WithLogger(logger.With().Str("component", "hellonote").Logger()))
		importer = visit.NewImporter(client, ingester, repo, dispatcher, ingestMetrics,
			logger.With().Str("component", "import").Logger())
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		repo:       repo,
		registry:   registry,
		dispatcher: dispatcher,
		ingester:   ingester,
		importer:   importer,
	}, nil
}

// close flushes pending notifications and releases the pool.
func (a *app) close() {
	a.dispatcher.Wait()
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) requireImporter() error {
	if a.importer == nil {
		return fmt.Errorf("HELLONOTE_EMAIL and HELLONOTE_PASSWORD are required")
	}
	return nil
}

func (a *app) newServer() *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M", fmt.Sprintf("%dM", cfg.MaxUploadMB)))

	if cfg.ResolvedAuthMode() == "development" {
		a.logger.Warn().Msg("development auth is active: every request without a token is an admin")
		e.Use(auth.DevAuthMiddleware(cfg.DevUserID, auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	e.GET("/metrics", metrics.Handler(a.registry))

	apiV1 := e.Group("/api/v1")
	visit.NewHandler(a.repo, a.ingester, a.importer, visit.HandlerConfig{
		Upload:           visit.UploadOptions{ExcludeSupervisors: cfg.UploadExcludeSupervisors},
		MaxUploadBytes:   cfg.MaxUploadBytes(),
		HoldLookbackDays: cfg.HoldLookbackDays,
		HoldReviewerID:   cfg.HoldReviewerID,
		Logger:           a.logger.With().Str("component", "visits").Logger(),
	}).RegisterRoutes(apiV1)

	return e
}
