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

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/authority/internal/config"
	"github.com/ehr/authority/internal/domain/changes"
	"github.com/ehr/authority/internal/domain/ingest"
	"github.com/ehr/authority/internal/platform/auth"
	"github.com/ehr/authority/internal/platform/db"
	"github.com/ehr/authority/internal/platform/docstore"
	"github.com/ehr/authority/internal/platform/events"
	"github.com/ehr/authority/internal/platform/hashindex"
	"github.com/ehr/authority/internal/platform/hashing"
	"github.com/ehr/authority/internal/platform/middleware"
	"github.com/ehr/authority/internal/platform/validation"
)

const version = "0.1.0"

// newPublisher is replaced in tests that exercise the remote deployment
// without a broker.
var newPublisher = func(cfg *config.Config, logger zerolog.Logger) (events.Publisher, func() error, error) {
	p, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaClientID, cfg.KafkaTopicPrefix,
		events.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// server owns the echo instance and every backend connection it opened.
type server struct {
	echo    *echo.Echo
	closers []func() error
}

func (s *server) close(logger zerolog.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Error().Err(err).Msg("closing backend")
		}
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: requests without a bearer token are treated as admin")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close(logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).
			Str("storage_mode", cfg.StorageMode).
			Str("hash_store", cfg.HashStore).
			Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	srv := &server{}
	ok := false
	defer func() {
		if !ok {
			srv.close(logger)
		}
	}()

	index, pinger, err := openHashIndex(ctx, cfg, srv)
	if err != nil {
		return nil, err
	}

	docs := openDocstore(cfg)
	detector := changes.NewDetector(hashing.New(), index, docs)

	opts := []ingest.Option{
		ingest.WithChunkSize(cfg.ChunkSize),
		ingest.WithChunkConcurrency(cfg.ChunkConcurrency),
		ingest.WithTenantIdentifierSystem(cfg.TenantIdentifierSystem),
		ingest.WithLogger(logger),
	}
	if cfg.Validated() {
		publisher, closePublisher, err := newPublisher(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to kafka: %w", err)
		}
		srv.closers = append(srv.closers, closePublisher)

		var tracker validation.Tracker = validation.NewLogTracker(logger)
		if cfg.ValidationTrackerURL != "" {
			ht := validation.NewHTTPTracker(cfg.ValidationTrackerURL, cfg.ValidationTrackerSecret, logger)
			srv.closers = append(srv.closers, func() error { ht.Wait(); return nil })
			tracker = ht
		}
		validator := validation.NewRegistry(validation.NewStructural())
		opts = append(opts, ingest.WithValidation(validator, tracker, publisher))
	}
	svc := ingest.NewService(detector, index, docs, opts...)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(middleware.BodyLimit("1M", "32M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"mode":    string(svc.Mode()),
		})
	})
	if pinger != nil {
		e.GET("/health/db", db.HealthHandler(cfg.HashStore, pinger))
	}

	ingest.NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))

	srv.echo = e
	ok = true
	return srv, nil
}

// openHashIndex returns the configured index and, for database backends, the
// connection used by /health/db.
func openHashIndex(ctx context.Context, cfg *config.Config, srv *server) (hashindex.Store, db.Pinger, error) {
	switch cfg.HashStore {
	case config.HashStorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		srv.closers = append(srv.closers, func() error { pool.Close(); return nil })
		return hashindex.NewPostgresStore(pool), pool, nil
	case config.HashStoreSQLite:
		store, err := hashindex.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		srv.closers = append(srv.closers, store.Close)
		return store, store, nil
	default:
		return hashindex.NewMemoryStore(), nil, nil
	}
}

func openDocstore(cfg *config.Config) docstore.Gateway {
	if cfg.StorageMode != config.StorageRemote {
		return docstore.NewMemoryStore()
	}
	return docstore.NewRemoteStore(cfg.DocstoreURL,
		docstore.WithHTTPClient(&http.Client{Timeout: cfg.DocstoreTimeout}),
		docstore.WithBearerToken(cfg.DocstoreToken),
		docstore.WithGzip(cfg.DocstoreGzip),
	)
}
