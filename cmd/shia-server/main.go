package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shia/shia/internal/config"
	"github.com/shia/shia/internal/domain/annotation"
	"github.com/shia/shia/internal/domain/diagnosis"
	"github.com/shia/shia/internal/domain/prediction"
	"github.com/shia/shia/internal/domain/review"
	"github.com/shia/shia/internal/platform/auth"
	"github.com/shia/shia/internal/platform/db"
	"github.com/shia/shia/internal/platform/logging"
	"github.com/shia/shia/internal/platform/middleware"
	"github.com/shia/shia/internal/platform/telemetry"
	"github.com/shia/shia/internal/platform/websocket"
	"github.com/shia/shia/migrations"
)

// imagePrefix is where slice images of a PREDICTIONS_DIR source are served.
const imagePrefix = "/data"

func main() {
	rootCmd := &cobra.Command{
		Use:   "shia-server",
		Short: "S.H.I.A review server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the review API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run session store migrations (postgres backend)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load and validate every prediction document",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			source, err := newPredictionSource(cfg)
			if err != nil {
				return err
			}
			svc := prediction.NewService(source, zerolog.Nop())

			report, err := svc.Check(cmd.Context())
			if err != nil {
				return err
			}
			printCheckReport(cmd.OutOrStdout(), report)
			if !report.OK() {
				return fmt.Errorf("%d of %d patient(s) failed validation", report.Patients-report.Valid, report.Patients)
			}
			return nil
		},
	}
}

func printCheckReport(w io.Writer, r *prediction.CheckReport) {
	fmt.Fprintf(w, "Patients: %d listed, %d valid, %d slices\n", r.Patients, r.Valid, r.Slices)
	sections := []struct {
		title  string
		issues []prediction.CheckIssue
	}{
		{"Missing", r.Missing},
		{"Malformed", r.Malformed},
		{"Failed", r.Failed},
	}
	for _, sec := range sections {
		if len(sec.issues) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s (%d):\n", sec.title, len(sec.issues))
		for _, issue := range sec.issues {
			fmt.Fprintf(w, "  %-12s %s\n", issue.PatientID, issue.Error)
		}
	}
}

// newPredictionSource picks the HTTP or directory source. Directory images
// are served by the server itself under imagePrefix.
func newPredictionSource(cfg *config.Config) (prediction.Source, error) {
	if cfg.PredictionsURL != "" {
		return prediction.NewHTTPSource(cfg.PredictionsURL, cfg.PredictionsTimeout)
	}
	if cfg.PredictionsDir == "" {
		return nil, fmt.Errorf("PREDICTIONS_URL or PREDICTIONS_DIR is required")
	}
	return prediction.NewDirSource(cfg.PredictionsDir, imagePrefix), nil
}

// sessionStore is the durable side of the review sessions. repo is nil for
// the memory backend.
type sessionStore struct {
	repo   review.Repository
	health db.Pinger
	close  func()
}

func openSessionStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sessionStore, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		applied, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrating session store: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("connected to postgres session store")
		return &sessionStore{repo: review.NewPGRepository(pool), health: pool, close: pool.Close}, nil
	case config.BackendSQLite:
		repo, err := review.NewSQLiteRepository(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite session store")
		return &sessionStore{repo: repo, health: repo, close: func() { repo.Close() }}, nil
	default:
		logger.Warn().Msg("review sessions are kept in memory and lost on restart")
		return &sessionStore{close: func() {}}, nil
	}
}

func authMiddleware(cfg *config.Config, logger zerolog.Logger) (echo.MiddlewareFunc, error) {
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	if jwtCfg.Issuer != "" && jwtCfg.JWKSURL == "" && jwtCfg.SigningKey == nil {
		provider, err := auth.NewOIDCProvider(jwtCfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discovering signing keys of %s: %w", jwtCfg.Issuer, err)
		}
		jwtCfg.JWKSURL = provider.JWKSURI
		logger.Info().Str("jwks_url", provider.JWKSURI).Msg("discovered issuer signing keys")
	}

	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg), nil
	}
	return auth.JWTMiddleware(jwtCfg), nil
}

// meteredPublisher counts review events before handing them to the hub.
type meteredPublisher struct {
	next    review.Publisher
	metrics *telemetry.Metrics
}

func (p meteredPublisher) Publish(ctx context.Context, event websocket.Event) error {
	p.metrics.CountEvent(event.Type)
	return p.next.Publish(ctx, event)
}

// server bundles the echo instance with what must be released on exit.
type server struct {
	echo     *echo.Echo
	sessions *review.Sessions
	hub      *websocket.Hub
	metrics  *telemetry.Metrics
	close    func()
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	source, err := newPredictionSource(cfg)
	if err != nil {
		return nil, err
	}
	store, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	authMW, err := authMiddleware(cfg, logger)
	if err != nil {
		store.close()
		return nil, err
	}

	hub := websocket.NewHub(logger)
	metrics := telemetry.NewMetrics()
	sessions := review.NewSessions(store.repo, meteredPublisher{next: hub, metrics: metrics}, logger)
	metrics.GaugeFunc("review_sessions_open", "Review sessions held in memory.", func() int64 {
		return int64(sessions.Count())
	})
	metrics.GaugeFunc("review_viewers_connected", "Connected websocket viewers.", func() int64 {
		return int64(hub.ClientCount())
	})

	predictions := prediction.NewService(source, logger)
	predictionHandler := prediction.NewHandler(predictions, sessions)
	annotationHandler := annotation.NewHandler(
		annotation.NewService(predictions, cfg.CanvasWidth, cfg.CanvasHeight, logger), sessions)
	diagnosisHandler := diagnosis.NewHandler(diagnosis.NewService(predictions, logger), sessions)
	wsHandler := websocket.NewHandler(hub, sessions.Resolve, cfg.CORSOrigins)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevSessionHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"sessions": sessions.Count(),
			"viewers":  hub.ClientCount(),
		})
	})
	e.GET("/metrics", metrics.Handler())
	if store.health != nil {
		e.GET("/health/db", db.HealthHandler(cfg.StoreBackend, store.health))
	}
	if dir, ok := source.(*prediction.DirSource); ok {
		images := e.Group(imagePrefix, authMW)
		prediction.NewImageHandler(dir).RegisterRoutes(images)
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(rateLimitCfg), middleware.Audit(logger))

	predictionHandler.RegisterRoutes(apiV1)
	annotationHandler.RegisterRoutes(apiV1)
	diagnosisHandler.RegisterRoutes(apiV1)
	wsHandler.RegisterRoutes(apiV1)

	apiV1.DELETE("/session", func(c echo.Context) error {
		reqCtx := c.Request().Context()
		sessionID, err := auth.SessionIDFromContext(reqCtx)
		if err != nil {
			return review.SessionError(err)
		}
		if err := sessions.End(reqCtx, sessionID); err != nil {
			logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to end review session")
			return echo.NewHTTPError(http.StatusServiceUnavailable, "review session unavailable")
		}
		return c.NoContent(http.StatusNoContent)
	}, auth.RequireRole(auth.RoleReviewer))

	return &server{echo: e, sessions: sessions, hub: hub, metrics: metrics, close: store.close}, nil
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Logger
	logger, logCloser := logging.New(logging.Options{
		Development: cfg.IsDev(),
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
		MaxSizeMB:   cfg.LogMaxSizeMB,
		MaxBackups:  cfg.LogMaxBackups,
		MaxAgeDays:  cfg.LogMaxAgeDays,
	})
	defer logCloser.Close()
	cfg.WatchLogLevel(func(level string) {
		lvl := logging.SetLevel(level)
		logger.Info().Str("level", lvl.String()).Msg("log level changed")
	})

	ctx := context.Background()
	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize server")
		return err
	}
	defer srv.close()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
