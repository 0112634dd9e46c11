package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careagent/pregnancy/internal/config"
	"github.com/careagent/pregnancy/internal/domain/catalog"
	"github.com/careagent/pregnancy/internal/domain/contract"
	"github.com/careagent/pregnancy/internal/domain/protocol"
	"github.com/careagent/pregnancy/internal/domain/symptom"
	"github.com/careagent/pregnancy/internal/platform/agent"
	"github.com/careagent/pregnancy/internal/platform/auth"
	"github.com/careagent/pregnancy/internal/platform/db"
	"github.com/careagent/pregnancy/internal/platform/lock"
	"github.com/careagent/pregnancy/internal/platform/middleware"
	"github.com/careagent/pregnancy/internal/platform/notification"
	"github.com/careagent/pregnancy/internal/platform/telemetry"
)

const (
	serviceName    = "pregnancy-agent"
	serviceVersion = "0.1.0"
	livenessText   = "Pregnancy monitoring agent is running."
	maxBodySize    = "1M"

	// doctor and patient message sent after an order change
	notifyCalls = 2
)

// app holds every wired component of the service.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool   *pgxpool.Pool // nil with the SQLite store
	sqlite *sql.DB

	store     contract.Repository
	catalog   *catalog.Catalog
	locker    lock.Locker
	agent     *agent.Client
	notifier  *notification.Notifier
	telemetry *telemetry.Provider
	metrics   *telemetry.Metrics

	engine    *protocol.Engine
	contracts *contract.Service
	symptoms  *symptom.Service

	closers []func()
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newApp opens the stores and builds the service graph. Close releases
// whatever was opened, also after a failed build.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.loadCatalog(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openLocker(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openTelemetry(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.agent = agent.New(agent.Config{
		Host:    cfg.AgentHost,
		APIKey:  cfg.AgentAPIKey,
		AgentID: cfg.AgentID,
		Timeout: cfg.AgentTimeout,
		RPS:     cfg.AgentRPS,
		Burst:   cfg.AgentBurst,
	}, logger.With().Str("component", "agent").Logger())
	a.notifier = notification.NewNotifier(a.agent, notification.NewTemplateEngine(), logger)

	reconciler := protocol.NewReconciler(a.catalog, a.agent, a.notifier, a.store, a.metrics, logger)
	trend := protocol.NewTrendMonitor(a.agent, a.notifier, cfg.TrendFreshness, logger)
	a.engine = protocol.NewEngine(protocol.EngineConfig{
		Store:      a.store,
		Catalog:    a.catalog,
		Reconciler: reconciler,
		Trend:      trend,
		Locker:     a.locker,
		Metrics:    a.metrics,
		Interval:   cfg.EvaluationInterval,
		Logger:     logger.With().Str("component", "engine").Logger(),
	})

	a.contracts = contract.NewService(a.store, a.catalog, a.locker, logger)
	a.contracts.SetEvaluator(a.engine.Trigger)
	a.symptoms = symptom.NewService(a.store, a.agent, a.notifier, logger)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if path, ok := db.SQLitePath(a.cfg.DatabaseURL); ok {
		conn, err := db.OpenSQLite(ctx, path)
		if err != nil {
			return err
		}
		a.sqlite = conn
		a.closers = append(a.closers, func() { _ = conn.Close() })

		repo, err := contract.NewRepoSQLite(ctx, conn)
		if err != nil {
			return err
		}
		a.store = repo
		a.logger.Info().Str("path", path).Msg("using sqlite store")
		return nil
	}

	pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	a.store = contract.NewRepoPG(pool)
	a.logger.Info().Msg("connected to database")
	return nil
}

// loadCatalog prefers CATALOG_FILE, then the stored catalog, then the
// embedded default.
func (a *app) loadCatalog(ctx context.Context) error {
	var (
		cat    *catalog.Catalog
		err    error
		source string
	)
	switch {
	case a.cfg.CatalogFile != "":
		cat, err = catalog.LoadYAML(a.cfg.CatalogFile)
		source = a.cfg.CatalogFile
	case a.pool != nil:
		cat, err = catalog.Load(ctx, catalog.NewRepoPG(a.pool))
		source = "database"
		if err == nil && cat.Len() == 0 {
			a.logger.Warn().Msg("stored catalog is empty, using the default catalog")
			cat, err = catalog.Default()
			source = "default"
		}
	default:
		cat, err = catalog.Default()
		source = "default"
	}
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	a.catalog = cat
	a.logger.Info().Str("source", source).Int("orders", cat.Len()).Int("risks", len(cat.Risks())).Msg("catalog loaded")
	return nil
}

func (a *app) openLocker(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		a.locker = lock.NewLocal()
		return nil
	}
	ttl := a.lockTTL()
	if ttl > a.cfg.LockTTL {
		a.logger.Warn().Dur("configured", a.cfg.LockTTL).Dur("lease", ttl).Msg("LOCK_TTL raised to cover one contract evaluation")
	}
	rl, err := lock.NewRedisLocker(a.cfg.RedisURL, ttl, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = rl.Close() })
	if err := rl.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	a.locker = rl
	a.logger.Info().Msg("using redis contract locks")
	return nil
}

// lockTTL is the contract lease: LOCK_TTL, raised when needed so that it
// outlasts every catalog command, the change messages and one spare call.
func (a *app) lockTTL() time.Duration {
	need := a.cfg.ContractBudget(a.catalog.Len() + notifyCalls + 1)
	if a.cfg.LockTTL >= need {
		return a.cfg.LockTTL
	}
	return need
}

// engineDrain is how long shutdown waits for the engine to finish the
// contract it is on, trend check included, before warning.
func (a *app) engineDrain() time.Duration {
	return a.lockTTL() + a.cfg.ContractBudget(protocol.TrendCalls())
}

func (a *app) openTelemetry(ctx context.Context) error {
	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		OTLPEndpoint:   a.cfg.OTLPEndpoint,
		Insecure:       !a.cfg.IsProduction(),
		Environment:    a.cfg.Env,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = tp
	a.closers = append(a.closers, func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			a.logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	})

	m, err := telemetry.NewMetrics(tp.Meter())
	if err != nil {
		return fmt.Errorf("telemetry metrics: %w", err)
	}
	a.metrics = m
	return nil
}

// router builds the HTTP API. Everything except the liveness and health
// routes requires the shared key.
func (a *app) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
	}))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout))
	e.Use(a.metrics.Middleware())
	e.Use(auth.KeyAuth(a.cfg.AppKey, auth.AuthSkipper))

	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, livenessText)
	})
	e.GET("/health", db.HealthHandler(a.store, a.pool))
	e.POST("/message", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	api := e.Group("")
	contract.NewHandler(a.contracts, a.logger).RegisterRoutes(api)
	symptom.NewHandler(a.symptoms, a.logger).RegisterRoutes(api)
	return e
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
