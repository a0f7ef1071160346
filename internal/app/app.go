// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bissquit/relay/internal/config"
	"github.com/bissquit/relay/internal/pkg/ctxlog"
	"github.com/bissquit/relay/internal/pkg/httputil"
	"github.com/bissquit/relay/internal/pkg/metrics"
	"github.com/bissquit/relay/internal/queue"
	"github.com/bissquit/relay/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const metricsInterval = 15 * time.Second

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	store         queue.Store
	db            *pgxpool.Pool // nil unless the postgres driver is used
	handlers      []queue.Handler
	service       *queue.Service
	claimer       *queue.Claimer
	reaper        *queue.Reaper
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
}

// New creates a new application instance. Background loops are not
// started until Run.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	store, db, err := OpenStore(connectCtx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	handlers, err := buildHandlers(cfg)
	if err != nil {
		_ = store.Close()
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("build handlers: %w", err)
	}

	app := &App{
		config:   cfg,
		logger:   logger,
		store:    store,
		db:       db,
		handlers: handlers,
	}

	worker := queue.NewWorker(cfg.Queue.WorkerID, store, handlers...)

	app.reaper = queue.NewReaper(queue.ReaperConfig{
		Interval:   cfg.Queue.ReapInterval,
		StaleAfter: cfg.Queue.StaleAfter,
	}, store)

	app.claimer = queue.NewClaimer(cfg.Queue.ClaimerConfig(), store, worker)

	app.service = queue.NewService(store, app.reaper, worker.Kinds(), cfg.Queue.MaxAttempts)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metrics.BuildInfo.WithLabelValues(version.Version, version.GitCommit).Set(1)

	logger.Info("application configured",
		"driver", cfg.Database.Driver,
		"worker_id", cfg.Queue.WorkerID,
		"kinds", worker.Kinds(),
		"auth_enabled", cfg.Auth.JWTSecret != "",
	)

	return app, nil
}

// Run starts the reaper, the claimer, the metrics collectors and the HTTP
// servers. It blocks until the API server stops.
func (a *App) Run() error {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	a.bgCancel = bgCancel

	// Recover claims left by a previous crash before claiming new work.
	a.reaper.Start(bgCtx)
	a.claimer.Start(bgCtx)

	if a.db != nil {
		go a.collectDBMetrics(bgCtx)
	}
	go a.collectQueueMetrics(bgCtx)

	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops claiming and cancels in-flight items, waiting for them to
// settle until ctx is done, then stops the servers and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	var errs []error
	if err := a.claimer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.reaper.Stop()

	var g errgroup.Group
	g.Go(func() error {
		if err := a.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})
	errs = append(errs, g.Wait())

	errs = append(errs, closeHandlers(a.handlers))

	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if a.db != nil {
		a.db.Close()
	}

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Service returns the queue service. Used by tests and CLI commands.
func (a *App) Service() *queue.Service {
	return a.service
}

// Claimer returns the claimer so tests can drive polls directly.
func (a *App) Claimer() *queue.Claimer {
	return a.claimer
}

func (a *App) collectDBMetrics(ctx context.Context) {
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.store.Stats(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					a.logger.Error("failed to get queue stats", "error", err)
				}
				continue
			}
			queue.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLogger(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	queueHandler := queue.NewHTTPHandler(a.service)

	r.Route("/api/v1", func(r chi.Router) {
		if a.config.Auth.JWTSecret != "" {
			r.Use(httputil.BearerAuth([]byte(a.config.Auth.JWTSecret)))
		}
		queueHandler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.service.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
