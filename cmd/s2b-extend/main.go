// Package main is the entry point for the s2b-extend automation server.
// Users are authenticated by the web frontend; this process only verifies
// the tokens or signed headers it issues.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gujaehyung/s2b-extend/internal/archive"
	"github.com/gujaehyung/s2b-extend/internal/browser"
	"github.com/gujaehyung/s2b-extend/internal/config"
	"github.com/gujaehyung/s2b-extend/internal/crypto"
	"github.com/gujaehyung/s2b-extend/internal/database"
	"github.com/gujaehyung/s2b-extend/internal/http/mw"
	"github.com/gujaehyung/s2b-extend/internal/http/routes"
	"github.com/gujaehyung/s2b-extend/internal/idempotency"
	"github.com/gujaehyung/s2b-extend/internal/logging"
	"github.com/gujaehyung/s2b-extend/internal/metrics"
	"github.com/gujaehyung/s2b-extend/internal/models"
	"github.com/gujaehyung/s2b-extend/internal/pipeline"
	"github.com/gujaehyung/s2b-extend/internal/portal"
	"github.com/gujaehyung/s2b-extend/internal/quota"
	"github.com/gujaehyung/s2b-extend/internal/repository"
	"github.com/gujaehyung/s2b-extend/internal/scheduler"
	"github.com/gujaehyung/s2b-extend/internal/session"
	"github.com/gujaehyung/s2b-extend/internal/shutdown"
	"github.com/gujaehyung/s2b-extend/internal/version"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting s2b-extend",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg := config.Load()
	loc := cfg.Location()

	db, err := database.Open(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Portal passwords and session cookies are stored encrypted.
	enc, err := crypto.NewEncryptorFromSecret(cfg.EncryptionSecret)
	if err != nil {
		logger.Error("failed to initialize encryptor - is ENCRYPTION_SECRET set?", "error", err)
		os.Exit(1)
	}

	repos := repository.NewRepositories(db.DB, enc)
	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Heavy login strategy: a small pool of headless browsers.
	pool := browser.NewPool(cfg, logger)
	if err := pool.Warmup(); err != nil {
		logger.Warn("browser warmup failed - first login will download Chromium", "error", err)
	}
	go pool.StartCleanup(ctx)

	login := portal.NewBrowserLogin(pool, portal.BrowserLoginOptions{
		BaseURL:   cfg.PortalBaseURL,
		UserAgent: cfg.PortalUserAgent,
		Stealth:   !cfg.DisableStealth,
		Timeout:   cfg.LoginTimeout,
		Metrics:   m,
		Logger:    logger,
	})

	// Light strategy: cookie replay over plain HTTP, one client per run.
	newLight := func() (portal.Replayer, error) {
		return portal.NewHTTPClient(portal.HTTPOptions{
			BaseURL:        cfg.PortalBaseURL,
			UserAgent:      cfg.PortalUserAgent,
			RequestTimeout: cfg.PortalRequestTimeout,
			RequestsPerSec: cfg.PortalRequestsPerSec,
			PageSize:       cfg.PortalPageSize,
			WindowDays:     cfg.PortalSearchWindowDays,
			FetchRetries:   cfg.PortalFetchRetries,
			Location:       loc,
			Metrics:        m,
			Logger:         logger,
		})
	}
	clients := portal.NewFactory(login, newLight, repos.Cookie, cfg.PortalMaxRelogins, logger)

	ledger := quota.NewLedger(repos.Quota, repos.Profile, loc, logger)
	processed := idempotency.NewStore(repos.ProcessedItem, loc, logger)

	runner := pipeline.New(clients, ledger, processed, repos.History, m, pipeline.Options{
		ItemDelay: cfg.PortalItemDelay,
		PageDelay: cfg.PortalPageDelay,
	}, logger)

	sessionArchive, err := archive.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize session archive", "error", err)
		os.Exit(1)
	}

	// The scheduler needs the manager and the manager reports back to the
	// scheduler, so the hook reads sched once both exist.
	var sched *scheduler.Scheduler
	manager := session.NewManager(runner, ledger, session.Options{
		Retention:       cfg.SessionRetention,
		CleanupInterval: cfg.SessionCleanupInterval,
		LogLimit:        cfg.SessionLogLimit,
		IdleTimeout:     cfg.StreamIdleTimeout,
		Purger:          processed,
		PurgeAfter:      cfg.IdempotencyRetention,
		OnFinish: func(ctx context.Context, snap models.Snapshot) {
			sessionArchive.OnFinish(ctx, snap)
			if sched != nil {
				sched.SessionFinished(ctx, snap)
			}
		},
		Metrics: m,
	}, logger)
	go manager.StartCleanup(ctx)

	sched = scheduler.New(repos.Schedule, repos.Account, repos.Profile, manager, m, scheduler.Options{
		Tick:     cfg.SchedulerTick,
		Interval: cfg.ScheduleInterval,
		Stagger:  cfg.ScheduleStagger,
	}, logger)
	if cfg.SchedulerEnabled {
		go sched.Run(ctx)
	}

	auth := mw.NewAuthenticator(mw.AuthConfig{
		JWTSecret:            cfg.JWTSecret,
		FrontendSecret:       cfg.FrontendSecret,
		AllowUnauthenticated: cfg.AllowUnauthenticated,
		IsAdmin:              cfg.IsAdmin,
		Plans:                repos.Profile,
		Logger:               logger,
	})
	if !auth.Enabled() && !cfg.AllowUnauthenticated {
		logger.Warn("no JWT_SECRET or FRONTEND_SECRET set - every protected request will be rejected")
	}

	idle := shutdown.NewIdleMonitor(shutdown.IdleConfig{
		Timeout: cfg.IdleTimeout,
		Busy:    func() bool { return manager.Running() > 0 },
		Logger:  logger,
	})
	idle.Start()
	defer idle.Stop()

	router := routes.NewRouter(routes.Deps{
		Config:    cfg,
		Auth:      auth,
		Sessions:  manager,
		Schedules: sched,
		Usage:     ledger,
		Repos:     repos,
		Archive:   sessionArchive,
		Pool:      pool,
		Metrics:   m.Handler(),
		Activity:  idle.Middleware,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

		select {
		case sig := <-sigChan:
			logger.Info("shutting down server", "signal", sig.String())
		case <-idle.Done():
			logger.Info("shutting down idle server")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("sessions did not stop in time", "error", err)
		}
		cancel()
		pool.Close()
	}()

	logger.Info("starting server", "port", cfg.Port, "portal", cfg.PortalBaseURL, "scheduler", cfg.SchedulerEnabled)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("server stopped")
}
