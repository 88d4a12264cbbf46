package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/gujaehyung/s2b-extend/internal/config"
	"github.com/gujaehyung/s2b-extend/internal/http/handlers"
	"github.com/gujaehyung/s2b-extend/internal/http/mw"
	"github.com/gujaehyung/s2b-extend/internal/quota"
	"github.com/gujaehyung/s2b-extend/internal/repository"
)

// Deps are the services the router dispatches to.
type Deps struct {
	Config    *config.Config
	Auth      *mw.Authenticator
	Sessions  handlers.SessionService
	Schedules handlers.ScheduleService
	Usage     handlers.UsageReader
	Repos     *repository.Repositories

	// Optional.
	Archive handlers.ArchiveReader
	Pool    handlers.PoolStatser
	Metrics http.Handler
	// Activity, when set, wraps every request (idle shutdown tracking).
	Activity func(http.Handler) http.Handler

	Logger *slog.Logger
}

// NewRouter builds the chi router with documented Huma routes, the raw
// stream endpoints and the operator routes.
func NewRouter(d Deps) http.Handler {
	router, _ := Build(d)
	return router
}

// Build is NewRouter that also returns the documented API, so the OpenAPI
// document can be rendered without serving it.
func Build(d Deps) (http.Handler, huma.API) {
	cfg := d.Config
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(mw.RequestContext)
	router.Use(middleware.RealIP)
	if d.Activity != nil {
		router.Use(d.Activity)
	}
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-Request-ID",
			mw.HeaderSignature, mw.HeaderTimestamp, mw.HeaderUserID, mw.HeaderTier,
		},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Use(middleware.RequestSize(1 * 1024 * 1024))
	router.Use(httprate.LimitByIP(300, time.Minute))

	healthHandler := handlers.NewHealthHandler(d.Sessions, d.Pool)
	automationHandler := handlers.NewAutomationHandler(d.Sessions, d.Repos.Account, d.Archive, logger)
	streamHandler := handlers.NewStreamHandler(d.Sessions, handlers.StreamOptions{
		IdleTimeout:    cfg.StreamIdleTimeout,
		OriginPatterns: cfg.CORSOrigins,
	}, logger)
	scheduleHandler := handlers.NewScheduleHandler(d.Schedules, logger)
	stats := quota.NewStats(d.Repos.History, d.Repos.Schedule, cfg.Location())
	usageHandler := handlers.NewUsageHandler(d.Usage, stats, d.Repos.History, d.Sessions, logger)
	accountHandler := handlers.NewAccountHandler(d.Repos.Account, d.Repos.Cookie, d.Repos.Schedule, logger)

	// Main API with OpenAPI docs.
	api := humachi.New(router, NewHumaConfig())

	mw.Public(api, http.MethodGet, "/health", healthHandler.Health,
		mw.WithTags("Health"),
		mw.WithSummary("Health check"),
		mw.WithOperationID("healthCheck"))

	// Documentation for the raw stream route. The authenticated chi route
	// registered below replaces its handler.
	streamHandler.RegisterRawEndpoints(api)

	if d.Metrics != nil {
		router.Handle("/metrics", d.Metrics)
	}

	// Every group documents into the main OpenAPI document.
	protectedConfig := newProtectedConfig(api.OpenAPI())

	// Protected routes
	router.Group(func(r chi.Router) {
		r.Use(d.Auth.Middleware)

		protectedAPI := humachi.New(r, protectedConfig)

		mw.ProtectedGet(protectedAPI, "/api/v1/automation/active", automationHandler.ActiveSession,
			mw.WithTags("Automation"),
			mw.WithSummary("Get the caller's running session"),
			mw.WithOperationID("getActiveSession"))
		mw.ProtectedGet(protectedAPI, "/api/v1/automation/sessions/{id}", automationHandler.GetSession,
			mw.WithTags("Automation"),
			mw.WithSummary("Get session status"),
			mw.WithOperationID("getSession"))
		mw.ProtectedPost(protectedAPI, "/api/v1/automation/sessions/{id}/cancel", automationHandler.CancelSession,
			mw.WithTags("Automation"),
			mw.WithSummary("Cancel a session"),
			mw.WithOperationID("cancelSession"))

		// Raw handlers for streaming.
		r.Get("/api/v1/automation/sessions/{id}/stream", streamHandler.Stream)
		r.Get("/api/v1/automation/sessions/{id}/ws", streamHandler.WebSocket)

		mw.ProtectedGet(protectedAPI, "/api/v1/schedule", scheduleHandler.GetSchedule,
			mw.WithTags("Schedule"),
			mw.WithSummary("Get scheduled accounts"),
			mw.WithOperationID("getSchedule"))
		mw.ProtectedPut(protectedAPI, "/api/v1/schedule", scheduleHandler.UpdateSchedule,
			mw.WithTags("Schedule"),
			mw.WithSummary("Enable or disable periodic automation"),
			mw.WithOperationID("updateSchedule"))

		mw.ProtectedGet(protectedAPI, "/api/v1/usage", usageHandler.GetUsage,
			mw.WithTags("Usage"),
			mw.WithSummary("Get usage statistics"),
			mw.WithOperationID("getUsage"))
		mw.ProtectedDelete(protectedAPI, "/api/v1/usage/activity", usageHandler.ClearActivity,
			mw.WithTags("Usage"),
			mw.WithSummary("Clear recent activity"),
			mw.WithOperationID("clearActivity"))

		mw.ProtectedGet(protectedAPI, "/api/v1/accounts", accountHandler.ListAccounts,
			mw.WithTags("Accounts"),
			mw.WithSummary("List accounts"),
			mw.WithOperationID("listAccounts"))
		mw.ProtectedPut(protectedAPI, "/api/v1/accounts/{id}", accountHandler.PutAccount,
			mw.WithTags("Accounts"),
			mw.WithSummary("Create or update an account"),
			mw.WithOperationID("putAccount"))
		mw.ProtectedDelete(protectedAPI, "/api/v1/accounts/{id}", accountHandler.DeleteAccount,
			mw.WithTags("Accounts"),
			mw.WithSummary("Delete an account"),
			mw.WithOperationID("deleteAccount"),
			mw.WithStatus(http.StatusNoContent))
	})

	// Session-starting routes are rate limited per user.
	router.Group(func(r chi.Router) {
		r.Use(d.Auth.Middleware)
		r.Use(mw.RateLimitByUser(cfg.StartRequestsPerMinute))

		startAPI := humachi.New(r, protectedConfig)

		mw.ProtectedPost(startAPI, "/api/v1/automation/start", automationHandler.Start,
			mw.WithTags("Automation"),
			mw.WithSummary("Start an automation session"),
			mw.WithOperationID("startSession"))
		mw.ProtectedPost(startAPI, "/api/v1/schedule/{accountId}/run", scheduleHandler.RunSchedule,
			mw.WithTags("Schedule"),
			mw.WithSummary("Run a scheduled account now"),
			mw.WithOperationID("runSchedule"))
	})

	// Operator routes
	router.Group(func(r chi.Router) {
		r.Use(d.Auth.Middleware)
		r.Use(mw.RequireAdmin())

		adminAPI := humachi.New(r, protectedConfig)

		mw.ProtectedPost(adminAPI, "/api/v1/automation/stop-all", automationHandler.StopAll,
			mw.WithTags("Automation"),
			mw.WithSummary("Cancel every running session"),
			mw.WithOperationID("stopAllSessions"),
			mw.WithHidden())
	})

	return router, api
}
