package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/session-mux/internal/proxy/handlers"
	"github.com/pysugar/session-mux/internal/proxy/middleware"
	"github.com/pysugar/session-mux/internal/proxy/monitor"
	"github.com/pysugar/session-mux/internal/session"
)

// newBridgeRouter serves the browser extension.
func newBridgeRouter(coord *session.Coordinator, extensionID string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS)

	r.Get("/health", handlers.HealthHandler("sessionmux-bridge"))
	r.Group(func(r chi.Router) {
		r.Use(middleware.ExtensionID(extensionID))
		r.Post("/add-account", handlers.AddAccountHandler(coord))
		r.Post("/setup-bridge", handlers.SetupBridgeHandler())
	})
	return r
}

// newAdminRouter serves account management, protected when a password is set.
func newAdminRouter(coord *session.Coordinator, hm *monitor.HookMonitor, password string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", handlers.HealthHandler("sessionmux-admin"))
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AdminAuth(password))

		// Accounts
		r.Get("/accounts", handlers.AccountsAPIHandler(coord))
		r.Post("/accounts/deactivate", handlers.DeactivateHandler(coord))
		r.Post("/accounts/{email}/activate", handlers.ActivateAccountHandler(coord))
		r.Post("/accounts/{email}/refresh", handlers.RefreshAccountHandler(coord))
		r.Delete("/accounts/{email}", handlers.DeleteAccountHandler(coord))
		r.Post("/sweep", handlers.SweepHandler(coord))

		// Bans
		r.Get("/bans", handlers.BansHandler(coord))
		r.Post("/bans/{id}/ack", handlers.AckBanHandler(coord))

		// Hook decisions
		r.Get("/hooks/logs", handlers.GetHookLogsHandler(hm))
		r.Get("/hooks/stats", handlers.GetHookStatsHandler(hm))
		r.Delete("/hooks/logs", handlers.ClearHookLogsHandler(hm))

		r.Get("/version", handlers.VersionHandler())
	})
	return r
}

// newHookRouter serves the interception engine's addon.
func newHookRouter(adapter handlers.FlowAdapter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", handlers.HealthHandler("sessionmux-hook"))
	r.Route("/hooks", func(r chi.Router) {
		r.Post("/request", handlers.HookRequestHandler(adapter))
		r.Post("/responseheaders", handlers.HookResponseHeadersHandler(adapter))
		r.Post("/response", handlers.HookResponseHandler(adapter))
	})
	return r
}
