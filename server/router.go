package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the login flow and the JSON API.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware(a.Logger))
	r.Use(LoggingMiddleware)
	r.Use(a.Metrics.Middleware)
	r.Use(RecoveryMiddleware(a.Config.Server.DevMode))
	r.Use(CORSMiddleware(a.Config.InferCORSOrigins()))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)
	r.Get("/me", a.handleMe)
	r.Post("/logout", a.handleLogout)

	r.Post("/log-auth", a.handleLogAuth)
	r.Post("/analyze", a.handleAnalyze)
	r.Get("/admin/logs", a.handleAdminLogs)
	r.Get("/admin/stats", a.handleAdminStats)
	r.Get("/manager/users", a.handleManagerUsers)

	r.NotFound(a.handleNotFound)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}
