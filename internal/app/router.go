// Package app assembles the HTTP router and the background loops that
// keep the ledger moving: the sweeper and the interval scheduler.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ops-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ops-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ops-orchestrator/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input means allow all.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Machine ingest: shared-secret guarded and rate limited.
	r.Group(func(ir chi.Router) {
		ir.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		ir.Use(httpserver.SharedSecretGuard(cfg.APISharedSecret))
		ir.Post("/v1/webhooks/people-sync", srv.PeopleWebhookHandler())
		ir.Post("/v1/webhooks/{source}", srv.WebhookHandler())
		ir.Post("/v1/jobs/{type}", srv.EnqueueJobHandler())
		ir.Post("/v1/jobs/{id}/cancel", srv.CancelJobHandler())
		ir.Post("/v1/people/sync", srv.PeopleSyncHandler())
		ir.Post("/v1/audit/events", srv.AuditAppendHandler())
		ir.Post("/v1/process-item/{id}", srv.ProcessItemHandler())
		ir.Get("/v1/jobs/{id}", srv.GetJobHandler())
		if cfg.AuthEnabled() {
			ir.Post("/v1/deep-links", srv.CreateDeepLinkHandler())
		}
	})

	// Admin SSO surface.
	if cfg.AuthEnabled() {
		r.Get("/auth/login", srv.LoginHandler())
		r.Get("/auth/callback", srv.CallbackHandler())
		r.Post("/auth/logout", srv.LogoutHandler())
		r.Get("/auth/deep-link/{grant}", srv.DeepLinkHandler())
		r.Group(func(ar chi.Router) {
			ar.Use(srv.RequireSession())
			ar.Get("/auth/me", srv.MeHandler())
			ar.Get("/v1/audit/events", srv.AuditListHandler())
		})
	}

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
