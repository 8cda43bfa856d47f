// Package app wires configuration, adapters and routes into a runnable
// server.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nes-lab/shepherd-server/internal/adapter/httpserver"
	"github.com/nes-lab/shepherd-server/internal/adapter/observability"
	"github.com/nes-lab/shepherd-server/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, h *httpserver.Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))

	// Account flows reachable without a token.
	r.Post("/auth/token", h.Token)
	r.Post("/user/register", h.Register)
	r.Post("/user/forgot-password", h.ForgotPassword)
	r.Post("/user/reset-password", h.ResetPassword)
	r.Get("/user/verify/{token}", h.Verify)
	r.Post("/user/verify/{token}", h.Verify)

	// Everything below requires a bearer token.
	r.Group(func(ar chi.Router) {
		ar.Use(h.RequireAuth)

		ar.Get("/user", h.UserInfo)
		ar.Patch("/user", h.UserPatch)
		ar.Delete("/user", h.UserDelete)
		ar.With(httpserver.RequireAdmin).Patch("/user/quota", h.QuotaPatch)
		ar.With(httpserver.RequireAdmin).Post("/user/approve", h.Approve)
		ar.With(httpserver.RequireAdmin).Post("/user/change_state", h.ChangeState)

		ar.Post("/experiment", h.ExperimentSubmit)
		ar.Get("/experiment", h.ExperimentList)
		ar.With(httpserver.RequireAdmin).Get("/experiment/all", h.ExperimentListAll)
		ar.Get("/experiment/{id}", h.ExperimentGet)
		ar.Delete("/experiment/{id}", h.ExperimentDelete)
		ar.Post("/experiment/{id}/schedule", h.ExperimentSchedule)
		ar.Get("/experiment/{id}/state", h.ExperimentState)
		ar.Get("/experiment/{id}/download", h.ExperimentDownloadList)
		ar.Get("/experiment/{id}/download/{observer}", h.ExperimentDownload)

		ar.Get("/testbed", h.TestbedStatus)
		ar.Get("/testbed/restrictions", h.Restrictions)
		ar.With(httpserver.RequireAdmin).Patch("/testbed/restrictions", h.RestrictionsPatch)
		ar.Get("/testbed/command", h.Command)
		ar.With(httpserver.RequireElevated).Patch("/testbed/command", h.CommandPatch)
		ar.Get("/testbed/content", h.ContentKinds)
		ar.Get("/testbed/content/{kind}", h.ContentIDs)
		ar.Get("/testbed/content/{kind}/{id}", h.ContentItem)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
