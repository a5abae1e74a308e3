// Package httpapi assembles the delivery service's HTTP surface: webhook
// intake, integration management, and the liveness/readiness/metrics
// endpoints, composed from chi middleware and handler structs.
package httpapi

import (
	"net/http"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ourMiddleware "github.com/funnelchat/wa-delivery/internal/http/middleware"
	"github.com/funnelchat/wa-delivery/internal/observability"

	"log/slog"
)

// Deps bundles every handler the router mounts.
type Deps struct {
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	SentryHandler  *sentryhttp.Handler
	HealthHandler  HealthHandler
	WebhookHandler http.HandlerFunc
	Integrations   IntegrationsHandler
}

// HealthHandler matches internal/health.Handler's exported methods.
type HealthHandler interface {
	Healthz(w http.ResponseWriter, r *http.Request)
	Readyz(w http.ResponseWriter, r *http.Request)
	InstanceHealth(w http.ResponseWriter, r *http.Request)
}

// IntegrationsHandler matches this package's Integrations handler.
type IntegrationsHandler interface {
	Create(w http.ResponseWriter, r *http.Request)
	Delete(w http.ResponseWriter, r *http.Request)
}

func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))
	if deps.Logger != nil {
		r.Use(ourMiddleware.RequestLogger(deps.Logger))
	}
	if deps.Metrics != nil {
		r.Use(ourMiddleware.PrometheusMiddleware(deps.Metrics))
	}
	if deps.SentryHandler != nil {
		r.Use(deps.SentryHandler.Handle)
	}

	if deps.HealthHandler != nil {
		r.Get("/healthz", deps.HealthHandler.Healthz)
		r.Get("/readyz", deps.HealthHandler.Readyz)
		r.Get("/health/whatsapp", deps.HealthHandler.InstanceHealth)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if deps.WebhookHandler != nil {
		r.Post("/webhooks/{provider}/{token}", deps.WebhookHandler)
	}

	if deps.Integrations != nil {
		r.Route("/integrations/evolution", func(ir chi.Router) {
			ir.Post("/create", deps.Integrations.Create)
			ir.Delete("/{instance_name}", deps.Integrations.Delete)
		})
	}

	return r
}
