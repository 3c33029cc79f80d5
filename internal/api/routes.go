package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipemaragno/eventhooks/internal/observability"
)

type RouterConfig struct {
	Handler       *Handler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(observability.LoggingMiddleware(cfg.Logger))
	}

	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	if cfg.HealthHandler != nil {
		r.Get("/health", cfg.HealthHandler.Health)
		r.Get("/ready", cfg.HealthHandler.Ready)
	}
	r.Handle("/metrics", metricsHandler(cfg.Gatherer))

	h := cfg.Handler

	r.Post("/events", h.TriggerEvent)

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", h.CreateWebhook)
		r.Get("/", h.ListWebhooks)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetWebhook)
			r.Patch("/", h.UpdateWebhook)
			r.Delete("/", h.DeleteWebhook)
			r.Post("/test", h.TestWebhook)
			r.Get("/deliveries", h.ListWebhookDeliveries)
			r.Get("/stats", h.WebhookStats)
		})
	})

	r.Route("/deliveries", func(r chi.Router) {
		r.Get("/stats", h.DeliveryStats)
		r.Get("/{id}", h.GetDelivery)
		r.Post("/{id}/retry", h.RetryDelivery)
	})

	return r
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
