package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripline/internal/metrics"
)

type RouterConfig struct {
	// WebhookToken guards /webhooks, AdminToken guards /v1.
	WebhookToken string
	AdminToken   string

	// RequireTokens rejects every request to a guarded group whose token is
	// empty. Set in production.
	RequireTokens bool

	// RateLimiter applies per client IP to /v1. Nil disables it.
	RateLimiter Limiter

	RequestTimeout time.Duration
}

// NewRouter mounts every HTTP route of the gateway.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(TokenAuth(cfg.WebhookToken, cfg.RequireTokens, logger))

		r.Post("/inbound", h.Inbound)
		r.Post("/status", h.Status)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.RateLimiter, logger, IPKeyFunc))
		r.Use(TokenAuth(cfg.AdminToken, cfg.RequireTokens, logger))

		r.Post("/drip", h.Enqueue)
		r.Get("/drip", h.ListItems)
		r.Get("/drip/{id}", h.GetItem)

		r.Get("/numbers", h.ListNumbers)
		r.Put("/numbers/{number}", h.ProvisionNumber)

		r.Post("/dispatch/tick", h.Tick)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
