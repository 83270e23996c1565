package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robertarktes/court-slot-reservations/internal/idempotency"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
	"github.com/robertarktes/court-slot-reservations/internal/rateLimit"
)

// SetupRouter wires the API. rl and idemp may be nil when no Redis is configured.
func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter, idemp *idempotency.Idempotency) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(SessionMiddleware)
		r.Use(RateLimitMiddleware(rl))
		r.Use(IdempotencyMiddleware(idemp, logger))

		r.Post("/v1/holds", h.CreateHold)
		r.Post("/v1/holds/{id}/renew", h.RenewHold)
		r.Delete("/v1/holds/{id}", h.ReleaseHold)

		r.Get("/v1/bookings/{id}", h.GetBooking)
		r.Post("/v1/bookings/{id}/confirm", h.ConfirmPayment)
		r.Post("/v1/bookings/{id}/cancel", h.CancelBooking)
		r.Get("/v1/bookings/{id}/refund-quote", h.RefundQuote)

		r.Post("/v1/walkins", h.CreateWalkIn)
		r.Get("/v1/courts/{courtID}/slots", h.Slots)
		r.Get("/v1/stream", h.Stream)
	})

	return r
}
