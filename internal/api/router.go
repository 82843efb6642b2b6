package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinova/clinic-scheduling/internal/auth"
	"github.com/clinova/clinic-scheduling/internal/booking"
	"github.com/clinova/clinic-scheduling/internal/metrics"
)

type RouterConfig struct {
	Engine  *booking.Engine
	Tokens  *auth.TokenManager
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Metrics *metrics.BookingMetrics
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger, cfg.Metrics))

	// Health and metrics endpoints stay open
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Everything else requires a caller identity
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Tokens))

		r.Post("/appointments", createAppointmentHandler(cfg.Engine))
		r.Get("/appointments", listAppointmentsHandler(cfg.Engine))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Engine))
		r.Patch("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Engine))
		r.Patch("/appointments/{id}/reschedule", rescheduleAppointmentHandler(cfg.Engine))

		r.Get("/doctors/{id}/availability", listOpenSlotsHandler(cfg.Engine))
		r.Post("/availability", declareAvailabilityHandler(cfg.Engine))
	})

	return r
}
