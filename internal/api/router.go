package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/provider-scheduling/internal/metrics"
)

type RouterConfig struct {
	Providers     ProviderService
	Availability  AvailabilityService
	Booking       BookingService
	Authenticator Authenticator

	PgPool  Pinger
	Redis   *redis.Client // nil when the slot lock is disabled
	Metrics *metrics.SchedulingMetrics
	// MetricsHandler serves /metrics; defaults to the global Prometheus registry.
	MetricsHandler http.Handler
	Logger         *zap.Logger

	CORSAllowedOrigins []string
	RateLimitPerSecond int // 0 disables the per IP limit
	Env                string
	Version            string
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(LoggingMiddleware(logger))
	r.Use(MetricsMiddleware(cfg.Metrics))
	if cfg.RateLimitPerSecond > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitPerSecond, time.Second))
	}

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	h := &handlers{
		providers:    cfg.Providers,
		availability: cfg.Availability,
		booking:      cfg.Booking,
		logger:       logger,
	}
	requireAuth := RequireAuth(cfg.Authenticator)

	r.Route("/providers", func(r chi.Router) {
		r.Get("/", h.listProviders)
		r.Get("/{id}", h.getProvider)
		r.With(requireAuth).Post("/", h.createProvider)
		r.With(requireAuth).Post("/{id}/availability", h.publishSlot)
	})

	r.Get("/availability", h.listSlots)
	r.Get("/availability/{id}", h.getSlot)

	r.Route("/appointments", func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/", h.bookAppointment)
		r.Get("/", h.listAppointments)
		r.Get("/{id}", h.getAppointment)
		r.Post("/{id}/cancel", h.cancelAppointment)
		r.Post("/{id}/complete", h.completeAppointment)
	})

	return r
}
