package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/medspa-calendar/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/medspa-calendar/internal/http/middleware"
	"github.com/wolfman30/medspa-calendar/internal/tenancy"
	"github.com/wolfman30/medspa-calendar/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Calendar           *handlers.CalendarHandler
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// RateLimiter throttles the tenant API when set.
	RateLimiter *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}

	r.Group(func(public chi.Router) {
		public.Get("/health", cfg.Calendar.HealthCheck)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	r.Route("/v1", func(api chi.Router) {
		api.Use(tenancy.Middleware)
		if cfg.RateLimiter != nil {
			api.Use(cfg.RateLimiter.Middleware)
		}
		api.Get("/slots", cfg.Calendar.GetSlots)
		api.Route("/bookings", func(b chi.Router) {
			b.Post("/", cfg.Calendar.CreateBooking)
			b.Post("/{bookingID}/cancel", cfg.Calendar.CancelBooking)
		})
		api.Route("/providers", func(p chi.Router) {
			p.Get("/google/authorize", cfg.Calendar.GoogleAuthorize)
			p.Post("/google/callback", cfg.Calendar.GoogleCallback)
			p.Post("/{providerID}/sync", cfg.Calendar.TriggerSync)
			p.Post("/{providerID}/disconnect", cfg.Calendar.DisconnectProvider)
		})
	})

	return r
}
