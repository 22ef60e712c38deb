package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatvault/internal/api/middleware"
	"github.com/eldtechnologies/chatvault/internal/handlers"
	"github.com/eldtechnologies/chatvault/internal/store"
)

// maxBodyBytes bounds request bodies; the largest is a 4000 rune message.
const maxBodyBytes = 32 * 1024

// Options configures the router's cross-cutting middleware.
type Options struct {
	CORSOrigins        []string
	RateLimitWhitelist []string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, cache *store.RedisStore, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting, open while the cache is down
	limiter := middleware.NewRateLimiter(cache, logger, opts.RateLimitWhitelist)
	r.Use(limiter.Middleware)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Trainer-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	r.Route("/rooms/{id}", func(r chi.Router) {
		r.Get("/messages", h.GetMessages)
		r.Post("/messages", h.PostMessage)
		r.Get("/index", h.GetIndex)

		r.Get("/typing", h.GetTyping)
		r.Put("/typing/{trainer}", h.SetTyping)
		r.Delete("/typing/{trainer}", h.ClearTyping)
	})

	r.Put("/presence/{user}", h.SetOnline)
	r.Get("/presence/{user}", h.GetOnline)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/flush", h.Flush)
		r.Post("/rooms/{id}/messages", h.PostAdminMessage)
	})

	return r
}
