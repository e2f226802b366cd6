package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/fitchat-gateway/app"
	"github.com/upb/fitchat-gateway/middleware"
	"github.com/upb/fitchat-gateway/utils"
)

// requestTimeout bounds a whole request, including every provider attempt
const requestTimeout = 120 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(requestTimeout))
	r.Use(deps.Metrics.HTTPMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{"Retry-After", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)

	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(deps.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	r.Route("/ai", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)

		r.With(ipLimiter(deps.Config.Proxy.IPRateLimitPerMinute)).
			Post("/chat", deps.ChatHandler.HandleChat)

		r.Get("/usage", deps.UsageHandler.HandleSummary)
		r.Get("/usage/records", deps.UsageHandler.HandleRecords)
		r.Get("/providers", deps.ProvidersHandler.HandleList)
		r.Get("/providers/{name}", deps.ProvidersHandler.HandleGet)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}

// ipLimiter is a coarse flood guard in front of the per-user limiter.
// Its rejections use the same 429 body as per-user rejections.
func ipLimiter(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			_ = utils.WriteRateLimited(w, time.Minute)
		}),
	)
}
