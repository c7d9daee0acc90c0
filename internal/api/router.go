package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentoven/chatbridge/internal/api/handlers"
	"github.com/agentoven/chatbridge/internal/api/middleware"
	"github.com/agentoven/chatbridge/internal/config"
	"github.com/agentoven/chatbridge/internal/metrics"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the admin HTTP router.
func NewRouter(cfg *config.Config, h *handlers.Handlers, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	origins := cfg.Admin.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.Admin.APIKeys).Middleware)

	started := time.Now()
	r.Get("/health", healthHandler(started))
	r.Get("/version", versionHandler(cfg))
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tools", h.ListTools)
		r.Route("/servers", func(r chi.Router) {
			r.Get("/", h.ListServers)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/tools", h.ListServerTools)
				r.Post("/tools/{tool}/call", h.CallTool)
				r.Get("/resources", h.ListResources)
				r.Post("/resources/read", h.ReadResource)
				r.Get("/prompts", h.ListPrompts)
				r.Post("/prompts/{prompt}", h.GetPrompt)
			})
		})
	})

	return r
}

func healthHandler(started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": "chatbridge",
			"uptime":  time.Since(started).Round(time.Second).String(),
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "chatbridge",
		})
	}
}
