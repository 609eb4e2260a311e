package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/membergate/membergate/pkg/health"
	"github.com/membergate/membergate/pkg/middleware"
)

// RouterConfig carries the handler wiring the router needs.
type RouterConfig struct {
	Gate    *GateHandler
	Session *SessionHandler
	OAuth   *OAuthHandler
	Admin   *AdminHandler
	Health  *health.Handler

	CookieName string
	// ContentMaxAge is the public cache lifetime for anonymous content
	// responses, in seconds.
	ContentMaxAge int

	TracingEnabled bool
}

// NewRouter creates a chi router with all membergate routes registered.
func NewRouter(cfg RouterConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics())
	if cfg.TracingEnabled {
		r.Use(middleware.Tracing("membergate"))
	}

	r.Get("/health/live", cfg.Health.LivenessHandler())
	r.Get("/health/ready", cfg.Health.ReadinessHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Visitor-facing content. The cache-bypass middleware keeps shared page
	// caches from ever storing a per-subscriber response.
	r.Route("/content", func(r chi.Router) {
		r.Use(middleware.CacheBypass(cfg.CookieName, cfg.ContentMaxAge))
		r.Get("/{slug}", cfg.Gate.GetContent)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/code", cfg.Session.RequestCode)
			r.Post("/verify", cfg.Session.VerifyCode)
			r.Delete("/", cfg.Session.Destroy)
		})

		r.Route("/oauth", func(r chi.Router) {
			r.Get("/", cfg.OAuth.Status)
			r.Get("/authorize", cfg.OAuth.Authorize)
			r.Get("/callback", cfg.OAuth.Callback)
			r.Delete("/", cfg.OAuth.Disconnect)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/resources/{collection}", cfg.Admin.GetCollection)
			r.Post("/resources/{collection}/refresh", cfg.Admin.RefreshCollection)

			r.Route("/pieces", func(r chi.Router) {
				r.Post("/", cfg.Admin.CreatePiece)
				r.Get("/", cfg.Admin.ListPieces)
				r.Get("/{id}", cfg.Admin.GetPiece)
				r.Put("/{id}", cfg.Admin.UpdatePiece)
				r.Delete("/{id}", cfg.Admin.DeletePiece)
			})
		})
	})

	return r
}
