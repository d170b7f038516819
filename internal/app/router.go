package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	audithttp "github.com/atlas-capital/atlas-portal/internal/audit/http"
	"github.com/atlas-capital/atlas-portal/internal/auth"
	"github.com/atlas-capital/atlas-portal/internal/observability"
	"github.com/atlas-capital/atlas-portal/internal/rbac"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger       *slog.Logger
	Config       *Config
	AuthHandler  *auth.Handler
	RBACHandler  *rbac.Handler
	AuditHandler *audithttp.Handler
	Metrics      *observability.Metrics
}

// NewRouter constructs the chi.Router with portal defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	rateLimit := 20
	rateWindow := time.Minute
	if params.Config != nil {
		if params.Config.AuthRateLimit > 0 {
			rateLimit = params.Config.AuthRateLimit
		}
		if params.Config.AuthRateLimitWindow > 0 {
			rateWindow = params.Config.AuthRateLimitWindow
		}
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			// Credential endpoints get their own per-IP budget.
			r.Use(httprate.LimitByIP(rateLimit, rateWindow))
			params.AuthHandler.MountRoutes(r)
		})
		if params.RBACHandler != nil {
			params.RBACHandler.MountMe(r)
			params.RBACHandler.MountRoutes(r)
		}
		if params.AuditHandler != nil {
			r.Route("/audit", func(r chi.Router) {
				params.AuditHandler.MountRoutes(r)
			})
		}
	})

	return r
}
