package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/pxm/internal/approval"
	"github.com/pitabwire/pxm/internal/config"
	"github.com/pitabwire/pxm/internal/identity"
	"github.com/pitabwire/pxm/internal/idempotency"
	"github.com/pitabwire/pxm/internal/observability"
	"github.com/pitabwire/pxm/internal/template"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config         *config.Config
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Authenticate   func(http.Handler) http.Handler
	RateLimiter    *IPRateLimiter
	Idempotency    idempotency.Store
	Readiness      observability.ReadinessChecks

	Approvals *approval.Service
	Templates *template.Service
	Identity  *identity.Service
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the auth endpoints
// bypass the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		metricsHandler := deps.MetricsHandler
		if metricsHandler == nil {
			metricsHandler = observability.Handler()
		}
		r.Method(http.MethodGet, cfg.Observability.Metrics.Path, metricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware)
		}
		r.Use(RequestLogging(logger))
		r.Post("/register", handleRegister(deps.Identity, logger))
		r.Post("/login", handleLogin(deps.Identity))
	})

	// Authenticated routes.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	idemTTL := cfg.Idempotency.Store.DefaultTTL
	idem := func(action string) func(http.Handler) http.Handler {
		if !cfg.Idempotency.Enabled {
			return func(next http.Handler) http.Handler { return next }
		}
		return Idempotent(deps.Idempotency, idemTTL, action, deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(cfg.Identity.ClaimPaths))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/approvals", func(r chi.Router) {
			r.Post("/", handleApprovalCreate(deps.Approvals))
			r.Get("/", handleApprovalList(deps.Approvals))
			r.Post("/from-template/{templateId}", handleApprovalCreateFromTemplate(deps.Approvals))
			r.Get("/{id}", handleApprovalGet(deps.Approvals))
			r.With(idem("approve")).Post("/{id}/approve", handleApprovalApprove(deps.Approvals))
			r.With(idem("reject")).Post("/{id}/reject", handleApprovalReject(deps.Approvals))
			r.With(idem("comment")).Post("/{id}/comments", handleApprovalComment(deps.Approvals))
			r.Get("/{id}/logs", handleApprovalLogs(deps.Approvals))
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", handleTemplateCreate(deps.Templates))
			r.Get("/", handleTemplateList(deps.Templates))
			r.Get("/{id}", handleTemplateGet(deps.Templates))
		})

		r.Get("/users", handleUserList(deps.Identity))
		r.Get("/org/users/{userId}/manager", handleManagerOf(deps.Identity))
		r.Get("/me", handleMe(deps.Identity))
	})

	return r
}
