package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/tasquencer/internal/audit"
	"github.com/pitabwire/tasquencer/internal/authz"
	"github.com/pitabwire/tasquencer/internal/config"
	"github.com/pitabwire/tasquencer/internal/idempotency"
	"github.com/pitabwire/tasquencer/internal/observability"
	"github.com/pitabwire/tasquencer/internal/workflow"
	"github.com/pitabwire/tasquencer/internal/workitem"
	"github.com/pitabwire/tasquencer/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks

	Engine      *workflow.Engine
	Dispatcher  *workitem.Dispatcher
	Authz       *authz.Service
	Recorder    *audit.Recorder
	Idempotency idempotency.Store
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)

	// Public routes, no authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(cfg.Identity.ClaimPaths))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		var checker ScopeChecker
		if deps.Authz != nil {
			checker = deps.Authz
		}
		canStart := RequireScope(checker, cfg.Authz.StartScope, logger)
		admin := RequireScope(checker, cfg.Authz.AdminScope, logger)

		r.Route("/v1/workflows", func(r chi.Router) {
			r.Get("/", handleWorkflowList(deps.Engine))
			r.With(canStart).Post("/{name}", handleWorkflowInitialize(deps.Engine))
			r.Get("/{id}", handleWorkflowGet(deps.Engine))
			r.Get("/{id}/tasks", handleWorkflowTasks(deps.Engine))
			r.Get("/{id}/tasks/{task}", handleTaskHistory(deps.Engine))
			r.Get("/{id}/conditions", handleWorkflowConditions(deps.Engine))
			r.Get("/{id}/children", handleWorkflowChildren(deps.Engine))

			r.Group(func(r chi.Router) {
				r.Use(admin)
				r.Post("/{id}/cancel", handleWorkflowTerminate(deps.Engine, model.WorkflowCanceled))
				r.Post("/{id}/fail", handleWorkflowTerminate(deps.Engine, model.WorkflowFailed))
				r.Post("/{id}/tasks/{task}/{generation}/cancel", handleTaskAbort(deps.Engine, model.TaskCanceled))
				r.Post("/{id}/tasks/{task}/{generation}/fail", handleTaskAbort(deps.Engine, model.TaskFailed))
			})
		})

		r.Route("/v1/work-items", func(r chi.Router) {
			r.Get("/", handleWorkQueue(deps.Dispatcher))
			r.Get("/{id}", handleWorkItemGet(deps.Dispatcher))

			r.Group(func(r chi.Router) {
				r.Use(Idempotent(deps.Idempotency, cfg.Idempotency.Store.DefaultTTL, deps.Metrics, logger))
				r.Post("/{id}/claim", handleWorkItemAction(deps.Dispatcher.Claim))
				r.Post("/{id}/release", handleWorkItemAction(deps.Dispatcher.Release))
				r.Post("/{id}/start", handleWorkItemAction(deps.Dispatcher.Start))
				r.Post("/{id}/complete", handleWorkItemComplete(deps.Dispatcher))
				r.Post("/{id}/fail", handleWorkItemAbort(deps.Dispatcher.Fail))
				r.Post("/{id}/cancel", handleWorkItemAbort(deps.Dispatcher.Cancel))
			})
		})

		r.Get("/v1/auth/me/scopes", handleMyScopes(deps.Authz))

		r.Group(func(r chi.Router) {
			r.Use(admin)
			r.Get("/v1/auth/scopes/{scope}/users", handleScopeUsers(deps.Authz))

			r.Get("/v1/traces", handleTraceList(deps.Recorder))
			r.Get("/v1/traces/{traceId}", handleTraceGet(deps.Recorder))
			r.Get("/v1/traces/{traceId}/spans", handleTraceSpans(deps.Recorder))
			r.Get("/v1/traces/{traceId}/workflows/{workflowId}/state", handleWorkflowStateAt(deps.Recorder))
			r.Get("/v1/spans", handleSpanSearch(deps.Recorder))
			r.Get("/v1/spans/{spanId}", handleSpanGet(deps.Recorder))
			r.Get("/v1/spans/{spanId}/children", handleSpanChildren(deps.Recorder))
		})
	})

	return r
}
