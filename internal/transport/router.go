package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kasoma/signoff/internal/config"
	"github.com/kasoma/signoff/internal/definition"
	"github.com/kasoma/signoff/internal/engine"
	"github.com/kasoma/signoff/internal/observability"
	"github.com/kasoma/signoff/internal/pipeline"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Definitions  *definition.Service
	Engine       *engine.Engine
	Pipeline     *pipeline.Pipeline
	Readiness    observability.ReadinessChecks
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(deps.Logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes — bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	// Authenticated API routes.
	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))

		r.Route("/workflow-definitions", func(r chi.Router) {
			r.Post("/", handleDefinitionCreate(deps.Definitions))
			r.Get("/", handleDefinitionList(deps.Definitions))
			r.Get("/{definitionId}", handleDefinitionGet(deps.Definitions))
		})

		r.Route("/workflow-instances", func(r chi.Router) {
			r.Post("/", handleInstanceCreate(deps.Engine))
			r.Get("/", handleInstanceList(deps.Engine))
			r.Get("/{instanceId}", handleInstanceGet(deps.Engine))
			r.Post("/{instanceId}/start", handleInstanceStart(deps.Engine, deps.Metrics))
			r.Post("/{instanceId}/actions", handleInstanceApply(deps.Engine, deps.Metrics))
			r.Post("/{instanceId}/resubmit", handleInstanceResubmit(deps.Engine, deps.Metrics))
			r.Put("/{instanceId}/context", handleInstanceContext(deps.Engine))
			r.Get("/{instanceId}/actions", handleInstanceActions(deps.Engine))
			r.Get("/{instanceId}/available-actions", handleInstanceAvailableActions(deps.Engine))
		})

		r.Route("/entities/{entityType}/{entityId}/workflow", func(r chi.Router) {
			r.Get("/", handleEntityWorkflowGet(deps.Engine))
			r.Delete("/", handleEntityWorkflowDelete(deps.Engine))
		})

		r.Route("/projects/{projectId}/package", func(r chi.Router) {
			r.Post("/", handlePackageCreate(deps.Pipeline))
			r.Get("/", handlePackageGet(deps.Pipeline))
			r.Post("/advance", handlePackageAdvance(deps.Pipeline, deps.Metrics))
			r.Post("/send-back", handlePackageSendBack(deps.Pipeline, deps.Metrics))
			r.Get("/actions", handlePackageActions(deps.Pipeline))
		})
	})

	return r
}
