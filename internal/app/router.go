package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/meridianstat/authz-service/internal/authz"
	"github.com/meridianstat/authz-service/internal/crosstenant"
	"github.com/meridianstat/authz-service/internal/observability"
	"github.com/meridianstat/authz-service/internal/permissions"
	"github.com/meridianstat/authz-service/internal/policy"
	"github.com/meridianstat/authz-service/internal/resources"
	"github.com/meridianstat/authz-service/internal/roles"
	"github.com/meridianstat/authz-service/internal/userroles"
	"github.com/meridianstat/authz-service/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger *slog.Logger
	Config *Config

	AuthzHandler       *authz.Handler
	RolesHandler       *roles.Handler
	PermissionsHandler *permissions.Handler
	PoliciesHandler    *policy.Handler
	ResourcesHandler   *resources.Handler
	UserRolesHandler   *userroles.Handler
	CrossTenantHandler *crosstenant.Handler
	JobHandler         *jobs.Handler

	Metrics *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
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

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/authz", params.AuthzHandler.MountRoutes)
		r.Route("/roles", params.RolesHandler.MountRoutes)
		r.Route("/permissions", params.PermissionsHandler.MountRoutes)
		r.Route("/policies", params.PoliciesHandler.MountRoutes)
		r.Route("/resources", params.ResourcesHandler.MountRoutes)
		r.Route("/user-roles", params.UserRolesHandler.MountRoutes)
		r.Route("/cross-tenant", params.CrossTenantHandler.MountRoutes)
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}
