package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/tabprep/internal/api/handler"
	mw "github.com/kiranshivaraju/tabprep/internal/api/middleware"
	"github.com/kiranshivaraju/tabprep/internal/api/response"
	"github.com/kiranshivaraju/tabprep/internal/metrics"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	Metrics   *metrics.Metrics

	HealthHandler http.HandlerFunc
	UploadHandler http.HandlerFunc
	Jobs          *handler.JobHandlers

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc

	Tenants *handler.TenantHandlers
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	if deps.Metrics != nil {
		r.Use(mw.Instrument(deps.Metrics))
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/uploads", orNotImplemented(deps.UploadHandler))

		if j := deps.Jobs; j != nil {
			r.Post("/api/v1/analyze", j.Analyze)
			r.Get("/api/v1/usage", j.Usage)

			r.Route("/api/v1/jobs", func(r chi.Router) {
				r.Post("/", j.Create)
				r.Get("/", j.List)
				r.Get("/{jobID}", j.Get)
				r.Post("/{jobID}/execute", j.Execute)
				r.Post("/{jobID}/cancel", j.Cancel)
				r.Get("/{jobID}/result", j.Result)
				r.Get("/{jobID}/report", j.Report)
				r.Get("/{jobID}/preview", j.Preview)
				r.Get("/{jobID}/download", j.Download)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(handler.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})

		if t := deps.Tenants; t != nil {
			r.Route("/api/v1/admin/tenants", func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(handler.ScopeTenants))
				r.Post("/", t.Create)
				r.Get("/", t.List)
				r.Get("/{tenantID}", t.Get)
				r.Patch("/{tenantID}", t.Update)
				r.Delete("/{tenantID}", t.Deactivate)
			})
		}
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
