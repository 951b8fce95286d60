package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/promptbatch/internal/api/middleware"
	"github.com/kiranshivaraju/promptbatch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler   http.HandlerFunc
	CreateBatch     http.HandlerFunc
	ListBatches     http.HandlerFunc
	GetBatch        http.HandlerFunc
	DeleteBatch     http.HandlerFunc
	BatchProgress   http.HandlerFunc
	BatchEvents     http.HandlerFunc
	BatchStatistics http.HandlerFunc
	ExportBatch     http.HandlerFunc
	CancelBatch     http.HandlerFunc
	ImportBatch     http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Authenticate)
		}
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Route("/api/v1/batches", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.CreateBatch))
			r.Get("/", orNotImplemented(deps.ListBatches))
			r.Post("/import", orNotImplemented(deps.ImportBatch))

			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", orNotImplemented(deps.GetBatch))
				r.Delete("/", orNotImplemented(deps.DeleteBatch))
				r.Get("/progress", orNotImplemented(deps.BatchProgress))
				r.Get("/events", orNotImplemented(deps.BatchEvents))
				r.Get("/statistics", orNotImplemented(deps.BatchStatistics))
				r.Get("/export", orNotImplemented(deps.ExportBatch))
				r.Post("/cancel", orNotImplemented(deps.CancelBatch))
			})
		})
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
