package collector

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new chi router with all collector endpoints
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()

	// middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// basic cors
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS", "DELETE", "PUT"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	// health check
	r.Get("/health", handler.Health)

	// api v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// run endpoints
		r.Post("/runs", handler.StartRun)
		r.Get("/runs/current", handler.CurrentRun)
		r.Get("/runs/{id}", handler.GetRun)
		r.Delete("/runs/{id}", handler.CancelRun)

		// store endpoints
		r.Get("/stats", handler.GetStats)
		r.Get("/identities/search", handler.SearchIdentities)
		r.Post("/maintenance/normalize-usernames", handler.NormalizeUsernames)
	})

	return r
}

func runIDParam(r *http.Request) string {
	return chi.URLParam(r, "id")
}
