package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public so connectivity probes need no credentials
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Route("/tables/{table}/records/{key}", func(r chi.Router) {
				r.Use(RecordMiddleware)
				r.Get("/", h.GetRecord)
				r.Post("/", h.CreateRecord)
				r.Put("/", h.ReplaceRecord)
				r.Delete("/", h.DeleteRecord)
			})
		})
	})

	return r
}
