/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions. This
  is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the ops dashboard

SECURITY NOTE:
  No authentication middleware; auth is handled upstream of this service.
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/clients/{id}", func(r chi.Router) {
			r.Get("/operations", h.ListOperations)
			r.Get("/balances", h.GetBalances)
			r.Get("/drift", h.GetDrift)
			r.Post("/reconcile", h.ReconcileClient)
		})

		r.Route("/operations", func(r chi.Router) {
			r.Post("/", h.CreateOperation)
			r.Delete("/{id}", h.DeleteOperation)
		})

		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/run", h.RunBatch)
			r.Get("/runs", h.ListRuns)
		})
	})

	return r
}
