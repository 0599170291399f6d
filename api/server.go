/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:      Request logging
  2. Recoverer:   Panic recovery (500 instead of crash)
  3. RequestID:   Unique ID per request for tracing
  4. CORS:        Cross-origin requests for the desk frontend
  5. bearerToken: Puts the Authorization bearer token on the context

ROUTE GROUPS:
  /api/copies/*        Copy registry and lending operations
  /api/reservations    Title-level reservation
  /api/titles/*        Per-title views
  /api/patrons/*       Per-patron views
  /api/stats           Library-wide counts
  /api/overdue         Overdue report
  /api/scenarios/*     Demo data loaders
  /metrics             Prometheus (when a handler is supplied)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/circulation-engine/auth"
)

// NewRouter creates a new router with all routes configured. metrics may be nil.
func NewRouter(h *Handler, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))
	r.Use(bearerToken)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Copy routes
		r.Route("/copies", func(r chi.Router) {
			r.Get("/", h.ListCopies)
			r.Post("/", h.CreateCopy)
			r.Get("/{id}", h.GetCopy)
			r.Delete("/{id}", h.DeleteCopy)
			r.Get("/{id}/history", h.GetHistory)

			r.Post("/{id}/available", h.MakeAvailable)
			r.Post("/{id}/reserve", h.Reserve)
			r.Post("/{id}/loan", h.AssignLoan)
			r.Post("/{id}/renew", h.Renew)
			r.Post("/{id}/return", h.Return)
			r.Post("/{id}/maintenance", h.WithdrawForMaintenance)
		})

		r.Post("/reservations", h.CreateReservation)

		r.Get("/titles/{ref}/copies", h.ListTitleCopies)
		r.Get("/patrons/{id}/loans", h.ListPatronLoans)
		r.Get("/stats", h.GetStats)
		r.Get("/overdue", h.ListOverdue)

		// Demo scenarios
		r.Get("/scenarios", h.ListScenarios)
		r.Post("/scenarios/load", h.LoadScenario)
	})

	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	return r
}

// bearerToken copies a bearer token, if any, onto the request context. It
// never rejects: whether a token is required is the authorizer's call.
func bearerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, err := auth.BearerToken(r.Header.Get("Authorization")); err == nil {
			r = r.WithContext(auth.WithToken(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}
