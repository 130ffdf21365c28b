/**
 * @description
 * This file sets up the HTTP router for the policy-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// PolicyRoutes creates and returns a new router for the policy service.
func PolicyRoutes(h *PolicyHandlers, jwtSecret, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Public catalog reads and user registration.
	r.Get("/products", h.ListProductsHandler)
	r.Get("/products/{productID}", h.GetProductHandler)
	r.Post("/users", h.CreateUserHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwtSecret))

		r.Get("/users/{userID}", h.GetUserHandler)
		r.Post("/users/{userID}/purchases", h.PurchaseHandler)
		r.Get("/users/{userID}/policies", h.UserPoliciesHandler)
		r.Get("/users/{userID}/upcoming-payments", h.UpcomingPaymentsHandler)
		r.Get("/users/{userID}/payments", h.UserPaymentsHandler)
		r.Get("/users/{userID}/audit-trail", h.AuditTrailHandler)

		r.Get("/policies/{policyID}", h.GetPolicyHandler)
		r.Post("/policies/{policyID}/payments", h.PayInstallmentHandler)
		r.Get("/policies/{policyID}/payments", h.PolicyPaymentsHandler)
		r.Post("/policies/{policyID}/cancel", h.CancelPolicyHandler)
	})

	// Administrative endpoints guarded by the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Get("/users", h.ListUsersHandler)
		r.Post("/users/{userID}/credits", h.CreditBalanceHandler)
		r.Post("/products", h.CreateProductHandler)
	})

	return r
}
