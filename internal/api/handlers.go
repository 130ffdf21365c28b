/**
 * @description
 * This file contains the HTTP handlers for the policy-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/catalog, internal/domain, internal/store: Service
 *   logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/segura/policy-service/internal/app"
	"github.com/segura/policy-service/internal/catalog"
	"github.com/segura/policy-service/internal/domain"
	"github.com/segura/policy-service/internal/store"
)

// PolicyHandlers holds the application service that handlers will use.
type PolicyHandlers struct {
	service *app.Service
}

// NewPolicyHandlers creates a new instance of PolicyHandlers.
func NewPolicyHandlers(service *app.Service) *PolicyHandlers {
	return &PolicyHandlers{service: service}
}

// CreateUserHandler registers a new user with the opening balance.
func (h *PolicyHandlers) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	user, err := h.service.CreateUser(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, "create_user", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, user)
}

// ListUsersHandler lists users. Administrative only.
func (h *PolicyHandlers) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	users, err := h.service.ListUsers(r.Context(), limit, offset)
	if err != nil {
		h.respondServiceError(w, "list_users", err)
		return
	}
	h.writeJSON(w, http.StatusOK, users)
}

// GetUserHandler returns a single user with their current balance.
func (h *PolicyHandlers) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondServiceError(w, "get_user", err)
		return
	}
	h.writeJSON(w, http.StatusOK, user)
}

// CreditBalanceHandler tops up a user's balance. Administrative only.
func (h *PolicyHandlers) CreditBalanceHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	change, err := h.service.CreditBalance(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		h.respondServiceError(w, "credit_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":          change.UserID,
		"previous_balance": change.Before,
		"balance":          change.After,
	})
}

// PurchaseHandler buys a product for a user, debiting the price from their
// balance and opening a new active policy.
func (h *PolicyHandlers) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req domain.PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		h.writeError(w, http.StatusBadRequest, "product_id is required")
		return
	}

	policy, err := h.service.Purchase(r.Context(), userID, req.ProductID)
	if err != nil {
		h.respondServiceError(w, "purchase", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, policy)
}

// PayInstallmentHandler settles one monthly installment on a policy. Clients
// may send an Idempotency-Key header to make retries safe.
func (h *PolicyHandlers) PayInstallmentHandler(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policyID")

	var req domain.PayInstallmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	policy, err := h.service.PayInstallment(r.Context(), policyID, req.Method, idempotencyKey)
	if err != nil {
		h.respondServiceError(w, "pay_installment", err)
		return
	}
	h.writeJSON(w, http.StatusOK, policy)
}

// CancelPolicyHandler moves an active policy to the cancelled state.
func (h *PolicyHandlers) CancelPolicyHandler(w http.ResponseWriter, r *http.Request) {
	policy, err := h.service.CancelPolicy(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		h.respondServiceError(w, "cancel_policy", err)
		return
	}
	h.writeJSON(w, http.StatusOK, policy)
}

// GetPolicyHandler returns a single policy joined with catalog data.
func (h *PolicyHandlers) GetPolicyHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetPolicy(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		h.respondServiceError(w, "get_policy", err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// UserPoliciesHandler lists a user's policies joined with catalog data.
func (h *PolicyHandlers) UserPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.UserPolicies(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondServiceError(w, "user_policies", err)
		return
	}
	h.writeJSON(w, http.StatusOK, views)
}

// UpcomingPaymentsHandler lists installments falling due within the horizon.
func (h *PolicyHandlers) UpcomingPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	upcoming, err := h.service.UpcomingPayments(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondServiceError(w, "upcoming_payments", err)
		return
	}
	h.writeJSON(w, http.StatusOK, upcoming)
}

// PolicyPaymentsHandler lists the payment history of one policy.
func (h *PolicyHandlers) PolicyPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	payments, err := h.service.PolicyPayments(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		h.respondServiceError(w, "policy_payments", err)
		return
	}
	h.writeJSON(w, http.StatusOK, payments)
}

// UserPaymentsHandler lists every payment a user has made.
func (h *PolicyHandlers) UserPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	payments, err := h.service.UserPayments(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondServiceError(w, "user_payments", err)
		return
	}
	h.writeJSON(w, http.StatusOK, payments)
}

// AuditTrailHandler lists a user's audit entries, newest first.
func (h *PolicyHandlers) AuditTrailHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.service.AuditTrail(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		h.respondServiceError(w, "audit_trail", err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// ListProductsHandler lists active catalog products, optionally filtered by
// the `type` query parameter.
func (h *PolicyHandlers) ListProductsHandler(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		h.respondServiceError(w, "list_products", err)
		return
	}
	h.writeJSON(w, http.StatusOK, products)
}

// GetProductHandler returns one catalog product.
func (h *PolicyHandlers) GetProductHandler(w http.ResponseWriter, r *http.Request) {
	product, err := h.service.GetProduct(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		h.respondServiceError(w, "get_product", err)
		return
	}
	h.writeJSON(w, http.StatusOK, product)
}

// CreateProductHandler adds a new product to the catalog. Administrative only.
func (h *PolicyHandlers) CreateProductHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	product, err := h.service.CreateProduct(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, "create_product", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, product)
}

// respondServiceError maps service and store errors onto HTTP statuses.
func (h *PolicyHandlers) respondServiceError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrPolicyNotFound),
		errors.Is(err, catalog.ErrProductNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadySettled),
		errors.Is(err, store.ErrDuplicateEmail),
		errors.Is(err, app.ErrDuplicateSettlement):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"unhandled service error\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *PolicyHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PolicyHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
