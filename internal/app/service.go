/**
 * @description
 * This file contains the core business logic for the policy-service. The
 * `Service` struct orchestrates every account and policy operation,
 * coordinating between the Postgres ledger repository, the Mongo product
 * catalog, the settlement replay guard, and the message broker.
 *
 * Key features:
 * - Implements the main use cases: user registration, balance credits, policy
 *   purchase, installment settlement, cancellation, and the expiry sweep.
 * - Delegates all multi-write money movement to repository settlement methods
 *   so each settlement lands as one database transaction.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - github.com/shopspring/decimal: Exact monetary arithmetic.
 * - internal/domain, internal/store: Domain models and the ledger store.
 * - pkg/rabbitmq: Event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/segura/policy-service/internal/domain"
	"github.com/segura/policy-service/internal/store"
	"github.com/segura/policy-service/pkg/rabbitmq"
)

const (
	// InstallmentPeriod is the fixed billing period. Policy duration is
	// expressed in these units, so a 12-month plan runs 360 days.
	InstallmentPeriod = 30 * 24 * time.Hour

	// UpcomingHorizon bounds the upcoming-payments view.
	UpcomingHorizon = 7 * 24 * time.Hour

	policyEventsExchange = "policy_events"
)

var (
	// ErrValidation marks request-shape failures: missing fields, bad values.
	ErrValidation = errors.New("invalid request")

	// ErrInvalidAmount rejects zero or negative monetary amounts.
	ErrInvalidAmount = fmt.Errorf("%w: amount must be greater than zero", ErrValidation)

	// ErrDuplicateSettlement is returned when an idempotency key has already
	// been used for a settlement attempt.
	ErrDuplicateSettlement = errors.New("settlement already processed for this idempotency key")
)

// Service provides the core business logic for policies and settlements.
type Service struct {
	repo           store.Repository
	coordinator    *Coordinator
	eventProducer  rabbitmq.Publisher
	guard          SettlementGuard
	openingBalance decimal.Decimal
	now            func() time.Time
}

// NewService creates a new policy service instance. New users are credited
// openingBalance on registration.
func NewService(repo store.Repository, coordinator *Coordinator, producer rabbitmq.Publisher, guard SettlementGuard, openingBalance decimal.Decimal) *Service {
	if guard == nil {
		guard = NoopSettlementGuard{}
	}
	return &Service{
		repo:           repo,
		coordinator:    coordinator,
		eventProducer:  producer,
		guard:          guard,
		openingBalance: openingBalance,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// CreateUser registers a new user with the configured opening balance.
func (s *Service) CreateUser(ctx context.Context, req domain.CreateUserRequest) (*domain.User, error) {
	name := strings.TrimSpace(req.Name)
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrValidation)
	}

	// Friendly pre-check; the unique constraint is the real guard.
	if _, err := s.repo.FindUserByEmail(ctx, email); err == nil {
		return nil, store.ErrDuplicateEmail
	} else if !errors.Is(err, store.ErrUserNotFound) {
		return nil, err
	}

	user := &domain.User{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     email,
		Phone:     strings.TrimSpace(req.Phone),
		Balance:   s.openingBalance,
		Active:    true,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"user created\" user_id=%s opening_balance=%s", user.ID, user.Balance)
	return user, nil
}

// GetUser retrieves a single user with their current balance.
func (s *Service) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return s.repo.FindUserByID(ctx, userID)
}

// ListUsers retrieves a page of users.
func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]domain.User, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListUsers(ctx, limit, offset)
}

// CreditBalance tops up a user's stored balance. Amounts must be positive;
// debits only ever happen through settlements.
func (s *Service) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (*store.BalanceChange, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	change, err := s.repo.CreditBalance(ctx, userID, amount)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"balance credited\" user_id=%s amount=%s balance=%s", userID, amount, change.After)
	return change, nil
}

// Purchase buys a product for a user: the price is debited from their balance
// and a new active policy is opened with its pricing frozen from the product.
func (s *Service) Purchase(ctx context.Context, userID, productID string) (*domain.Policy, error) {
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	// Inactive accounts are indistinguishable from absent ones; the debit
	// predicate in the ledger enforces the same rule.
	if !user.Active {
		return nil, store.ErrUserNotFound
	}

	product, err := s.coordinator.ResolveProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	start := s.now()
	policy, err := s.repo.PurchaseSettlement(ctx, store.PurchaseParams{
		UserID:            user.ID,
		ProductID:         product.ID,
		Price:             product.Price,
		InstallmentAmount: product.InstallmentAmount,
		TotalInstallments: product.DurationMonths,
		StartDate:         start,
		EndDate:           start.Add(time.Duration(product.DurationMonths) * InstallmentPeriod),
		NextDueDate:       start.Add(InstallmentPeriod),
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=service msg=\"policy purchased\" policy_id=%s user_id=%s product_id=%s price=%s", policy.ID, user.ID, product.ID, product.Price)
	s.publishSettlement(ctx, "policy.purchased", policy, product.Price, domain.PaymentMethodBalance)
	return policy, nil
}

// PayInstallment settles one monthly installment on a policy. The balance
// method debits the stored balance; any other method is recorded as settled
// externally. A non-empty idempotencyKey is reserved before the settlement
// runs so client retries cannot double-settle.
func (s *Service) PayInstallment(ctx context.Context, policyID, method, idempotencyKey string) (*domain.Policy, error) {
	method = strings.TrimSpace(strings.ToLower(method))
	if method == "" {
		method = domain.PaymentMethodBalance
	}

	policy, err := s.repo.FindPolicyByID(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if policy.Terminal() || policy.RemainingInstallments() == 0 {
		return nil, store.ErrAlreadySettled
	}

	reserved := false
	if idempotencyKey != "" {
		ok, err := s.guard.Reserve(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrDuplicateSettlement
		}
		reserved = true
	}

	updated, err := s.repo.InstallmentSettlement(ctx, store.InstallmentParams{
		PolicyID:     policy.ID,
		UserID:       policy.UserID,
		Amount:       policy.InstallmentAmount,
		Method:       method,
		DebitBalance: method == domain.PaymentMethodBalance,
		NextDueDate:  s.now().Add(InstallmentPeriod),
	})
	if err != nil {
		// Free the key so the caller can retry the same attempt after fixing
		// the cause (for example, topping up their balance).
		if reserved {
			if relErr := s.guard.Release(ctx, idempotencyKey); relErr != nil {
				log.Printf("level=warn component=service msg=\"failed to release idempotency key\" key=%s err=%v", idempotencyKey, relErr)
			}
		}
		return nil, err
	}

	log.Printf("level=info component=service msg=\"installment settled\" policy_id=%s user_id=%s method=%s paid=%d/%d state=%s",
		updated.ID, updated.UserID, method, updated.InstallmentsPaid, updated.TotalInstallments, updated.State)
	s.publishSettlement(ctx, "policy.installment_paid", updated, updated.InstallmentAmount, method)
	if updated.State == domain.PolicyCompleted {
		s.publishSettlement(ctx, "policy.completed", updated, decimal.Zero, "")
	}
	return updated, nil
}

// CancelPolicy moves an active policy to the cancelled terminal state. No
// refunds are issued; payments already made stay on the ledger.
func (s *Service) CancelPolicy(ctx context.Context, policyID string) (*domain.Policy, error) {
	policy, err := s.repo.CancelPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"policy cancelled\" policy_id=%s user_id=%s", policy.ID, policy.UserID)
	s.publishSettlement(ctx, "policy.cancelled", policy, decimal.Zero, "")
	return policy, nil
}

// ExpireOverduePolicies moves every active policy past its end date with
// outstanding installments to expired. The scheduler calls this on a cron.
func (s *Service) ExpireOverduePolicies(ctx context.Context) (int, error) {
	expired, err := s.repo.ExpireOverduePolicies(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for i := range expired {
		s.publishSettlement(ctx, "policy.expired", &expired[i], decimal.Zero, "")
	}
	return len(expired), nil
}

// GetPolicy retrieves a single policy joined with its catalog product. The
// view degrades rather than fails when the product has vanished.
func (s *Service) GetPolicy(ctx context.Context, policyID string) (*domain.PolicyView, error) {
	policy, err := s.repo.FindPolicyByID(ctx, policyID)
	if err != nil {
		return nil, err
	}
	view := s.coordinator.PolicyView(ctx, *policy)
	return &view, nil
}

// UserPolicies retrieves all policies for a user, joined with catalog data.
// Policies whose product has vanished from the catalog are omitted.
func (s *Service) UserPolicies(ctx context.Context, userID string) ([]domain.PolicyView, error) {
	if _, err := s.repo.FindUserByID(ctx, userID); err != nil {
		return nil, err
	}
	policies, err := s.repo.FindPoliciesByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.coordinator.PolicyViews(ctx, policies), nil
}

// UpcomingPayments lists the user's active policies with an installment due
// inside the upcoming horizon.
func (s *Service) UpcomingPayments(ctx context.Context, userID string) ([]domain.UpcomingPayment, error) {
	if _, err := s.repo.FindUserByID(ctx, userID); err != nil {
		return nil, err
	}
	policies, err := s.repo.FindPoliciesDueBy(ctx, userID, s.now().Add(UpcomingHorizon))
	if err != nil {
		return nil, err
	}

	upcoming := make([]domain.UpcomingPayment, 0, len(policies))
	for _, policy := range policies {
		view := s.coordinator.PolicyView(ctx, policy)
		if view.ProductMissing {
			continue
		}
		upcoming = append(upcoming, domain.UpcomingPayment{
			PolicyID:              policy.ID,
			ProductName:           view.ProductName,
			ProductType:           view.ProductType,
			InstallmentAmount:     policy.InstallmentAmount,
			InstallmentsPaid:      policy.InstallmentsPaid,
			TotalInstallments:     policy.TotalInstallments,
			RemainingInstallments: policy.RemainingInstallments(),
			NextDueDate:           policy.NextDueDate,
			EndDate:               policy.EndDate,
		})
	}
	return upcoming, nil
}

// PolicyPayments lists the payment history of one policy.
func (s *Service) PolicyPayments(ctx context.Context, policyID string) ([]domain.Payment, error) {
	if _, err := s.repo.FindPolicyByID(ctx, policyID); err != nil {
		return nil, err
	}
	return s.repo.FindPaymentsByPolicyID(ctx, policyID)
}

// UserPayments lists every payment a user has made across their policies.
func (s *Service) UserPayments(ctx context.Context, userID string) ([]domain.Payment, error) {
	if _, err := s.repo.FindUserByID(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.FindPaymentsByUserID(ctx, userID)
}

// AuditTrail lists a user's audit entries, newest first.
func (s *Service) AuditTrail(ctx context.Context, userID string, limit int) ([]domain.AuditEntry, error) {
	if _, err := s.repo.FindUserByID(ctx, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.FindAuditTrailByUserID(ctx, userID, limit)
}

// ListProducts lists active catalog products, optionally filtered by type.
func (s *Service) ListProducts(ctx context.Context, productType string) ([]domain.Product, error) {
	return s.coordinator.catalog.ListActiveProducts(ctx, strings.TrimSpace(productType))
}

// GetProduct retrieves one catalog product.
func (s *Service) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return s.coordinator.catalog.GetProduct(ctx, productID)
}

// CreateProduct adds a new product to the catalog. Administrative only.
func (s *Service) CreateProduct(ctx context.Context, req domain.CreateProductRequest) (*domain.Product, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Type) == "" {
		return nil, fmt.Errorf("%w: name and type are required", ErrValidation)
	}
	if !req.Price.IsPositive() || !req.InstallmentAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if req.DurationMonths <= 0 {
		return nil, fmt.Errorf("%w: duration_months must be greater than zero", ErrValidation)
	}

	product := &domain.Product{
		ID:                uuid.NewString(),
		Name:              strings.TrimSpace(req.Name),
		Description:       strings.TrimSpace(req.Description),
		Type:              strings.TrimSpace(strings.ToLower(req.Type)),
		Price:             req.Price,
		InstallmentAmount: req.InstallmentAmount,
		Coverage:          req.Coverage,
		DurationMonths:    req.DurationMonths,
		Active:            true,
		CreatedAt:         s.now(),
	}
	if err := s.coordinator.catalog.CreateProduct(ctx, product); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"product created\" product_id=%s type=%s price=%s", product.ID, product.Type, product.Price)
	return product, nil
}

// publishSettlement emits a settlement event. Publishing is best-effort: the
// settlement has already committed, so a broker failure is logged, not
// propagated.
func (s *Service) publishSettlement(ctx context.Context, routingKey string, policy *domain.Policy, amount decimal.Decimal, method string) {
	if s.eventProducer == nil {
		return
	}
	event := rabbitmq.SettlementEvent{
		PolicyID:         policy.ID,
		UserID:           policy.UserID,
		ProductID:        policy.ProductID,
		Amount:           amount,
		Method:           method,
		InstallmentsPaid: policy.InstallmentsPaid,
		State:            policy.State,
		Timestamp:        s.now(),
	}
	if err := s.eventProducer.PublishSettlementEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"failed to publish settlement event\" routing_key=%s policy_id=%s err=%v", routingKey, policy.ID, err)
	}
}
