/**
 * @description
 * This file defines the `Repository` interface: the contract for every ledger
 * store operation the policy-service needs. The interface decouples the
 * business logic from PostgreSQL so the application layer can be tested
 * against stubs.
 *
 * The two settlement methods are deliberately coarse: purchase and installment
 * settlement each touch a user balance, a policy, a payment, and an audit
 * entry, and those writes must land as one atomic unit. The
 * transaction boundary therefore lives inside the repository, not in the
 * caller.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/segura/policy-service/internal/domain"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrPolicyNotFound    = errors.New("policy not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadySettled    = errors.New("policy has no outstanding installments")
	ErrDuplicateEmail    = errors.New("email already registered")
)

// InsufficientFundsError carries the amounts behind a failed conditional
// debit. It matches ErrInsufficientFunds under errors.Is so handlers can keep
// sentinel-based mapping while callers that care can unwrap the figures.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s, available %s", e.Required, e.Available)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// BalanceChange reports the balance snapshot around a guarded debit or credit.
type BalanceChange struct {
	UserID string
	Before decimal.Decimal
	After  decimal.Decimal
}

// PurchaseParams carries everything the purchase settlement writes. Pricing
// fields are frozen from the product by the caller; the settlement itself
// never reads the catalog.
type PurchaseParams struct {
	UserID            string
	ProductID         string
	Price             decimal.Decimal
	InstallmentAmount decimal.Decimal
	TotalInstallments int
	StartDate         time.Time
	EndDate           time.Time
	NextDueDate       time.Time
}

// InstallmentParams carries one monthly installment settlement.
type InstallmentParams struct {
	PolicyID string
	UserID   string
	Amount   decimal.Decimal
	Method   string
	// DebitBalance is false for externally settled methods; the payment and
	// policy advance are still recorded atomically.
	DebitBalance bool
	NextDueDate  time.Time
}

// Repository defines the ledger store operations.
type Repository interface {
	// Users
	CreateUser(ctx context.Context, user *domain.User) error
	FindUserByID(ctx context.Context, userID string) (*domain.User, error)
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]domain.User, error)
	CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (*BalanceChange, error)

	// Settlements. Each executes as a single database transaction: conditional
	// debit, payment record, policy write, and audit entry commit together or
	// not at all.
	PurchaseSettlement(ctx context.Context, params PurchaseParams) (*domain.Policy, error)
	InstallmentSettlement(ctx context.Context, params InstallmentParams) (*domain.Policy, error)

	// Policies
	FindPolicyByID(ctx context.Context, policyID string) (*domain.Policy, error)
	FindPoliciesByUserID(ctx context.Context, userID string) ([]domain.Policy, error)
	FindPoliciesDueBy(ctx context.Context, userID string, dueBy time.Time) ([]domain.Policy, error)
	CancelPolicy(ctx context.Context, policyID string) (*domain.Policy, error)
	ExpireOverduePolicies(ctx context.Context, asOf time.Time) ([]domain.Policy, error)

	// Payments
	FindPaymentsByPolicyID(ctx context.Context, policyID string) ([]domain.Payment, error)
	FindPaymentsByUserID(ctx context.Context, userID string) ([]domain.Payment, error)

	// Audit
	FindAuditTrailByUserID(ctx context.Context, userID string, limit int) ([]domain.AuditEntry, error)
}
