/**
 * @description
 * This file defines the core domain models for the policy-service. These structs
 * represent the entities stored in the two backing stores — the Mongo product
 * catalog and the Postgres ledger — plus the DTOs exchanged with the API layer.
 *
 * @notes
 * - Identities are opaque strings (UUIDv4 in string form) so records can move
 *   between stores without driver-specific ID types.
 * - Monetary amounts use shopspring/decimal, never floating point. Balances and
 *   installment amounts map to NUMERIC(12,2) columns in Postgres and canonical
 *   decimal strings in catalog documents.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy states. A policy starts active and only ever moves to one of the
// three terminal states.
const (
	PolicyActive    = "active"
	PolicyCompleted = "completed"
	PolicyCancelled = "cancelled"
	PolicyExpired   = "expired"
)

// Payment statuses.
const (
	PaymentCompleted = "completed"
	PaymentPending   = "pending"
	PaymentFailed    = "failed"
)

// PaymentMethodBalance is the payment method that draws from the user's stored
// balance. Any other method is recorded as settled externally and does not
// touch the balance ledger.
const PaymentMethodBalance = "balance"

// InitialInstallmentNumber is the reserved installment number for the one-off
// purchase payment. Monthly installments are numbered 1..total_installments.
const InitialInstallmentNumber = 0

// User is a ledger-owned account holder with a stored balance.
type User struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Email     string          `json:"email"`
	Phone     string          `json:"phone,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

// Product is a catalog-owned insurance product definition. Immutable after
// creation except for the active flag.
type Product struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Type              string          `json:"type"` // e.g. 'basic', 'standard', 'premium'
	Price             decimal.Decimal `json:"price"`
	InstallmentAmount decimal.Decimal `json:"installment_amount"`
	Coverage          decimal.Decimal `json:"coverage"`
	DurationMonths    int             `json:"duration_months"`
	Active            bool            `json:"active"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Policy tracks a user's subscription to a product through its payment plan.
// Pricing-relevant fields are frozen from the product at purchase time so the
// installment hot path never depends on the catalog store.
type Policy struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	ProductID         string          `json:"product_id"`
	State             string          `json:"state"`
	StartDate         time.Time       `json:"start_date"`
	EndDate           time.Time       `json:"end_date"`
	TotalInstallments int             `json:"total_installments"`
	InstallmentAmount decimal.Decimal `json:"installment_amount"`
	InstallmentsPaid  int             `json:"installments_paid"`
	NextDueDate       time.Time       `json:"next_due_date"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Terminal reports whether the policy is in a state that admits no further
// transitions.
func (p *Policy) Terminal() bool {
	return p.State == PolicyCompleted || p.State == PolicyCancelled || p.State == PolicyExpired
}

// RemainingInstallments returns how many monthly installments are outstanding.
func (p *Policy) RemainingInstallments() int {
	remaining := p.TotalInstallments - p.InstallmentsPaid
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PastDue reports whether the policy still owes installments after its end
// date, as of the given instant. The expiry sweep uses this; read paths may
// also surface it to callers.
func (p *Policy) PastDue(now time.Time) bool {
	return p.State == PolicyActive && p.InstallmentsPaid < p.TotalInstallments && now.After(p.EndDate)
}

// Payment is one immutable settlement record against a policy.
type Payment struct {
	ID                string          `json:"id"`
	PolicyID          string          `json:"policy_id"`
	UserID            string          `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	Method            string          `json:"method"`
	InstallmentNumber int             `json:"installment_number"`
	Status            string          `json:"status"`
	PaidAt            time.Time       `json:"paid_at"`
}

// AuditEntry is one append-only record of a mutating action. Before/After hold
// JSON snapshots of the affected fields.
type AuditEntry struct {
	ID               string                 `json:"id"`
	UserID           string                 `json:"user_id"`
	Action           string                 `json:"action"`
	AffectedTable    string                 `json:"affected_table"`
	AffectedRecordID string                 `json:"affected_record_id"`
	Before           map[string]interface{} `json:"before,omitempty"`
	After            map[string]interface{} `json:"after,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Audit action tags.
const (
	AuditCreateUser     = "CREATE_USER"
	AuditCreditBalance  = "CREDIT_BALANCE"
	AuditPurchasePolicy = "PURCHASE_POLICY"
	AuditPayInstallment = "PAY_INSTALLMENT"
	AuditCancelPolicy   = "CANCEL_POLICY"
	AuditExpirePolicy   = "EXPIRE_POLICY"
)

// CreateUserRequest is the DTO for registering a new user.
type CreateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// CreateProductRequest is the DTO for administrative product creation.
type CreateProductRequest struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Type              string          `json:"type"`
	Price             decimal.Decimal `json:"price"`
	InstallmentAmount decimal.Decimal `json:"installment_amount"`
	Coverage          decimal.Decimal `json:"coverage"`
	DurationMonths    int             `json:"duration_months"`
}

// PurchaseRequest is the DTO for buying a product.
type PurchaseRequest struct {
	ProductID string `json:"product_id"`
}

// PayInstallmentRequest is the DTO for settling one monthly installment.
type PayInstallmentRequest struct {
	Method string `json:"method"`
}

// CreditRequest is the DTO for an administrative balance top-up.
type CreditRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// PolicyView is a policy joined with the denormalized catalog fields needed
// for display. ProductName is empty when the product has vanished from the
// catalog; the coordinator documents that as degraded data, not an error.
type PolicyView struct {
	Policy
	ProductName        string `json:"product_name,omitempty"`
	ProductType        string `json:"product_type,omitempty"`
	ProductDescription string `json:"product_description,omitempty"`
	ProductMissing     bool   `json:"product_missing,omitempty"`
}

// UpcomingPayment describes one active policy with an installment due inside
// the upcoming-payments horizon.
type UpcomingPayment struct {
	PolicyID              string          `json:"policy_id"`
	ProductName           string          `json:"product_name,omitempty"`
	ProductType           string          `json:"product_type,omitempty"`
	InstallmentAmount     decimal.Decimal `json:"installment_amount"`
	InstallmentsPaid      int             `json:"installments_paid"`
	TotalInstallments     int             `json:"total_installments"`
	RemainingInstallments int             `json:"remaining_installments"`
	NextDueDate           time.Time       `json:"next_due_date"`
	EndDate               time.Time       `json:"end_date"`
}
