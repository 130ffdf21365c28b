/**
 * @description
 * PostgreSQL implementation of the `Repository` interface. All SQL for users,
 * policies, payments, and audit entries lives here, including the two
 * settlement transactions.
 *
 * The critical piece is the guarded balance debit: a single conditional UPDATE
 * whose predicate includes the sufficiency check, evaluated against the live
 * stored balance. Concurrent settlements against the same near-exhausted
 * balance serialize on that statement; at most one can pass the predicate.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - github.com/shopspring/decimal: NUMERIC column values.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/segura/policy-service/internal/domain"
)

const pgUniqueViolation = "23505"

// PostgresRepository is the pgx-backed ledger store.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so row helpers can run
// inside or outside a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ---- Users ----

const userColumns = `id, name, email, COALESCE(phone, ''), balance, active, created_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.Balance, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new user with their opening balance and records the
// creation in the audit trail, atomically.
func (r *PostgresRepository) CreateUser(ctx context.Context, user *domain.User) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO users (id, name, email, phone, balance, active, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
	`
	_, err = tx.Exec(ctx, query, user.ID, user.Name, user.Email, user.Phone, user.Balance, user.Active, user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	err = r.appendAudit(ctx, tx, &domain.AuditEntry{
		UserID:           user.ID,
		Action:           domain.AuditCreateUser,
		AffectedTable:    "users",
		AffectedRecordID: user.ID,
		After: map[string]interface{}{
			"name":    user.Name,
			"email":   user.Email,
			"balance": user.Balance.String(),
		},
	})
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FindUserByID retrieves a user by ID.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRow(ctx, query, userID))
}

// FindUserByEmail retrieves a user by email.
func (r *PostgresRepository) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	return scanUser(r.db.QueryRow(ctx, query, email))
}

// ListUsers returns active users ordered by creation time.
func (r *PostgresRepository) ListUsers(ctx context.Context, limit, offset int) ([]domain.User, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE active ORDER BY created_at LIMIT $1 OFFSET $2`
	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.Balance, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreditBalance adds funds to a user's balance and audits the change, as one
// transaction.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (*BalanceChange, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var after decimal.Decimal
	query := `
		UPDATE users SET balance = balance + $2
		WHERE id = $1 AND active
		RETURNING balance
	`
	if err := tx.QueryRow(ctx, query, userID, amount).Scan(&after); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to credit balance: %w", err)
	}

	change := &BalanceChange{UserID: userID, Before: after.Sub(amount), After: after}
	err = r.appendAudit(ctx, tx, &domain.AuditEntry{
		UserID:           userID,
		Action:           domain.AuditCreditBalance,
		AffectedTable:    "users",
		AffectedRecordID: userID,
		Before:           map[string]interface{}{"balance": change.Before.String()},
		After:            map[string]interface{}{"balance": change.After.String()},
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return change, nil
}

// debitBalance applies the guarded conditional debit inside an open
// transaction. The predicate carries the sufficiency check so the decision is
// made against the live stored balance, not a value read earlier.
func (r *PostgresRepository) debitBalance(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal) (*BalanceChange, error) {
	var after decimal.Decimal
	query := `
		UPDATE users SET balance = balance - $2
		WHERE id = $1 AND active AND balance >= $2
		RETURNING balance
	`
	err := tx.QueryRow(ctx, query, userID, amount).Scan(&after)
	if err == nil {
		return &BalanceChange{UserID: userID, Before: after.Add(amount), After: after}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to debit balance: %w", err)
	}

	// The guard rejected the update: distinguish a missing/inactive user from
	// insufficient funds.
	var available decimal.Decimal
	err = tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 AND active`, userID).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return nil, &InsufficientFundsError{Required: amount, Available: available}
}

// ---- Settlements ----

// PurchaseSettlement debits the product price, opens the policy, records the
// initial payment, and appends the audit entry as one all-or-nothing unit.
func (r *PostgresRepository) PurchaseSettlement(ctx context.Context, params PurchaseParams) (*domain.Policy, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	change, err := r.debitBalance(ctx, tx, params.UserID, params.Price)
	if err != nil {
		return nil, err
	}

	policy := &domain.Policy{
		ID:                uuid.NewString(),
		UserID:            params.UserID,
		ProductID:         params.ProductID,
		State:             domain.PolicyActive,
		StartDate:         params.StartDate,
		EndDate:           params.EndDate,
		TotalInstallments: params.TotalInstallments,
		InstallmentAmount: params.InstallmentAmount,
		InstallmentsPaid:  0,
		NextDueDate:       params.NextDueDate,
		CreatedAt:         params.StartDate,
		UpdatedAt:         params.StartDate,
	}
	insertPolicy := `
		INSERT INTO policies (id, user_id, product_id, state, start_date, end_date,
		                      total_installments, installment_amount, installments_paid,
		                      next_due_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = tx.Exec(ctx, insertPolicy,
		policy.ID, policy.UserID, policy.ProductID, policy.State, policy.StartDate, policy.EndDate,
		policy.TotalInstallments, policy.InstallmentAmount, policy.InstallmentsPaid,
		policy.NextDueDate, policy.CreatedAt, policy.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert policy: %w", err)
	}

	if err := r.insertPayment(ctx, tx, &domain.Payment{
		ID:                uuid.NewString(),
		PolicyID:          policy.ID,
		UserID:            params.UserID,
		Amount:            params.Price,
		Method:            domain.PaymentMethodBalance,
		InstallmentNumber: domain.InitialInstallmentNumber,
		Status:            domain.PaymentCompleted,
		PaidAt:            params.StartDate,
	}); err != nil {
		return nil, err
	}

	err = r.appendAudit(ctx, tx, &domain.AuditEntry{
		UserID:           params.UserID,
		Action:           domain.AuditPurchasePolicy,
		AffectedTable:    "policies",
		AffectedRecordID: policy.ID,
		Before:           map[string]interface{}{"balance": change.Before.String()},
		After: map[string]interface{}{
			"balance":            change.After.String(),
			"product_id":         params.ProductID,
			"total_installments": params.TotalInstallments,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return policy, nil
}

// InstallmentSettlement settles one monthly installment: conditional debit
// (for balance-backed methods), payment record, guarded policy advance, and
// audit entry, all in one transaction. The advance statement re-checks the
// policy guard so a concurrent settlement of the final installment cannot
// overshoot total_installments.
func (r *PostgresRepository) InstallmentSettlement(ctx context.Context, params InstallmentParams) (*domain.Policy, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var change *BalanceChange
	if params.DebitBalance {
		change, err = r.debitBalance(ctx, tx, params.UserID, params.Amount)
		if err != nil {
			return nil, err
		}
	}

	// Advance the plan. The increment and the completion flip are one
	// statement so a fully paid policy can never be observed still active.
	advance := `
		UPDATE policies
		SET installments_paid = installments_paid + 1,
		    next_due_date = $2,
		    state = CASE WHEN installments_paid + 1 >= total_installments
		                 THEN '` + domain.PolicyCompleted + `' ELSE state END,
		    updated_at = NOW()
		WHERE id = $1 AND state = '` + domain.PolicyActive + `'
		  AND installments_paid < total_installments
		RETURNING id, user_id, product_id, state, start_date, end_date,
		          total_installments, installment_amount, installments_paid,
		          next_due_date, created_at, updated_at
	`
	policy, err := scanPolicy(tx.QueryRow(ctx, advance, params.PolicyID, params.NextDueDate))
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			// Row exists but failed the guard, or does not exist at all.
			var state string
			stateErr := tx.QueryRow(ctx, `SELECT state FROM policies WHERE id = $1`, params.PolicyID).Scan(&state)
			if errors.Is(stateErr, pgx.ErrNoRows) {
				return nil, ErrPolicyNotFound
			}
			if stateErr != nil {
				return nil, stateErr
			}
			return nil, ErrAlreadySettled
		}
		return nil, err
	}

	if err := r.insertPayment(ctx, tx, &domain.Payment{
		ID:                uuid.NewString(),
		PolicyID:          policy.ID,
		UserID:            policy.UserID,
		Amount:            params.Amount,
		Method:            params.Method,
		InstallmentNumber: policy.InstallmentsPaid,
		Status:            domain.PaymentCompleted,
		PaidAt:            policy.UpdatedAt,
	}); err != nil {
		return nil, err
	}

	after := map[string]interface{}{
		"installments_paid": policy.InstallmentsPaid,
		"state":             policy.State,
	}
	before := map[string]interface{}{
		"installments_paid": policy.InstallmentsPaid - 1,
		"state":             domain.PolicyActive,
	}
	if change != nil {
		before["balance"] = change.Before.String()
		after["balance"] = change.After.String()
	}
	err = r.appendAudit(ctx, tx, &domain.AuditEntry{
		UserID:           policy.UserID,
		Action:           domain.AuditPayInstallment,
		AffectedTable:    "policies",
		AffectedRecordID: policy.ID,
		Before:           before,
		After:            after,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return policy, nil
}

// ---- Policies ----

const policyColumns = `id, user_id, product_id, state, start_date, end_date,
	total_installments, installment_amount, installments_paid,
	next_due_date, created_at, updated_at`

func scanPolicy(row pgx.Row) (*domain.Policy, error) {
	var p domain.Policy
	err := row.Scan(
		&p.ID, &p.UserID, &p.ProductID, &p.State, &p.StartDate, &p.EndDate,
		&p.TotalInstallments, &p.InstallmentAmount, &p.InstallmentsPaid,
		&p.NextDueDate, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanPolicies(rows pgx.Rows) ([]domain.Policy, error) {
	defer rows.Close()
	var policies []domain.Policy
	for rows.Next() {
		var p domain.Policy
		err := rows.Scan(
			&p.ID, &p.UserID, &p.ProductID, &p.State, &p.StartDate, &p.EndDate,
			&p.TotalInstallments, &p.InstallmentAmount, &p.InstallmentsPaid,
			&p.NextDueDate, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// FindPolicyByID retrieves a policy by ID.
func (r *PostgresRepository) FindPolicyByID(ctx context.Context, policyID string) (*domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE id = $1`
	return scanPolicy(r.db.QueryRow(ctx, query, policyID))
}

// FindPoliciesByUserID retrieves all policies held by a user, newest first.
func (r *PostgresRepository) FindPoliciesByUserID(ctx context.Context, userID string) ([]domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE user_id = $1 ORDER BY start_date DESC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return scanPolicies(rows)
}

// FindPoliciesDueBy retrieves a user's active policies whose next installment
// is due on or before the given instant.
func (r *PostgresRepository) FindPoliciesDueBy(ctx context.Context, userID string, dueBy time.Time) ([]domain.Policy, error) {
	query := `
		SELECT ` + policyColumns + ` FROM policies
		WHERE user_id = $1 AND state = '` + domain.PolicyActive + `' AND next_due_date <= $2
		ORDER BY next_due_date
	`
	rows, err := r.db.Query(ctx, query, userID, dueBy)
	if err != nil {
		return nil, err
	}
	return scanPolicies(rows)
}

// CancelPolicy transitions an active policy to cancelled and audits the
// transition. Terminal policies are rejected with ErrAlreadySettled.
func (r *PostgresRepository) CancelPolicy(ctx context.Context, policyID string) (*domain.Policy, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	update := `
		UPDATE policies
		SET state = '` + domain.PolicyCancelled + `', updated_at = NOW()
		WHERE id = $1 AND state = '` + domain.PolicyActive + `'
		RETURNING ` + policyColumns + `
	`
	policy, err := scanPolicy(tx.QueryRow(ctx, update, policyID))
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			var state string
			stateErr := tx.QueryRow(ctx, `SELECT state FROM policies WHERE id = $1`, policyID).Scan(&state)
			if errors.Is(stateErr, pgx.ErrNoRows) {
				return nil, ErrPolicyNotFound
			}
			if stateErr != nil {
				return nil, stateErr
			}
			return nil, ErrAlreadySettled
		}
		return nil, err
	}

	err = r.appendAudit(ctx, tx, &domain.AuditEntry{
		UserID:           policy.UserID,
		Action:           domain.AuditCancelPolicy,
		AffectedTable:    "policies",
		AffectedRecordID: policy.ID,
		Before:           map[string]interface{}{"state": domain.PolicyActive},
		After:            map[string]interface{}{"state": domain.PolicyCancelled},
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return policy, nil
}

// ExpireOverduePolicies marks active policies past their end date with
// installments still outstanding as expired, auditing each transition. It
// returns the policies it expired.
func (r *PostgresRepository) ExpireOverduePolicies(ctx context.Context, asOf time.Time) ([]domain.Policy, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	update := `
		UPDATE policies
		SET state = '` + domain.PolicyExpired + `', updated_at = NOW()
		WHERE state = '` + domain.PolicyActive + `'
		  AND end_date < $1
		  AND installments_paid < total_installments
		RETURNING ` + policyColumns + `
	`
	rows, err := tx.Query(ctx, update, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to expire policies: %w", err)
	}
	expired, err := scanPolicies(rows)
	if err != nil {
		return nil, err
	}

	for _, p := range expired {
		err = r.appendAudit(ctx, tx, &domain.AuditEntry{
			UserID:           p.UserID,
			Action:           domain.AuditExpirePolicy,
			AffectedTable:    "policies",
			AffectedRecordID: p.ID,
			Before:           map[string]interface{}{"state": domain.PolicyActive},
			After:            map[string]interface{}{"state": domain.PolicyExpired},
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return expired, nil
}

// ---- Payments ----

func (r *PostgresRepository) insertPayment(ctx context.Context, q querier, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (id, policy_id, user_id, amount, method, installment_number, status, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := q.Exec(ctx, query,
		payment.ID, payment.PolicyID, payment.UserID, payment.Amount,
		payment.Method, payment.InstallmentNumber, payment.Status, payment.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

const paymentColumns = `id, policy_id, user_id, amount, method, installment_number, status, paid_at`

func scanPayments(rows pgx.Rows) ([]domain.Payment, error) {
	defer rows.Close()
	var payments []domain.Payment
	for rows.Next() {
		var p domain.Payment
		err := rows.Scan(&p.ID, &p.PolicyID, &p.UserID, &p.Amount, &p.Method, &p.InstallmentNumber, &p.Status, &p.PaidAt)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// FindPaymentsByPolicyID retrieves a policy's payment history in installment
// order.
func (r *PostgresRepository) FindPaymentsByPolicyID(ctx context.Context, policyID string) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE policy_id = $1 ORDER BY installment_number`
	rows, err := r.db.Query(ctx, query, policyID)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

// FindPaymentsByUserID retrieves all payments made by a user, newest first.
func (r *PostgresRepository) FindPaymentsByUserID(ctx context.Context, userID string) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE user_id = $1 ORDER BY paid_at DESC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

// ---- Audit ----

// appendAudit writes one audit entry inside the caller's transaction so the
// entry commits or rolls back with the mutation it describes.
func (r *PostgresRepository) appendAudit(ctx context.Context, q querier, entry *domain.AuditEntry) error {
	var beforeJSON, afterJSON *string
	if entry.Before != nil {
		b, err := json.Marshal(entry.Before)
		if err != nil {
			return fmt.Errorf("failed to marshal audit before snapshot: %w", err)
		}
		s := string(b)
		beforeJSON = &s
	}
	if entry.After != nil {
		b, err := json.Marshal(entry.After)
		if err != nil {
			return fmt.Errorf("failed to marshal audit after snapshot: %w", err)
		}
		s := string(b)
		afterJSON = &s
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	query := `
		INSERT INTO audit_entries (id, user_id, action, affected_table, affected_record_id, before, after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, NOW())
	`
	_, err := q.Exec(ctx, query,
		entry.ID, entry.UserID, entry.Action, entry.AffectedTable, entry.AffectedRecordID,
		beforeJSON, afterJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// FindAuditTrailByUserID retrieves a user's audit trail, newest first.
func (r *PostgresRepository) FindAuditTrailByUserID(ctx context.Context, userID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, user_id, action, affected_table, affected_record_id, before, after, created_at
		FROM audit_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var beforeJSON, afterJSON []byte
		err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.AffectedTable, &e.AffectedRecordID, &beforeJSON, &afterJSON, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		if len(beforeJSON) > 0 {
			if err := json.Unmarshal(beforeJSON, &e.Before); err != nil {
				return nil, fmt.Errorf("failed to decode audit before snapshot: %w", err)
			}
		}
		if len(afterJSON) > 0 {
			if err := json.Unmarshal(afterJSON, &e.After); err != nil {
				return nil, fmt.Errorf("failed to decode audit after snapshot: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
