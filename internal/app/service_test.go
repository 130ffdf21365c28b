package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/segura/policy-service/internal/catalog"
	"github.com/segura/policy-service/internal/domain"
	"github.com/segura/policy-service/internal/store"
	"github.com/segura/policy-service/pkg/rabbitmq"
)

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

// memRepo is an in-memory store.Repository that enforces the same settlement
// guards as the Postgres implementation: conditional debits and single-step
// policy advances under one lock.
type memRepo struct {
	mu       sync.Mutex
	users    map[string]*domain.User
	policies map[string]*domain.Policy
	payments []domain.Payment
	audits   []domain.AuditEntry
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:    make(map[string]*domain.User),
		policies: make(map[string]*domain.Policy),
	}
}

func (r *memRepo) CreateUser(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return store.ErrDuplicateEmail
		}
	}
	copied := *user
	r.users[user.ID] = &copied
	return nil
}

func (r *memRepo) FindUserByID(ctx context.Context, userID string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (r *memRepo) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, store.ErrUserNotFound
}

func (r *memRepo) ListUsers(ctx context.Context, limit, offset int) ([]domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]domain.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, *u)
	}
	return users, nil
}

func (r *memRepo) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (*store.BalanceChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	before := u.Balance
	u.Balance = u.Balance.Add(amount)
	r.audits = append(r.audits, domain.AuditEntry{
		UserID: userID,
		Action: domain.AuditCreditBalance,
		Before: map[string]interface{}{"balance": before.String()},
		After:  map[string]interface{}{"balance": u.Balance.String()},
	})
	return &store.BalanceChange{UserID: userID, Before: before, After: u.Balance}, nil
}

func (r *memRepo) debitLocked(userID string, amount decimal.Decimal) (*store.BalanceChange, error) {
	u, ok := r.users[userID]
	if !ok || !u.Active {
		return nil, store.ErrUserNotFound
	}
	if u.Balance.LessThan(amount) {
		return nil, &store.InsufficientFundsError{Required: amount, Available: u.Balance}
	}
	before := u.Balance
	u.Balance = u.Balance.Sub(amount)
	return &store.BalanceChange{UserID: userID, Before: before, After: u.Balance}, nil
}

func (r *memRepo) PurchaseSettlement(ctx context.Context, params store.PurchaseParams) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	change, err := r.debitLocked(params.UserID, params.Price)
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
	}
	r.policies[policy.ID] = policy
	r.payments = append(r.payments, domain.Payment{
		ID:                uuid.NewString(),
		PolicyID:          policy.ID,
		UserID:            params.UserID,
		Amount:            params.Price,
		Method:            domain.PaymentMethodBalance,
		InstallmentNumber: domain.InitialInstallmentNumber,
		Status:            domain.PaymentCompleted,
	})
	r.audits = append(r.audits, domain.AuditEntry{
		UserID:           params.UserID,
		Action:           domain.AuditPurchasePolicy,
		AffectedRecordID: policy.ID,
		Before:           map[string]interface{}{"balance": change.Before.String()},
		After:            map[string]interface{}{"balance": change.After.String()},
	})
	copied := *policy
	return &copied, nil
}

func (r *memRepo) InstallmentSettlement(ctx context.Context, params store.InstallmentParams) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	policy, ok := r.policies[params.PolicyID]
	if !ok {
		return nil, store.ErrPolicyNotFound
	}
	if policy.State != domain.PolicyActive || policy.InstallmentsPaid >= policy.TotalInstallments {
		return nil, store.ErrAlreadySettled
	}
	var change *store.BalanceChange
	if params.DebitBalance {
		var err error
		change, err = r.debitLocked(params.UserID, params.Amount)
		if err != nil {
			return nil, err
		}
	}
	policy.InstallmentsPaid++
	policy.NextDueDate = params.NextDueDate
	if policy.InstallmentsPaid >= policy.TotalInstallments {
		policy.State = domain.PolicyCompleted
	}
	r.payments = append(r.payments, domain.Payment{
		ID:                uuid.NewString(),
		PolicyID:          policy.ID,
		UserID:            params.UserID,
		Amount:            params.Amount,
		Method:            params.Method,
		InstallmentNumber: policy.InstallmentsPaid,
		Status:            domain.PaymentCompleted,
	})
	before := map[string]interface{}{"installments_paid": policy.InstallmentsPaid - 1, "state": domain.PolicyActive}
	after := map[string]interface{}{"installments_paid": policy.InstallmentsPaid, "state": policy.State}
	if change != nil {
		before["balance"] = change.Before.String()
		after["balance"] = change.After.String()
	}
	r.audits = append(r.audits, domain.AuditEntry{
		UserID:           params.UserID,
		Action:           domain.AuditPayInstallment,
		AffectedRecordID: policy.ID,
		Before:           before,
		After:            after,
	})
	copied := *policy
	return &copied, nil
}

func (r *memRepo) FindPolicyByID(ctx context.Context, policyID string) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[policyID]
	if !ok {
		return nil, store.ErrPolicyNotFound
	}
	copied := *p
	return &copied, nil
}

func (r *memRepo) FindPoliciesByUserID(ctx context.Context, userID string) ([]domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var policies []domain.Policy
	for _, p := range r.policies {
		if p.UserID == userID {
			policies = append(policies, *p)
		}
	}
	return policies, nil
}

func (r *memRepo) FindPoliciesDueBy(ctx context.Context, userID string, dueBy time.Time) ([]domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var policies []domain.Policy
	for _, p := range r.policies {
		if p.UserID == userID && p.State == domain.PolicyActive && !p.NextDueDate.After(dueBy) {
			policies = append(policies, *p)
		}
	}
	return policies, nil
}

func (r *memRepo) CancelPolicy(ctx context.Context, policyID string) (*domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[policyID]
	if !ok {
		return nil, store.ErrPolicyNotFound
	}
	if p.State != domain.PolicyActive {
		return nil, store.ErrAlreadySettled
	}
	p.State = domain.PolicyCancelled
	r.audits = append(r.audits, domain.AuditEntry{UserID: p.UserID, Action: domain.AuditCancelPolicy})
	copied := *p
	return &copied, nil
}

func (r *memRepo) ExpireOverduePolicies(ctx context.Context, asOf time.Time) ([]domain.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []domain.Policy
	for _, p := range r.policies {
		if p.State == domain.PolicyActive && p.EndDate.Before(asOf) && p.InstallmentsPaid < p.TotalInstallments {
			p.State = domain.PolicyExpired
			r.audits = append(r.audits, domain.AuditEntry{UserID: p.UserID, Action: domain.AuditExpirePolicy})
			expired = append(expired, *p)
		}
	}
	return expired, nil
}

func (r *memRepo) FindPaymentsByPolicyID(ctx context.Context, policyID string) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var payments []domain.Payment
	for _, p := range r.payments {
		if p.PolicyID == policyID {
			payments = append(payments, p)
		}
	}
	return payments, nil
}

func (r *memRepo) FindPaymentsByUserID(ctx context.Context, userID string) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var payments []domain.Payment
	for _, p := range r.payments {
		if p.UserID == userID {
			payments = append(payments, p)
		}
	}
	return payments, nil
}

func (r *memRepo) FindAuditTrailByUserID(ctx context.Context, userID string, limit int) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []domain.AuditEntry
	for _, e := range r.audits {
		if e.UserID == userID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// memCatalog is an in-memory catalog.Store.
type memCatalog struct {
	mu       sync.Mutex
	products map[string]*domain.Product
}

func newMemCatalog() *memCatalog {
	return &memCatalog{products: make(map[string]*domain.Product)}
}

func (c *memCatalog) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[productID]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	copied := *p
	return &copied, nil
}

func (c *memCatalog) ListActiveProducts(ctx context.Context, productType string) ([]domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var products []domain.Product
	for _, p := range c.products {
		if p.Active && (productType == "" || p.Type == productType) {
			products = append(products, *p)
		}
	}
	return products, nil
}

func (c *memCatalog) CreateProduct(ctx context.Context, product *domain.Product) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *product
	c.products[product.ID] = &copied
	return nil
}

// recordingPublisher captures routing keys of published settlement events.
type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *recordingPublisher) PublishSettlementEvent(ctx context.Context, routingKey string, event rabbitmq.SettlementEvent) error {
	return p.Publish(ctx, "policy_events", routingKey, event)
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// memGuard reserves idempotency keys in memory.
type memGuard struct {
	mu       sync.Mutex
	reserved map[string]bool
}

func newMemGuard() *memGuard {
	return &memGuard{reserved: make(map[string]bool)}
}

func (g *memGuard) Reserve(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reserved[key] {
		return false, nil
	}
	g.reserved[key] = true
	return true, nil
}

func (g *memGuard) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.reserved, key)
	return nil
}

type serviceFixture struct {
	repo      *memRepo
	catalog   *memCatalog
	publisher *recordingPublisher
	guard     *memGuard
	service   *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	repo := newMemRepo()
	cat := newMemCatalog()
	pub := &recordingPublisher{}
	guard := newMemGuard()
	svc := NewService(repo, NewCoordinator(cat), pub, guard, decimal.RequireFromString("500.00"))
	return &serviceFixture{repo: repo, catalog: cat, publisher: pub, guard: guard, service: svc}
}

func (f *serviceFixture) addUser(t *testing.T, balance string) *domain.User {
	t.Helper()
	user := &domain.User{
		ID:      uuid.NewString(),
		Name:    "Ana Morales",
		Email:   uuid.NewString() + "@example.com",
		Balance: mustDec(t, balance),
		Active:  true,
	}
	if err := f.repo.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return user
}

func (f *serviceFixture) addProduct(t *testing.T, price, installment string, installments int, active bool) *domain.Product {
	t.Helper()
	product := &domain.Product{
		ID:                uuid.NewString(),
		Name:              "Test Plan",
		Type:              "basic",
		Price:             mustDec(t, price),
		InstallmentAmount: mustDec(t, installment),
		Coverage:          mustDec(t, "10000.00"),
		DurationMonths:    installments,
		Active:            active,
	}
	if err := f.catalog.CreateProduct(context.Background(), product); err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}
	return product
}

func TestCreateUser_GrantsOpeningBalance(t *testing.T) {
	f := newServiceFixture(t)

	user, err := f.service.CreateUser(context.Background(), domain.CreateUserRequest{
		Name:  "Carlos Ruiz",
		Email: "Carlos@Example.com",
	})
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	if !user.Balance.Equal(mustDec(t, "500.00")) {
		t.Fatalf("expected opening balance 500.00, got %s", user.Balance)
	}
	if user.Email != "carlos@example.com" {
		t.Fatalf("expected lowercased email, got %q", user.Email)
	}
	if !user.Active {
		t.Fatal("expected new user to be active")
	}
}

func TestCreateUser_RejectsDuplicateEmail(t *testing.T) {
	f := newServiceFixture(t)

	req := domain.CreateUserRequest{Name: "Carlos Ruiz", Email: "carlos@example.com"}
	if _, err := f.service.CreateUser(context.Background(), req); err != nil {
		t.Fatalf("first CreateUser returned error: %v", err)
	}
	_, err := f.service.CreateUser(context.Background(), req)
	if !errors.Is(err, store.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestCreateUser_RejectsMissingFields(t *testing.T) {
	f := newServiceFixture(t)

	if _, err := f.service.CreateUser(context.Background(), domain.CreateUserRequest{Email: "a@b.com"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing name, got %v", err)
	}
	if _, err := f.service.CreateUser(context.Background(), domain.CreateUserRequest{Name: "Ana", Email: "not-an-email"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for malformed email, got %v", err)
	}
}

func TestCreditBalance_RejectsNonPositiveAmounts(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "100.00")

	if _, err := f.service.CreditBalance(context.Background(), user.ID, decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, err := f.service.CreditBalance(context.Background(), user.ID, mustDec(t, "-5.00")); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}

	change, err := f.service.CreditBalance(context.Background(), user.ID, mustDec(t, "50.00"))
	if err != nil {
		t.Fatalf("CreditBalance returned error: %v", err)
	}
	if !change.After.Equal(mustDec(t, "150.00")) {
		t.Fatalf("expected balance 150.00 after credit, got %s", change.After)
	}

	audits, _ := f.repo.FindAuditTrailByUserID(context.Background(), user.ID, 10)
	if len(audits) != 1 || audits[0].Action != domain.AuditCreditBalance {
		t.Fatalf("expected one credit audit entry, got %+v", audits)
	}
	if audits[0].Before["balance"] != mustDec(t, "100.00").String() || audits[0].After["balance"] != mustDec(t, "150.00").String() {
		t.Fatalf("expected balance snapshots 100.00 -> 150.00, got before=%v after=%v", audits[0].Before, audits[0].After)
	}
}

func TestPurchase_DebitsPriceAndFreezesPlan(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "500.00")
	product := f.addProduct(t, "100.00", "25.00", 2, true)

	policy, err := f.service.Purchase(context.Background(), user.ID, product.ID)
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}

	if policy.State != domain.PolicyActive {
		t.Fatalf("expected active policy, got %s", policy.State)
	}
	if !policy.InstallmentAmount.Equal(mustDec(t, "25.00")) {
		t.Fatalf("expected frozen installment amount 25.00, got %s", policy.InstallmentAmount)
	}
	if policy.TotalInstallments != 2 {
		t.Fatalf("expected 2 total installments, got %d", policy.TotalInstallments)
	}
	if got := policy.EndDate.Sub(policy.StartDate); got != 2*InstallmentPeriod {
		t.Fatalf("expected end date %v after start, got %v", 2*InstallmentPeriod, got)
	}
	if got := policy.NextDueDate.Sub(policy.StartDate); got != InstallmentPeriod {
		t.Fatalf("expected first due date one period after start, got %v", got)
	}

	updated, _ := f.repo.FindUserByID(context.Background(), user.ID)
	if !updated.Balance.Equal(mustDec(t, "400.00")) {
		t.Fatalf("expected balance 400.00 after purchase, got %s", updated.Balance)
	}

	payments, _ := f.repo.FindPaymentsByPolicyID(context.Background(), policy.ID)
	if len(payments) != 1 || payments[0].InstallmentNumber != domain.InitialInstallmentNumber {
		t.Fatalf("expected one purchase payment with installment number %d, got %+v", domain.InitialInstallmentNumber, payments)
	}

	keys := f.publisher.published()
	if len(keys) != 1 || keys[0] != "policy.purchased" {
		t.Fatalf("expected policy.purchased event, got %v", keys)
	}

	audits, _ := f.repo.FindAuditTrailByUserID(context.Background(), user.ID, 10)
	if len(audits) != 1 || audits[0].Action != domain.AuditPurchasePolicy {
		t.Fatalf("expected one purchase audit entry, got %+v", audits)
	}
	if audits[0].Before["balance"] != mustDec(t, "500.00").String() || audits[0].After["balance"] != mustDec(t, "400.00").String() {
		t.Fatalf("expected balance snapshots 500.00 -> 400.00, got before=%v after=%v", audits[0].Before, audits[0].After)
	}
}

func TestPurchase_InactiveUserTreatedAsMissing(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "500.00")
	product := f.addProduct(t, "100.00", "25.00", 2, true)

	f.repo.mu.Lock()
	f.repo.users[user.ID].Active = false
	f.repo.mu.Unlock()

	_, err := f.service.Purchase(context.Background(), user.ID, product.ID)
	if !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for inactive user, got %v", err)
	}
	if keys := f.publisher.published(); len(keys) != 0 {
		t.Fatalf("expected no events for rejected purchase, got %v", keys)
	}
}

func TestPurchase_InsufficientFundsLeavesLedgerUntouched(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "10.00")
	product := f.addProduct(t, "100.00", "25.00", 2, true)

	_, err := f.service.Purchase(context.Background(), user.ID, product.ID)
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	var fundsErr *store.InsufficientFundsError
	if !errors.As(err, &fundsErr) {
		t.Fatalf("expected InsufficientFundsError, got %T", err)
	}
	if !fundsErr.Required.Equal(mustDec(t, "100.00")) || !fundsErr.Available.Equal(mustDec(t, "10.00")) {
		t.Fatalf("unexpected amounts in error: %+v", fundsErr)
	}

	updated, _ := f.repo.FindUserByID(context.Background(), user.ID)
	if !updated.Balance.Equal(mustDec(t, "10.00")) {
		t.Fatalf("expected balance unchanged at 10.00, got %s", updated.Balance)
	}
	policies, _ := f.repo.FindPoliciesByUserID(context.Background(), user.ID)
	if len(policies) != 0 {
		t.Fatalf("expected no policies after failed purchase, got %d", len(policies))
	}
	if keys := f.publisher.published(); len(keys) != 0 {
		t.Fatalf("expected no events after failed purchase, got %v", keys)
	}
}

func TestPurchase_RejectsInactiveProduct(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "500.00")
	product := f.addProduct(t, "100.00", "25.00", 2, false)

	_, err := f.service.Purchase(context.Background(), user.ID, product.ID)
	if !errors.Is(err, catalog.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound for inactive product, got %v", err)
	}
}

func TestPayInstallment_AdvancesThenCompletes(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "500.00")
	product := f.addProduct(t, "100.00", "25.00", 2, true)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.service.now = func() time.Time { return start }

	policy, err := f.service.Purchase(context.Background(), user.ID, product.ID)
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}
	firstDue := policy.NextDueDate

	// One period later the first installment is settled; the due date is
	// recomputed from the payment time.
	f.service.now = func() time.Time { return start.Add(InstallmentPeriod) }
	after1, err := f.service.PayInstallment(context.Background(), policy.ID, "balance", "")
	if err != nil {
		t.Fatalf("first PayInstallment returned error: %v", err)
	}
	if after1.InstallmentsPaid != 1 || after1.State != domain.PolicyActive {
		t.Fatalf("expected 1 paid and active, got paid=%d state=%s", after1.InstallmentsPaid, after1.State)
	}
	if got := after1.NextDueDate.Sub(firstDue); got != InstallmentPeriod {
		t.Fatalf("expected due date advanced one period, got %v", got)
	}

	after2, err := f.service.PayInstallment(context.Background(), policy.ID, "balance", "")
	if err != nil {
		t.Fatalf("second PayInstallment returned error: %v", err)
	}
	if after2.State != domain.PolicyCompleted {
		t.Fatalf("expected completed policy, got %s", after2.State)
	}
	if after2.RemainingInstallments() != 0 {
		t.Fatalf("expected no remaining installments, got %d", after2.RemainingInstallments())
	}

	// 100.00 purchase + 2 x 25.00 installments.
	updated, _ := f.repo.FindUserByID(context.Background(), user.ID)
	if !updated.Balance.Equal(mustDec(t, "350.00")) {
		t.Fatalf("expected balance 350.00, got %s", updated.Balance)
	}

	if _, err := f.service.PayInstallment(context.Background(), policy.ID, "balance", ""); !errors.Is(err, store.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled on completed policy, got %v", err)
	}

	keys := f.publisher.published()
	want := []string{"policy.purchased", "policy.installment_paid", "policy.installment_paid", "policy.completed"}
	if len(keys) != len(want) {
		t.Fatalf("expected events %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, keys)
		}
	}

	// Each debit leaves one audit entry whose snapshots bracket the ledger
	// state around the operation.
	audits, _ := f.repo.FindAuditTrailByUserID(context.Background(), user.ID, 10)
	if len(audits) != 3 {
		t.Fatalf("expected 3 audit entries (purchase + 2 installments), got %d", len(audits))
	}
	first, last := audits[1], audits[2]
	if first.Before["balance"] != mustDec(t, "400.00").String() || first.After["balance"] != mustDec(t, "375.00").String() {
		t.Fatalf("expected snapshots 400.00 -> 375.00 on first installment, got before=%v after=%v", first.Before, first.After)
	}
	if last.Before["balance"] != mustDec(t, "375.00").String() || last.After["balance"] != mustDec(t, "350.00").String() {
		t.Fatalf("expected snapshots 375.00 -> 350.00 on final installment, got before=%v after=%v", last.Before, last.After)
	}
	if last.Before["installments_paid"] != 1 || last.After["installments_paid"] != 2 {
		t.Fatalf("expected installment count snapshots 1 -> 2, got before=%v after=%v", last.Before, last.After)
	}
	if last.After["state"] != domain.PolicyCompleted {
		t.Fatalf("expected completed state in final snapshot, got %v", last.After["state"])
	}
}

func TestPayInstallment_ExternalMethodSkipsDebit(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "500.00")
	product := f.addProduct(t, "100.00", "25.00", 2, true)

	policy, err := f.service.Purchase(context.Background(), user.ID, product.ID)
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}

	after, err := f.service.PayInstallment(context.Background(), policy.ID, "card", "")
	if err != nil {
		t.Fatalf("PayInstallment returned error: %v", err)
	}
	if after.InstallmentsPaid != 1 {
		t.Fatalf("expected policy advanced, got paid=%d", after.InstallmentsPaid)
	}

	updated, _ := f.repo.FindUserByID(context.Background(), user.ID)
	if !updated.Balance.Equal(mustDec(t, "400.00")) {
		t.Fatalf("expected balance untouched by card payment, got %s", updated.Balance)
	}

	payments, _ := f.repo.FindPaymentsByPolicyID(context.Background(), policy.ID)
	if len(payments) != 2 || payments[1].Method != "card" {
		t.Fatalf("expected card payment recorded, got %+v", payments)
	}
}

func TestPayInstallment_InsufficientFundsReleasesKey(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "500.00")
	product := f.addProduct(t, "490.00", "25.00", 2, true)

	policy, err := f.service.Purchase(context.Background(), user.ID, product.ID)
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}

	// 10.00 left; installment needs 25.00.
	_, err = f.service.PayInstallment(context.Background(), policy.ID, "balance", "attempt-1")
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	current, _ := f.repo.FindPolicyByID(context.Background(), policy.ID)
	if current.InstallmentsPaid != 0 {
		t.Fatalf("expected no advance after failed debit, got paid=%d", current.InstallmentsPaid)
	}

	// The key was released, so the same attempt can retry after a top-up.
	if _, err := f.service.CreditBalance(context.Background(), user.ID, mustDec(t, "50.00")); err != nil {
		t.Fatalf("CreditBalance returned error: %v", err)
	}
	if _, err := f.service.PayInstallment(context.Background(), policy.ID, "balance", "attempt-1"); err != nil {
		t.Fatalf("retry with same key returned error: %v", err)
	}
}

func TestPayInstallment_RejectsReplayedIdempotencyKey(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "500.00")
	product := f.addProduct(t, "100.00", "25.00", 2, true)

	policy, err := f.service.Purchase(context.Background(), user.ID, product.ID)
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}

	if _, err := f.service.PayInstallment(context.Background(), policy.ID, "balance", "key-1"); err != nil {
		t.Fatalf("first PayInstallment returned error: %v", err)
	}
	_, err = f.service.PayInstallment(context.Background(), policy.ID, "balance", "key-1")
	if !errors.Is(err, ErrDuplicateSettlement) {
		t.Fatalf("expected ErrDuplicateSettlement on replay, got %v", err)
	}

	current, _ := f.repo.FindPolicyByID(context.Background(), policy.ID)
	if current.InstallmentsPaid != 1 {
		t.Fatalf("expected exactly one settled installment, got %d", current.InstallmentsPaid)
	}
}

func TestPayInstallment_ConcurrentAttemptsSettleAtMostRemaining(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "500.00")
	product := f.addProduct(t, "100.00", "25.00", 1, true)

	policy, err := f.service.Purchase(context.Background(), user.ID, product.ID)
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.PayInstallment(context.Background(), policy.ID, "balance", "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrAlreadySettled):
		default:
			t.Fatalf("unexpected error from concurrent attempt: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful settlement, got %d", succeeded)
	}

	updated, _ := f.repo.FindUserByID(context.Background(), user.ID)
	if !updated.Balance.Equal(mustDec(t, "375.00")) {
		t.Fatalf("expected single debit leaving 375.00, got %s", updated.Balance)
	}
	current, _ := f.repo.FindPolicyByID(context.Background(), policy.ID)
	if current.State != domain.PolicyCompleted || current.InstallmentsPaid != 1 {
		t.Fatalf("expected completed policy with 1 paid, got state=%s paid=%d", current.State, current.InstallmentsPaid)
	}
}

func TestCancelPolicy_IsTerminal(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "500.00")
	product := f.addProduct(t, "100.00", "25.00", 2, true)

	policy, err := f.service.Purchase(context.Background(), user.ID, product.ID)
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}

	cancelled, err := f.service.CancelPolicy(context.Background(), policy.ID)
	if err != nil {
		t.Fatalf("CancelPolicy returned error: %v", err)
	}
	if cancelled.State != domain.PolicyCancelled {
		t.Fatalf("expected cancelled state, got %s", cancelled.State)
	}

	if _, err := f.service.CancelPolicy(context.Background(), policy.ID); !errors.Is(err, store.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled cancelling twice, got %v", err)
	}
	if _, err := f.service.PayInstallment(context.Background(), policy.ID, "balance", ""); !errors.Is(err, store.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled paying a cancelled policy, got %v", err)
	}

	// No refund on cancel.
	updated, _ := f.repo.FindUserByID(context.Background(), user.ID)
	if !updated.Balance.Equal(mustDec(t, "400.00")) {
		t.Fatalf("expected no refund on cancel, got balance %s", updated.Balance)
	}
}

func TestExpireOverduePolicies_PublishesPerPolicy(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "500.00")
	product := f.addProduct(t, "100.00", "25.00", 2, true)

	policy, err := f.service.Purchase(context.Background(), user.ID, product.ID)
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}

	// Force the policy past its end date.
	f.repo.mu.Lock()
	f.repo.policies[policy.ID].EndDate = time.Now().UTC().Add(-24 * time.Hour)
	f.repo.mu.Unlock()

	expired, err := f.service.ExpireOverduePolicies(context.Background())
	if err != nil {
		t.Fatalf("ExpireOverduePolicies returned error: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired policy, got %d", expired)
	}

	current, _ := f.repo.FindPolicyByID(context.Background(), policy.ID)
	if current.State != domain.PolicyExpired {
		t.Fatalf("expected expired state, got %s", current.State)
	}

	keys := f.publisher.published()
	if len(keys) != 2 || keys[1] != "policy.expired" {
		t.Fatalf("expected policy.expired event, got %v", keys)
	}
}

func TestUpcomingPayments_FiltersByHorizonAndCatalog(t *testing.T) {
	f := newServiceFixture(t)
	user := f.addUser(t, "500.00")
	nearProduct := f.addProduct(t, "50.00", "10.00", 3, true)
	vanishing := f.addProduct(t, "50.00", "10.00", 3, true)

	nearPolicy, err := f.service.Purchase(context.Background(), user.ID, nearProduct.ID)
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}
	orphanPolicy, err := f.service.Purchase(context.Background(), user.ID, vanishing.ID)
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}

	// Bring both inside the horizon, then drop one product from the catalog.
	soon := time.Now().UTC().Add(48 * time.Hour)
	f.repo.mu.Lock()
	f.repo.policies[nearPolicy.ID].NextDueDate = soon
	f.repo.policies[orphanPolicy.ID].NextDueDate = soon
	f.repo.mu.Unlock()
	f.catalog.mu.Lock()
	delete(f.catalog.products, vanishing.ID)
	f.catalog.mu.Unlock()

	upcoming, err := f.service.UpcomingPayments(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("UpcomingPayments returned error: %v", err)
	}
	if len(upcoming) != 1 {
		t.Fatalf("expected one upcoming payment, got %d", len(upcoming))
	}
	if upcoming[0].PolicyID != nearPolicy.ID {
		t.Fatalf("expected policy %s in upcoming view, got %s", nearPolicy.ID, upcoming[0].PolicyID)
	}
	if upcoming[0].RemainingInstallments != 3 {
		t.Fatalf("expected 3 remaining installments, got %d", upcoming[0].RemainingInstallments)
	}
}

func TestCreateProduct_Validation(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.CreateProduct(context.Background(), domain.CreateProductRequest{
		Name:              "Plan",
		Type:              "basic",
		Price:             mustDec(t, "0"),
		InstallmentAmount: mustDec(t, "10.00"),
		DurationMonths:    12,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero price, got %v", err)
	}

	product, err := f.service.CreateProduct(context.Background(), domain.CreateProductRequest{
		Name:              "Plan",
		Type:              "Basic",
		Price:             mustDec(t, "50.00"),
		InstallmentAmount: mustDec(t, "10.00"),
		Coverage:          mustDec(t, "10000.00"),
		DurationMonths:    12,
	})
	if err != nil {
		t.Fatalf("CreateProduct returned error: %v", err)
	}
	if product.Type != "basic" {
		t.Fatalf("expected normalized type, got %q", product.Type)
	}
	if !product.Active {
		t.Fatal("expected new product to be active")
	}
}
