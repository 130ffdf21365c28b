package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/segura/policy-service/internal/catalog"
	"github.com/segura/policy-service/internal/domain"
)

// failingCatalog simulates a catalog outage.
type failingCatalog struct{}

func (failingCatalog) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return nil, errors.New("catalog unavailable")
}

func (failingCatalog) ListActiveProducts(ctx context.Context, productType string) ([]domain.Product, error) {
	return nil, errors.New("catalog unavailable")
}

func (failingCatalog) CreateProduct(ctx context.Context, product *domain.Product) error {
	return errors.New("catalog unavailable")
}

func TestResolveProduct_TreatsInactiveAsAbsent(t *testing.T) {
	cat := newMemCatalog()
	product := &domain.Product{
		ID:     uuid.NewString(),
		Name:   "Withdrawn Plan",
		Type:   "basic",
		Price:  decimal.RequireFromString("50.00"),
		Active: false,
	}
	if err := cat.CreateProduct(context.Background(), product); err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}

	c := NewCoordinator(cat)
	_, err := c.ResolveProduct(context.Background(), product.ID)
	if !errors.Is(err, catalog.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound for inactive product, got %v", err)
	}
}

func TestPolicyView_DegradesWhenProductVanished(t *testing.T) {
	c := NewCoordinator(newMemCatalog())
	policy := domain.Policy{
		ID:        uuid.NewString(),
		UserID:    uuid.NewString(),
		ProductID: uuid.NewString(),
		State:     domain.PolicyActive,
	}

	view := c.PolicyView(context.Background(), policy)
	if !view.ProductMissing {
		t.Fatal("expected ProductMissing for vanished product")
	}
	if view.ProductName != "" {
		t.Fatalf("expected empty product name on degraded view, got %q", view.ProductName)
	}
	if view.ID != policy.ID {
		t.Fatal("expected ledger fields preserved on degraded view")
	}
}

func TestPolicyView_AcceptsInactiveProductForDisplay(t *testing.T) {
	cat := newMemCatalog()
	product := &domain.Product{
		ID:     uuid.NewString(),
		Name:   "Withdrawn Plan",
		Type:   "basic",
		Active: false,
	}
	if err := cat.CreateProduct(context.Background(), product); err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}

	c := NewCoordinator(cat)
	view := c.PolicyView(context.Background(), domain.Policy{
		ID:        uuid.NewString(),
		ProductID: product.ID,
		State:     domain.PolicyActive,
	})
	if view.ProductMissing {
		t.Fatal("expected display view to tolerate inactive product")
	}
	if view.ProductName != "Withdrawn Plan" {
		t.Fatalf("expected product name on view, got %q", view.ProductName)
	}
}

func TestPolicyView_DegradesOnCatalogOutage(t *testing.T) {
	c := NewCoordinator(failingCatalog{})
	view := c.PolicyView(context.Background(), domain.Policy{
		ID:        uuid.NewString(),
		ProductID: uuid.NewString(),
		State:     domain.PolicyActive,
	})
	if !view.ProductMissing {
		t.Fatal("expected degraded view on catalog outage")
	}
}

func TestPolicyViews_OmitsOrphanedPolicies(t *testing.T) {
	cat := newMemCatalog()
	product := &domain.Product{
		ID:     uuid.NewString(),
		Name:   "Basic Plan",
		Type:   "basic",
		Active: true,
	}
	if err := cat.CreateProduct(context.Background(), product); err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}

	c := NewCoordinator(cat)
	policies := []domain.Policy{
		{ID: uuid.NewString(), ProductID: product.ID, State: domain.PolicyActive},
		{ID: uuid.NewString(), ProductID: uuid.NewString(), State: domain.PolicyActive},
	}

	views := c.PolicyViews(context.Background(), policies)
	if len(views) != 1 {
		t.Fatalf("expected orphaned policy omitted from aggregate, got %d views", len(views))
	}
	if views[0].ID != policies[0].ID {
		t.Fatalf("expected surviving policy %s, got %s", policies[0].ID, views[0].ID)
	}
}
