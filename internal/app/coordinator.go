/**
 * @description
 * The Coordinator joins ledger-owned policies with catalog-owned products for
 * read paths. The two stores are independently consistent but never joined
 * transactionally, so a product can be deactivated or deleted while policies
 * referencing it live on. That is tolerated, not propagated: single-policy
 * views degrade to ledger-only fields, and aggregate views omit the policy.
 */

package app

import (
	"context"
	"errors"
	"log"

	"github.com/segura/policy-service/internal/catalog"
	"github.com/segura/policy-service/internal/domain"
)

// Coordinator resolves catalog data for ledger reads.
type Coordinator struct {
	catalog catalog.Store
}

// NewCoordinator creates a Coordinator over the given catalog store.
func NewCoordinator(store catalog.Store) *Coordinator {
	return &Coordinator{catalog: store}
}

// ResolveProduct returns the product for a purchase-path read. Inactive
// products are treated the same as absent ones.
func (c *Coordinator) ResolveProduct(ctx context.Context, productID string) (*domain.Product, error) {
	product, err := c.catalog.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, catalog.ErrProductNotFound
	}
	return product, nil
}

// PolicyView denormalizes catalog fields onto a policy for display. It never
// fails: a vanished product yields a view with ProductMissing set. Display
// reads accept inactive products, since existing policyholders keep their
// coverage after a product is withdrawn from sale.
func (c *Coordinator) PolicyView(ctx context.Context, policy domain.Policy) domain.PolicyView {
	view := domain.PolicyView{Policy: policy}

	product, err := c.catalog.GetProduct(ctx, policy.ProductID)
	if err != nil {
		if !errors.Is(err, catalog.ErrProductNotFound) {
			log.Printf("level=warn component=coordinator msg=\"catalog read failed; degrading view\" policy_id=%s product_id=%s err=%v",
				policy.ID, policy.ProductID, err)
		}
		view.ProductMissing = true
		return view
	}

	view.ProductName = product.Name
	view.ProductType = product.Type
	view.ProductDescription = product.Description
	return view
}

// PolicyViews resolves a batch of policies, omitting those whose product has
// vanished from the catalog.
func (c *Coordinator) PolicyViews(ctx context.Context, policies []domain.Policy) []domain.PolicyView {
	views := make([]domain.PolicyView, 0, len(policies))
	for _, policy := range policies {
		view := c.PolicyView(ctx, policy)
		if view.ProductMissing {
			continue
		}
		views = append(views, view)
	}
	return views
}
