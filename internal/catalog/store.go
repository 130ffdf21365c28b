/**
 * @description
 * The catalog store holds insurance product definitions. It is independently
 * owned and read-mostly: the settlement engine only ever reads it, and writes
 * are administrative (product creation, deactivation). It is deliberately
 * separate from the transactional ledger and sits outside every settlement
 * transaction boundary.
 */

package catalog

import (
	"context"
	"errors"

	"github.com/segura/policy-service/internal/domain"
)

// ErrProductNotFound is returned when a product is absent or inactive.
var ErrProductNotFound = errors.New("product not found")

// Store defines the catalog operations the engine consumes.
type Store interface {
	// GetProduct returns the product regardless of its active flag; callers
	// decide whether an inactive product is acceptable for their read.
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	// ListActiveProducts returns active products, optionally filtered by type.
	ListActiveProducts(ctx context.Context, productType string) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product *domain.Product) error
}
