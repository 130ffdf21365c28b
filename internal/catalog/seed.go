/**
 * @description
 * One-time catalog seeding: inserts the three starter insurance products when
 * the catalog is empty. Enabled by config so production deployments that
 * manage the catalog elsewhere can leave it off.
 */

package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/segura/policy-service/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("catalog: bad seed amount %q: %v", s, err))
	}
	return d
}

func starterProducts(now time.Time) []domain.Product {
	return []domain.Product{
		{
			ID:                uuid.NewString(),
			Name:              "Basic Family Plan",
			Description:       "Essential protection for your family at an accessible price",
			Type:              "basic",
			Price:             dec("50.00"),
			InstallmentAmount: dec("25.00"),
			Coverage:          dec("10000.00"),
			DurationMonths:    12,
			Active:            true,
			CreatedAt:         now,
		},
		{
			ID:                uuid.NewString(),
			Name:              "Standard Home Plan",
			Description:       "Complete protection for your home and family",
			Type:              "standard",
			Price:             dec("100.00"),
			InstallmentAmount: dec("45.00"),
			Coverage:          dec("25000.00"),
			DurationMonths:    12,
			Active:            true,
			CreatedAt:         now,
		},
		{
			ID:                uuid.NewString(),
			Name:              "Premium Full Plan",
			Description:       "Maximum protection with the best benefits",
			Type:              "premium",
			Price:             dec("150.00"),
			InstallmentAmount: dec("65.00"),
			Coverage:          dec("50000.00"),
			DurationMonths:    12,
			Active:            true,
			CreatedAt:         now,
		},
	}
}

// SeedStarterProducts inserts the starter products if the collection is empty.
// It returns the number of products inserted.
func (s *MongoStore) SeedStarterProducts(ctx context.Context) (int, error) {
	count, err := s.products.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("catalog: failed to count products: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	seeded := 0
	for _, p := range starterProducts(time.Now().UTC()) {
		product := p
		if err := s.CreateProduct(ctx, &product); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}
