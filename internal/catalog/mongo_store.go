/**
 * @description
 * MongoDB implementation of the catalog store.
 *
 * @notes
 * - Monetary fields are persisted as canonical decimal strings, not BSON
 *   doubles, so catalog prices round-trip without binary floating point drift.
 * - Documents key on an application-assigned `id` field (opaque string), not
 *   the Mongo `_id`, matching the ledger's identity scheme.
 */

package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/segura/policy-service/internal/domain"
)

const productsCollection = "products"

// MongoStore is the mongo-driver backed catalog store.
type MongoStore struct {
	products *mongo.Collection
}

// NewMongoStore creates a catalog store on the given database.
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	return &MongoStore{
		products: client.Database(database).Collection(productsCollection),
	}
}

// EnsureIndexes creates the unique index on the product id field.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.products.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("catalog: failed to create product index: %w", err)
	}
	return nil
}

// productDoc is the persisted shape of a product.
type productDoc struct {
	ID                string    `bson:"id"`
	Name              string    `bson:"name"`
	Description       string    `bson:"description"`
	Type              string    `bson:"type"`
	Price             string    `bson:"price"`
	InstallmentAmount string    `bson:"installment_amount"`
	Coverage          string    `bson:"coverage"`
	DurationMonths    int       `bson:"duration_months"`
	Active            bool      `bson:"active"`
	CreatedAt         time.Time `bson:"created_at"`
}

func toProductDoc(p *domain.Product) productDoc {
	return productDoc{
		ID:                p.ID,
		Name:              p.Name,
		Description:       p.Description,
		Type:              p.Type,
		Price:             p.Price.String(),
		InstallmentAmount: p.InstallmentAmount.String(),
		Coverage:          p.Coverage.String(),
		DurationMonths:    p.DurationMonths,
		Active:            p.Active,
		CreatedAt:         p.CreatedAt,
	}
}

func fromProductDoc(doc productDoc) (*domain.Product, error) {
	price, err := decimal.NewFromString(doc.Price)
	if err != nil {
		return nil, fmt.Errorf("catalog: invalid price on product %s: %w", doc.ID, err)
	}
	installment, err := decimal.NewFromString(doc.InstallmentAmount)
	if err != nil {
		return nil, fmt.Errorf("catalog: invalid installment amount on product %s: %w", doc.ID, err)
	}
	coverage, err := decimal.NewFromString(doc.Coverage)
	if err != nil {
		return nil, fmt.Errorf("catalog: invalid coverage on product %s: %w", doc.ID, err)
	}
	return &domain.Product{
		ID:                doc.ID,
		Name:              doc.Name,
		Description:       doc.Description,
		Type:              doc.Type,
		Price:             price,
		InstallmentAmount: installment,
		Coverage:          coverage,
		DurationMonths:    doc.DurationMonths,
		Active:            doc.Active,
		CreatedAt:         doc.CreatedAt,
	}, nil
}

// GetProduct retrieves a product by its opaque id.
func (s *MongoStore) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var doc productDoc
	err := s.products.FindOne(ctx, bson.M{"id": productID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("catalog: failed to get product: %w", err)
	}
	return fromProductDoc(doc)
}

// ListActiveProducts returns active products, optionally filtered by type.
func (s *MongoStore) ListActiveProducts(ctx context.Context, productType string) ([]domain.Product, error) {
	filter := bson.M{"active": true}
	if productType != "" {
		filter["type"] = productType
	}

	cursor, err := s.products.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list products: %w", err)
	}
	defer cursor.Close(ctx)

	var products []domain.Product
	for cursor.Next(ctx) {
		var doc productDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("catalog: failed to decode product: %w", err)
		}
		p, err := fromProductDoc(doc)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, cursor.Err()
}

// CreateProduct inserts a new product definition.
func (s *MongoStore) CreateProduct(ctx context.Context, product *domain.Product) error {
	_, err := s.products.InsertOne(ctx, toProductDoc(product))
	if err != nil {
		return fmt.Errorf("catalog: failed to insert product: %w", err)
	}
	return nil
}
