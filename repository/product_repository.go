package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/database"
	"pricewatch/models"
)

type ProductRepository struct {
	store database.Store
}

func NewProductRepository(store database.Store) *ProductRepository {
	return &ProductRepository{store: store}
}

// AddProducts inserts products into the catalog
func (r *ProductRepository) AddProducts(ctx context.Context, products ...*models.Product) error {
	docs := make([]any, len(products))
	for i, p := range products {
		if p.ID == "" {
			p.ID = database.NewID()
		}
		if p.LastUpdated.IsZero() {
			p.LastUpdated = time.Now().UTC()
		}
		docs[i] = p
	}
	if err := r.store.InsertMany(ctx, models.CollectionProducts, docs); err != nil {
		return fmt.Errorf("failed to add products: %w", err)
	}
	return nil
}

// GetProductByID returns a product by ID
func (r *ProductRepository) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	raw, err := r.store.FindOne(ctx, models.CollectionProducts, database.Where(database.Eq(database.IDField, id)))
	if err != nil {
		return nil, err
	}

	var product models.Product
	if err := json.Unmarshal(raw, &product); err != nil {
		return nil, fmt.Errorf("failed to decode product %s: %w", id, err)
	}
	return &product, nil
}

// GetProducts returns up to limit products after the given id
func (r *ProductRepository) GetProducts(ctx context.Context, after string, limit int) ([]models.Product, error) {
	var filter database.Filter
	if after != "" {
		filter = database.Where(database.Gt(database.IDField, after))
	}
	docs, err := r.store.FindMany(ctx, models.CollectionProducts, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}

	products := make([]models.Product, 0, len(docs))
	for _, raw := range docs {
		var p models.Product
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode product: %w", err)
		}
		products = append(products, p)
	}
	return products, nil
}

// UpdateProductPrice sets the price of a product. It reports false when the
// product does not exist.
func (r *ProductRepository) UpdateProductPrice(ctx context.Context, id string, price decimal.Decimal, now time.Time) (bool, error) {
	ok, err := r.store.UpdateOne(ctx, models.CollectionProducts,
		database.Where(database.Eq(database.IDField, id)),
		database.Set{"price": price, "last_updated": now})
	if err != nil {
		return false, fmt.Errorf("failed to update product price: %w", err)
	}
	return ok, nil
}
