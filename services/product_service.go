package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricewatch/database"
	"pricewatch/models"
	"pricewatch/repository"
)

var (
	// ErrInvalidPrice is returned for a negative price update
	ErrInvalidPrice = errors.New("price must not be negative")
	// ErrInvalidProduct is returned for a product without a name
	ErrInvalidProduct = errors.New("invalid product")
	// ErrProductExists is returned when the id or name is already in the catalog
	ErrProductExists = errors.New("product already exists")
)

// PriceUpdate describes the effect of an admin price change
type PriceUpdate struct {
	Product  *models.Product `json:"product"`
	Previous decimal.Decimal `json:"previous_price"`
	Alerts   MatchResult     `json:"alerts"`
}

// ProductService manages the product catalog used as the basis for alerts
type ProductService struct {
	products *repository.ProductRepository
	matcher  *AlertMatcher
	logger   *zap.Logger
}

func NewProductService(products *repository.ProductRepository, matcher *AlertMatcher, logger *zap.Logger) *ProductService {
	return &ProductService{products: products, matcher: matcher, logger: logger}
}

// List returns a page of products ordered by id
func (s *ProductService) List(ctx context.Context, after string, limit int) ([]models.Product, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.products.GetProducts(ctx, after, limit)
}

// Create adds a product to the catalog. The id is generated when empty.
func (s *ProductService) Create(ctx context.Context, p models.Product) (*models.Product, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidProduct)
	}
	if utf8.RuneCountInString(p.Name) > models.ProductNameMaxLen {
		return nil, fmt.Errorf("%w: name longer than %d characters", ErrInvalidProduct, models.ProductNameMaxLen)
	}
	if p.Price.IsNegative() {
		return nil, ErrInvalidPrice
	}
	p.LastUpdated = time.Now().UTC()

	if err := s.products.AddProducts(ctx, &p); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrProductExists, p.Name)
		}
		return nil, err
	}
	s.logger.Info("Product added", zap.String("product_id", p.ID), zap.String("name", p.Name))
	return &p, nil
}

// UpdatePrice stores a new price for a product and then runs alert matching
// against it. The price is saved even if matching fails; the error is
// returned alongside the update.
func (s *ProductService) UpdatePrice(ctx context.Context, id string, price decimal.Decimal) (*PriceUpdate, error) {
	if price.IsNegative() {
		return nil, ErrInvalidPrice
	}

	product, err := s.products.GetProductByID(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, id)
		}
		return nil, err
	}

	now := time.Now().UTC()
	ok, err := s.products.UpdateProductPrice(ctx, id, price, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}

	update := &PriceUpdate{Product: product, Previous: product.Price}
	product.Price = price
	product.LastUpdated = now

	switch c := price.Cmp(update.Previous); {
	case c < 0:
		s.logger.Info("📉 Price dropped",
			zap.String("product", product.Name),
			zap.String("from", update.Previous.String()),
			zap.String("to", price.String()))
	case c > 0:
		s.logger.Info("📈 Price increased",
			zap.String("product", product.Name),
			zap.String("from", update.Previous.String()),
			zap.String("to", price.String()))
	}

	res, err := s.matcher.MatchAndTrigger(ctx, id, price, product.Name)
	update.Alerts = res
	if err != nil {
		return update, fmt.Errorf("price saved but alert matching failed: %w", err)
	}
	return update, nil
}
