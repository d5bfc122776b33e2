package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Collection names used in the document store
const (
	CollectionScrapedData   = "scraped_data"
	CollectionSubscriptions = "alerts"
	CollectionProducts      = "products"
)

// ProductNameMaxLen bounds PriceRecord.ProductName (in runes)
const ProductNameMaxLen = 100

// Tier identifies which extractor strategy resolved a field
type Tier string

const (
	TierSelector Tier = "selector"
	TierPattern  Tier = "pattern"
	TierScan     Tier = "scan"
	TierDefault  Tier = "default"
)

// PriceRecord is a normalized, always-complete snapshot of one product's
// price, rating and reviews from one site at one time.
type PriceRecord struct {
	ID          string          `json:"_id"`
	RunID       string          `json:"run_id"`
	Site        string          `json:"site"`
	SiteName    string          `json:"site_name"`
	ProductName string          `json:"product_name"`
	PriceText   string          `json:"price_text"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	Rating      float64         `json:"rating"`
	ReviewCount int             `json:"review_count"`
	SourceURL   string          `json:"source_url"`
	ScrapedAt   time.Time       `json:"scraped_at"`
	NameTier    Tier            `json:"name_tier"`
	PriceTier   Tier            `json:"price_tier"`
	Defaulted   bool            `json:"defaulted"`
}

// Subscription is a user's request to be notified when a product's price
// drops to or below a target.
type Subscription struct {
	ID          string          `json:"_id"`
	Email       string          `json:"email"`
	ProductID   string          `json:"product_id"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Triggered   bool            `json:"triggered"`
	TriggerTime *time.Time      `json:"trigger_time"`
	CreatedAt   time.Time       `json:"created_at"`

	// Dispatch claim held while a notification is in flight.
	ClaimToken string     `json:"claim_token"`
	ClaimedAt  *time.Time `json:"claimed_at"`
}

// Validate reports whether the subscription can take part in matching
func (s *Subscription) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("subscription has no id")
	}
	if s.ProductID == "" {
		return fmt.Errorf("subscription %s has no product reference", s.ID)
	}
	if s.Email == "" {
		return fmt.Errorf("subscription %s has no subscriber", s.ID)
	}
	if !s.TargetPrice.IsPositive() {
		return fmt.Errorf("subscription %s has non-positive target price %s", s.ID, s.TargetPrice)
	}
	return nil
}

// Matches returns true if price meets the subscription's target
func (s *Subscription) Matches(price decimal.Decimal) bool {
	return price.LessThanOrEqual(s.TargetPrice)
}

// ClaimExpired returns true if an in-flight claim is older than ttl
func (s *Subscription) ClaimExpired(now time.Time, ttl time.Duration) bool {
	if s.ClaimToken == "" {
		return true
	}
	if s.ClaimedAt == nil {
		return true
	}
	return now.Sub(*s.ClaimedAt) > ttl
}

// Product is read-mostly to the pipeline; its price is the comparison basis
// for alert matching.
type Product struct {
	ID          string          `json:"_id"`
	Name        string          `json:"name"`
	Brand       string          `json:"brand"`
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
	Description string          `json:"description,omitempty"`
	LastUpdated time.Time       `json:"last_updated"`
}

// SubscribeRequest represents the request to create a price alert
type SubscribeRequest struct {
	Email       string          `json:"email"`
	ProductID   string          `json:"product_id"`
	TargetPrice decimal.Decimal `json:"target_price"`
}

// UpdatePriceRequest represents an admin price update for a product
type UpdatePriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// ScrapeSummary ranks a scraped batch from cheapest to most expensive
type ScrapeSummary struct {
	RunID    string          `json:"run_id"`
	Records  []PriceRecord   `json:"records"`
	Cheapest string          `json:"cheapest,omitempty"`
	Dearest  string          `json:"dearest,omitempty"`
	Savings  decimal.Decimal `json:"savings"`
}
