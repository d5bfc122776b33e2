package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pricewatch/database"
	"pricewatch/models"
)

// AlertPage is one keyset page of subscriptions. Malformed documents are
// reported separately and never abort the page.
type AlertPage struct {
	Subscriptions []models.Subscription
	Malformed     []error
	// Last is the _id of the last document read, valid or not. Pass it
	// back as after to fetch the next page.
	Last string
	Done bool
}

type AlertRepository struct {
	store database.Store
}

func NewAlertRepository(store database.Store) *AlertRepository {
	return &AlertRepository{store: store}
}

// CreateSubscription inserts a new subscription
func (r *AlertRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = database.NewID()
	}
	if err := r.store.InsertMany(ctx, models.CollectionSubscriptions, []any{sub}); err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// FindOpen returns the untriggered subscription for (email, productID)
func (r *AlertRepository) FindOpen(ctx context.Context, email, productID string) (*models.Subscription, error) {
	raw, err := r.store.FindOne(ctx, models.CollectionSubscriptions, database.Where(
		database.Eq("email", email),
		database.Eq("product_id", productID),
		database.Eq("triggered", false),
	))
	if err != nil {
		return nil, err
	}
	var sub models.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return &sub, nil
}

// GetSubscription returns a subscription by id
func (r *AlertRepository) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	raw, err := r.store.FindOne(ctx, models.CollectionSubscriptions, database.Where(database.Eq(database.IDField, id)))
	if err != nil {
		return nil, err
	}
	var sub models.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return &sub, nil
}

// OpenForProduct returns one page of untriggered subscriptions for a product
func (r *AlertRepository) OpenForProduct(ctx context.Context, productID, after string, limit int) (*AlertPage, error) {
	return r.page(ctx, database.Where(
		database.Eq("product_id", productID),
		database.Eq("triggered", false),
	), after, limit)
}

// Open returns one page of all untriggered subscriptions
func (r *AlertRepository) Open(ctx context.Context, after string, limit int) (*AlertPage, error) {
	return r.page(ctx, database.Where(database.Eq("triggered", false)), after, limit)
}

// ForEmail returns every subscription of a subscriber
func (r *AlertRepository) ForEmail(ctx context.Context, email string, limit int) ([]models.Subscription, error) {
	return r.all(ctx, database.Where(database.Eq("email", email)), limit)
}

// TriggeredSince returns every subscription triggered at or after since
func (r *AlertRepository) TriggeredSince(ctx context.Context, since time.Time, limit int) ([]models.Subscription, error) {
	return r.all(ctx, database.Where(
		database.Eq("triggered", true),
		database.Gte("trigger_time", since),
	), limit)
}

// Claim takes the dispatch claim on an untriggered, unclaimed subscription
func (r *AlertRepository) Claim(ctx context.Context, id, token string, now time.Time) (bool, error) {
	ok, err := r.store.UpdateOne(ctx, models.CollectionSubscriptions, database.Where(
		database.Eq(database.IDField, id),
		database.Eq("triggered", false),
		database.Eq("claimed_at", nil),
	), database.Set{"claim_token": token, "claimed_at": now})
	if err != nil {
		return false, fmt.Errorf("failed to claim subscription %s: %w", id, err)
	}
	return ok, nil
}

// TakeOver replaces an abandoned claim. observed is the claim token the
// caller read, which may be empty for a half-written claim.
func (r *AlertRepository) TakeOver(ctx context.Context, id, observed, token string, now time.Time) (bool, error) {
	ok, err := r.store.UpdateOne(ctx, models.CollectionSubscriptions, database.Where(
		database.Eq(database.IDField, id),
		database.Eq("triggered", false),
		database.Eq("claim_token", observed),
	), database.Set{"claim_token": token, "claimed_at": now})
	if err != nil {
		return false, fmt.Errorf("failed to take over subscription %s: %w", id, err)
	}
	return ok, nil
}

// MarkTriggered sets triggered and trigger_time on a subscription the caller
// holds the claim for, and clears the claim.
func (r *AlertRepository) MarkTriggered(ctx context.Context, id, token string, now time.Time) (bool, error) {
	ok, err := r.store.UpdateOne(ctx, models.CollectionSubscriptions, database.Where(
		database.Eq(database.IDField, id),
		database.Eq("claim_token", token),
	), database.Set{"triggered": true, "trigger_time": now, "claim_token": "", "claimed_at": nil})
	if err != nil {
		return false, fmt.Errorf("failed to trigger subscription %s: %w", id, err)
	}
	return ok, nil
}

// Release drops the caller's claim and leaves the subscription untriggered
func (r *AlertRepository) Release(ctx context.Context, id, token string) error {
	_, err := r.store.UpdateOne(ctx, models.CollectionSubscriptions, database.Where(
		database.Eq(database.IDField, id),
		database.Eq("claim_token", token),
	), database.Set{"claim_token": "", "claimed_at": nil})
	if err != nil {
		return fmt.Errorf("failed to release subscription %s: %w", id, err)
	}
	return nil
}

func (r *AlertRepository) page(ctx context.Context, filter database.Filter, after string, limit int) (*AlertPage, error) {
	f := make(database.Filter, 0, len(filter)+1)
	f = append(f, filter...)
	if after != "" {
		f = append(f, database.Gt(database.IDField, after))
	}
	docs, err := r.store.FindMany(ctx, models.CollectionSubscriptions, f, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	page := &AlertPage{Done: limit <= 0 || len(docs) < limit}
	for _, raw := range docs {
		var key struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(raw, &key); err == nil {
			page.Last = key.ID
		}

		var sub models.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			page.Malformed = append(page.Malformed, fmt.Errorf("subscription %s: %w", key.ID, err))
			continue
		}
		if err := sub.Validate(); err != nil {
			page.Malformed = append(page.Malformed, err)
			continue
		}
		page.Subscriptions = append(page.Subscriptions, sub)
	}
	if page.Last == "" {
		page.Done = true
	}
	return page, nil
}

// all pages through filter and returns every well-formed subscription
func (r *AlertRepository) all(ctx context.Context, filter database.Filter, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.Subscription
	after := ""
	for {
		page, err := r.page(ctx, filter, after, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Subscriptions...)
		if page.Done {
			return out, nil
		}
		after = page.Last
	}
}

// IsNotFound reports whether err means the document does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}
