package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricewatch/database"
	"pricewatch/metrics"
	"pricewatch/models"
	"pricewatch/notify"
	"pricewatch/repository"
	"pricewatch/scraper"
)

// MatchResult counts what one matching pass did
type MatchResult struct {
	Matched   int `json:"matched"`   // subscriptions whose target was met
	Fired     int `json:"fired"`     // notified and marked triggered
	Failed    int `json:"failed"`    // notification failed, left untriggered
	Skipped   int `json:"skipped"`   // claimed or triggered by another pass
	Malformed int `json:"malformed"` // unreadable subscription documents
}

func (r *MatchResult) add(o MatchResult) {
	r.Matched += o.Matched
	r.Fired += o.Fired
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Malformed += o.Malformed
}

const releaseTimeout = 10 * time.Second

// AlertMatcher notifies subscribers whose target price has been reached.
// Each subscription is notified at most once: a dispatch claim is taken with
// an atomic conditional update before sending, and only the claim holder can
// mark the subscription triggered.
type AlertMatcher struct {
	alerts   *repository.AlertRepository
	products *repository.ProductRepository
	notifier notify.Notifier
	pageSize int
	claimTTL time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewAlertMatcher creates a matcher. pageSize bounds each subscription read;
// claims older than claimTTL are treated as abandoned.
func NewAlertMatcher(alerts *repository.AlertRepository, products *repository.ProductRepository, notifier notify.Notifier, pageSize int, claimTTL time.Duration, m *metrics.Metrics, logger *zap.Logger) *AlertMatcher {
	if pageSize <= 0 {
		pageSize = 100
	}
	if claimTTL <= 0 {
		claimTTL = 10 * time.Minute
	}
	// a live claim must outlast one delivery attempt plus the release
	if t, ok := notifier.(interface{ Timeout() time.Duration }); ok {
		if floor := t.Timeout() + releaseTimeout + time.Minute; claimTTL < floor {
			logger.Warn("Claim TTL is shorter than a delivery attempt, raising it",
				zap.Duration("configured", claimTTL), zap.Duration("ttl", floor))
			claimTTL = floor
		}
	}
	return &AlertMatcher{
		alerts:   alerts,
		products: products,
		notifier: notifier,
		pageSize: pageSize,
		claimTTL: claimTTL,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MatchAndTrigger notifies every open subscription on productID whose target
// is at or above newPrice. A product that no longer exists is skipped without
// error. Store failures are returned wrapping database.ErrStore together
// with the counts so far.
func (m *AlertMatcher) MatchAndTrigger(ctx context.Context, productID string, newPrice decimal.Decimal, productName string) (MatchResult, error) {
	var res MatchResult
	log := m.logger.With(zap.String("product_id", productID))

	if _, err := m.products.GetProductByID(ctx, productID); err != nil {
		if repository.IsNotFound(err) {
			log.Info("Product no longer exists, skipping its subscriptions")
			return res, nil
		}
		return res, fmt.Errorf("failed to load product %s: %w", productID, err)
	}

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := m.alerts.OpenForProduct(ctx, productID, after, m.pageSize)
		if err != nil {
			return res, err
		}
		for _, bad := range page.Malformed {
			res.Malformed++
			log.Warn("Skipping malformed subscription", zap.Error(bad))
		}

		for i := range page.Subscriptions {
			sub := &page.Subscriptions[i]
			if !sub.Matches(newPrice) {
				continue
			}
			res.Matched++

			outcome, err := m.dispatch(ctx, sub, newPrice, productName)
			if err != nil {
				return res, err
			}
			m.metrics.AlertsTotal.WithLabelValues(outcome).Inc()
			switch outcome {
			case "fired":
				res.Fired++
			case "failed":
				res.Failed++
			default:
				res.Skipped++
			}
		}

		if page.Done {
			break
		}
		after = page.Last
	}

	if res.Matched > 0 {
		log.Info("Alert matching finished",
			zap.String("price", newPrice.String()),
			zap.Int("matched", res.Matched),
			zap.Int("fired", res.Fired),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped))
	}
	return res, nil
}

// dispatch claims, notifies and marks one subscription. It returns the
// outcome label: fired, failed or skipped.
func (m *AlertMatcher) dispatch(ctx context.Context, sub *models.Subscription, price decimal.Decimal, productName string) (string, error) {
	now := m.now()
	log := m.logger.With(zap.String("subscription_id", sub.ID), zap.String("email", sub.Email))

	token := database.NewID()
	var ok bool
	var err error
	if sub.ClaimToken == "" && sub.ClaimedAt == nil {
		ok, err = m.alerts.Claim(ctx, sub.ID, token, now)
	} else {
		if !sub.ClaimExpired(now, m.claimTTL) {
			log.Debug("Subscription is being dispatched by another pass")
			return "skipped", nil
		}
		log.Warn("Taking over stale dispatch claim", zap.Timep("claimed_at", sub.ClaimedAt))
		ok, err = m.alerts.TakeOver(ctx, sub.ID, sub.ClaimToken, token, now)
	}
	if err != nil {
		return "", err
	}
	if !ok {
		log.Debug("Lost dispatch claim race")
		return "skipped", nil
	}

	subject, body := priceDropMessage(productName, price, sub.TargetPrice)
	if err := m.notifier.Send(ctx, sub.Email, subject, body); err != nil {
		m.metrics.NotificationsSent.WithLabelValues("alert", "failed").Inc()
		log.Error("Failed to send price drop alert", zap.Error(err))
		// release with a fresh context so a cancelled pass still frees the claim
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := m.alerts.Release(releaseCtx, sub.ID, token); err != nil {
			log.Error("Failed to release dispatch claim", zap.Error(err))
		}
		return "failed", nil
	}
	m.metrics.NotificationsSent.WithLabelValues("alert", "ok").Inc()

	ok, err = m.alerts.MarkTriggered(context.WithoutCancel(ctx), sub.ID, token, m.now())
	if err != nil {
		// the claim stays in place, so no other pass resends before it expires
		return "", err
	}
	if !ok {
		log.Warn("Dispatch claim was taken over before the subscription was marked")
	}
	log.Info("Alert triggered", zap.String("price", price.String()))
	return "fired", nil
}

// CheckOpen re-reads the current price of every product with an open
// subscription and runs MatchAndTrigger on it.
func (m *AlertMatcher) CheckOpen(ctx context.Context) (MatchResult, error) {
	var total MatchResult

	seen := make(map[string]bool)
	var productIDs []string
	after := ""
	for {
		page, err := m.alerts.Open(ctx, after, m.pageSize)
		if err != nil {
			return total, err
		}
		total.Malformed += len(page.Malformed)
		for _, sub := range page.Subscriptions {
			if !seen[sub.ProductID] {
				seen[sub.ProductID] = true
				productIDs = append(productIDs, sub.ProductID)
			}
		}
		if page.Done {
			break
		}
		after = page.Last
	}

	for _, id := range productIDs {
		product, err := m.products.GetProductByID(ctx, id)
		if err != nil {
			if repository.IsNotFound(err) {
				m.logger.Debug("Skipping subscriptions of missing product", zap.String("product_id", id))
				continue
			}
			return total, fmt.Errorf("failed to load product %s: %w", id, err)
		}

		res, err := m.MatchAndTrigger(ctx, product.ID, product.Price, product.Name)
		// malformed documents were already counted while collecting products
		res.Malformed = 0
		total.add(res)
		if err != nil {
			return total, err
		}
	}

	m.logger.Info("Price check finished",
		zap.Int("products", len(productIDs)),
		zap.Int("fired", total.Fired),
		zap.Int("failed", total.Failed))
	return total, nil
}

func priceDropMessage(productName string, price, target decimal.Decimal) (string, string) {
	subject := "💰 Price Drop Alert: " + productName
	body := fmt.Sprintf("Hey there!\n\n"+
		"The price of %s just dropped to %s!\n"+
		"Your target price was %s.\n\n"+
		"Check it out on our website 🛍️\n\n"+
		"- Real-Time Competitor Tracker",
		productName, scraper.FormatPrice(price, "INR"), scraper.FormatPrice(target, "INR"))
	return subject, body
}
