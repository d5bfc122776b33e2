package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"pricewatch/metrics"
	"pricewatch/notify"
	"pricewatch/repository"
	"pricewatch/scraper"
)

// ErrNoOperator is returned when the digest has no recipient configured
var ErrNoOperator = errors.New("no operator address configured")

const digestWindow = 24 * time.Hour

// DigestBuilder sends the daily summary of triggered alerts to the operator
type DigestBuilder struct {
	alerts   *repository.AlertRepository
	products *repository.ProductRepository
	notifier notify.Notifier
	operator string
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewDigestBuilder(alerts *repository.AlertRepository, products *repository.ProductRepository, notifier notify.Notifier, operator string, m *metrics.Metrics, logger *zap.Logger) *DigestBuilder {
	return &DigestBuilder{
		alerts:   alerts,
		products: products,
		notifier: notifier,
		operator: operator,
		metrics:  m,
		logger:   logger,
	}
}

// Send mails one summary of the subscriptions triggered in the 24 hours
// before now. With nothing triggered it sends nothing and returns 0.
func (d *DigestBuilder) Send(ctx context.Context, now time.Time) (int, error) {
	since := now.Add(-digestWindow)
	triggered, err := d.alerts.TriggeredSince(ctx, since, 0)
	if err != nil {
		return 0, err
	}
	if len(triggered) == 0 {
		d.logger.Info("No alerts triggered in the last 24h, skipping digest")
		return 0, nil
	}
	if d.operator == "" {
		return 0, ErrNoOperator
	}

	names := make(map[string]string)
	var b strings.Builder
	fmt.Fprintf(&b, "Price alerts triggered since %s:\n\n", since.Format(time.RFC1123))
	for _, sub := range triggered {
		name, ok := names[sub.ProductID]
		if !ok {
			name = sub.ProductID
			if p, err := d.products.GetProductByID(ctx, sub.ProductID); err == nil {
				name = p.Name
			}
			names[sub.ProductID] = name
		}
		at := ""
		if sub.TriggerTime != nil {
			at = sub.TriggerTime.UTC().Format("2006-01-02 15:04 MST")
		}
		fmt.Fprintf(&b, "- %s: %s (target %s) at %s\n",
			sub.Email, name, scraper.FormatPrice(sub.TargetPrice, "INR"), at)
	}
	fmt.Fprintf(&b, "\nTotal: %d\n\n- Real-Time Competitor Tracker", len(triggered))

	subject := fmt.Sprintf("📊 Daily Price Alert Digest: %d triggered", len(triggered))
	if err := d.notifier.Send(ctx, d.operator, subject, b.String()); err != nil {
		d.metrics.NotificationsSent.WithLabelValues("digest", "failed").Inc()
		return 0, fmt.Errorf("failed to send digest: %w", err)
	}
	d.metrics.NotificationsSent.WithLabelValues("digest", "ok").Inc()

	d.logger.Info("Digest sent", zap.String("to", d.operator), zap.Int("alerts", len(triggered)))
	return len(triggered), nil
}
