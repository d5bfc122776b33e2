package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"pricewatch/database"
	"pricewatch/metrics"
	"pricewatch/models"
	"pricewatch/notify"
	"pricewatch/repository"
	"pricewatch/scraper"
)

var (
	ErrInvalidSubscription = errors.New("invalid subscription")
	ErrAlreadySubscribed   = errors.New("alert already exists for this product")
	ErrProductNotFound     = errors.New("product not found")
)

// SubscriptionService creates and lists price alerts
type SubscriptionService struct {
	alerts   *repository.AlertRepository
	products *repository.ProductRepository
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewSubscriptionService(alerts *repository.AlertRepository, products *repository.ProductRepository, notifier notify.Notifier, m *metrics.Metrics, logger *zap.Logger) *SubscriptionService {
	return &SubscriptionService{
		alerts:   alerts,
		products: products,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
	}
}

// Subscribe registers an alert for req.Email. A subscriber may hold one open
// alert per product. The confirmation mail is best-effort.
func (s *SubscriptionService) Subscribe(ctx context.Context, req models.SubscribeRequest) (*models.Subscription, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		return nil, fmt.Errorf("%w: product_id is required", ErrInvalidSubscription)
	}
	if !req.TargetPrice.IsPositive() {
		return nil, fmt.Errorf("%w: target_price must be positive", ErrInvalidSubscription)
	}

	product, err := s.products.GetProductByID(ctx, productID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return nil, err
	}

	if _, err := s.alerts.FindOpen(ctx, email, productID); err == nil {
		return nil, ErrAlreadySubscribed
	} else if !repository.IsNotFound(err) {
		return nil, err
	}

	sub := &models.Subscription{
		Email:       email,
		ProductID:   productID,
		TargetPrice: req.TargetPrice,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.alerts.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, ErrAlreadySubscribed
		}
		return nil, err
	}

	s.logger.Info("Alert subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("email", email),
		zap.String("product_id", productID),
		zap.String("target_price", req.TargetPrice.String()))

	subject, body := confirmationMessage(email, product.Name, scraper.FormatPrice(req.TargetPrice, "INR"))
	if err := s.notifier.Send(ctx, email, subject, body); err != nil {
		s.metrics.NotificationsSent.WithLabelValues("confirmation", "failed").Inc()
		s.logger.Warn("Failed to send subscription confirmation", zap.String("email", email), zap.Error(err))
	} else {
		s.metrics.NotificationsSent.WithLabelValues("confirmation", "ok").Inc()
	}
	return sub, nil
}

// List returns every alert of a subscriber, open and triggered
func (s *SubscriptionService) List(ctx context.Context, email string) ([]models.Subscription, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return s.alerts.ForEmail(ctx, email, 0)
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Name != "" {
		return "", fmt.Errorf("%w: invalid email %q", ErrInvalidSubscription, raw)
	}
	return strings.ToLower(addr.Address), nil
}

func confirmationMessage(email, productName, target string) (string, string) {
	user := email
	if i := strings.IndexByte(email, '@'); i > 0 {
		user = email[:i]
	}
	subject := "✅ Price Alert Subscription Confirmed!"
	body := fmt.Sprintf("Hey %s,\n\n"+
		"You're now subscribed for alerts on %s.\n"+
		"We'll notify you when the price drops to %s or below.\n\n"+
		"- Real-Time Competitor Tracker 🛍️",
		user, productName, target)
	return subject, body
}
