package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pricewatch/metrics"
	"pricewatch/models"
)

// SiteScraper produces one PriceRecord for a site by trying its sources in
// order. It never fails: when no source yields a name and a price it returns
// the site's fully-defaulted record.
type SiteScraper struct {
	fetchers  Fetchers
	extractor *Extractor
	detector  *BotDetector
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewSiteScraper creates a site scraper. timeout bounds each page fetch.
func NewSiteScraper(fetchers Fetchers, extractor *Extractor, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *SiteScraper {
	return &SiteScraper{
		fetchers:  fetchers,
		extractor: extractor,
		detector:  NewBotDetector(),
		timeout:   timeout,
		metrics:   m,
		logger:    logger,
	}
}

// Scrape returns the record for site
func (s *SiteScraper) Scrape(ctx context.Context, site models.Site) models.PriceRecord {
	log := s.logger.With(zap.String("site", site.ID))

	for i, src := range site.Sources {
		if ctx.Err() != nil {
			break
		}

		ext, err := s.attempt(ctx, &site, src)
		if err != nil {
			log.Warn("Source attempt failed",
				zap.Int("attempt", i+1),
				zap.String("url", src.URL),
				zap.Error(err))
			continue
		}
		if !ext.Resolved() {
			log.Info("Source did not resolve name and price",
				zap.Int("attempt", i+1),
				zap.String("url", src.URL),
				zap.String("name_tier", string(ext.Name.Tier)),
				zap.String("price_tier", string(ext.Price.Tier)))
			continue
		}

		rec := Record(&site, ext, src.URL, time.Now().UTC())
		s.observe(site.ID, ext, "extracted")
		log.Info("Scraped site",
			zap.String("product", rec.ProductName),
			zap.String("price", rec.PriceText),
			zap.String("price_tier", string(rec.PriceTier)))
		return rec
	}

	rec := DefaultRecord(&site, time.Now().UTC())
	s.observe(site.ID, s.extractor.Defaults(&site), "defaulted")
	log.Info("Using default data for site", zap.String("price", rec.PriceText))
	return rec
}

// attempt fetches one source and runs the extractor over it
func (s *SiteScraper) attempt(ctx context.Context, site *models.Site, src models.Source) (ext Extraction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while scraping %s: %v", src.URL, r)
		}
	}()

	fetcher := s.fetchers.For(src)
	if fetcher == nil {
		return Extraction{}, errors.New("no fetcher configured")
	}

	start := time.Now()
	html, err := fetcher.Fetch(ctx, FetchRequest{URL: src.URL, Timeout: s.timeout, Settle: site.Settle})
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.FetchDuration.WithLabelValues(site.ID, status).Observe(time.Since(start).Seconds())
	if err != nil {
		return Extraction{}, err
	}

	text, title := s.extractor.PageText(html)
	if kind, reason, score := s.detector.Detect(text, title); kind != BlockNone {
		return Extraction{}, fmt.Errorf("%w (%s, score %.1f): %s", ErrBotWall, kind, score, reason)
	}

	return s.extractor.Extract(html, Hints{Site: site, URL: src.URL}), nil
}

func (s *SiteScraper) observe(siteID string, ext Extraction, outcome string) {
	s.metrics.ScrapesTotal.WithLabelValues(siteID, outcome).Inc()
	s.metrics.ExtractionTier.WithLabelValues("name", string(ext.Name.Tier)).Inc()
	s.metrics.ExtractionTier.WithLabelValues("price", string(ext.Price.Tier)).Inc()
	s.metrics.ExtractionTier.WithLabelValues("rating", string(ext.Rating.Tier)).Inc()
	s.metrics.ExtractionTier.WithLabelValues("reviews", string(ext.Reviews.Tier)).Inc()
}

var defaultExtractor = NewExtractor(zap.NewNop())

// Record builds a PriceRecord from an extraction
func Record(site *models.Site, ext Extraction, sourceURL string, now time.Time) models.PriceRecord {
	currency := site.Currency
	if currency == "" {
		currency = "INR"
	}
	return models.PriceRecord{
		Site:        site.ID,
		SiteName:    site.Name,
		ProductName: ext.Name.Value,
		PriceText:   ext.Price.Value.Text,
		Price:       ext.Price.Value.Amount,
		Currency:    currency,
		Rating:      ext.Rating.Value,
		ReviewCount: ext.Reviews.Value,
		SourceURL:   sourceURL,
		ScrapedAt:   now,
		NameTier:    ext.Name.Tier,
		PriceTier:   ext.Price.Tier,
	}
}

// DefaultRecord returns the fully-defaulted record for a site
func DefaultRecord(site *models.Site, now time.Time) models.PriceRecord {
	rec := Record(site, defaultExtractor.Defaults(site), site.DefaultURL(), now)
	rec.Defaulted = true
	return rec
}
