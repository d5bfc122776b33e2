package services

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/models"
	"pricewatch/repository"
)

// ReportService builds the price comparison for the latest scrape run
type ReportService struct {
	scrapes *repository.ScrapeRepository
	window  time.Duration
}

// NewReportService creates a report service. Runs older than window are
// not considered.
func NewReportService(scrapes *repository.ScrapeRepository, window time.Duration) *ReportService {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &ReportService{scrapes: scrapes, window: window}
}

// Latest returns the summary of the most recent run, or nil when there is none
func (s *ReportService) Latest(ctx context.Context, now time.Time) (*models.ScrapeSummary, error) {
	records, err := s.scrapes.LatestBatch(ctx, now.Add(-s.window))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	summary := Summarize(records)
	return &summary, nil
}

// Summarize orders records from cheapest to most expensive and computes what
// buying from the cheapest site saves over the dearest one.
func Summarize(records []models.PriceRecord) models.ScrapeSummary {
	sorted := make([]models.PriceRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Price.LessThan(sorted[j].Price)
	})

	summary := models.ScrapeSummary{Records: sorted, Savings: decimal.Zero}
	if len(sorted) == 0 {
		return summary
	}
	summary.RunID = sorted[0].RunID

	var priced []models.PriceRecord
	for _, r := range sorted {
		if r.Price.IsPositive() {
			priced = append(priced, r)
		}
	}
	if len(priced) > 1 {
		cheapest, dearest := priced[0], priced[len(priced)-1]
		summary.Cheapest = cheapest.SiteName
		summary.Dearest = dearest.SiteName
		summary.Savings = dearest.Price.Sub(cheapest.Price)
	}
	return summary
}
