package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pricewatch/database"
	"pricewatch/models"
)

const scrapePageSize = 200

type ScrapeRepository struct {
	store database.Store
}

func NewScrapeRepository(store database.Store) *ScrapeRepository {
	return &ScrapeRepository{store: store}
}

// SaveBatch appends a whole scrape run in one operation. Either every record
// is stored or none is.
func (r *ScrapeRepository) SaveBatch(ctx context.Context, records []models.PriceRecord) error {
	docs := make([]any, len(records))
	for i := range records {
		docs[i] = records[i]
	}
	if err := r.store.InsertMany(ctx, models.CollectionScrapedData, docs); err != nil {
		return fmt.Errorf("failed to save scrape batch: %w", err)
	}
	return nil
}

// LatestBatch returns the records of the most recent run scraped at or after
// since, in site order. It returns nil when no run exists in the window.
func (r *ScrapeRepository) LatestBatch(ctx context.Context, since time.Time) ([]models.PriceRecord, error) {
	var latest []models.PriceRecord
	runID := ""
	after := ""

	for {
		filter := database.Where(database.Gte("scraped_at", since))
		if after != "" {
			filter = append(filter, database.Gt(database.IDField, after))
		}
		docs, err := r.store.FindMany(ctx, models.CollectionScrapedData, filter, scrapePageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read scrape batches: %w", err)
		}

		for _, raw := range docs {
			var rec models.PriceRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, fmt.Errorf("failed to decode price record: %w", err)
			}
			after = rec.ID
			// run ids are time-ordered
			switch {
			case rec.RunID > runID:
				runID = rec.RunID
				latest = []models.PriceRecord{rec}
			case rec.RunID == runID:
				latest = append(latest, rec)
			}
		}

		if len(docs) < scrapePageSize {
			return latest, nil
		}
	}
}

// RunRecords returns the records persisted for one run, in site order
func (r *ScrapeRepository) RunRecords(ctx context.Context, runID string) ([]models.PriceRecord, error) {
	docs, err := r.store.FindMany(ctx, models.CollectionScrapedData, database.Where(database.Eq("run_id", runID)), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	out := make([]models.PriceRecord, 0, len(docs))
	for _, raw := range docs {
		var rec models.PriceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode price record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
