package scraper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pricewatch/database"
	"pricewatch/metrics"
	"pricewatch/models"
)

// Scraper produces the record for one site
type Scraper interface {
	Scrape(ctx context.Context, site models.Site) models.PriceRecord
}

// BatchSaver persists a scrape run as one unit
type BatchSaver interface {
	SaveBatch(ctx context.Context, records []models.PriceRecord) error
}

// Runner scrapes a list of sites and persists the results as one batch.
// Results keep input order regardless of how many sites run in parallel.
type Runner struct {
	scraper     Scraper
	saver       BatchSaver
	concurrency int
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewRunner creates a runner. concurrency below 2 scrapes sites one at a time.
func NewRunner(scraper Scraper, saver BatchSaver, concurrency int, m *metrics.Metrics, logger *zap.Logger) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		scraper:     scraper,
		saver:       saver,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger,
	}
}

// Run scrapes every site and saves the batch. A cancelled run persists
// nothing. When saving fails the records are still returned with the error.
func (r *Runner) Run(ctx context.Context, sites []models.Site) ([]models.PriceRecord, error) {
	return r.RunWithProgress(ctx, sites, nil)
}

// RunWithProgress is Run with a callback invoked as each site finishes.
// The callback may be called from several goroutines.
func (r *Runner) RunWithProgress(ctx context.Context, sites []models.Site, progress func(models.PriceRecord)) ([]models.PriceRecord, error) {
	start := time.Now()
	runID, ids := r.allocate(len(sites))
	records := make([]models.PriceRecord, len(sites))

	r.scrapeAll(ctx, sites, func(i int, rec models.PriceRecord, _ error) {
		rec.ID, rec.RunID = ids[i], runID
		records[i] = rec
		if progress != nil {
			progress(rec)
		}
	})

	if err := ctx.Err(); err != nil {
		r.metrics.ScrapeRunsTotal.WithLabelValues("cancelled").Inc()
		r.logger.Warn("Scrape run cancelled, nothing persisted", zap.String("run_id", runID))
		return nil, fmt.Errorf("scrape run cancelled: %w", err)
	}

	if err := r.saver.SaveBatch(ctx, records); err != nil {
		r.metrics.ScrapeRunsTotal.WithLabelValues("persist_failed").Inc()
		r.logger.Error("Failed to persist scrape run",
			zap.String("run_id", runID),
			zap.Int("records", len(records)),
			zap.Error(err))
		return records, fmt.Errorf("failed to persist scrape run %s: %w", runID, err)
	}

	r.metrics.ScrapeRunsTotal.WithLabelValues("completed").Inc()
	r.logger.Info("Scrape run completed",
		zap.String("run_id", runID),
		zap.Int("records", len(records)),
		zap.Duration("duration", time.Since(start)))
	return records, nil
}

// Stream scrapes every site and emits a record or error event per site in
// completion order, followed by one end event once the batch is saved. The
// channel is closed after the end event, or early if ctx is cancelled.
func (r *Runner) Stream(ctx context.Context, sites []models.Site) <-chan models.StreamEvent {
	out := make(chan models.StreamEvent)

	send := func(ev models.StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)

		runID, ids := r.allocate(len(sites))
		records := make([]models.PriceRecord, len(sites))

		r.scrapeAll(ctx, sites, func(i int, rec models.PriceRecord, err error) {
			rec.ID, rec.RunID = ids[i], runID
			records[i] = rec
			if err != nil {
				send(models.StreamEvent{Type: models.EventError, Site: rec.Site, Error: err.Error()})
				return
			}
			send(models.StreamEvent{Type: models.EventRecord, Site: rec.Site, Record: &rec})
		})

		if ctx.Err() != nil {
			r.metrics.ScrapeRunsTotal.WithLabelValues("cancelled").Inc()
			r.logger.Warn("Streaming scrape run cancelled, nothing persisted", zap.String("run_id", runID))
			return
		}

		end := models.StreamEvent{Type: models.EventEnd, Count: len(records)}
		if err := r.saver.SaveBatch(ctx, records); err != nil {
			r.metrics.ScrapeRunsTotal.WithLabelValues("persist_failed").Inc()
			r.logger.Error("Failed to persist streamed scrape run", zap.String("run_id", runID), zap.Error(err))
			end.PersistError = err.Error()
		} else {
			r.metrics.ScrapeRunsTotal.WithLabelValues("completed").Inc()
		}
		send(end)
	}()

	return out
}

// allocate hands out the run id and per-site record ids up front so ids
// sort in site order whatever order the sites finish in
func (r *Runner) allocate(n int) (string, []string) {
	runID := database.NewID()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = database.NewID()
	}
	return runID, ids
}

// scrapeAll calls done once per site. err is set when the scraper panicked,
// in which case rec is the site's default record.
func (r *Runner) scrapeAll(ctx context.Context, sites []models.Site, done func(i int, rec models.PriceRecord, err error)) {
	if r.concurrency <= 1 {
		for i := range sites {
			if ctx.Err() != nil {
				return
			}
			rec, err := r.safeScrape(ctx, sites[i])
			done(i, rec, err)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i := range sites {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			rec, err := r.safeScrape(ctx, sites[i])
			done(i, rec, err)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runner) safeScrape(ctx context.Context, site models.Site) (rec models.PriceRecord, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scraper panic: %v", p)
			r.logger.Error("Scraper panicked, using default data",
				zap.String("site", site.ID),
				zap.Any("panic", p))
			r.metrics.ScrapesTotal.WithLabelValues(site.ID, "panicked").Inc()
			rec = DefaultRecord(&site, time.Now().UTC())
		}
	}()
	return r.scraper.Scrape(ctx, site), nil
}
