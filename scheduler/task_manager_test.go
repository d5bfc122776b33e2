package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"pricewatch/metrics"
	"pricewatch/models"
)

func testSites(ids ...string) []models.Site {
	sites := make([]models.Site, len(ids))
	for i, id := range ids {
		sites[i] = models.Site{ID: id, Name: id}
	}
	return sites
}

func fakeScrape(ctx context.Context, sites []models.Site, progress func(models.PriceRecord)) ([]models.PriceRecord, error) {
	var records []models.PriceRecord
	for _, site := range sites {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		rec := models.PriceRecord{Site: site.ID, SiteName: site.Name, Price: decimal.NewFromInt(100)}
		progress(rec)
		records = append(records, rec)
	}
	return records, nil
}

func waitTask(t *testing.T, tm *TaskManager, id string) models.TaskSnapshot {
	t.Helper()
	var snap models.TaskSnapshot
	waitFor(t, "task "+id, func() bool {
		task, ok := tm.GetTask(id)
		if !ok {
			return false
		}
		snap = task.Snapshot()
		return task.IsCompleted()
	})
	return snap
}

func TestTaskManagerCompletes(t *testing.T) {
	tm := NewTaskManager(fakeScrape, 2, metrics.New(), zaptest.NewLogger(t))
	defer tm.Stop(context.Background())

	task, err := tm.Submit(testSites("a", "b", "c"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitTask(t, tm, task.ID)
	if snap.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %s (%s)", snap.Status, snap.Error)
	}
	if snap.SitesDone != 3 || snap.Progress != 100 {
		t.Errorf("progress = %d%% (%d sites)", snap.Progress, snap.SitesDone)
	}
	if len(snap.Records) != 3 {
		t.Errorf("got %d records, want 3", len(snap.Records))
	}
}

func TestTaskManagerFails(t *testing.T) {
	failing := func(context.Context, []models.Site, func(models.PriceRecord)) ([]models.PriceRecord, error) {
		return nil, errors.New("store unavailable")
	}
	tm := NewTaskManager(failing, 1, metrics.New(), zaptest.NewLogger(t))
	defer tm.Stop(context.Background())

	task, _ := tm.Submit(testSites("a"))
	snap := waitTask(t, tm, task.ID)
	if snap.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", snap.Status)
	}
	if snap.Error == "" {
		t.Error("failed task has no error message")
	}
}

func TestTaskManagerRecoversPanic(t *testing.T) {
	panicking := func(context.Context, []models.Site, func(models.PriceRecord)) ([]models.PriceRecord, error) {
		panic("boom")
	}
	tm := NewTaskManager(panicking, 1, metrics.New(), zaptest.NewLogger(t))
	defer tm.Stop(context.Background())

	first, _ := tm.Submit(testSites("a"))
	if snap := waitTask(t, tm, first.ID); snap.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", snap.Status)
	}

	// the worker survives and keeps serving
	second, _ := tm.Submit(testSites("b"))
	if snap := waitTask(t, tm, second.ID); snap.Status != models.TaskStatusFailed {
		t.Fatalf("second status = %s, want failed", snap.Status)
	}
}

func TestTaskManagerQueueFull(t *testing.T) {
	block := make(chan struct{})
	blocking := func(ctx context.Context, _ []models.Site, _ func(models.PriceRecord)) ([]models.PriceRecord, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	}
	tm := NewTaskManager(blocking, 1, metrics.New(), zaptest.NewLogger(t))
	defer tm.Stop(context.Background())
	defer close(block)

	var rejected *models.ScrapeTask
	for i := 0; i < 200; i++ {
		task, err := tm.Submit(testSites("a"))
		if errors.Is(err, ErrQueueFull) {
			rejected = task
			break
		}
	}
	if rejected == nil {
		t.Fatal("queue never filled")
	}
	if snap := rejected.Snapshot(); snap.Status != models.TaskStatusFailed {
		t.Errorf("rejected task status = %s, want failed", snap.Status)
	}
}

func TestCleanupOldTasks(t *testing.T) {
	tm := NewTaskManager(fakeScrape, 1, metrics.New(), zaptest.NewLogger(t))
	defer tm.Stop(context.Background())

	task, _ := tm.Submit(testSites("a"))
	waitTask(t, tm, task.ID)

	if n := tm.CleanupOldTasks(time.Hour); n != 0 {
		t.Errorf("removed %d fresh tasks", n)
	}
	if n := tm.CleanupOldTasks(-time.Second); n != 1 {
		t.Errorf("removed %d tasks, want 1", n)
	}
	if _, ok := tm.GetTask(task.ID); ok {
		t.Error("task still present after cleanup")
	}
	if stats := tm.Stats(); stats["total_tasks"] != 0 {
		t.Errorf("stats = %v", stats)
	}
}
