package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"pricewatch/metrics"
	"pricewatch/models"
)

// ErrQueueFull is returned when no more scrape tasks can be queued
var ErrQueueFull = errors.New("task queue is full")

// ScrapeFunc runs one scrape over sites, reporting each finished record
type ScrapeFunc func(ctx context.Context, sites []models.Site, progress func(models.PriceRecord)) ([]models.PriceRecord, error)

type queuedTask struct {
	task  *models.ScrapeTask
	sites []models.Site
}

// TaskManager runs scrape tasks in the background on a fixed pool of workers
// and keeps their state for polling.
type TaskManager struct {
	tasks     map[string]*models.ScrapeTask
	queue     chan queuedTask
	workers   int
	scrape    ScrapeFunc
	retention time.Duration
	mutex     sync.RWMutex

	metrics *metrics.Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTaskManager creates a task manager and starts its workers
func NewTaskManager(scrape ScrapeFunc, workers int, m *metrics.Metrics, logger *zap.Logger) *TaskManager {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	tm := &TaskManager{
		tasks:     make(map[string]*models.ScrapeTask),
		queue:     make(chan queuedTask, 100),
		workers:   workers,
		scrape:    scrape,
		retention: time.Hour,
		metrics:   m,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < workers; i++ {
		tm.wg.Add(1)
		go tm.worker(i)
	}
	tm.wg.Add(1)
	go tm.janitor()

	logger.Info("Task manager started", zap.Int("workers", workers))
	return tm
}

// Submit queues a scrape over sites and returns its task
func (tm *TaskManager) Submit(sites []models.Site) (*models.ScrapeTask, error) {
	task := models.NewScrapeTask(len(sites))

	tm.mutex.Lock()
	tm.tasks[task.ID] = task
	tm.mutex.Unlock()

	select {
	case tm.queue <- queuedTask{task: task, sites: sites}:
		tm.logger.Info("Task submitted", zap.String("task_id", task.ID), zap.Int("sites", len(sites)))
		return task, nil
	default:
		task.Fail(ErrQueueFull.Error())
		tm.logger.Warn("Failed to submit task, queue full", zap.String("task_id", task.ID))
		return task, ErrQueueFull
	}
}

// GetTask returns a task by ID
func (tm *TaskManager) GetTask(taskID string) (*models.ScrapeTask, bool) {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()

	task, exists := tm.tasks[taskID]
	return task, exists
}

// CleanupOldTasks removes finished tasks created before maxAge ago
func (tm *TaskManager) CleanupOldTasks(maxAge time.Duration) int {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for taskID, task := range tm.tasks {
		if task.IsCompleted() && task.CreatedAt.Before(cutoff) {
			delete(tm.tasks, taskID)
			removed++
		}
	}
	if removed > 0 {
		tm.logger.Debug("Cleaned up old tasks", zap.Int("removed", removed))
	}
	return removed
}

// Stats returns task manager statistics
func (tm *TaskManager) Stats() map[string]interface{} {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()

	statusCounts := make(map[string]int)
	for _, task := range tm.tasks {
		statusCounts[string(task.Snapshot().Status)]++
	}
	return map[string]interface{}{
		"total_tasks":     len(tm.tasks),
		"workers":         tm.workers,
		"queue_size":      len(tm.queue),
		"tasks_by_status": statusCounts,
	}
}

// Stop cancels running tasks and waits for the workers to exit
func (tm *TaskManager) Stop(ctx context.Context) error {
	tm.cancel()
	done := make(chan struct{})
	go func() {
		tm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		tm.logger.Info("Task manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tm *TaskManager) worker(id int) {
	defer tm.wg.Done()
	for {
		select {
		case q := <-tm.queue:
			tm.process(id, q)
		case <-tm.ctx.Done():
			return
		}
	}
}

func (tm *TaskManager) process(worker int, q queuedTask) {
	task := q.task
	log := tm.logger.With(zap.String("task_id", task.ID), zap.Int("worker", worker))

	tm.metrics.TasksInFlight.Inc()
	defer tm.metrics.TasksInFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			task.Fail("scrape panicked")
			log.Error("Task panicked", zap.Any("panic", r))
		}
	}()

	task.Start()
	log.Info("Task started")

	records, err := tm.scrape(tm.ctx, q.sites, task.SiteDone)
	if err != nil {
		task.Fail("Scrape run failed: " + err.Error())
		log.Error("Task failed", zap.Error(err))
		return
	}

	task.Complete(records)
	log.Info("Task completed", zap.Duration("duration", task.Duration()), zap.Int("records", len(records)))
}

// janitor drops finished tasks after the retention period
func (tm *TaskManager) janitor() {
	defer tm.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tm.CleanupOldTasks(tm.retention)
		case <-tm.ctx.Done():
			return
		}
	}
}
