package models

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the status of an async scrape task
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// ScrapeTask represents an async scrape run
type ScrapeTask struct {
	mu sync.RWMutex

	ID          string        `json:"id"`
	Status      TaskStatus    `json:"status"`
	Progress    int           `json:"progress"` // 0-100
	Message     string        `json:"message"`
	SitesTotal  int           `json:"sites_total"`
	SitesDone   int           `json:"sites_done"`
	Records     []PriceRecord `json:"records,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// TaskSnapshot is a copy of a task that is safe to serialize
type TaskSnapshot struct {
	ID          string        `json:"id"`
	Status      TaskStatus    `json:"status"`
	Progress    int           `json:"progress"`
	Message     string        `json:"message"`
	SitesTotal  int           `json:"sites_total"`
	SitesDone   int           `json:"sites_done"`
	Records     []PriceRecord `json:"records,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// NewScrapeTask creates a new queued task over the given number of sites
func NewScrapeTask(sites int) *ScrapeTask {
	return &ScrapeTask{
		ID:         "task_" + uuid.NewString(),
		Status:     TaskStatusQueued,
		Message:    "Task queued for processing",
		SitesTotal: sites,
		CreatedAt:  time.Now().UTC(),
	}
}

// Start marks the task as processing
func (t *ScrapeTask) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = TaskStatusProcessing
	t.Message = "Scraping sites..."
	now := time.Now().UTC()
	t.StartedAt = &now
}

// SiteDone records one completed site and updates progress
func (t *ScrapeTask) SiteDone(rec PriceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SitesDone++
	t.Records = append(t.Records, rec)
	if t.SitesTotal > 0 {
		t.Progress = t.SitesDone * 100 / t.SitesTotal
	}
	t.Message = "Scraped " + rec.SiteName
}

// Complete marks the task as completed
func (t *ScrapeTask) Complete(records []PriceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = TaskStatusCompleted
	t.Progress = 100
	t.Message = "Scrape run completed successfully"
	t.Records = records
	now := time.Now().UTC()
	t.CompletedAt = &now
}

// Fail marks the task as failed with error
func (t *ScrapeTask) Fail(err string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = TaskStatusFailed
	t.Message = "Scrape run failed"
	t.Error = err
	now := time.Now().UTC()
	t.CompletedAt = &now
}

// IsCompleted returns true if the task is in a final state
func (t *ScrapeTask) IsCompleted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// Snapshot copies the task state
func (t *ScrapeTask) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	records := make([]PriceRecord, len(t.Records))
	copy(records, t.Records)
	return TaskSnapshot{
		ID:          t.ID,
		Status:      t.Status,
		Progress:    t.Progress,
		Message:     t.Message,
		SitesTotal:  t.SitesTotal,
		SitesDone:   t.SitesDone,
		Records:     records,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

// Duration returns the duration of the task
func (t *ScrapeTask) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	return end.Sub(*t.StartedAt)
}
