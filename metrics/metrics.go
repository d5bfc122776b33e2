package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ScrapesTotal      *prometheus.CounterVec // site, outcome: extracted|defaulted|panicked
	FetchDuration     *prometheus.HistogramVec
	ExtractionTier    *prometheus.CounterVec // field, tier
	ScrapeRunsTotal   *prometheus.CounterVec // status: completed|persist_failed|cancelled
	AlertsTotal       *prometheus.CounterVec // result: fired|failed|skipped
	NotificationsSent *prometheus.CounterVec // status: ok|failed
	JobRunsTotal      *prometheus.CounterVec // job, status
	TasksInFlight     prometheus.Gauge
}

// New registers all collectors on a fresh registry so tests can build
// independent instances.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		ScrapesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_site_scrapes_total",
			Help: "Site scrapes by outcome.",
		}, []string{"site", "outcome"}),
		FetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricewatch_fetch_duration_seconds",
			Help:    "Duration of page fetches.",
			Buckets: []float64{1, 5, 10, 15, 30, 60, 120},
		}, []string{"site", "status"}),
		ExtractionTier: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_extraction_tier_total",
			Help: "Which extractor tier resolved each field.",
		}, []string{"field", "tier"}),
		ScrapeRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_scrape_runs_total",
			Help: "Completed scrape runs by status.",
		}, []string{"status"}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_alerts_total",
			Help: "Matched subscriptions by result.",
		}, []string{"result"}),
		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_notifications_total",
			Help: "Outbound notifications by status.",
		}, []string{"kind", "status"}),
		JobRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_job_runs_total",
			Help: "Scheduled job runs by status.",
		}, []string{"job", "status"}),
		TasksInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "pricewatch_tasks_in_flight",
			Help: "Async scrape tasks currently queued or running.",
		}),
	}
}
