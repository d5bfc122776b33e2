package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pricewatch/config"
	"pricewatch/metrics"
	"pricewatch/models"
	"pricewatch/scheduler"
	"pricewatch/scraper"
	"pricewatch/services"
)

// Deps are the components the HTTP API is served from
type Deps struct {
	Sites         []models.Site
	Runner        *scraper.Runner
	Tasks         *scheduler.TaskManager
	Reports       *services.ReportService
	Subscriptions *services.SubscriptionService
	Products      *services.ProductService
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

type Handlers struct {
	sites         []models.Site
	runner        *scraper.Runner
	taskManager   *scheduler.TaskManager
	reports       *services.ReportService
	subscriptions *services.SubscriptionService
	products      *services.ProductService
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		sites:         d.Sites,
		runner:        d.Runner,
		taskManager:   d.Tasks,
		reports:       d.Reports,
		subscriptions: d.Subscriptions,
		products:      d.Products,
		metrics:       d.Metrics,
		logger:        d.Logger,
	}
}

// Routes registers every endpoint on r
func (h *Handlers) Routes(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()

	// Scraping
	api.HandleFunc("/scrape", h.Scrape).Methods("POST")
	api.HandleFunc("/scrape/stream", h.ScrapeStream).Methods("GET")
	api.HandleFunc("/scrape/async", h.ScrapeAsync).Methods("POST")
	api.HandleFunc("/scrape/latest", h.LatestScrape).Methods("GET")
	api.HandleFunc("/sites", h.GetSites).Methods("GET")

	// Task management
	api.HandleFunc("/tasks/stats", h.GetTaskStats).Methods("GET")
	api.HandleFunc("/tasks/{taskId}", h.GetTaskStatus).Methods("GET")

	// Price alerts
	api.HandleFunc("/alerts/subscribe", h.Subscribe).Methods("POST")
	api.HandleFunc("/alerts", h.GetAlerts).Methods("GET")

	// Products
	api.HandleFunc("/products", h.GetProducts).Methods("GET")
	api.HandleFunc("/products", h.CreateProduct).Methods("POST")
	api.HandleFunc("/products/{id}/price", h.UpdateProductPrice).Methods("PUT")
}

// HealthCheck returns a simple health check response
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "pricewatch",
		"sites":     len(h.sites),
	}
	writeJSON(w, http.StatusOK, response)
}

// GetSites lists the configured site catalog
func (h *Handlers) GetSites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sites)
}

type scrapeRequest struct {
	Sites []string `json:"sites"`
}

// selectSites resolves the requested site ids against the catalog. No ids
// means every site.
func (h *Handlers) selectSites(ids []string) ([]models.Site, error) {
	sites, err := config.FilterSites(h.sites, ids)
	if err != nil {
		return nil, err
	}
	if len(sites) == 0 {
		return nil, errors.New("no sites to scrape")
	}
	return sites, nil
}

// decodeScrapeRequest accepts an empty body as "all sites"
func decodeScrapeRequest(r *http.Request) (scrapeRequest, error) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

// Scrape runs one scrape over the requested sites and waits for it
func (h *Handlers) Scrape(w http.ResponseWriter, r *http.Request) {
	req, err := decodeScrapeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	sites, err := h.selectSites(req.Sites)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.runner.Run(r.Context(), sites)
	if records == nil && err != nil {
		h.logger.Warn("Scrape request aborted", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Scrape was cancelled")
		return
	}

	response := map[string]interface{}{
		"success": err == nil,
		"count":   len(records),
		"records": records,
	}
	if len(records) > 0 {
		response["run_id"] = records[0].RunID
	}
	if err != nil {
		// records were scraped but could not be saved
		response["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

// ScrapeStream runs a scrape and pushes each site's result as a server-sent
// event as soon as it finishes. The last event is named "end".
func (h *Handlers) ScrapeStream(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if q := r.URL.Query().Get("sites"); q != "" {
		ids = strings.Split(q, ",")
	}
	sites, err := h.selectSites(ids)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range h.runner.Stream(r.Context(), sites) {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("Failed to encode stream event", zap.Error(err))
			continue
		}
		if ev.Type == models.EventEnd {
			fmt.Fprintf(w, "event: end\n")
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

// ScrapeAsync queues a scrape and returns the task to poll
func (h *Handlers) ScrapeAsync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeScrapeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	sites, err := h.selectSites(req.Sites)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := h.taskManager.Submit(sites)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Too many scrapes in progress, try again later")
		return
	}

	snap := task.Snapshot()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id":    snap.ID,
		"status":     snap.Status,
		"message":    snap.Message,
		"status_url": "/api/v1/tasks/" + snap.ID,
	})
}

// GetTaskStatus returns the status of an async task
func (h *Handlers) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]

	task, exists := h.taskManager.GetTask(taskID)
	if !exists {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, task.Snapshot())
}

// GetTaskStats returns task manager statistics
func (h *Handlers) GetTaskStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.taskManager.Stats())
}

// LatestScrape returns the most recent run ranked from cheapest to dearest
func (h *Handlers) LatestScrape(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reports.Latest(r.Context(), time.Now().UTC())
	if err != nil {
		h.logger.Error("Failed to load latest scrape", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load latest scrape")
		return
	}
	if summary == nil {
		writeError(w, http.StatusNotFound, "No scrape results yet")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Subscribe creates a price alert
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req models.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sub, err := h.subscriptions.Subscribe(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, sub)
	case errors.Is(err, services.ErrInvalidSubscription):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrProductNotFound):
		writeError(w, http.StatusNotFound, "Product not found")
	case errors.Is(err, services.ErrAlreadySubscribed):
		writeError(w, http.StatusConflict, "Alert already exists for this product")
	default:
		h.logger.Error("Failed to create subscription", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create alert")
	}
}

// GetAlerts lists the alerts of one subscriber
func (h *Handlers) GetAlerts(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	subs, err := h.subscriptions.List(r.Context(), email)
	if err != nil {
		if errors.Is(err, services.ErrInvalidSubscription) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to list alerts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to get alerts")
		return
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// GetProducts returns a page of products. Pass the last id seen as "after"
// to fetch the next page.
func (h *Handlers) GetProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	products, err := h.products.List(r.Context(), q.Get("after"), limit)
	if err != nil {
		h.logger.Error("Failed to list products", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to get products")
		return
	}
	if products == nil {
		products = []models.Product{}
	}
	writeJSON(w, http.StatusOK, products)
}

// CreateProduct adds a product to the catalog
func (h *Handlers) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req models.Product
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	product, err := h.products.Create(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, product)
	case errors.Is(err, services.ErrInvalidProduct), errors.Is(err, services.ErrInvalidPrice):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrProductExists):
		writeError(w, http.StatusConflict, "Product already exists")
	default:
		h.logger.Error("Failed to create product", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create product")
	}
}

// UpdateProductPrice sets a product's price and matches alerts against it
func (h *Handlers) UpdateProductPrice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req models.UpdatePriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	update, err := h.products.UpdatePrice(r.Context(), id, req.Price)
	switch {
	case errors.Is(err, services.ErrInvalidPrice):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, services.ErrProductNotFound):
		writeError(w, http.StatusNotFound, "Product not found")
		return
	case err != nil && update == nil:
		h.logger.Error("Failed to update price", zap.String("product_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to update price")
		return
	case err != nil:
		// the price was stored; matching will be retried by the price check job
		h.logger.Warn("Alert matching failed after price update", zap.String("product_id", id), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, update)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
