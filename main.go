package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"pricewatch/config"
	"pricewatch/database"
	"pricewatch/handlers"
	"pricewatch/logger"
	"pricewatch/metrics"
	"pricewatch/middleware"
	"pricewatch/models"
	"pricewatch/notify"
	"pricewatch/repository"
	"pricewatch/scheduler"
	"pricewatch/scraper"
	"pricewatch/services"
)

func main() {
	cfg, envLoaded := config.Load()

	lg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()
	if !envLoaded {
		lg.Info("No .env file found, using environment variables")
	}

	if err := run(cfg, lg); err != nil {
		lg.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Initialize store
	store, err := openStore(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Initialize repositories
	alertRepo := repository.NewAlertRepository(store)
	productRepo := repository.NewProductRepository(store)
	scrapeRepo := repository.NewScrapeRepository(store)

	sites, err := config.LoadSites(cfg.SitesFile)
	if err != nil {
		return err
	}

	// Initialize scraper
	fetchers := scraper.Fetchers{Static: scraper.NewStaticFetcher()}
	switch cfg.Renderer {
	case "chromedp":
		cf := scraper.NewChromedpFetcher(cfg.BrowserBin)
		defer cf.Close()
		fetchers.Rendered = cf
	case "none":
	default:
		rf := scraper.NewRodFetcher(cfg.BrowserBin, lg.Named("rod"))
		defer rf.Close()
		fetchers.Rendered = rf
	}
	extractor := scraper.NewExtractor(lg.Named("extractor"))
	siteScraper := scraper.NewSiteScraper(fetchers, extractor, cfg.FetchTimeout, m, lg.Named("scraper"))
	runner := scraper.NewRunner(siteScraper, scrapeRepo, cfg.ScrapeConcurrency, m, lg.Named("run"))

	// Initialize notifier
	var notifier notify.Notifier
	if cfg.SMTPEnabled() {
		from := cfg.SMTPFrom
		if from == "" {
			from = cfg.SMTPUsername
		}
		notifier = notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.SMTPServer,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     from,
			Timeout:  30 * time.Second,
		}, lg.Named("smtp"))
	} else {
		lg.Warn("SMTP credentials not set, notifications will only be logged")
		notifier = notify.NewLogNotifier(lg.Named("notify"))
	}

	// Initialize services
	matcher := services.NewAlertMatcher(alertRepo, productRepo, notifier, cfg.AlertPageSize, cfg.ClaimTTL, m, lg.Named("matcher"))
	digest := services.NewDigestBuilder(alertRepo, productRepo, notifier, cfg.AdminEmail, m, lg.Named("digest"))
	subscriptions := services.NewSubscriptionService(alertRepo, productRepo, notifier, m, lg.Named("subscriptions"))
	products := services.NewProductService(productRepo, matcher, lg.Named("products"))
	reports := services.NewReportService(scrapeRepo, 0)

	// Initialize and start scheduler
	locker, err := newLocker(ctx, cfg, lg)
	if err != nil {
		return err
	}
	sched := scheduler.New(locker, m, lg.Named("scheduler"))
	if err := registerJobs(sched, cfg, sites, runner, matcher, digest, lg); err != nil {
		return err
	}
	sched.Start()

	taskManager := scheduler.NewTaskManager(runner.RunWithProgress, cfg.TaskWorkers, m, lg.Named("tasks"))

	// Setup router
	h := handlers.NewHandlers(handlers.Deps{
		Sites:         sites,
		Runner:        runner,
		Tasks:         taskManager,
		Reports:       reports,
		Subscriptions: subscriptions,
		Products:      products,
		Metrics:       m,
		Logger:        lg.Named("http"),
	})
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(lg.Named("http")))
	r.Use(middleware.MetricsMiddleware(m))
	r.Use(middleware.RateLimitMiddleware(cfg.RateLimitRPS))
	h.Routes(r)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("🌐 Server starting", zap.String("addr", srv.Addr), zap.Int("sites", len(sites)))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		lg.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		lg.Warn("Scheduler shutdown incomplete", zap.Error(err))
	}
	if err := taskManager.Stop(shutdownCtx); err != nil {
		lg.Warn("Task manager shutdown incomplete", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, lg *zap.Logger) (database.Store, error) {
	if cfg.StoreDriver == "memory" {
		lg.Warn("Using in-memory store, data is lost on restart")
		return database.NewMemoryStore(), nil
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required for the postgres store")
	}
	pg, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := pg.CreateTables(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	lg.Info("✅ Connected to PostgreSQL")
	return pg, nil
}

func newLocker(ctx context.Context, cfg *config.Config, lg *zap.Logger) (scheduler.Locker, error) {
	if cfg.RedisAddr == "" {
		return scheduler.NewLocalLocker(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	lg.Info("✅ Connected to Redis, job locks are shared", zap.String("addr", cfg.RedisAddr))
	return scheduler.NewRedisLocker(client), nil
}

func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, sites []models.Site, runner *scraper.Runner,
	matcher *services.AlertMatcher, digest *services.DigestBuilder, lg *zap.Logger) error {
	err := sched.Add("price-check", cfg.PriceCheckSchedule, 30*time.Minute, func(ctx context.Context) error {
		res, err := matcher.CheckOpen(ctx)
		if err != nil {
			return err
		}
		lg.Info("Price check finished",
			zap.Int("matched", res.Matched),
			zap.Int("fired", res.Fired),
			zap.Int("failed", res.Failed),
			zap.Int("malformed", res.Malformed))
		return nil
	})
	if err != nil {
		return err
	}

	if cfg.AdminEmail == "" {
		lg.Warn("ADMIN_EMAIL not set, daily digest disabled")
	} else {
		err = sched.Add("daily-digest", cfg.DigestSchedule, 10*time.Minute, func(ctx context.Context) error {
			_, err := digest.Send(ctx, time.Now().UTC())
			return err
		})
		if err != nil {
			return err
		}
	}

	if cfg.ScrapeSchedule != "" {
		err = sched.Add("scrape", cfg.ScrapeSchedule, time.Hour, func(ctx context.Context) error {
			_, err := runner.Run(ctx, sites)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}
