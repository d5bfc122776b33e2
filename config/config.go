package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process configuration loaded from the environment
type Config struct {
	Host      string
	Port      string
	LogLevel  string
	LogFormat string

	StoreDriver string // postgres | memory
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SMTPServer   string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	AdminEmail   string

	AllowedOrigins []string
	RateLimitRPS   float64

	Renderer          string // rod | chromedp
	BrowserBin        string
	FetchTimeout      time.Duration
	ScrapeConcurrency int
	SitesFile         string
	TaskWorkers       int

	PriceCheckSchedule string
	DigestSchedule     string
	ScrapeSchedule     string // empty disables periodic scrape runs
	AlertPageSize      int
	ClaimTTL           time.Duration
}

// Load reads .env (if present) and returns the configuration. The returned
// bool reports whether a .env file was loaded.
func Load() (*Config, bool) {
	loaded := godotenv.Load() == nil

	return &Config{
		Host:      getEnv("HOST", "0.0.0.0"),
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		SMTPServer:   getEnv("SMTP_SERVER", "smtp.gmail.com"),
		SMTPPort:     getEnvInt("SMTP_PORT", 587),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("SMTP_FROM"),
		AdminEmail:   os.Getenv("ADMIN_EMAIL"),

		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 5),

		Renderer:          strings.ToLower(getEnv("RENDERER", "rod")),
		BrowserBin:        os.Getenv("BROWSER_BIN"),
		FetchTimeout:      getEnvDuration("FETCH_TIMEOUT", 40*time.Second),
		ScrapeConcurrency: getEnvInt("SCRAPE_CONCURRENCY", 1),
		SitesFile:         os.Getenv("SITES_FILE"),
		TaskWorkers:       getEnvInt("TASK_WORKERS", 2),

		PriceCheckSchedule: getEnv("PRICE_CHECK_SCHEDULE", "@every 10m"),
		DigestSchedule:     getEnv("DIGEST_SCHEDULE", "0 0 9 * * *"),
		ScrapeSchedule:     os.Getenv("SCRAPE_SCHEDULE"),
		AlertPageSize:      getEnvInt("ALERT_PAGE_SIZE", 100),
		ClaimTTL:           getEnvDuration("ALERT_CLAIM_TTL", 10*time.Minute),
	}, loaded
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// SMTPEnabled reports whether outbound mail is configured
func (c *Config) SMTPEnabled() bool {
	return c.SMTPUsername != "" && c.SMTPPassword != ""
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
