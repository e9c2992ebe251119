package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	WorkerAdminAddr string
	DBUrl           string
	DBMaxConns      int32
	DBMinConns      int32
	JWTSecret       string
	AppEnv          string

	BillingGuardrailEnforce bool

	QueueFallbackPoller bool
	QueuePollerInterval time.Duration
	QueuePollerBatch    int
	QueueWorkers        int
	QueueMaxTries       int
	QueueJobTimeout     time.Duration
	QueueRetryAfter     time.Duration
	QueueBackoff        time.Duration
	QueueIdleSleep      time.Duration

	CallPromotionGrace   time.Duration
	DoctorResponseWindow time.Duration
	ReconcileInterval    time.Duration

	NotifyChannelJobs   string
	NotifyChannelEvents string
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	jwtSecret, exists := os.LookupEnv("JWT_SECRET")
	if !exists || jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		WorkerAdminAddr: getEnv("WORKER_ADMIN_ADDR", ":9090"),
		DBUrl:           getEnv("DB_URL", ""),
		DBMaxConns:      int32(getEnvInt("DB_MAX_CONNS", 10)),
		DBMinConns:      int32(getEnvInt("DB_MIN_CONNS", 2)),
		JWTSecret:       jwtSecret,
		AppEnv:          normalizeEnv(getEnv("APP_ENV", "production")),

		BillingGuardrailEnforce: getEnvBool("BILLING_GUARDRAIL_ENFORCE", true),

		QueueFallbackPoller: getEnvBool("QUEUE_FALLBACK_POLLER", false),
		QueuePollerInterval: getEnvDuration("QUEUE_POLLER_INTERVAL", 30*time.Second),
		QueuePollerBatch:    getEnvInt("QUEUE_POLLER_BATCH", 10),
		QueueWorkers:        getEnvInt("QUEUE_WORKERS", 4),
		QueueMaxTries:       getEnvInt("QUEUE_MAX_TRIES", 3),
		QueueJobTimeout:     getEnvDuration("QUEUE_JOB_TIMEOUT", 60*time.Second),
		QueueRetryAfter:     getEnvDuration("QUEUE_RETRY_AFTER", 90*time.Second),
		QueueBackoff:        getEnvDuration("QUEUE_BACKOFF", 5*time.Second),
		QueueIdleSleep:      getEnvDuration("QUEUE_IDLE_SLEEP", 3*time.Second),

		CallPromotionGrace:   getEnvDuration("CALL_PROMOTION_GRACE", 5*time.Second),
		DoctorResponseWindow: getEnvDuration("DOCTOR_RESPONSE_WINDOW", 90*time.Second),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", time.Minute),

		NotifyChannelJobs:   getEnv("NOTIFY_CHANNEL_JOBS", "jobs_available"),
		NotifyChannelEvents: getEnv("NOTIFY_CHANNEL_EVENTS", "session_events"),
	}

	// A job must be allowed to finish before its reservation lapses.
	if cfg.QueueRetryAfter <= cfg.QueueJobTimeout {
		return nil, fmt.Errorf("QUEUE_RETRY_AFTER (%s) must exceed QUEUE_JOB_TIMEOUT (%s)", cfg.QueueRetryAfter, cfg.QueueJobTimeout)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

func (c *Config) IsDevelopment() bool {
	return c != nil && c.AppEnv == "development"
}
