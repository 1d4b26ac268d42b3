package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the environment-driven service configuration. Per-feed settings
// (endpoints, credentials, rate limits, heatmap overrides) live in the feeds
// file; see feeds.go.
type Config struct {
	DatabaseURL   string
	Port          int
	SchemaPath    string
	SkipMigration bool

	LogLevel string
	LogJSON  bool

	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	QueueLockTTL       time.Duration

	SchedulerEnabled  bool
	SchedulerInterval time.Duration
	SweepInterval     time.Duration

	FullRunStartDate time.Time
	SafetyBuffer     time.Duration

	HeatmapMinPrice            float64
	HeatmapMaxPrice            float64
	HeatmapTargetPerChunk      int64
	HeatmapConcurrency         int
	HeatmapMaxWorkers          int
	HeatmapMinRecordsPerWorker int64

	ConsolidationSuccessThreshold float64
	ConsolidationDelay            time.Duration
	RunStallThreshold             time.Duration

	FeedsPath string

	WatermarkBackend string
	WatermarkDir     string
	WatermarkS3      S3Config

	NotifyWebhookURL string
	SvixAuthToken    string
	SvixAppID        string

	OpsJWTSecret string
	OpsAPIKey    string

	OpsRateLimitRPS   float64
	OpsRateLimitBurst int
}

// S3Config holds the object-store settings for the s3 watermark backend.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// FromEnv builds the configuration from the environment, applying defaults
// for everything not set. It never fails; malformed values fall back to
// defaults so a typo cannot take the daemon down.
func FromEnv() *Config {
	return &Config{
		DatabaseURL:   os.Getenv("DB_URL"),
		Port:          getEnvInt("PORT", 8080),
		SchemaPath:    getEnv("SCHEMA_PATH", "schema.sql"),
		SkipMigration: getEnvBool("SKIP_MIGRATION", false),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("LOG_JSON", true),

		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 4),
		WorkerPollInterval: getEnvMillis("WORKER_POLL_INTERVAL_MS", 1000),
		QueueLockTTL:       getEnvMinutes("QUEUE_LOCK_TTL_MINUTES", 10),

		SchedulerEnabled:  getEnvBool("SCHEDULER_ENABLED", false),
		SchedulerInterval: getEnvMinutes("SCHEDULER_INTERVAL_MIN", 60),
		SweepInterval:     getEnvMinutes("RUN_SWEEP_INTERVAL_MINUTES", 1),

		FullRunStartDate: getEnvDate("FULL_RUN_START_DATE", "2015-01-01"),
		SafetyBuffer:     getEnvMinutes("INCREMENTAL_RUN_SAFETY_BUFFER_MINUTES", 15),

		HeatmapMinPrice:            getEnvFloat("HEATMAP_MIN_PRICE", 0),
		HeatmapMaxPrice:            getEnvFloat("HEATMAP_MAX_PRICE", 1_000_000),
		HeatmapTargetPerChunk:      int64(getEnvInt("HEATMAP_TARGET_RECORDS_PER_CHUNK", 1000)),
		HeatmapConcurrency:         getEnvInt("HEATMAP_CONCURRENCY", 10),
		HeatmapMaxWorkers:          getEnvInt("HEATMAP_MAX_WORKERS", 100),
		HeatmapMinRecordsPerWorker: int64(getEnvInt("HEATMAP_MIN_RECORDS_PER_WORKER", 500)),

		ConsolidationSuccessThreshold: getEnvFloat("AUTO_CONSOLIDATION_SUCCESS_THRESHOLD", 0.70),
		ConsolidationDelay:            getEnvMinutes("AUTO_CONSOLIDATION_DELAY_MINUTES", 5),
		RunStallThreshold:             getEnvMinutes("RUN_STALL_THRESHOLD_MINUTES", 30),

		FeedsPath: getEnv("FEEDS_CONFIG", "feeds.yaml"),

		WatermarkBackend: getEnv("WATERMARK_BACKEND", "fs"),
		WatermarkDir:     getEnv("WATERMARK_DIR", "data/watermarks"),
		WatermarkS3: S3Config{
			Endpoint:  os.Getenv("WATERMARK_S3_ENDPOINT"),
			Bucket:    os.Getenv("WATERMARK_S3_BUCKET"),
			AccessKey: os.Getenv("WATERMARK_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("WATERMARK_S3_SECRET_KEY"),
			UseSSL:    getEnvBool("WATERMARK_S3_USE_SSL", true),
		},

		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		SvixAuthToken:    os.Getenv("SVIX_AUTH_TOKEN"),
		SvixAppID:        os.Getenv("SVIX_APP_ID"),

		OpsJWTSecret: os.Getenv("OPS_JWT_SECRET"),
		OpsAPIKey:    os.Getenv("OPS_API_KEY"),

		OpsRateLimitRPS:   getEnvFloat("API_RATE_LIMIT_RPS", 10),
		OpsRateLimitBurst: getEnvInt("API_RATE_LIMIT_BURST", 20),
	}
}

// Validate checks the settings that have no workable default.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if c.WatermarkBackend != "fs" && c.WatermarkBackend != "s3" {
		return fmt.Errorf("WATERMARK_BACKEND must be fs or s3, got %q", c.WatermarkBackend)
	}
	if c.WatermarkBackend == "s3" && c.WatermarkS3.Bucket == "" {
		return fmt.Errorf("WATERMARK_S3_BUCKET is required for the s3 backend")
	}
	if c.HeatmapMaxPrice <= c.HeatmapMinPrice {
		return fmt.Errorf("HEATMAP_MAX_PRICE must exceed HEATMAP_MIN_PRICE")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvMillis(key string, defMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defMillis)) * time.Millisecond
}

func getEnvMinutes(key string, defMinutes int) time.Duration {
	return time.Duration(getEnvInt(key, defMinutes)) * time.Minute
}

func getEnvDate(key, def string) time.Time {
	v := getEnv(key, def)
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02", def)
	return t
}
