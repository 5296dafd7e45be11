package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ArchivePostgresDSN enables the terminal-job archive when non-empty.
	ArchivePostgresDSN string

	// File storage. Backend is "local" or "s3".
	StorageBackend string
	StorageDir     string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3PathStyle    bool

	// Queue/worker behavior.
	VisibilityTimeout  time.Duration
	WorkerPollInterval time.Duration
	WorkerConcurrency  int
	ScheduledBatchSize int

	// Engine invocation.
	StandardTimeout  time.Duration
	VisionTimeout    time.Duration
	EngineMaxRetries int
	MaxErrorLength   int
	MaxUploadBytes   int64
	MinFreeBytes     int64

	// Retention policy grace periods.
	SweepInterval        time.Duration
	FailureGrace         time.Duration
	PostDownloadGrace    time.Duration
	UndownloadedGrace    time.Duration
	EmergencyFreeBytes   int64
	EmergencyGraceFactor int

	// Capture sessions.
	SessionTTL      time.Duration
	SessionMaxPages int

	// Webhook delivery.
	WebhookTimeout time.Duration

	// Submission rate limiting.
	RateLimitCapacity int
	RateLimitRefill   float64
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		ArchivePostgresDSN: getEnv("ARCHIVE_POSTGRES_DSN", ""),

		StorageBackend: getEnv("STORAGE_BACKEND", "local"),
		StorageDir:     getEnv("STORAGE_DIR", "./data"),
		S3Bucket:       getEnv("S3_BUCKET", ""),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3PathStyle:    getEnvBool("S3_PATH_STYLE", false),

		VisibilityTimeout:  getEnvDuration("VISIBILITY_TIMEOUT", 2*time.Minute),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 2),
		ScheduledBatchSize: getEnvInt("SCHEDULED_BATCH_SIZE", 100),

		StandardTimeout:  getEnvDuration("STANDARD_ENGINE_TIMEOUT", 30*time.Second),
		VisionTimeout:    getEnvDuration("VISION_ENGINE_TIMEOUT", 20*time.Minute),
		EngineMaxRetries: getEnvInt("ENGINE_MAX_RETRIES", 3),
		MaxErrorLength:   getEnvInt("MAX_ERROR_LENGTH", 256),
		MaxUploadBytes:   getEnvInt64("MAX_UPLOAD_BYTES", 100*1024*1024),
		MinFreeBytes:     getEnvInt64("MIN_FREE_BYTES", 500*1024*1024),

		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", 2*time.Minute),
		FailureGrace:         getEnvDuration("FAILURE_GRACE", 5*time.Minute),
		PostDownloadGrace:    getEnvDuration("POST_DOWNLOAD_GRACE", 10*time.Minute),
		UndownloadedGrace:    getEnvDuration("UNDOWNLOADED_GRACE", time.Hour),
		EmergencyFreeBytes:   getEnvInt64("EMERGENCY_FREE_BYTES", 100*1024*1024),
		EmergencyGraceFactor: getEnvInt("EMERGENCY_GRACE_FACTOR", 10),

		SessionTTL:      getEnvDuration("SESSION_TTL", 2*time.Hour),
		SessionMaxPages: getEnvInt("SESSION_MAX_PAGES", 200),

		WebhookTimeout: getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
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
		switch strings.ToLower(v) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
