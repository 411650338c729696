package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"worker_server/pkg/apperr"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	RedisURL    string

	// Token Vault
	EncryptionKey string

	// Operator API bearer auth
	OperatorAPISecret string

	// Gmail OAuth
	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string

	// AWS / Textract / S3
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSRegion          string
	AWSS3Bucket        string

	// Gmail Pub/Sub push notifications
	GoogleCloudProjectID string
	PubSubTopicName      string

	// Worker identity and queue concurrency
	WorkerID                    string
	UseQueue                    bool
	SyncWorkerConcurrency       int
	AttachmentWorkerConcurrency int

	// Watch renewal sweep
	WatchCheckInterval time.Duration
	WatchRenewWithin   time.Duration

	// Observability
	PrometheusPort      string
	WorkerMetricsPort   string
	OTelExporterOTLPURL string
	EnableTracing       bool
	LogLevel            string

	// CORS / frontend
	FrontendURL    string
	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("BACKEND_PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    buildRedisURL(),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		OperatorAPISecret: getEnv("OPERATOR_API_SECRET", ""),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", ""),

		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		AWSS3Bucket:        getEnv("AWS_S3_BUCKET", ""),

		GoogleCloudProjectID: getEnv("GOOGLE_CLOUD_PROJECT_ID", ""),
		PubSubTopicName:      getEnv("PUBSUB_TOPIC_NAME", ""),

		WorkerID:                    getEnv("WORKER_ID", generateWorkerID()),
		UseQueue:                    getEnvBool("USE_QUEUE", true),
		SyncWorkerConcurrency:       getEnvInt("EMAIL_WORKER_CONCURRENCY", 2),
		AttachmentWorkerConcurrency: getEnvInt("ATTACHMENT_WORKER_CONCURRENCY", 3),

		WatchCheckInterval: time.Duration(getEnvInt("WATCH_CHECK_INTERVAL_HOURS", 12)) * time.Hour,
		WatchRenewWithin:   time.Duration(getEnvInt("WATCH_RENEW_WITHIN_HOURS", 48)) * time.Hour,

		PrometheusPort:      getEnv("PROMETHEUS_PORT", "9090"),
		WorkerMetricsPort:   getEnv("WORKER_METRICS_PORT", "9091"),
		OTelExporterOTLPURL: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		EnableTracing:       getEnvBool("ENABLE_TRACING", false),
		LogLevel:            getEnv("LOG_LEVEL", "info"),

		FrontendURL:    getEnv("FRONTEND_URL", "http://localhost:3000"),
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}
	if len(cfg.EncryptionKey) != 32 {
		return nil, apperr.ConfigError("ENCRYPTION_KEY must be exactly 32 bytes")
	}
	return cfg, nil
}

// buildRedisURL assembles a redis:// URL from REDIS_HOST/REDIS_PORT/REDIS_PASSWORD
// when REDIS_URL isn't set directly, matching how the rest of the stack is
// configured piecewise in deployment.
func buildRedisURL() string {
	if url := os.Getenv("REDIS_URL"); url != "" {
		return url
	}
	host := getEnv("REDIS_HOST", "localhost")
	port := getEnv("REDIS_PORT", "6379")
	password := os.Getenv("REDIS_PASSWORD")
	if password != "" {
		return fmt.Sprintf("redis://:%s@%s:%s/0", password, host, port)
	}
	return fmt.Sprintf("redis://%s:%s/0", host, port)
}

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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
