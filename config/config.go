package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries all runtime settings. Everything is fed from the
// environment with development defaults; a .env file is honored when
// present.
type Config struct {
	Port string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	S3Endpoint       string
	S3PublicEndpoint string
	S3AccessKey      string
	S3SecretKey      string
	S3Bucket         string
	S3UseSSL         bool

	RedisAddr     string
	RedisPassword string

	CatalogBaseURL string

	// UseQueue selects the queued dispatch strategy; inline otherwise.
	UseQueue bool

	// ScratchDir is the local working tree for transcoder output. The
	// filesystem watcher observes it.
	ScratchDir string

	TemplateImagesPath string

	// MaxConcurrentJobs bounds heavy pipeline work in this process.
	MaxConcurrentJobs int64

	// LeaseTTL is how long a finalize/transcode lease is held before a
	// stalled owner can be stolen from.
	LeaseTTL time.Duration

	WorkerName string
}

func Load() *Config {
	// Best effort: containers usually inject env directly.
	_ = godotenv.Load()

	return &Config{
		Port: getEnv("PORT", "8080"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "chunk_service"),

		S3Endpoint:       getEnv("S3_ENDPOINT", "localhost:9000"),
		S3PublicEndpoint: getEnv("S3_PUBLIC_ENDPOINT", ""),
		S3AccessKey:      getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:      getEnv("S3_SECRET_KEY", ""),
		S3Bucket:         getEnv("S3_BUCKET", "chunk-service"),
		S3UseSSL:         getEnvBool("S3_USE_SSL", false),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		CatalogBaseURL: getEnv("CATALOG_BASE_URL", ""),

		UseQueue: getEnvBool("USE_QUEUE_FOR_PROCESSING", false),

		ScratchDir:         getEnv("SCRATCH_DIR", filepath.Join(os.TempDir(), "hls_media")),
		TemplateImagesPath: getEnv("TEMPLATE_IMAGES_PATH", "templates/images"),

		MaxConcurrentJobs: getEnvInt64("MAX_CONCURRENT_JOBS", 2),
		LeaseTTL:          getEnvDuration("LEASE_TTL", 2*time.Hour),

		WorkerName: getEnv("HOSTNAME", "worker-1"),
	}
}

// DSN builds the Postgres connection string for the ledger.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
