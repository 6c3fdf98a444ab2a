package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisPrefix     string
	PendingQueue    string
	ProcessingQueue string
	FailedQueue     string
	WorkerCount     int

	Converter       string
	LibreOfficePath string
	GotenbergURL    string
	GotenbergPDFA   bool

	StoragePath    string
	MaxUploadBytes int64

	S3Bucket         string
	S3Region         string
	AWSS3AccessKey   string
	AWSS3SecretKey   string
	S3Endpoint       string
	S3UsePathStyle   bool
	S3MirrorArchives bool

	DatabaseURL string

	ConversionTimeout int
	StaleAfter        time.Duration
	MaxDeliveries     int
	JobRetention      time.Duration

	HTTPPort           string
	GinMode            string
	CORSAllowedOrigins string
	RunAPI             bool
	RunWorkers         bool
}

const (
	ConverterLibreOffice = "libreoffice"
	ConverterGotenberg   = "gotenberg"
)

// StaleMargin is how much longer than the conversion timeout a file claim
// must live before it counts as abandoned. It covers process teardown and
// the result write.
const StaleMargin = 30 * time.Second

func Load() *Config {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	redisPrefix := getEnv("REDIS_PREFIX", "")

	return &Config{
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_CONVERSION_DB", 0),
		RedisPrefix:   redisPrefix,
		PendingQueue:  applyPrefix(getEnv("CONVERSION_PENDING_QUEUE", "conversion:pending"), redisPrefix),
		ProcessingQueue: applyPrefix(
			getEnv("CONVERSION_PROCESSING_QUEUE", "conversion:processing"),
			redisPrefix,
		),
		FailedQueue: applyPrefix(
			getEnv("CONVERSION_FAILED_QUEUE", "conversion:failed"),
			redisPrefix,
		),
		WorkerCount: getEnvInt("CONVERSION_WORKER_COUNT", 3),

		Converter:       strings.ToLower(getEnv("CONVERTER", ConverterLibreOffice)),
		LibreOfficePath: getEnv("LIBREOFFICE_PATH", "libreoffice"),
		GotenbergURL:    getEnv("GOTENBERG_URL", "http://gotenberg:3000"),
		GotenbergPDFA:   getEnvBool("GOTENBERG_PDFA", false),

		StoragePath:    getEnv("FILE_STORAGE_PATH", "storage"),
		MaxUploadBytes: getEnvInt64("MAX_UPLOAD_BYTES", 100*1024*1024),

		S3Bucket:         getEnv("AWS_BUCKET", ""),
		S3Region:         getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey:   getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey:   getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:       getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle:   getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		S3MirrorArchives: getEnvBool("S3_MIRROR_ARCHIVES", false),

		DatabaseURL: buildDatabaseURL(),

		ConversionTimeout: getEnvInt("CONVERSION_TIMEOUT", 60),
		StaleAfter:        time.Duration(getEnvInt("STALE_AFTER", 300)) * time.Second,
		MaxDeliveries:     getEnvInt("MAX_DELIVERIES", 5),
		JobRetention:      time.Duration(getEnvInt("JOB_RETENTION_HOURS", 24)) * time.Hour,

		HTTPPort:           getEnv("HTTP_PORT", "8000"),
		GinMode:            getEnv("GIN_MODE", "release"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		RunAPI:             getEnvBool("RUN_API", true),
		RunWorkers:         getEnvBool("RUN_WORKERS", true),
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkerCount <= 0 {
		errs = append(errs, fmt.Errorf("CONVERSION_WORKER_COUNT must be positive (got %d)", c.WorkerCount))
	}
	if c.ConversionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CONVERSION_TIMEOUT must be positive (got %d)", c.ConversionTimeout))
	}
	if need := c.ConversionTimeoutDuration() + StaleMargin; c.StaleAfter < need {
		errs = append(errs, fmt.Errorf("STALE_AFTER must be at least CONVERSION_TIMEOUT + %s (got %s, need %s)", StaleMargin, c.StaleAfter, need))
	}
	if c.MaxDeliveries < 0 {
		errs = append(errs, fmt.Errorf("MAX_DELIVERIES must not be negative (got %d)", c.MaxDeliveries))
	}
	if c.StoragePath == "" {
		errs = append(errs, errors.New("FILE_STORAGE_PATH is required"))
	}
	if c.Converter != ConverterLibreOffice && c.Converter != ConverterGotenberg {
		errs = append(errs, fmt.Errorf("CONVERTER must be %q or %q (got %q)", ConverterLibreOffice, ConverterGotenberg, c.Converter))
	}
	if c.S3MirrorArchives && c.S3Bucket == "" {
		errs = append(errs, errors.New("AWS_BUCKET is required when S3_MIRROR_ARCHIVES is enabled"))
	}
	if !c.RunAPI && !c.RunWorkers {
		errs = append(errs, errors.New("at least one of RUN_API and RUN_WORKERS must be enabled"))
	}
	return errors.Join(errs...)
}

// ConversionTimeoutDuration is the per-file conversion bound.
func (c *Config) ConversionTimeoutDuration() time.Duration {
	return time.Duration(c.ConversionTimeout) * time.Second
}

func buildDatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "docbatch")
	dbUser := getEnv("DB_USERNAME", "docbatch")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	dbURL := fmt.Sprintf("host=%s port=%s dbname=%s user=%s sslmode=%s",
		dbHost, dbPort, dbName, dbUser, dbSSLMode)
	if dbPassword != "" {
		dbURL += fmt.Sprintf(" password=%s", dbPassword)
	}
	if v := getEnv("DB_SSLCERT", ""); v != "" {
		dbURL += fmt.Sprintf(" sslcert=%s", v)
	}
	if v := getEnv("DB_SSLKEY", ""); v != "" {
		dbURL += fmt.Sprintf(" sslkey=%s", v)
	}
	if v := getEnv("DB_SSLROOTCERT", ""); v != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", v)
	}
	return dbURL
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
