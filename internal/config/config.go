// Package config loads the vault configuration from the environment.
//
// Values come from CFV_* variables (plus DATABASE_URL), optionally preloaded
// from a dotenv file, and are validated at startup so that a bad deployment
// fails fast instead of at the first request.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Blob storage backends.
const (
	StorageLocal = "local"
	StorageMinio = "minio"
)

// DefaultAuditSkipPaths are the probe and scrape endpoints that are never audited.
var DefaultAuditSkipPaths = []string{"/health/live", "/health/ready", "/metrics"}

// Config is the full runtime configuration of the backend.
type Config struct {
	Addr      string `env:"CFV_ADDR,default=:8080"`
	Version   string `env:"CFV_VERSION,default=dev"`
	Commit    string `env:"CFV_COMMIT,default=unknown"`
	Env       string `env:"CFV_ENV,default=development"`
	LogLevel  string `env:"CFV_LOG_LEVEL,default=info"`
	LogFormat string `env:"CFV_LOG_FORMAT,default=text"`

	DBDriver    string `env:"CFV_DB_DRIVER,default=sqlite"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"CFV_SQLITE_PATH,default=data/vault.db"`

	StorageBackend string `env:"CFV_STORAGE_BACKEND,default=local"`
	StorageRoot    string `env:"CFV_STORAGE_ROOT,default=data/storage"`
	ScratchDir     string `env:"CFV_SCRATCH_DIR"`
	S3Endpoint     string `env:"CFV_S3_ENDPOINT"`
	S3AccessKey    string `env:"CFV_S3_ACCESS_KEY"`
	S3SecretKey    string `env:"CFV_S3_SECRET_KEY"`
	Bucket         string `env:"CFV_BUCKET"`

	MaxUploadBytes    int64  `env:"CFV_MAX_UPLOAD_BYTES,default=104857600"`
	MaxArchiveFiles   int    `env:"CFV_MAX_ARCHIVE_FILES,default=1000"`
	MaxExtractedBytes int64  `env:"CFV_MAX_EXTRACTED_BYTES,default=1073741824"`
	IngestTimeoutRaw  string `env:"CFV_INGEST_TIMEOUT,default=5m"`

	AuditQueueSize    int    `env:"CFV_AUDIT_QUEUE_SIZE,default=1024"`
	AuditBodyLimit    int    `env:"CFV_AUDIT_BODY_LIMIT,default=5000"`
	AuditSkipPathsRaw string `env:"CFV_AUDIT_SKIP_PATHS"`

	RetentionDays        int    `env:"CFV_LOG_RETENTION_DAYS,default=0"`
	RetentionIntervalRaw string `env:"CFV_LOG_RETENTION_INTERVAL,default=24h"`

	RateLimit  int  `env:"CFV_RATE_LIMIT,default=0"`
	TrustProxy bool `env:"CFV_TRUST_PROXY,default=false"`

	FileCacheSize   int    `env:"CFV_FILE_CACHE_SIZE,default=1024"`
	FileCacheTTLRaw string `env:"CFV_FILE_CACHE_TTL,default=5m"`

	ShutdownTimeoutRaw string `env:"CFV_SHUTDOWN_TIMEOUT,default=15s"`

	// Parsed from the *Raw fields by Load.
	IngestTimeout     time.Duration
	RetentionInterval time.Duration
	FileCacheTTL      time.Duration
	ShutdownTimeout   time.Duration
	AuditSkipPaths    []string
}

// Load reads the dotenv file named by CFV_ENV_FILE (".env" when unset and
// present), decodes the environment and validates the result.
func Load() (*Config, error) {
	if err := loadDotenv(); err != nil {
		return nil, err
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode environment: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotenv() error {
	path := os.Getenv("CFV_ENV_FILE")
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	// Load never overrides variables that are already set.
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// finish parses derived fields and runs validation.
func (c *Config) finish() error {
	v := NewValidator()

	c.IngestTimeout = v.Duration("CFV_INGEST_TIMEOUT", c.IngestTimeoutRaw)
	c.RetentionInterval = v.Duration("CFV_LOG_RETENTION_INTERVAL", c.RetentionIntervalRaw)
	c.FileCacheTTL = v.Duration("CFV_FILE_CACHE_TTL", c.FileCacheTTLRaw)
	c.ShutdownTimeout = v.Duration("CFV_SHUTDOWN_TIMEOUT", c.ShutdownTimeoutRaw)

	c.AuditSkipPaths = splitList(c.AuditSkipPathsRaw)
	if c.AuditSkipPathsRaw == "" {
		c.AuditSkipPaths = append([]string(nil), DefaultAuditSkipPaths...)
	}

	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}

	c.validate(v)
	if v.HasErrors() {
		return errors.New(v.ErrorString())
	}
	return nil
}

func (c *Config) validate(v *Validator) {
	v.Port("CFV_ADDR", c.Addr)
	v.Enum("CFV_LOG_LEVEL", c.LogLevel, []string{"debug", "info", "warn", "error"})
	v.Enum("CFV_LOG_FORMAT", c.LogFormat, []string{"json", "text"})
	v.Enum("CFV_DB_DRIVER", c.DBDriver, []string{DriverPostgres, DriverSQLite})
	v.Enum("CFV_STORAGE_BACKEND", c.StorageBackend, []string{StorageLocal, StorageMinio})

	switch c.DBDriver {
	case DriverPostgres:
		v.Required("DATABASE_URL", c.DatabaseURL)
		v.PostgresURL("DATABASE_URL", c.DatabaseURL)
	case DriverSQLite:
		v.Required("CFV_SQLITE_PATH", c.SQLitePath)
	}

	switch c.StorageBackend {
	case StorageLocal:
		v.Required("CFV_STORAGE_ROOT", c.StorageRoot)
	case StorageMinio:
		v.Required("CFV_S3_ENDPOINT", c.S3Endpoint)
		v.Required("CFV_S3_ACCESS_KEY", c.S3AccessKey)
		v.Required("CFV_S3_SECRET_KEY", c.S3SecretKey)
		v.Required("CFV_BUCKET", c.Bucket)
	}

	v.Positive("CFV_MAX_UPLOAD_BYTES", c.MaxUploadBytes)
	v.Positive("CFV_MAX_ARCHIVE_FILES", int64(c.MaxArchiveFiles))
	v.Positive("CFV_MAX_EXTRACTED_BYTES", c.MaxExtractedBytes)
	v.Positive("CFV_AUDIT_QUEUE_SIZE", int64(c.AuditQueueSize))
	v.Positive("CFV_AUDIT_BODY_LIMIT", int64(c.AuditBodyLimit))
	v.Positive("CFV_FILE_CACHE_SIZE", int64(c.FileCacheSize))
	v.NonNegative("CFV_LOG_RETENTION_DAYS", int64(c.RetentionDays))
	v.NonNegative("CFV_RATE_LIMIT", int64(c.RateLimit))
}

// IsProduction reports whether CFV_ENV selects production behaviour.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
