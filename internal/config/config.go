package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the tabprep server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	RateLimit RateLimitConfig
	Jobs      JobsConfig
	Quality   QualityConfig
	Pipeline  PipelineConfig
	Quota     QuotaConfig
	Bootstrap BootstrapConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// StorageConfig selects where raw and processed datasets live.
type StorageConfig struct {
	Backend   string
	LocalRoot string
	S3        S3Config
}

type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// RateLimitConfig holds requests per window for each plan.
type RateLimitConfig struct {
	Backend string
	Window  time.Duration
	Free    int
	Basic   int
	Premium int
}

type JobsConfig struct {
	Mode        string
	Workers     int
	QueueSize   int
	PreviewRows int
	StatusTTL   time.Duration
	AnalysisTTL time.Duration
}

// QualityConfig holds the thresholds at which the analyzer reports an issue.
type QualityConfig struct {
	MissingPercent   float64
	DuplicatePercent float64
	InvalidPercent   float64
	OutlierZ         float64
	NormalizeRange   float64
	LabelMinUnique   int
	LabelMaxUnique   int
}

type PipelineConfig struct {
	CoercionRatio        float64
	DateFailureTolerance float64
	MaxOneHotCategories  int
	MaxLabelCategories   int
}

type QuotaConfig struct {
	DefaultMonthlyMB float64
	ResetInterval    time.Duration
}

// BootstrapConfig seeds an admin API key for the default tenant on startup.
type BootstrapConfig struct {
	AdminKey string
}

var (
	validStorageBackends   = map[string]bool{"local": true, "s3": true}
	validRateLimitBackends = map[string]bool{"memory": true, "redis": true}
	validJobModes          = map[string]bool{"inline": true, "background": true}
)

// Load reads configuration from environment variables and returns a validated Config.
// A .env file (TABPREP_ENV_FILE, default ".env") is read first when present;
// variables already set in the environment win.
func Load() (*Config, error) {
	if err := loadEnvFile(envString("TABPREP_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("TABPREP_PORT", 8080),
			Env:             envString("TABPREP_ENV", "development"),
			MaxUploadBytes:  int64(envInt("TABPREP_MAX_UPLOAD_MB", 100)) << 20,
			ShutdownTimeout: envDuration("TABPREP_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			Backend:   strings.ToLower(envString("STORAGE_BACKEND", "local")),
			LocalRoot: envString("STORAGE_LOCAL_ROOT", "./data"),
			S3: S3Config{
				Endpoint:  os.Getenv("S3_ENDPOINT"),
				Region:    envString("S3_REGION", "us-east-1"),
				Bucket:    os.Getenv("S3_BUCKET"),
				Prefix:    os.Getenv("S3_PREFIX"),
				AccessKey: os.Getenv("S3_ACCESS_KEY_ID"),
				SecretKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
				UseSSL:    envBool("S3_USE_SSL", true),
			},
		},
		RateLimit: RateLimitConfig{
			Backend: strings.ToLower(envString("RATE_LIMIT_BACKEND", "redis")),
			Window:  envDuration("RATE_LIMIT_WINDOW", time.Hour),
			Free:    envInt("RATE_LIMIT_FREE", 100),
			Basic:   envInt("RATE_LIMIT_BASIC", 500),
			Premium: envInt("RATE_LIMIT_PREMIUM", 2000),
		},
		Jobs: JobsConfig{
			Mode:        strings.ToLower(envString("JOB_EXECUTION_MODE", "background")),
			Workers:     envInt("JOB_WORKERS", 4),
			QueueSize:   envInt("JOB_QUEUE_SIZE", 100),
			PreviewRows: envInt("JOB_PREVIEW_ROWS", 10),
			StatusTTL:   envDuration("JOB_STATUS_TTL", 24*time.Hour),
			AnalysisTTL: envDuration("ANALYSIS_CACHE_TTL", time.Hour),
		},
		Quality: QualityConfig{
			MissingPercent:   envFloat("QUALITY_MISSING_PERCENT", 5),
			DuplicatePercent: envFloat("QUALITY_DUPLICATE_PERCENT", 0),
			InvalidPercent:   envFloat("QUALITY_INVALID_PERCENT", 0),
			OutlierZ:         envFloat("QUALITY_OUTLIER_Z", 3),
			NormalizeRange:   envFloat("QUALITY_NORMALIZE_RANGE", 100),
			LabelMinUnique:   envInt("QUALITY_LABEL_MIN_UNIQUE", 2),
			LabelMaxUnique:   envInt("QUALITY_LABEL_MAX_UNIQUE", 10),
		},
		Pipeline: PipelineConfig{
			CoercionRatio:        envFloat("PIPELINE_COERCION_RATIO", 0.8),
			DateFailureTolerance: envFloat("PIPELINE_DATE_FAILURE_TOLERANCE", 0.2),
			MaxOneHotCategories:  envInt("PIPELINE_MAX_ONEHOT_CATEGORIES", 50),
			MaxLabelCategories:   envInt("PIPELINE_MAX_LABEL_CATEGORIES", 1000),
		},
		Quota: QuotaConfig{
			DefaultMonthlyMB: envFloat("QUOTA_DEFAULT_MONTHLY_MB", 1000),
			ResetInterval:    envDuration("QUOTA_RESET_INTERVAL", time.Hour),
		},
		Bootstrap: BootstrapConfig{
			AdminKey: os.Getenv("BOOTSTRAP_ADMIN_KEY"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validStorageBackends[c.Storage.Backend] {
		return fmt.Errorf("STORAGE_BACKEND must be one of local, s3; got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND is s3")
	}
	if c.Storage.Backend == "local" && c.Storage.LocalRoot == "" {
		return fmt.Errorf("STORAGE_LOCAL_ROOT must not be empty")
	}
	if (c.Storage.S3.AccessKey == "") != (c.Storage.S3.SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
	}

	if !validRateLimitBackends[c.RateLimit.Backend] {
		return fmt.Errorf("RATE_LIMIT_BACKEND must be one of memory, redis; got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimit.Window)
	}
	if c.RateLimit.Free <= 0 || c.RateLimit.Basic <= 0 || c.RateLimit.Premium <= 0 {
		return fmt.Errorf("RATE_LIMIT_FREE, RATE_LIMIT_BASIC and RATE_LIMIT_PREMIUM must be positive")
	}

	if !validJobModes[c.Jobs.Mode] {
		return fmt.Errorf("JOB_EXECUTION_MODE must be one of inline, background; got %q", c.Jobs.Mode)
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("JOB_WORKERS must be positive, got %d", c.Jobs.Workers)
	}
	if c.Jobs.QueueSize < 0 {
		return fmt.Errorf("JOB_QUEUE_SIZE must not be negative, got %d", c.Jobs.QueueSize)
	}

	if c.Quality.OutlierZ <= 0 {
		return fmt.Errorf("QUALITY_OUTLIER_Z must be positive, got %v", c.Quality.OutlierZ)
	}
	if c.Quality.LabelMinUnique > c.Quality.LabelMaxUnique {
		return fmt.Errorf("QUALITY_LABEL_MIN_UNIQUE must not exceed QUALITY_LABEL_MAX_UNIQUE")
	}

	if c.Pipeline.CoercionRatio <= 0 || c.Pipeline.CoercionRatio > 1 {
		return fmt.Errorf("PIPELINE_COERCION_RATIO must be in (0, 1], got %v", c.Pipeline.CoercionRatio)
	}
	if c.Pipeline.DateFailureTolerance < 0 || c.Pipeline.DateFailureTolerance >= 1 {
		return fmt.Errorf("PIPELINE_DATE_FAILURE_TOLERANCE must be in [0, 1), got %v", c.Pipeline.DateFailureTolerance)
	}
	if c.Pipeline.MaxOneHotCategories <= 0 || c.Pipeline.MaxLabelCategories <= 0 {
		return fmt.Errorf("PIPELINE_MAX_ONEHOT_CATEGORIES and PIPELINE_MAX_LABEL_CATEGORIES must be positive")
	}

	if c.Quota.DefaultMonthlyMB < 0 {
		return fmt.Errorf("QUOTA_DEFAULT_MONTHLY_MB must not be negative, got %v", c.Quota.DefaultMonthlyMB)
	}
	if c.Quota.ResetInterval <= 0 {
		return fmt.Errorf("QUOTA_RESET_INTERVAL must be positive, got %s", c.Quota.ResetInterval)
	}

	if c.Bootstrap.AdminKey != "" && len(c.Bootstrap.AdminKey) < 16 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_KEY must be at least 16 characters")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
