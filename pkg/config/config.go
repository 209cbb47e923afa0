// Package config handles application configuration loading from environment variables.
//
// Configuration follows the same patterns as other Open Cloud Ops modules,
// using MEDIC_* prefixed environment variables with sensible defaults for
// local development. Database and Redis configuration uses the shared
// POSTGRES_* and REDIS_* prefixes.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the Medic Workspace Recovery Engine.
type Config struct {
	// Port is the HTTP port the API server listens on.
	Port string

	// LogLevel controls the verbosity of log output (debug, info, warn, error).
	LogLevel string

	// WorkspaceRoot is the root directory containing the workspace modules.
	WorkspaceRoot string

	// BackupPath is the transient location for reset backups.
	BackupPath string

	// DatabaseURL is the PostgreSQL connection string for the optional
	// audit store.
	DatabaseURL string

	// RedisURL is the Redis connection address for rate limiting and
	// health-score caching.
	RedisURL string

	// MaxConcurrency bounds how many module tasks run concurrently within
	// a single phase when parallel execution is requested.
	MaxConcurrency int

	// TaskTimeout, PhaseTimeout and SessionTimeout are the default
	// wall-clock budgets at each level.
	TaskTimeout    time.Duration
	PhaseTimeout   time.Duration
	SessionTimeout time.Duration

	// SyncWait is how long a phase execution call waits for a terminal
	// result before reporting the execution as asynchronous.
	SyncWait time.Duration

	// ReadRateLimit and WriteRateLimit are requests per minute for read
	// and mutating endpoints respectively.
	ReadRateLimit  int64
	WriteRateLimit int64

	// APIKey protects every mutating endpoint. When unset, mutations are
	// disabled (fail-secure).
	APIKey string

	// AllowedOrigins defines the CORS allowed origins for the API.
	AllowedOrigins []string
}

// Load reads configuration from environment variables and returns a Config.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Port = getEnvOrDefault("MEDIC_PORT", "8084")
	cfg.LogLevel = getEnvOrDefault("MEDIC_LOG_LEVEL", "info")
	cfg.WorkspaceRoot = getEnvOrDefault("MEDIC_WORKSPACE_ROOT", "/var/medic/workspace")
	cfg.BackupPath = getEnvOrDefault("MEDIC_BACKUP_PATH", "/var/medic/backups")

	var err error
	if cfg.MaxConcurrency, err = getEnvInt("MEDIC_MAX_CONCURRENCY", 3); err != nil {
		return nil, err
	}
	if cfg.TaskTimeout, err = getEnvDuration("MEDIC_TASK_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PhaseTimeout, err = getEnvDuration("MEDIC_PHASE_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SessionTimeout, err = getEnvDuration("MEDIC_SESSION_TIMEOUT", time.Hour); err != nil {
		return nil, err
	}
	if cfg.SyncWait, err = getEnvDuration("MEDIC_SYNC_WAIT", 2*time.Second); err != nil {
		return nil, err
	}

	readLimit, err := getEnvInt("MEDIC_READ_RATE_LIMIT", 300)
	if err != nil {
		return nil, err
	}
	writeLimit, err := getEnvInt("MEDIC_WRITE_RATE_LIMIT", 60)
	if err != nil {
		return nil, err
	}
	cfg.ReadRateLimit = int64(readLimit)
	cfg.WriteRateLimit = int64(writeLimit)

	cfg.APIKey = os.Getenv("MEDIC_API_KEY")

	// Build PostgreSQL connection URL from individual components
	pgHost := getEnvOrDefault("POSTGRES_HOST", "localhost")
	pgPort := getEnvOrDefault("POSTGRES_PORT", "5432")
	pgDB := getEnvOrDefault("POSTGRES_DB", "medic")
	pgUser := getEnvOrDefault("POSTGRES_USER", "medic")
	pgPassword := os.Getenv("POSTGRES_PASSWORD")
	pgSSLMode := getEnvOrDefault("POSTGRES_SSLMODE", "require")

	// Use url.UserPassword to properly percent-encode credentials that may
	// contain reserved URI characters (@, :, /, etc.).
	dsn := &url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%s", pgHost, pgPort),
		Path:     pgDB,
		RawQuery: fmt.Sprintf("sslmode=%s", pgSSLMode),
	}
	if pgPassword == "" {
		dsn.User = url.User(pgUser)
	} else {
		dsn.User = url.UserPassword(pgUser, pgPassword)
	}
	cfg.DatabaseURL = dsn.String()

	// Allow overriding with a full DATABASE_URL if provided
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	// Build Redis URL
	redisHost := getEnvOrDefault("REDIS_HOST", "localhost")
	redisPort := getEnvOrDefault("REDIS_PORT", "6379")
	cfg.RedisURL = fmt.Sprintf("%s:%s", redisHost, redisPort)

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}

	originsStr := getEnvOrDefault("MEDIC_ALLOWED_ORIGINS", "http://localhost:3000")
	cfg.AllowedOrigins = strings.Split(originsStr, ",")
	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: MEDIC_PORT is required")
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("config: MEDIC_WORKSPACE_ROOT is required")
	}
	if c.BackupPath == "" {
		return fmt.Errorf("config: MEDIC_BACKUP_PATH is required")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("config: MEDIC_MAX_CONCURRENCY must be positive")
	}
	if c.TaskTimeout <= 0 || c.PhaseTimeout <= 0 || c.SessionTimeout <= 0 {
		return fmt.Errorf("config: timeout budgets must be positive")
	}
	if c.TaskTimeout > c.PhaseTimeout || c.PhaseTimeout > c.SessionTimeout {
		return fmt.Errorf("config: timeout budgets must be ordered task <= phase <= session")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database URL could not be constructed")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("config: Redis URL could not be constructed")
	}
	return nil
}

// getEnvOrDefault returns the value of the environment variable named by key,
// or the defaultValue if the variable is not set or empty.
func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s value %q: %w", key, val, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s value %q: %w", key, val, err)
	}
	return d, nil
}
