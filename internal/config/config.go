package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/macjediwizard/calmirror/internal/mirror"
	"github.com/macjediwizard/calmirror/internal/notify"
	"github.com/macjediwizard/calmirror/internal/validator"
)

var (
	ErrMissingConfig    = errors.New("missing required configuration")
	ErrInvalidConfig    = errors.New("invalid configuration value")
	ErrValidationFailed = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	CalDAV       CalDAVConfig
	Sync         SyncConfig
	Mirror       MirrorConfig
	Alerts       notify.Config
	API          APIConfig
	RateLimiting RateLimitConfig
	LogLevel     string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	Environment Environment
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// CalDAVConfig holds the remote calendar source settings.
type CalDAVConfig struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
	RPS      float64
	Burst    int
}

// SyncConfig controls when and how passes run.
type SyncConfig struct {
	// Schedule is a standard cron spec. Empty means manual only.
	Schedule    string
	Timeout     time.Duration
	Concurrency int
}

// MirrorConfig describes the destination table.
type MirrorConfig struct {
	Table       string
	MappingFile string
	Mapping     Mapping
}

// APIConfig holds the optional basic auth credentials of the API.
type APIConfig struct {
	Username string
	Password string
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}
	var err error

	if cfg.Server.Port, err = getEnvInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/calmirror.db")

	// CalDAV source
	cfg.CalDAV.URL = getEnvRequired("CALDAV_URL")
	cfg.CalDAV.Username = getEnv("CALDAV_USERNAME", "")
	cfg.CalDAV.Password = getEnv("CALDAV_PASSWORD", "")
	timeout, err := getEnvInt("CALDAV_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, fmt.Errorf("%w: CALDAV_TIMEOUT_SECONDS: %w", ErrInvalidConfig, err)
	}
	cfg.CalDAV.Timeout = time.Duration(timeout) * time.Second
	if cfg.CalDAV.RPS, err = getEnvFloat("CALDAV_RPS", 5.0); err != nil {
		return nil, fmt.Errorf("%w: CALDAV_RPS: %w", ErrInvalidConfig, err)
	}
	if cfg.CalDAV.Burst, err = getEnvInt("CALDAV_BURST", 10); err != nil {
		return nil, fmt.Errorf("%w: CALDAV_BURST: %w", ErrInvalidConfig, err)
	}

	// Sync
	cfg.Sync.Schedule = getEnv("SYNC_SCHEDULE", "")
	syncTimeout, err := getEnvInt("SYNC_TIMEOUT_MINUTES", 30)
	if err != nil {
		return nil, fmt.Errorf("%w: SYNC_TIMEOUT_MINUTES: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.Timeout = time.Duration(syncTimeout) * time.Minute
	if cfg.Sync.Concurrency, err = getEnvInt("SYNC_CONCURRENCY", 4); err != nil {
		return nil, fmt.Errorf("%w: SYNC_CONCURRENCY: %w", ErrInvalidConfig, err)
	}
	if cfg.Sync.Concurrency < 1 {
		return nil, fmt.Errorf("%w: SYNC_CONCURRENCY must be at least 1", ErrInvalidConfig)
	}

	// Mirror
	cfg.Mirror.Table = getEnv("MIRROR_TABLE", "events")
	cfg.Mirror.MappingFile = getEnv("MIRROR_MAPPING_FILE", "")
	cfg.Mirror.Mapping = DefaultMapping()
	if cfg.Mirror.MappingFile != "" {
		m, err := LoadMapping(cfg.Mirror.MappingFile)
		if err != nil {
			return nil, err
		}
		cfg.Mirror.Mapping = *m
	}

	// Error action
	if cfg.Alerts, err = loadAlerts(); err != nil {
		return nil, err
	}

	cfg.API.Username = getEnv("API_USERNAME", "")
	cfg.API.Password = getEnv("API_PASSWORD", "")
	if (cfg.API.Username == "") != (cfg.API.Password == "") {
		return nil, fmt.Errorf("%w: API_USERNAME and API_PASSWORD must be set together", ErrInvalidConfig)
	}

	if cfg.RateLimiting.RPS, err = getEnvFloat("RATE_LIMIT_RPS", 10.0); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	if cfg.RateLimiting.Burst, err = getEnvInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}

	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

func loadAlerts() (notify.Config, error) {
	var a notify.Config
	var err error

	if a.Action, err = notify.ParseAction(getEnv("ERROR_ACTION", "")); err != nil {
		return a, fmt.Errorf("%w: ERROR_ACTION: %w", ErrInvalidConfig, err)
	}
	a.WebhookURL = getEnv("WEBHOOK_URL", "")

	a.SMTPHost = getEnv("SMTP_HOST", "")
	if a.SMTPPort, err = getEnvInt("SMTP_PORT", 587); err != nil {
		return a, fmt.Errorf("%w: SMTP_PORT: %w", ErrInvalidConfig, err)
	}
	a.SMTPUsername = getEnv("SMTP_USERNAME", "")
	a.SMTPPassword = getEnv("SMTP_PASSWORD", "")
	a.SMTPFrom = getEnv("SMTP_FROM", "")
	a.SMTPTo = splitList(getEnv("SMTP_TO", ""))
	if a.SMTPTLS, err = getEnvBool("SMTP_TLS", false); err != nil {
		return a, fmt.Errorf("%w: SMTP_TLS: %w", ErrInvalidConfig, err)
	}

	cooldown, err := getEnvInt("ALERT_COOLDOWN_MINUTES", 60)
	if err != nil {
		return a, fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}
	a.CooldownPeriod = time.Duration(cooldown) * time.Minute
	return a, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.CalDAV.URL == "" {
		missing = append(missing, "CALDAV_URL")
	}

	return missing
}

// Validate checks URLs and the error action settings.
func (c *Config) Validate(ctx context.Context) error {
	v := validator.New()

	if err := v.ValidateURL(c.CalDAV.URL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: CALDAV_URL: %w", ErrValidationFailed, err)
	}
	if err := notify.ValidateConfig(&c.Alerts, v); err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	if _, err := c.Mirror.Mapping.Fields.Resolve(); err != nil {
		return fmt.Errorf("%w: mirror mapping: %w", ErrValidationFailed, err)
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// Mapping is the content of the mirror mapping file.
type Mapping struct {
	Fields mirror.FieldMap `yaml:"fields" toml:"fields"`
	// Collections switches single collections on or off by URL.
	Collections map[string]bool `yaml:"collections" toml:"collections"`
	// IncludeUnlisted decides for collections missing from Collections.
	IncludeUnlisted *bool `yaml:"include_unlisted" toml:"include_unlisted"`
}

// DefaultMapping maps every field to a column of the same name and syncs
// every collection.
func DefaultMapping() Mapping {
	return Mapping{Fields: mirror.DefaultFieldMap()}
}

// LoadMapping reads a YAML or TOML mapping file, chosen by extension.
// Fields the file leaves out keep their default column.
func LoadMapping(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: MIRROR_MAPPING_FILE: %w", ErrInvalidConfig, err)
	}

	m := DefaultMapping()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	case ".toml":
		err = toml.Unmarshal(data, &m)
	default:
		return nil, fmt.Errorf("%w: MIRROR_MAPPING_FILE: unsupported extension %q", ErrInvalidConfig, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: MIRROR_MAPPING_FILE: %w", ErrInvalidConfig, err)
	}

	if _, err := m.Fields.Resolve(); err != nil {
		return nil, fmt.Errorf("%w: MIRROR_MAPPING_FILE: %w", ErrInvalidConfig, err)
	}

	collections := make(map[string]bool, len(m.Collections))
	for url, on := range m.Collections {
		collections[normalizeCollection(url)] = on
	}
	m.Collections = collections
	return &m, nil
}

// Includes reports whether the collection takes part in sync.
func (m Mapping) Includes(collectionURL string) bool {
	if on, ok := m.Collections[normalizeCollection(collectionURL)]; ok {
		return on
	}
	if m.IncludeUnlisted != nil {
		return *m.IncludeUnlisted
	}
	return true
}

func normalizeCollection(url string) string {
	return strings.TrimSuffix(strings.TrimSpace(url), "/")
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %w", err)
	}
	return parsed, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
