package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// maxTimerInterval is the largest interval the cleanup tickers accept.
// Matches the 2^31-1 ms precision bound of common runtime timers.
const maxTimerInterval = time.Duration(1<<31-1) * time.Millisecond

// Config holds all configuration for the gitlab-copilot service.
// The value is built once at startup and treated as immutable afterwards.
type Config struct {
	// Server settings
	Port     int
	WorkDir  string
	LogLevel string

	// Provider selection
	AIExecutor         string // "claude" or "codex"
	CodeReviewExecutor string // provider used for MR code reviews

	// Claude CLI settings
	AnthropicBaseURL   string
	AnthropicAuthToken string

	// Legacy single-tenant credentials
	GitLabBaseURL string
	GitLabToken   string
	WebhookSecret string

	// Platform (multi-tenant) mode
	MongoURI      string
	MongoDatabase string
	EncryptionKey string

	// Session settings
	SessionEnabled         bool
	SessionMaxIdleTime     time.Duration
	SessionMaxSessions     int
	SessionCleanupInterval time.Duration
	SessionStorePath       string

	// Workspace settings
	WorkspaceMaxIdleTime     time.Duration
	WorkspaceCleanupInterval time.Duration

	// Status API admin secret; the API stays disabled when empty
	AdminAPISecret string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnvInt("PORT", 3000),
		WorkDir:            getEnv("WORK_DIR", "/tmp/gitlab-copilot-work"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		AIExecutor:         getEnv("AI_EXECUTOR", "claude"),
		CodeReviewExecutor: getEnv("CODE_REVIEW_EXECUTOR", ""),
		AnthropicBaseURL:   os.Getenv("ANTHROPIC_BASE_URL"),
		AnthropicAuthToken: os.Getenv("ANTHROPIC_AUTH_TOKEN"),
		GitLabBaseURL:      os.Getenv("GITLAB_BASE_URL"),
		GitLabToken:        os.Getenv("GITLAB_TOKEN"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		MongoURI:           os.Getenv("MONGODB_URI"),
		MongoDatabase:      getEnv("MONGODB_DB", "gitlab_copilot"),
		EncryptionKey:      os.Getenv("ENCRYPTION_KEY"),
		SessionEnabled:     getEnvBool("SESSION_ENABLED", true),
		SessionMaxSessions: getEnvInt("SESSION_MAX_SESSIONS", 1000),
		SessionStorePath:   os.Getenv("SESSION_STORE_PATH"),
		AdminAPISecret:     os.Getenv("ADMIN_API_SECRET"),
	}

	var err error
	if cfg.SessionMaxIdleTime, err = getEnvDuration("SESSION_MAX_IDLE_TIME", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SessionCleanupInterval, err = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.WorkspaceMaxIdleTime, err = getEnvDuration("WORKSPACE_MAX_IDLE_TIME", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.WorkspaceCleanupInterval, err = getEnvDuration("WORKSPACE_CLEANUP_INTERVAL", 6*time.Hour); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// PlatformMode reports whether multi-tenant (MongoDB-backed) mode is enabled.
func (c *Config) PlatformMode() bool {
	return c.MongoURI != ""
}

// HasLegacyCredentials reports whether the process-wide fallback tenant is configured.
func (c *Config) HasLegacyCredentials() bool {
	return c.GitLabBaseURL != "" && c.GitLabToken != "" && c.WebhookSecret != ""
}

// ReviewProvider returns the provider used for code reviews, falling back to
// the default executor.
func (c *Config) ReviewProvider() string {
	if c.CodeReviewExecutor != "" {
		return c.CodeReviewExecutor
	}
	return c.AIExecutor
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}

	if err := c.validateCredentials(); err != nil {
		return err
	}
	if err := c.validateProvider("AI_EXECUTOR", c.AIExecutor); err != nil {
		return err
	}
	if c.CodeReviewExecutor != "" {
		if err := c.validateProvider("CODE_REVIEW_EXECUTOR", c.CodeReviewExecutor); err != nil {
			return err
		}
	}

	return c.validateDurations()
}

func (c *Config) validateCredentials() error {
	if c.PlatformMode() {
		if c.EncryptionKey == "" {
			return fmt.Errorf("ENCRYPTION_KEY is required when MONGODB_URI is set")
		}
		return nil
	}
	if !c.HasLegacyCredentials() {
		return fmt.Errorf("either MONGODB_URI (platform mode) or GITLAB_BASE_URL + GITLAB_TOKEN + WEBHOOK_SECRET (legacy mode) must be configured")
	}
	return nil
}

func (c *Config) validateProvider(name, value string) error {
	switch value {
	case "claude", "codex":
		return nil
	default:
		return fmt.Errorf("invalid %s: %s (must be 'claude' or 'codex')", name, value)
	}
}

func (c *Config) validateDurations() error {
	checks := []struct {
		name     string
		value    time.Duration
		interval bool
	}{
		{"SESSION_MAX_IDLE_TIME", c.SessionMaxIdleTime, false},
		{"SESSION_CLEANUP_INTERVAL", c.SessionCleanupInterval, true},
		{"WORKSPACE_MAX_IDLE_TIME", c.WorkspaceMaxIdleTime, false},
		{"WORKSPACE_CLEANUP_INTERVAL", c.WorkspaceCleanupInterval, true},
	}

	for _, check := range checks {
		if check.value < time.Minute {
			return fmt.Errorf("%s must be at least one minute, got %s", check.name, check.value)
		}
		if check.interval && check.value > maxTimerInterval {
			return fmt.Errorf("%s exceeds maximum timer interval (%s)", check.name, maxTimerInterval)
		}
	}
	return nil
}

// ParseDuration parses "<n>{d|h|m|s}" shorthand or a plain millisecond count.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty duration")
	}

	unit := value[len(value)-1]
	multiplier := time.Duration(0)
	switch unit {
	case 'd':
		multiplier = 24 * time.Hour
	case 'h':
		multiplier = time.Hour
	case 'm':
		multiplier = time.Minute
	case 's':
		multiplier = time.Second
	}

	if multiplier > 0 {
		n, err := strconv.ParseInt(value[:len(value)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", value, err)
		}
		return time.Duration(n) * multiplier, nil
	}

	// Plain milliseconds
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// getEnv gets environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as int with a default value
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
		return strings.EqualFold(value, "true") || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
