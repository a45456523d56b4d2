package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port      string
	Debug     bool
	LogFormat string // "json" or "text"

	// Upstream source configuration
	TwitterAPIKey          string
	TwitterAPIBaseURL      string
	UpstreamTimeout        time.Duration
	UpstreamMinInterval    time.Duration
	StartupCredentialCheck bool
	CredentialProbeHandle  string

	// Schedule configuration
	TickInterval        time.Duration
	SweepInterval       time.Duration
	MaintenanceInterval time.Duration
	InitialRunDelay     time.Duration
	AccountDelay        time.Duration
	DeliveryDelay       time.Duration
	AccountTimeout      time.Duration

	// Polling tiers and thresholds
	TiersFile string
	Tiers     TierConfig

	// Fetch watermark configuration
	InitialLookback  time.Duration
	SafetyMargin     time.Duration
	WatermarkEpsilon time.Duration
	MaxLookback      time.Duration

	// Cache configuration
	CacheBackend  string // "memory" or "redis"
	CacheTTL      time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Persistence configuration
	StoreDriver string // "sqlite" or "postgres"
	SQLitePath  string
	DatabaseURL string

	// Notification configuration
	TelegramBotToken  string
	TelegramChatID    int64
	TelegramAdminIDs  []int64
	DisplayTimeZone   string
	TeamsWebhookURL   string
	NotificationEmail string
	SMTPHost          string
	SMTPPort          int
	SMTPUsername      string
	SMTPPassword      string

	// Usage report archive: Azure Storage when an account is set, else a local directory
	StorageAccount   string
	StorageContainer string
	ArchiveDir       string

	// Pricing used for cost estimates
	PricePerRequest    float64
	PricePer1KItems    float64
	PricePer1KProfiles float64
}

// TierConfig describes the polling interval tiers and the thresholds that move accounts between them
type TierConfig struct {
	Active       time.Duration `yaml:"active"`
	Normal       time.Duration `yaml:"normal"`
	Inactive     time.Duration `yaml:"inactive"`
	Dormant      time.Duration `yaml:"dormant"`
	ActiveWindow time.Duration `yaml:"active_window"`
	NormalWindow time.Duration `yaml:"normal_window"`
	EmptyLow     int           `yaml:"empty_low_threshold"`
	EmptyHigh    int           `yaml:"empty_high_threshold"`
	DriftCeiling int           `yaml:"empty_drift_ceiling"`
}

// DefaultTiers returns the built-in tier table
func DefaultTiers() TierConfig {
	return TierConfig{
		Active:       5 * time.Minute,
		Normal:       15 * time.Minute,
		Inactive:     time.Hour,
		Dormant:      6 * time.Hour,
		ActiveWindow: 4 * time.Hour,
		NormalWindow: 24 * time.Hour,
		EmptyLow:     10,
		EmptyHigh:    30,
		DriftCeiling: 200,
	}
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	defaults := DefaultTiers()

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		Debug:     getBoolEnv("DEBUG", false),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		TwitterAPIKey:          getEnv("TWITTER_API_KEY", ""),
		TwitterAPIBaseURL:      getEnv("TWITTER_API_BASE_URL", "https://api.twitterapi.io"),
		UpstreamTimeout:        getDurationEnv("UPSTREAM_TIMEOUT", 30*time.Second),
		UpstreamMinInterval:    getDurationEnv("UPSTREAM_MIN_INTERVAL", 7*time.Millisecond),
		StartupCredentialCheck: getBoolEnv("STARTUP_CREDENTIAL_CHECK", true),
		CredentialProbeHandle:  getEnv("CREDENTIAL_PROBE_HANDLE", "twitter"),

		TickInterval:        getDurationEnv("TICK_INTERVAL", time.Minute),
		SweepInterval:       getDurationEnv("SWEEP_INTERVAL", 3*time.Hour),
		MaintenanceInterval: getDurationEnv("MAINTENANCE_INTERVAL", time.Hour),
		InitialRunDelay:     getDurationEnv("INITIAL_RUN_DELAY", 10*time.Second),
		AccountDelay:        getDurationEnv("ACCOUNT_DELAY", 2*time.Second),
		DeliveryDelay:       getDurationEnv("DELIVERY_DELAY", time.Second),
		AccountTimeout:      getDurationEnv("ACCOUNT_TIMEOUT", 2*time.Minute),

		TiersFile: getEnv("TIERS_FILE", ""),
		Tiers: TierConfig{
			Active:       getDurationEnv("TIER_ACTIVE", defaults.Active),
			Normal:       getDurationEnv("TIER_NORMAL", defaults.Normal),
			Inactive:     getDurationEnv("TIER_INACTIVE", defaults.Inactive),
			Dormant:      getDurationEnv("TIER_DORMANT", defaults.Dormant),
			ActiveWindow: getDurationEnv("ACTIVE_WINDOW", defaults.ActiveWindow),
			NormalWindow: getDurationEnv("NORMAL_WINDOW", defaults.NormalWindow),
			EmptyLow:     getIntEnv("EMPTY_LOW_THRESHOLD", defaults.EmptyLow),
			EmptyHigh:    getIntEnv("EMPTY_HIGH_THRESHOLD", defaults.EmptyHigh),
			DriftCeiling: getIntEnv("EMPTY_DRIFT_CEILING", defaults.DriftCeiling),
		},

		InitialLookback:  getDurationEnv("INITIAL_LOOKBACK", 30*time.Minute),
		SafetyMargin:     getDurationEnv("SAFETY_MARGIN", 2*time.Minute),
		WatermarkEpsilon: getDurationEnv("WATERMARK_EPSILON", time.Millisecond),
		MaxLookback:      getDurationEnv("MAX_LOOKBACK", 24*time.Hour),

		CacheBackend:  getEnv("CACHE_BACKEND", "memory"),
		CacheTTL:      getDurationEnv("CACHE_TTL", 2*time.Minute),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "xwatch:cache:"),

		StoreDriver: getEnv("STORE_DRIVER", "sqlite"),
		SQLitePath:  getEnv("SQLITE_PATH", "xwatch.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		TelegramBotToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:    getInt64Env("TELEGRAM_CHAT_ID", 0),
		DisplayTimeZone:   getEnv("DISPLAY_TIMEZONE", "UTC"),
		TeamsWebhookURL:   getEnv("TEAMS_WEBHOOK_URL", ""),
		NotificationEmail: getEnv("NOTIFICATION_EMAIL", ""),
		SMTPHost:          getEnv("SMTP_HOST", ""),
		SMTPPort:          getIntEnv("SMTP_PORT", 587),
		SMTPUsername:      getEnv("SMTP_USERNAME", ""),
		SMTPPassword:      getEnv("SMTP_PASSWORD", ""),

		StorageAccount:   getEnv("AZURE_STORAGE_ACCOUNT", ""),
		StorageContainer: getEnv("AZURE_STORAGE_CONTAINER", "usage-reports"),
		ArchiveDir:       getEnv("ARCHIVE_DIR", ""),

		PricePerRequest:    getFloatEnv("PRICE_PER_REQUEST", 0.00015),
		PricePer1KItems:    getFloatEnv("PRICE_PER_1K_ITEMS", 0.15),
		PricePer1KProfiles: getFloatEnv("PRICE_PER_1K_PROFILES", 0.18),
	}

	// Admin IDs fall back to the delivery chat
	cfg.TelegramAdminIDs = getInt64SliceEnv("TELEGRAM_ADMIN_IDS", nil)
	if len(cfg.TelegramAdminIDs) == 0 && cfg.TelegramChatID != 0 {
		cfg.TelegramAdminIDs = []int64{cfg.TelegramChatID}
	}

	if cfg.TiersFile != "" {
		tiers, err := LoadTierFile(cfg.TiersFile, cfg.Tiers)
		if err != nil {
			return nil, err
		}
		cfg.Tiers = tiers
	}

	// Validate required configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.TwitterAPIKey == "" {
		return fmt.Errorf("TWITTER_API_KEY is required")
	}

	if c.TelegramBotToken == "" && c.TeamsWebhookURL == "" && c.NotificationEmail == "" {
		return fmt.Errorf("at least one notification method must be configured (TELEGRAM_BOT_TOKEN, TEAMS_WEBHOOK_URL or NOTIFICATION_EMAIL)")
	}

	if c.TelegramBotToken != "" && c.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}

	if c.NotificationEmail != "" {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("SMTP configuration is required when NOTIFICATION_EMAIL is set")
		}
	}

	if err := c.Tiers.Validate(); err != nil {
		return err
	}

	if c.CacheTTL <= 0 || c.CacheTTL >= c.Tiers.Active {
		return fmt.Errorf("CACHE_TTL must be positive and shorter than the active tier (%v)", c.Tiers.Active)
	}

	if c.MaxLookback < c.Tiers.Dormant {
		return fmt.Errorf("MAX_LOOKBACK (%v) must be at least the dormant tier (%v)", c.MaxLookback, c.Tiers.Dormant)
	}

	if c.InitialLookback <= 0 || c.InitialLookback > c.MaxLookback {
		return fmt.Errorf("INITIAL_LOOKBACK must be positive and no longer than MAX_LOOKBACK")
	}

	if c.TickInterval <= 0 || c.SweepInterval < c.TickInterval {
		return fmt.Errorf("SWEEP_INTERVAL must be at least TICK_INTERVAL")
	}

	switch c.CacheBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when CACHE_BACKEND is 'redis'")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be 'memory' or 'redis'")
	}

	switch c.StoreDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is 'sqlite'")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is 'postgres'")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be 'sqlite' or 'postgres'")
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be 'json' or 'text'")
	}

	if _, err := time.LoadLocation(c.DisplayTimeZone); err != nil {
		return fmt.Errorf("DISPLAY_TIMEZONE %q is invalid: %w", c.DisplayTimeZone, err)
	}

	return nil
}

// Validate checks that tiers ascend and thresholds are ordered
func (t TierConfig) Validate() error {
	if t.Active <= 0 {
		return fmt.Errorf("active tier must be positive")
	}
	if !(t.Active < t.Normal && t.Normal < t.Inactive && t.Inactive < t.Dormant) {
		return fmt.Errorf("tiers must be strictly ascending: active %v, normal %v, inactive %v, dormant %v",
			t.Active, t.Normal, t.Inactive, t.Dormant)
	}
	if t.ActiveWindow <= 0 || t.NormalWindow <= t.ActiveWindow {
		return fmt.Errorf("recency windows must satisfy 0 < active_window < normal_window")
	}
	if !(0 < t.EmptyLow && t.EmptyLow < t.EmptyHigh && t.EmptyHigh < t.DriftCeiling) {
		return fmt.Errorf("empty-check thresholds must satisfy 0 < low (%d) < high (%d) < drift ceiling (%d)",
			t.EmptyLow, t.EmptyHigh, t.DriftCeiling)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var parts []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				parts = append(parts, part)
			}
		}
		return parts
	}
	return defaultValue
}

func getInt64SliceEnv(key string, defaultValue []int64) []int64 {
	parts := getSliceEnv(key, nil)
	if len(parts) == 0 {
		return defaultValue
	}
	var ids []int64
	for _, part := range parts {
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
