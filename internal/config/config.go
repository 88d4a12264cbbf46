// Package config provides configuration management for the automation service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // portal calendar is Asia/Seoul; slim images ship no zoneinfo
)

// Config holds all configuration for the automation service.
type Config struct {
	// Server settings
	Port        int
	LogLevel    string
	CORSOrigins []string
	IdleTimeout time.Duration // 0 disables idle shutdown

	// Database
	DatabaseURL string

	// EncryptionSecret seeds the key used for portal passwords and cookies at rest.
	EncryptionSecret string

	// Authentication
	JWTSecret            string   // HS256 secret for bearer tokens issued by the web frontend
	FrontendSecret       string   // HMAC secret for signed X-S2B-* headers
	AdminUserIDs         []string // Users allowed to call stop-all
	AllowUnauthenticated bool     // Trust X-User-ID (local development only)

	// Portal settings
	PortalBaseURL          string
	PortalUserAgent        string
	PortalRequestTimeout   time.Duration
	PortalRequestsPerSec   float64
	PortalPageDelay        time.Duration
	PortalItemDelay        time.Duration
	PortalSearchWindowDays int
	PortalPageSize         int
	PortalMaxRelogins      int
	PortalFetchRetries     int
	LoginTimeout           time.Duration

	// Browser pool settings (heavy login strategy)
	BrowserPoolSize    int
	BrowserIdleTimeout time.Duration
	BrowserMaxRequests int
	BrowserMaxAge      time.Duration
	ChromePath         string
	BrowserHeadless    bool
	DisableStealth     bool
	ProxyURL           string

	// Session manager
	SessionRetention       time.Duration
	SessionCleanupInterval time.Duration
	SessionLogLimit        int
	StreamIdleTimeout      time.Duration

	// Idempotency
	TimeZone             string
	IdempotencyRetention time.Duration

	// Scheduler
	SchedulerEnabled bool
	SchedulerTick    time.Duration
	ScheduleInterval time.Duration
	ScheduleStagger  time.Duration

	// Rate limiting for start requests, per user per minute (0 = unlimited)
	StartRequestsPerMinute int

	// Session archive (S3-compatible, optional)
	StorageEnabled   bool
	StorageBucket    string
	StorageEndpoint  string
	StorageRegion    string
	StorageAccessKey string
	StorageSecretKey string
}

// Load creates a Config from environment variables with sensible defaults.
func Load() *Config {
	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		IdleTimeout: getEnvDuration("IDLE_TIMEOUT", 0),

		DatabaseURL:      getEnv("DATABASE_URL", "file:data/s2b-extend.db"),
		EncryptionSecret: getEnv("ENCRYPTION_SECRET", ""),

		JWTSecret:            getEnv("JWT_SECRET", ""),
		FrontendSecret:       getEnv("FRONTEND_SECRET", ""),
		AdminUserIDs:         getEnvList("ADMIN_USER_IDS", nil),
		AllowUnauthenticated: getEnvBool("ALLOW_UNAUTHENTICATED", false),

		PortalBaseURL:          strings.TrimSuffix(getEnv("PORTAL_BASE_URL", "https://www.s2b.kr"), "/"),
		PortalUserAgent:        getEnv("PORTAL_USER_AGENT", DefaultUserAgent),
		PortalRequestTimeout:   getEnvDuration("PORTAL_REQUEST_TIMEOUT", 30*time.Second),
		PortalRequestsPerSec:   getEnvFloat("PORTAL_REQUESTS_PER_SECOND", 2),
		PortalPageDelay:        getEnvDuration("PORTAL_PAGE_DELAY", 1*time.Second),
		PortalItemDelay:        getEnvDuration("PORTAL_ITEM_DELAY", 2*time.Second),
		PortalSearchWindowDays: getEnvInt("PORTAL_SEARCH_WINDOW_DAYS", 14),
		PortalPageSize:         getEnvInt("PORTAL_PAGE_SIZE", 100),
		PortalMaxRelogins:      getEnvInt("PORTAL_MAX_RELOGINS", 1),
		PortalFetchRetries:     getEnvInt("PORTAL_FETCH_RETRIES", 2),
		LoginTimeout:           getEnvDuration("LOGIN_TIMEOUT", 60*time.Second),

		BrowserPoolSize:    getEnvInt("BROWSER_POOL_SIZE", 2),
		BrowserIdleTimeout: getEnvDuration("BROWSER_IDLE_TIMEOUT", 5*time.Minute),
		BrowserMaxRequests: getEnvInt("BROWSER_MAX_REQUESTS", 50),
		BrowserMaxAge:      getEnvDuration("BROWSER_MAX_AGE", 30*time.Minute),
		ChromePath:         getEnv("CHROME_PATH", ""),
		BrowserHeadless:    getEnvBool("BROWSER_HEADLESS", true),
		DisableStealth:     getEnvBool("DISABLE_STEALTH", false),
		ProxyURL:           getEnv("PROXY_URL", ""),

		SessionRetention:       getEnvDuration("SESSION_RETENTION", time.Hour),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour),
		SessionLogLimit:        getEnvInt("SESSION_LOG_LIMIT", 200),
		StreamIdleTimeout:      getEnvDuration("STREAM_IDLE_TIMEOUT", 30*time.Second),

		TimeZone:             getEnv("TIME_ZONE", "Asia/Seoul"),
		IdempotencyRetention: getEnvDuration("IDEMPOTENCY_RETENTION", 7*24*time.Hour),

		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
		SchedulerTick:    getEnvDuration("SCHEDULER_TICK", time.Minute),
		ScheduleInterval: getEnvDuration("SCHEDULE_INTERVAL", 72*time.Hour),
		ScheduleStagger:  getEnvDuration("SCHEDULE_STAGGER", 30*time.Minute),

		StartRequestsPerMinute: getEnvInt("START_REQUESTS_PER_MINUTE", 10),

		StorageBucket:    getEnv("STORAGE_BUCKET", ""),
		StorageEndpoint:  getEnv("STORAGE_ENDPOINT", ""),
		StorageRegion:    getEnv("STORAGE_REGION", "auto"),
		StorageAccessKey: getEnv("STORAGE_ACCESS_KEY_ID", ""),
		StorageSecretKey: getEnv("STORAGE_SECRET_ACCESS_KEY", ""),
	}
	cfg.StorageEnabled = cfg.StorageBucket != "" && cfg.StorageAccessKey != "" && cfg.StorageSecretKey != ""
	return cfg
}

// DefaultUserAgent mimics a desktop Chrome build; the portal serves a degraded page to unknown agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Location returns the time zone used for calendar-day and calendar-month boundaries.
// Falls back to UTC when the zone database does not know TimeZone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsAdmin reports whether userID is listed in ADMIN_USER_IDS.
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
