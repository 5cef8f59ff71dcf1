package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for optional settings.
const (
	DefaultServerPort          = "8080"
	DefaultUserAgent           = "guidevault/1.0"
	DefaultSnapshotDir         = "data/snapshots"
	DefaultSnapshotRetention   = 3
	DefaultRefreshInterval     = 4 * time.Hour
	DefaultRefreshTimeout      = 5 * time.Minute
	DefaultRefreshStartupDelay = 30 * time.Second
	DefaultLogLevel            = "info"
)

// Config holds application configuration.
type Config struct {
	DatabaseURL         string
	RedisURL            string
	ServerPort          string
	UserAgent           string
	SnapshotDir         string
	SnapshotRetention   int
	RefreshInterval     time.Duration
	RefreshTimeout      time.Duration
	RefreshStartupDelay time.Duration
	PublicBaseURL       string
	IPTVConfigDir       string
	LogLevel            string
}

// Defaults returns a Config with every optional field set.
// DatabaseURL stays empty, which selects the in-memory store.
func Defaults() *Config {
	return &Config{
		ServerPort:          DefaultServerPort,
		UserAgent:           DefaultUserAgent,
		SnapshotDir:         DefaultSnapshotDir,
		SnapshotRetention:   DefaultSnapshotRetention,
		RefreshInterval:     DefaultRefreshInterval,
		RefreshTimeout:      DefaultRefreshTimeout,
		RefreshStartupDelay: DefaultRefreshStartupDelay,
		LogLevel:            DefaultLogLevel,
	}
}

// Load builds config from environment variables, after loading .env.local
// and .env from the working directory and the executable's directory.
// Variables already set in the environment win over the files.
func Load() (*Config, error) {
	loadEnvFiles()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds config from a lookup function, applying defaults for
// unset keys.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	c := Defaults()
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	setString := func(dst *string, key string) {
		if v := get(key); v != "" {
			*dst = v
		}
	}
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.ServerPort, "SERVER_PORT")
	setString(&c.UserAgent, "FETCHER_USER_AGENT")
	setString(&c.SnapshotDir, "SNAPSHOT_DIR")
	setString(&c.PublicBaseURL, "PUBLIC_BASE_URL")
	setString(&c.IPTVConfigDir, "IPTV_CONFIG_DIR")
	setString(&c.LogLevel, "LOG_LEVEL")

	if v := get("SNAPSHOT_RETENTION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SNAPSHOT_RETENTION: %w", err)
		}
		c.SnapshotRetention = n
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"REFRESH_INTERVAL", &c.RefreshInterval},
		{"REFRESH_TIMEOUT", &c.RefreshTimeout},
		{"REFRESH_STARTUP_DELAY", &c.RefreshStartupDelay},
	} {
		if v := get(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}
	return c, c.Validate()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.SnapshotRetention < 1 {
		return fmt.Errorf("snapshot retention must be at least 1, got %d", c.SnapshotRetention)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", c.RefreshInterval)
	}
	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("refresh timeout must be positive, got %s", c.RefreshTimeout)
	}
	if c.RefreshStartupDelay < 0 {
		return fmt.Errorf("refresh startup delay must not be negative, got %s", c.RefreshStartupDelay)
	}
	if c.PublicBaseURL != "" && !strings.HasPrefix(c.PublicBaseURL, "http://") && !strings.HasPrefix(c.PublicBaseURL, "https://") {
		return fmt.Errorf("public base URL must start with http:// or https://, got %q", c.PublicBaseURL)
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	return nil
}
