package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	DatabaseURL         string `yaml:"database_url"`
	RedisURL            string `yaml:"redis_url"`
	ServerPort          string `yaml:"server_port"`
	UserAgent           string `yaml:"user_agent"`
	SnapshotDir         string `yaml:"snapshot_dir"`
	SnapshotRetention   *int   `yaml:"snapshot_retention"`
	RefreshInterval     string `yaml:"refresh_interval"`
	RefreshTimeout      string `yaml:"refresh_timeout"`
	RefreshStartupDelay string `yaml:"refresh_startup_delay"`
	PublicBaseURL       string `yaml:"public_base_url"`
	IPTVConfigDir       string `yaml:"iptv_config_dir"`
	LogLevel            string `yaml:"log_level"`
}

// LoadFromFile loads config from a YAML file. Unset keys take the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	c := Defaults()
	for _, s := range []struct {
		dst *string
		v   string
	}{
		{&c.DatabaseURL, f.DatabaseURL},
		{&c.RedisURL, f.RedisURL},
		{&c.ServerPort, f.ServerPort},
		{&c.UserAgent, f.UserAgent},
		{&c.SnapshotDir, f.SnapshotDir},
		{&c.PublicBaseURL, f.PublicBaseURL},
		{&c.IPTVConfigDir, f.IPTVConfigDir},
		{&c.LogLevel, f.LogLevel},
	} {
		if s.v != "" {
			*s.dst = s.v
		}
	}
	if f.SnapshotRetention != nil {
		c.SnapshotRetention = *f.SnapshotRetention
	}
	for _, d := range []struct {
		name string
		dst  *time.Duration
		v    string
	}{
		{"refresh_interval", &c.RefreshInterval, f.RefreshInterval},
		{"refresh_timeout", &c.RefreshTimeout, f.RefreshTimeout},
		{"refresh_startup_delay", &c.RefreshStartupDelay, f.RefreshStartupDelay},
	} {
		if d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return c, c.Validate()
}
