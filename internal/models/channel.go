package models

import (
	"strings"
	"time"
)

// ProviderChannel is one channel as observed from a provider across runs.
// ChannelKey is nil when the provider supplies no stable identifier.
type ProviderChannel struct {
	ID             string    `json:"id"`
	ProviderID     string    `json:"provider_id"`
	ChannelKey     *string   `json:"channel_key,omitempty"`
	DisplayName    string    `json:"display_name"`
	TvgID          *string   `json:"tvg_id,omitempty"`
	TvgName        *string   `json:"tvg_name,omitempty"`
	LogoURL        *string   `json:"logo_url,omitempty"`
	StreamURL      string    `json:"stream_url"`
	GroupTitle     *string   `json:"group_title,omitempty"`
	GroupID        *string   `json:"group_id,omitempty"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	Active         bool      `json:"active"`
	LastFetchRunID string    `json:"last_fetch_run_id"`
}

// ParsedChannel is a channel as extracted from one playlist fetch.
type ParsedChannel struct {
	ChannelKey  *string
	DisplayName string
	TvgID       *string
	TvgName     *string
	LogoURL     *string
	StreamURL   string
	GroupTitle  *string
}

// NormalizeKey trims s and returns nil for blank input.
func NormalizeKey(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
