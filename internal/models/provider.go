package models

import "time"

// Provider is an upstream IPTV source (playlist plus optional XMLTV guide).
// At most one provider has IsActive set at any time.
type Provider struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	PlaylistURL string            `json:"playlist_url"`
	GuideURL    string            `json:"guide_url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Timeout     time.Duration     `json:"timeout"`
	Enabled     bool              `json:"enabled"`
	IsActive    bool              `json:"is_active"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// EffectiveTimeout returns the provider timeout, or DefaultProviderTimeout when unset.
func (p *Provider) EffectiveTimeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultProviderTimeout
	}
	return p.Timeout
}

// Profile is a published output (one playlist + guide pair).
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// ProfileProvider links a profile to a provider. Lower Priority wins.
type ProfileProvider struct {
	ProfileID  string `json:"profile_id"`
	ProviderID string `json:"provider_id"`
	Priority   int    `json:"priority"`
	Enabled    bool   `json:"enabled"`
}
