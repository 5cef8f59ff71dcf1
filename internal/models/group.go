package models

import "time"

// ProviderGroup is a distinct group-title ever observed for a provider.
// Groups are never deleted, only deactivated.
type ProviderGroup struct {
	ID          string    `json:"id"`
	ProviderID  string    `json:"provider_id"`
	RawName     string    `json:"raw_name"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Active      bool      `json:"active"`
}
