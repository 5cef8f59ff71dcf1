package models

import "time"

// FetchRun records one refresh attempt for a provider. Append-only.
type FetchRun struct {
	ID               string     `json:"id"`
	ProviderID       string     `json:"provider_id"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Status           string     `json:"status"`
	ErrorSummary     string     `json:"error_summary,omitempty"`
	PlaylistBytes    int64      `json:"playlist_bytes"`
	GuideBytes       int64      `json:"guide_bytes"`
	ChannelCountSeen int        `json:"channel_count_seen"`
}
