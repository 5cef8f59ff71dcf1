package models

import "time"

// Snapshot is an immutable publication of a channel index and guide for a profile.
type Snapshot struct {
	ID               string    `json:"id"`
	ProfileID        string    `json:"profile_id"`
	ProviderID       string    `json:"provider_id"`
	CreatedAt        time.Time `json:"created_at"`
	Status           string    `json:"status"`
	ChannelIndexPath string    `json:"channel_index_path"`
	GuidePath        string    `json:"guide_path"`
	ChannelCount     int       `json:"channel_count"`
}

// ChannelIndexEntry is one line of a snapshot's channel_index.json.
// StreamURL stays server-side; it is never sent to relay clients.
type ChannelIndexEntry struct {
	StreamKey         string  `json:"streamKey"`
	DisplayName       string  `json:"displayName"`
	TvgID             *string `json:"tvgId,omitempty"`
	TvgName           *string `json:"tvgName,omitempty"`
	LogoURL           *string `json:"logoUrl,omitempty"`
	GroupTitle        *string `json:"groupTitle,omitempty"`
	ProviderChannelID string  `json:"providerChannelId"`
	StreamURL         string  `json:"streamUrl"`
}
