package snapshot

import (
	"crypto/sha256"
	"encoding/base64"
	"sort"

	"github.com/voyagen/guidevault/internal/models"
)

const streamKeyLen = 16

// DeriveStreamKey returns the public relay key for a channel within a
// profile: the first 16 characters of the unpadded URL-safe base64 SHA-256
// of "<channelID>:<profileID>". The same pair always yields the same key.
func DeriveStreamKey(channelID, profileID string) string {
	sum := sha256.Sum256([]byte(channelID + ":" + profileID))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:streamKeyLen]
}

// BuildChannelIndex turns active channels into index entries sorted by
// display name, then channel id (byte order).
func BuildChannelIndex(channels []models.ProviderChannel, profileID string) []models.ChannelIndexEntry {
	sorted := make([]models.ProviderChannel, len(channels))
	copy(sorted, channels)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].DisplayName != sorted[j].DisplayName {
			return sorted[i].DisplayName < sorted[j].DisplayName
		}
		return sorted[i].ID < sorted[j].ID
	})

	out := make([]models.ChannelIndexEntry, 0, len(sorted))
	for _, c := range sorted {
		out = append(out, models.ChannelIndexEntry{
			StreamKey:         DeriveStreamKey(c.ID, profileID),
			DisplayName:       c.DisplayName,
			TvgID:             c.TvgID,
			TvgName:           c.TvgName,
			LogoURL:           c.LogoURL,
			GroupTitle:        c.GroupTitle,
			ProviderChannelID: c.ID,
			StreamURL:         c.StreamURL,
		})
	}
	return out
}
