// Package reconcile diffs a freshly parsed playlist against the channels and
// groups previously observed for a provider. Records are created, updated or
// deactivated; nothing is ever deleted.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/voyagen/guidevault/internal/models"
)

// Store is the persistence the reconciler needs. Callers normally pass the
// transaction-bound store from store.Store.InTx.
type Store interface {
	ListGroups(ctx context.Context, providerID string) ([]models.ProviderGroup, error)
	SaveGroups(ctx context.Context, groups []models.ProviderGroup) error
	ListChannels(ctx context.Context, providerID string) ([]models.ProviderChannel, error)
	SaveChannels(ctx context.Context, channels []models.ProviderChannel) error
}

// Reconciler applies parsed channels to stored state.
type Reconciler struct {
	store Store
	newID func() string
}

// New returns a Reconciler over s.
func New(s Store) *Reconciler {
	return &Reconciler{store: s, newID: uuid.NewString}
}

// GroupStats summarizes an UpsertGroups call.
type GroupStats struct {
	Created, Updated, Deactivated int
}

// ChannelStats summarizes an UpsertChannels call.
type ChannelStats struct {
	Created, Updated, Deactivated int
}

// UpsertGroups marks every distinct non-empty group title in channels as seen
// at now, creating unknown groups, and deactivates active groups that are
// no longer present.
func (r *Reconciler) UpsertGroups(ctx context.Context, providerID string, channels []models.ParsedChannel, now time.Time) (GroupStats, error) {
	var stats GroupStats
	existing, err := r.store.ListGroups(ctx, providerID)
	if err != nil {
		return stats, fmt.Errorf("UpsertGroups: %w", err)
	}
	byName := make(map[string]models.ProviderGroup, len(existing))
	for _, g := range existing {
		byName[g.RawName] = g
	}

	seen := make(map[string]bool)
	var changed []models.ProviderGroup
	for _, ch := range channels {
		name := models.Deref(ch.GroupTitle)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if g, ok := byName[name]; ok {
			g.LastSeenAt = now
			g.Active = true
			changed = append(changed, g)
			stats.Updated++
			continue
		}
		changed = append(changed, models.ProviderGroup{
			ID:          r.newID(),
			ProviderID:  providerID,
			RawName:     name,
			FirstSeenAt: now,
			LastSeenAt:  now,
			Active:      true,
		})
		stats.Created++
	}
	for _, g := range existing {
		if g.Active && !seen[g.RawName] {
			g.Active = false
			changed = append(changed, g)
			stats.Deactivated++
		}
	}
	if err := r.store.SaveGroups(ctx, changed); err != nil {
		return stats, fmt.Errorf("UpsertGroups: %w", err)
	}
	return stats, nil
}

// UpsertChannels resolves each parsed channel to a stored record, by key when
// the channel has one and otherwise by (display name, stream URL, group title)
// among keyless records. Hits are refreshed, misses are created, and any
// previously active channel not confirmed by this run is deactivated.
// Groups must be reconciled first so group references resolve.
func (r *Reconciler) UpsertChannels(ctx context.Context, providerID, fetchRunID string, channels []models.ParsedChannel, now time.Time) (ChannelStats, error) {
	var stats ChannelStats
	groups, err := r.store.ListGroups(ctx, providerID)
	if err != nil {
		return stats, fmt.Errorf("UpsertChannels: %w", err)
	}
	groupIDs := make(map[string]string, len(groups))
	for _, g := range groups {
		groupIDs[g.RawName] = g.ID
	}

	existing, err := r.store.ListChannels(ctx, providerID)
	if err != nil {
		return stats, fmt.Errorf("UpsertChannels: %w", err)
	}
	byKey := make(map[string]*models.ProviderChannel)
	byComposite := make(map[string]*models.ProviderChannel)
	records := make([]*models.ProviderChannel, 0, len(existing))
	for i := range existing {
		c := &existing[i]
		records = append(records, c)
		if c.ChannelKey != nil {
			byKey[*c.ChannelKey] = c
			continue
		}
		k := compositeKey(c.DisplayName, c.StreamURL, c.GroupTitle)
		if _, dup := byComposite[k]; !dup {
			byComposite[k] = c
		}
	}

	preexisting := make(map[string]bool, len(existing))
	for _, c := range existing {
		preexisting[c.ID] = true
	}
	seen := make(map[string]bool, len(channels))
	for _, pc := range channels {
		key := models.NormalizeKey(pc.ChannelKey)
		var rec *models.ProviderChannel
		if key != nil {
			rec = byKey[*key]
		} else {
			rec = byComposite[compositeKey(pc.DisplayName, pc.StreamURL, pc.GroupTitle)]
		}
		if rec == nil {
			rec = &models.ProviderChannel{
				ID:          r.newID(),
				ProviderID:  providerID,
				FirstSeenAt: now,
			}
			records = append(records, rec)
			if key != nil {
				byKey[*key] = rec
			} else {
				byComposite[compositeKey(pc.DisplayName, pc.StreamURL, pc.GroupTitle)] = rec
			}
		}

		rec.ChannelKey = key
		rec.DisplayName = pc.DisplayName
		rec.TvgID = pc.TvgID
		rec.TvgName = pc.TvgName
		rec.LogoURL = pc.LogoURL
		rec.StreamURL = pc.StreamURL
		rec.GroupTitle = pc.GroupTitle
		rec.GroupID = nil
		if id, ok := groupIDs[models.Deref(pc.GroupTitle)]; ok {
			rec.GroupID = &id
		}
		rec.LastSeenAt = now
		rec.Active = true
		rec.LastFetchRunID = fetchRunID
		seen[rec.ID] = true
	}

	changed := make([]models.ProviderChannel, 0, len(records))
	for _, rec := range records {
		switch {
		case seen[rec.ID]:
			if preexisting[rec.ID] {
				stats.Updated++
			} else {
				stats.Created++
			}
		case rec.Active:
			rec.Active = false
			stats.Deactivated++
		default:
			continue
		}
		changed = append(changed, *rec)
	}
	if err := r.store.SaveChannels(ctx, changed); err != nil {
		return stats, fmt.Errorf("UpsertChannels: %w", err)
	}
	return stats, nil
}

func compositeKey(displayName, streamURL string, groupTitle *string) string {
	return displayName + "\x1f" + streamURL + "\x1f" + models.Deref(groupTitle)
}
