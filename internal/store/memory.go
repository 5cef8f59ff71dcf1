package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voyagen/guidevault/internal/models"
)

// Memory is an in-process Store used when no DATABASE_URL is configured and
// throughout the tests. Transactions are serialized and roll back by
// restoring a copy of the state taken when they began.
type Memory struct {
	mu   sync.Mutex
	txMu sync.Mutex
	d    *memData
	now  func() time.Time
}

type memData struct {
	providers map[string]models.Provider
	profiles  map[string]models.Profile
	links     map[[2]string]models.ProfileProvider
	runs      map[string]models.FetchRun
	groups    map[string]models.ProviderGroup
	channels  map[string]models.ProviderChannel
	snapshots map[string]models.Snapshot
}

func newMemData() *memData {
	return &memData{
		providers: map[string]models.Provider{},
		profiles:  map[string]models.Profile{},
		links:     map[[2]string]models.ProfileProvider{},
		runs:      map[string]models.FetchRun{},
		groups:    map[string]models.ProviderGroup{},
		channels:  map[string]models.ProviderChannel{},
		snapshots: map[string]models.Snapshot{},
	}
}

func (d *memData) clone() *memData {
	return &memData{
		providers: maps.Clone(d.providers),
		profiles:  maps.Clone(d.profiles),
		links:     maps.Clone(d.links),
		runs:      maps.Clone(d.runs),
		groups:    maps.Clone(d.groups),
		channels:  maps.Clone(d.channels),
		snapshots: maps.Clone(d.snapshots),
	}
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{d: newMemData(), now: time.Now}
}

// memTx is the Store handed to InTx callbacks; nested InTx calls join it.
type memTx struct{ *Memory }

func (t memTx) InTx(_ context.Context, fn func(tx Store) error) error { return fn(t) }

// InTx serializes fn against other transactions and restores the previous
// state if fn fails.
func (m *Memory) InTx(_ context.Context, fn func(tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	backup := m.d.clone()
	m.mu.Unlock()

	if err := fn(memTx{m}); err != nil {
		m.mu.Lock()
		m.d = backup
		m.mu.Unlock()
		return err
	}
	return nil
}

// --- providers & profiles ---

func (m *Memory) ActiveProvider(_ context.Context) (*models.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.d.providers {
		if p.IsActive && p.Enabled {
			p.Headers = maps.Clone(p.Headers)
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetProvider(_ context.Context, id string) (*models.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.d.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	p.Headers = maps.Clone(p.Headers)
	return &p, nil
}

func (m *Memory) UpsertProvider(_ context.Context, pr *models.Provider) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, existing := range m.d.providers {
		if existing.Name == pr.Name {
			existing.PlaylistURL = pr.PlaylistURL
			existing.GuideURL = pr.GuideURL
			existing.Headers = maps.Clone(pr.Headers)
			existing.UserAgent = pr.UserAgent
			existing.Timeout = pr.EffectiveTimeout()
			existing.Enabled = pr.Enabled
			existing.UpdatedAt = now
			m.d.providers[id] = existing
			return id, nil
		}
	}
	p := *pr
	p.ID = uuid.NewString()
	p.Headers = maps.Clone(pr.Headers)
	p.Timeout = pr.EffectiveTimeout()
	p.IsActive = false
	p.CreatedAt, p.UpdatedAt = now, now
	m.d.providers[p.ID] = p
	return p.ID, nil
}

func (m *Memory) ActivateProvider(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.providers[id]; !ok {
		return fmt.Errorf("ActivateProvider %s: %w", id, ErrNotFound)
	}
	now := m.now()
	for pid, p := range m.d.providers {
		active := pid == id
		if p.IsActive != active {
			p.IsActive = active
			p.UpdatedAt = now
			m.d.providers[pid] = p
		}
	}
	return nil
}

func (m *Memory) FindProfile(_ context.Context, ref string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.d.profiles[ref]; ok {
		return &p, nil
	}
	for _, p := range m.d.profiles {
		if p.Name == ref {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpsertProfile(_ context.Context, name string, enabled bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.d.profiles {
		if p.Name == name {
			p.Enabled = enabled
			m.d.profiles[id] = p
			return id, nil
		}
	}
	p := models.Profile{ID: uuid.NewString(), Name: name, Enabled: enabled, CreatedAt: m.now()}
	m.d.profiles[p.ID] = p
	return p.ID, nil
}

func (m *Memory) LinkProfileProvider(_ context.Context, link models.ProfileProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.profiles[link.ProfileID]; !ok {
		return fmt.Errorf("LinkProfileProvider profile %s: %w", link.ProfileID, ErrNotFound)
	}
	if _, ok := m.d.providers[link.ProviderID]; !ok {
		return fmt.Errorf("LinkProfileProvider provider %s: %w", link.ProviderID, ErrNotFound)
	}
	m.d.links[[2]string{link.ProfileID, link.ProviderID}] = link
	return nil
}

func (m *Memory) PrimaryProfileForProvider(_ context.Context, providerID string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.ProfileProvider
	for _, l := range m.d.links {
		if l.ProviderID != providerID || !l.Enabled {
			continue
		}
		if pf, ok := m.d.profiles[l.ProfileID]; !ok || !pf.Enabled {
			continue
		}
		if best == nil || l.Priority < best.Priority ||
			(l.Priority == best.Priority && l.ProfileID < best.ProfileID) {
			l := l
			best = &l
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	pf := m.d.profiles[best.ProfileID]
	return &pf, nil
}

// --- fetch runs ---

func (m *Memory) CreateFetchRun(_ context.Context, providerID string, startedAt time.Time) (*models.FetchRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := models.FetchRun{
		ID:         uuid.NewString(),
		ProviderID: providerID,
		StartedAt:  startedAt,
		Status:     models.FetchStatusFail,
	}
	m.d.runs[run.ID] = run
	return &run, nil
}

func (m *Memory) FinishFetchRun(_ context.Context, run *models.FetchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.runs[run.ID]; !ok {
		return fmt.Errorf("FinishFetchRun %s: %w", run.ID, ErrNotFound)
	}
	m.d.runs[run.ID] = *run
	return nil
}

func (m *Memory) LatestFetchRun(_ context.Context, providerID string) (*models.FetchRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.FetchRun
	for _, r := range m.d.runs {
		if r.ProviderID != providerID {
			continue
		}
		if latest == nil || r.StartedAt.After(latest.StartedAt) ||
			(r.StartedAt.Equal(latest.StartedAt) && r.ID > latest.ID) {
			r := r
			latest = &r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// FetchRuns returns every run for a provider ordered by start time.
func (m *Memory) FetchRuns(providerID string) []models.FetchRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FetchRun
	for _, r := range m.d.runs {
		if r.ProviderID == providerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// --- groups & channels ---

func (m *Memory) ListGroups(_ context.Context, providerID string) ([]models.ProviderGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProviderGroup
	for _, g := range m.d.groups {
		if g.ProviderID == providerID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RawName < out[j].RawName })
	return out, nil
}

func (m *Memory) SaveGroups(_ context.Context, groups []models.ProviderGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range groups {
		if existing, ok := m.d.groups[g.ID]; ok {
			existing.LastSeenAt = g.LastSeenAt
			existing.Active = g.Active
			m.d.groups[g.ID] = existing
			continue
		}
		for _, other := range m.d.groups {
			if other.ProviderID == g.ProviderID && other.RawName == g.RawName {
				return fmt.Errorf("SaveGroups: duplicate group %q for provider %s", g.RawName, g.ProviderID)
			}
		}
		m.d.groups[g.ID] = g
	}
	return nil
}

func (m *Memory) channelsWhere(providerID string, activeOnly bool) []models.ProviderChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProviderChannel
	for _, c := range m.d.channels {
		if c.ProviderID == providerID && (!activeOnly || c.Active) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) ListChannels(_ context.Context, providerID string) ([]models.ProviderChannel, error) {
	return m.channelsWhere(providerID, false), nil
}

func (m *Memory) ListActiveChannels(_ context.Context, providerID string) ([]models.ProviderChannel, error) {
	return m.channelsWhere(providerID, true), nil
}

func (m *Memory) SaveChannels(_ context.Context, channels []models.ProviderChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range channels {
		if c.ChannelKey != nil {
			for id, other := range m.d.channels {
				if id != c.ID && other.ProviderID == c.ProviderID && other.ChannelKey != nil && *other.ChannelKey == *c.ChannelKey {
					return fmt.Errorf("SaveChannels: duplicate channel key %q for provider %s", *c.ChannelKey, c.ProviderID)
				}
			}
		}
		if existing, ok := m.d.channels[c.ID]; ok {
			c.FirstSeenAt = existing.FirstSeenAt
		}
		m.d.channels[c.ID] = c
	}
	return nil
}

// --- snapshots ---

func (m *Memory) CreateSnapshot(_ context.Context, s *models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.snapshots[s.ID]; ok {
		return fmt.Errorf("CreateSnapshot: duplicate id %s", s.ID)
	}
	m.d.snapshots[s.ID] = *s
	return nil
}

func (m *Memory) PromoteSnapshot(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.d.snapshots[id]
	if !ok {
		return ErrNotFound
	}
	for sid, s := range m.d.snapshots {
		if s.ProfileID == target.ProfileID && s.Status == models.SnapshotActive && sid != id {
			s.Status = models.SnapshotArchived
			m.d.snapshots[sid] = s
		}
	}
	target.Status = models.SnapshotActive
	m.d.snapshots[id] = target
	return nil
}

func (m *Memory) ActiveSnapshot(_ context.Context, profileID string) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.d.snapshots {
		if s.ProfileID == profileID && s.Status == models.SnapshotActive {
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListActiveSnapshots(_ context.Context) ([]models.Snapshot, error) {
	return m.snapshotsWhere(func(s models.Snapshot) bool { return s.Status == models.SnapshotActive }), nil
}

func (m *Memory) ListSnapshots(_ context.Context, profileID string) ([]models.Snapshot, error) {
	return m.snapshotsWhere(func(s models.Snapshot) bool { return s.ProfileID == profileID }), nil
}

func (m *Memory) snapshotsWhere(keep func(models.Snapshot) bool) []models.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Snapshot
	for _, s := range m.d.snapshots {
		if keep(s) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b models.Snapshot) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out
}

func (m *Memory) DeleteSnapshot(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.d.snapshots, id)
	return nil
}
