package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/voyagen/guidevault/internal/cache"
	"github.com/voyagen/guidevault/internal/models"
)

// Cache TTLs for different entity types.
const (
	ttlProvider = 5 * time.Minute
	ttlProfile  = 5 * time.Minute
	ttlFetchRun = 30 * time.Second
)

const keyActiveProvider = "provider:active"

// CachedStore wraps a Store with a Redis caching layer.
// Provider, profile and fetch run reads are served from cache when possible;
// write operations invalidate the relevant keys.
type CachedStore struct {
	inner Store
	cache *cache.Redis
	log   *slog.Logger
}

// NewCachedStore creates a CachedStore that wraps inner with Redis caching.
func NewCachedStore(inner Store, c *cache.Redis, log *slog.Logger) *CachedStore {
	if log == nil {
		log = slog.Default()
	}
	return &CachedStore{inner: inner, cache: c, log: log}
}

// cached serves key from Redis or loads it via load and stores the result.
// ErrNotFound is not cached.
func cached[T any](ctx context.Context, c *CachedStore, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	if v, err := cache.Get[T](ctx, c.cache, key); err == nil {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	if err := cache.Set(ctx, c.cache, key, v, ttl); err != nil {
		c.log.Warn("cache set failed", "key", key, "err", err)
	}
	return v, nil
}

// --- cached read operations ---

func (c *CachedStore) ActiveProvider(ctx context.Context) (*models.Provider, error) {
	return cached(ctx, c, keyActiveProvider, ttlProvider, func() (*models.Provider, error) {
		return c.inner.ActiveProvider(ctx)
	})
}

func (c *CachedStore) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	return cached(ctx, c, "provider:"+id, ttlProvider, func() (*models.Provider, error) {
		return c.inner.GetProvider(ctx, id)
	})
}

func (c *CachedStore) FindProfile(ctx context.Context, ref string) (*models.Profile, error) {
	return cached(ctx, c, "profile:"+ref, ttlProfile, func() (*models.Profile, error) {
		return c.inner.FindProfile(ctx, ref)
	})
}

func (c *CachedStore) LatestFetchRun(ctx context.Context, providerID string) (*models.FetchRun, error) {
	return cached(ctx, c, "fetchrun:latest:"+providerID, ttlFetchRun, func() (*models.FetchRun, error) {
		return c.inner.LatestFetchRun(ctx, providerID)
	})
}

// --- write operations with cache invalidation ---

func (c *CachedStore) UpsertProvider(ctx context.Context, p *models.Provider) (string, error) {
	id, err := c.inner.UpsertProvider(ctx, p)
	if err != nil {
		return "", err
	}
	c.invalidate(ctx, keyActiveProvider, "provider:"+id)
	return id, nil
}

func (c *CachedStore) ActivateProvider(ctx context.Context, id string) error {
	if err := c.inner.ActivateProvider(ctx, id); err != nil {
		return err
	}
	c.invalidatePattern(ctx, "provider:*")
	return nil
}

func (c *CachedStore) UpsertProfile(ctx context.Context, name string, enabled bool) (string, error) {
	id, err := c.inner.UpsertProfile(ctx, name, enabled)
	if err != nil {
		return "", err
	}
	c.invalidate(ctx, "profile:"+id, "profile:"+name)
	return id, nil
}

func (c *CachedStore) CreateFetchRun(ctx context.Context, providerID string, startedAt time.Time) (*models.FetchRun, error) {
	run, err := c.inner.CreateFetchRun(ctx, providerID, startedAt)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, "fetchrun:latest:"+providerID)
	return run, nil
}

func (c *CachedStore) FinishFetchRun(ctx context.Context, run *models.FetchRun) error {
	if err := c.inner.FinishFetchRun(ctx, run); err != nil {
		return err
	}
	c.invalidate(ctx, "fetchrun:latest:"+run.ProviderID)
	return nil
}

// InTx runs fn against the uncached transaction and drops every cached
// entry that a transaction may have touched once it commits.
func (c *CachedStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if err := c.inner.InTx(ctx, fn); err != nil {
		return err
	}
	c.invalidate(ctx, keyActiveProvider)
	c.invalidatePattern(ctx, "provider:*", "profile:*", "fetchrun:latest:*")
	return nil
}

// --- passthrough (no caching) ---

func (c *CachedStore) LinkProfileProvider(ctx context.Context, link models.ProfileProvider) error {
	return c.inner.LinkProfileProvider(ctx, link)
}

func (c *CachedStore) PrimaryProfileForProvider(ctx context.Context, providerID string) (*models.Profile, error) {
	return c.inner.PrimaryProfileForProvider(ctx, providerID)
}

func (c *CachedStore) ListGroups(ctx context.Context, providerID string) ([]models.ProviderGroup, error) {
	return c.inner.ListGroups(ctx, providerID)
}

func (c *CachedStore) SaveGroups(ctx context.Context, groups []models.ProviderGroup) error {
	return c.inner.SaveGroups(ctx, groups)
}

func (c *CachedStore) ListChannels(ctx context.Context, providerID string) ([]models.ProviderChannel, error) {
	return c.inner.ListChannels(ctx, providerID)
}

func (c *CachedStore) ListActiveChannels(ctx context.Context, providerID string) ([]models.ProviderChannel, error) {
	return c.inner.ListActiveChannels(ctx, providerID)
}

func (c *CachedStore) SaveChannels(ctx context.Context, channels []models.ProviderChannel) error {
	return c.inner.SaveChannels(ctx, channels)
}

func (c *CachedStore) CreateSnapshot(ctx context.Context, s *models.Snapshot) error {
	return c.inner.CreateSnapshot(ctx, s)
}

func (c *CachedStore) ListSnapshots(ctx context.Context, profileID string) ([]models.Snapshot, error) {
	return c.inner.ListSnapshots(ctx, profileID)
}

// Active snapshot reads are never cached: a read racing a promotion could
// store the archived row after invalidation, and purge may already have
// removed its files.

func (c *CachedStore) ActiveSnapshot(ctx context.Context, profileID string) (*models.Snapshot, error) {
	return c.inner.ActiveSnapshot(ctx, profileID)
}

func (c *CachedStore) ListActiveSnapshots(ctx context.Context) ([]models.Snapshot, error) {
	return c.inner.ListActiveSnapshots(ctx)
}

func (c *CachedStore) PromoteSnapshot(ctx context.Context, id string) error {
	return c.inner.PromoteSnapshot(ctx, id)
}

func (c *CachedStore) DeleteSnapshot(ctx context.Context, id string) error {
	return c.inner.DeleteSnapshot(ctx, id)
}

// --- helpers ---

// invalidate deletes exact cache keys, logging any errors.
func (c *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := cache.Del(ctx, c.cache, keys...); err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("cache del failed", "keys", keys, "err", err)
	}
}

// invalidatePattern deletes all keys matching the given glob patterns.
func (c *CachedStore) invalidatePattern(ctx context.Context, patterns ...string) {
	for _, p := range patterns {
		if err := cache.DelPattern(ctx, c.cache, p); err != nil {
			c.log.Warn("cache del pattern failed", "pattern", p, "err", err)
		}
	}
}
