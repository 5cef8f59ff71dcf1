// Package snapshot runs one refresh cycle: fetch the active provider,
// reconcile its channels, write an immutable snapshot and promote it.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/voyagen/guidevault/internal/fetcher"
	"github.com/voyagen/guidevault/internal/metrics"
	"github.com/voyagen/guidevault/internal/models"
	"github.com/voyagen/guidevault/internal/reconcile"
	"github.com/voyagen/guidevault/internal/store"
)

// DefaultRetention is the number of snapshots kept per profile.
const DefaultRetention = 3

// Fetcher is the subset of *fetcher.Fetcher the builder uses.
type Fetcher interface {
	FetchPlaylist(ctx context.Context, p *models.Provider) (*fetcher.PlaylistResult, error)
	FetchGuide(ctx context.Context, p *models.Provider) (*fetcher.GuideResult, error)
}

// Options configures a Builder.
type Options struct {
	Dir       string
	Retention int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

// Builder executes refresh cycles. Run must not be called concurrently;
// the scheduler's gate guarantees that.
type Builder struct {
	store     store.Store
	fetcher   Fetcher
	dir       string
	retention int
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates a Builder.
func New(s store.Store, f Fetcher, opts Options) *Builder {
	b := &Builder{
		store:     s,
		fetcher:   f,
		dir:       opts.Dir,
		retention: opts.Retention,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Clock,
	}
	if b.retention < 1 {
		b.retention = DefaultRetention
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Run performs one refresh cycle. A playlist fetch, parse or URL
// configuration failure is recorded on the FetchRun and Run returns nil with
// the previous snapshot left active. Any other failure is returned.
func (b *Builder) Run(ctx context.Context) error {
	provider, err := b.store.ActiveProvider(ctx)
	if errors.Is(err, store.ErrNotFound) {
		b.log.Info("refresh skipped: no active enabled provider")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load active provider: %w", err)
	}

	profile, err := b.store.PrimaryProfileForProvider(ctx, provider.ID)
	if errors.Is(err, store.ErrNotFound) {
		b.log.Info("refresh skipped: provider has no enabled profile", "provider", provider.Name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	run, err := b.store.CreateFetchRun(ctx, provider.ID, b.now().UTC())
	if err != nil {
		return fmt.Errorf("create fetch run: %w", err)
	}
	log := b.log.With("provider", provider.Name, "profile", profile.Name, "fetch_run", run.ID)
	log.Info("refresh started")

	snap, err := b.cycle(ctx, log, provider, profile, run)
	if err != nil {
		var pe *providerError
		if errors.As(err, &pe) {
			log.Warn("playlist fetch failed, keeping previous snapshot", "err", pe.err)
			b.finishFailed(ctx, log, run, pe.err.Error())
			b.count(metrics.OutcomeFailed)
			return nil
		}
		b.finishFailed(ctx, log, run, err.Error())
		b.count(metrics.OutcomeError)
		return err
	}

	now := b.now().UTC()
	run.FinishedAt = &now
	run.Status = models.FetchStatusOK
	run.ErrorSummary = ""
	if err := b.store.FinishFetchRun(ctx, run); err != nil {
		return fmt.Errorf("finish fetch run: %w", err)
	}
	b.count(metrics.OutcomeOK)
	if b.metrics != nil {
		b.metrics.SnapshotChannels.WithLabelValues(profile.Name).Set(float64(snap.ChannelCount))
	}
	log.Info("snapshot promoted", "snapshot", snap.ID, "channels", snap.ChannelCount,
		"playlist_bytes", run.PlaylistBytes, "guide_bytes", run.GuideBytes)
	return nil
}

// providerError marks a recognized playlist failure that ends the cycle
// without being an error of the builder itself.
type providerError struct{ err error }

func (e *providerError) Error() string { return e.err.Error() }
func (e *providerError) Unwrap() error { return e.err }

// cycle runs steps from the playlist fetch through purge, filling run's
// counters as it goes.
func (b *Builder) cycle(ctx context.Context, log *slog.Logger, provider *models.Provider, profile *models.Profile, run *models.FetchRun) (*models.Snapshot, error) {
	playlist, err := b.fetcher.FetchPlaylist(ctx, provider)
	if err != nil {
		if fetcher.IsProviderError(err) {
			return nil, &providerError{err: err}
		}
		return nil, fmt.Errorf("fetch playlist: %w", err)
	}
	run.PlaylistBytes = playlist.Bytes
	run.ChannelCountSeen = len(playlist.Channels)

	now := b.now().UTC()
	err = b.store.InTx(ctx, func(tx store.Store) error {
		r := reconcile.New(tx)
		gs, err := r.UpsertGroups(ctx, provider.ID, playlist.Channels, now)
		if err != nil {
			return err
		}
		cs, err := r.UpsertChannels(ctx, provider.ID, run.ID, playlist.Channels, now)
		if err != nil {
			return err
		}
		log.Debug("reconciled",
			"groups_created", gs.Created, "groups_deactivated", gs.Deactivated,
			"channels_created", cs.Created, "channels_updated", cs.Updated, "channels_deactivated", cs.Deactivated)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	guide := []byte(fetcher.EmptyGuide)
	if g, err := b.fetcher.FetchGuide(ctx, provider); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch guide: %w", ctx.Err())
		}
		log.Warn("guide fetch failed, publishing empty guide", "err", err)
	} else {
		guide = g.Document
		run.GuideBytes = g.Bytes
	}

	active, err := b.store.ListActiveChannels(ctx, provider.ID)
	if err != nil {
		return nil, fmt.Errorf("load active channels: %w", err)
	}
	index := BuildChannelIndex(active, profile.ID)

	snap := &models.Snapshot{
		ID:           uuid.NewString(),
		ProfileID:    profile.ID,
		ProviderID:   provider.ID,
		CreatedAt:    b.now().UTC(),
		Status:       models.SnapshotStaged,
		ChannelCount: len(index),
	}
	snap.ChannelIndexPath, snap.GuidePath, err = WriteFiles(b.dir, snap.ID, index, guide)
	if err != nil {
		b.removeDir(log, snap.ID)
		return nil, err
	}
	if err := b.store.CreateSnapshot(ctx, snap); err != nil {
		b.removeDir(log, snap.ID)
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	if err := b.store.PromoteSnapshot(ctx, snap.ID); err != nil {
		b.discardStaged(log, snap.ID)
		return nil, fmt.Errorf("promote snapshot: %w", err)
	}
	snap.Status = models.SnapshotActive

	if err := b.purge(ctx, log, profile.ID); err != nil {
		return nil, err
	}
	return snap, nil
}

// purge deletes everything beyond the retention count for a profile,
// newest first. Directory removal failures are logged and skipped.
func (b *Builder) purge(ctx context.Context, log *slog.Logger, profileID string) error {
	snaps, err := b.store.ListSnapshots(ctx, profileID)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	if len(snaps) <= b.retention {
		return nil
	}
	for _, s := range snaps[b.retention:] {
		if s.Status == models.SnapshotActive {
			continue
		}
		b.removeDir(log, s.ID)
		if err := b.store.DeleteSnapshot(ctx, s.ID); err != nil {
			return fmt.Errorf("delete snapshot %s: %w", s.ID, err)
		}
		log.Debug("snapshot purged", "snapshot", s.ID)
	}
	return nil
}

func (b *Builder) removeDir(log *slog.Logger, id string) {
	if err := os.RemoveAll(Dir(b.dir, id)); err != nil {
		log.Warn("failed to delete snapshot directory", "dir", Dir(b.dir, id), "err", err)
	}
}

// discardStaged drops a snapshot that never became active.
func (b *Builder) discardStaged(log *slog.Logger, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.store.DeleteSnapshot(ctx, id); err != nil {
		log.Warn("failed to delete staged snapshot", "snapshot", id, "err", err)
	}
	b.removeDir(log, id)
}

// finishFailed records the run as failed. It outlives ctx so a cancelled or
// timed-out cycle is still recorded.
func (b *Builder) finishFailed(ctx context.Context, log *slog.Logger, run *models.FetchRun, summary string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	now := b.now().UTC()
	run.FinishedAt = &now
	run.Status = models.FetchStatusFail
	run.ErrorSummary = summary
	if err := b.store.FinishFetchRun(ctx, run); err != nil {
		log.Error("failed to record fetch run failure", "err", err)
	}
}

func (b *Builder) count(outcome string) {
	if b.metrics != nil {
		b.metrics.RefreshRuns.WithLabelValues(outcome).Inc()
	}
}
