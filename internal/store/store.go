package store

import (
	"context"
	"errors"
	"time"

	"github.com/voyagen/guidevault/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines persistence for providers, profiles, fetch runs, groups,
// channels and snapshots.
type Store interface {
	// ActiveProvider returns the single provider that is active and enabled.
	ActiveProvider(ctx context.Context) (*models.Provider, error)
	// GetProvider returns a provider by id.
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
	// UpsertProvider creates or updates a provider by name and returns its id.
	// IsActive is ignored; use ActivateProvider.
	UpsertProvider(ctx context.Context, p *models.Provider) (string, error)
	// ActivateProvider makes id the only active provider.
	ActivateProvider(ctx context.Context, id string) error

	// FindProfile returns a profile by id or name.
	FindProfile(ctx context.Context, ref string) (*models.Profile, error)
	// UpsertProfile creates or updates a profile by name and returns its id.
	UpsertProfile(ctx context.Context, name string, enabled bool) (string, error)
	// LinkProfileProvider creates or updates a profile/provider link.
	LinkProfileProvider(ctx context.Context, link models.ProfileProvider) error
	// PrimaryProfileForProvider returns the first enabled profile linked to the
	// provider, by link priority.
	PrimaryProfileForProvider(ctx context.Context, providerID string) (*models.Profile, error)

	// CreateFetchRun inserts a run with status fail.
	CreateFetchRun(ctx context.Context, providerID string, startedAt time.Time) (*models.FetchRun, error)
	// FinishFetchRun writes the terminal state of a run.
	FinishFetchRun(ctx context.Context, run *models.FetchRun) error
	// LatestFetchRun returns the most recently started run for a provider.
	LatestFetchRun(ctx context.Context, providerID string) (*models.FetchRun, error)

	// ListGroups returns every group ever seen for the provider.
	ListGroups(ctx context.Context, providerID string) ([]models.ProviderGroup, error)
	// SaveGroups inserts or updates groups by id.
	SaveGroups(ctx context.Context, groups []models.ProviderGroup) error
	// ListChannels returns every channel ever seen for the provider.
	ListChannels(ctx context.Context, providerID string) ([]models.ProviderChannel, error)
	// ListActiveChannels returns the provider's active channels.
	ListActiveChannels(ctx context.Context, providerID string) ([]models.ProviderChannel, error)
	// SaveChannels inserts or updates channels by id.
	SaveChannels(ctx context.Context, channels []models.ProviderChannel) error

	// CreateSnapshot inserts a snapshot row (normally staged).
	CreateSnapshot(ctx context.Context, s *models.Snapshot) error
	// PromoteSnapshot atomically makes id the active snapshot of its profile
	// and archives any other active snapshot of that profile.
	PromoteSnapshot(ctx context.Context, id string) error
	// ActiveSnapshot returns the active snapshot of a profile.
	ActiveSnapshot(ctx context.Context, profileID string) (*models.Snapshot, error)
	// ListActiveSnapshots returns every active snapshot, newest first.
	ListActiveSnapshots(ctx context.Context) ([]models.Snapshot, error)
	// ListSnapshots returns a profile's snapshots in any status, newest first.
	ListSnapshots(ctx context.Context, profileID string) ([]models.Snapshot, error)
	// DeleteSnapshot removes a snapshot row.
	DeleteSnapshot(ctx context.Context, id string) error

	// InTx runs fn against a Store bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Store) error) error
}
