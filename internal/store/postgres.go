package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voyagen/guidevault/internal/models"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Postgres implements Store using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPostgres creates a Postgres store from a DSN. Caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool, q: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// InTx runs fn inside a transaction. Nested calls reuse the outer transaction.
func (p *Postgres) InTx(ctx context.Context, fn func(tx Store) error) error {
	if p.inTx {
		return fn(p)
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(&Postgres{pool: p.pool, q: tx, inTx: true})
	})
}

// --- providers & profiles ---

const providerColumns = `id, name, playlist_url, guide_url, headers, user_agent, timeout_ms, enabled, is_active, created_at, updated_at`

func scanProvider(row pgx.Row) (*models.Provider, error) {
	var pr models.Provider
	var timeoutMS int64
	err := row.Scan(&pr.ID, &pr.Name, &pr.PlaylistURL, &pr.GuideURL, &pr.Headers, &pr.UserAgent,
		&timeoutMS, &pr.Enabled, &pr.IsActive, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pr.Timeout = time.Duration(timeoutMS) * time.Millisecond
	return &pr, nil
}

// ActiveProvider returns the active, enabled provider.
func (p *Postgres) ActiveProvider(ctx context.Context) (*models.Provider, error) {
	pr, err := scanProvider(p.q.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE is_active AND enabled LIMIT 1`))
	if err != nil {
		return nil, notFound("ActiveProvider", err)
	}
	return pr, nil
}

// GetProvider returns a provider by id.
func (p *Postgres) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	pr, err := scanProvider(p.q.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("GetProvider", err)
	}
	return pr, nil
}

// UpsertProvider creates or updates a provider by name.
func (p *Postgres) UpsertProvider(ctx context.Context, pr *models.Provider) (string, error) {
	headers := pr.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	var id string
	err := p.q.QueryRow(ctx,
		`INSERT INTO providers (id, name, playlist_url, guide_url, headers, user_agent, timeout_ms, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (name) DO UPDATE SET
		   playlist_url = EXCLUDED.playlist_url, guide_url = EXCLUDED.guide_url,
		   headers = EXCLUDED.headers, user_agent = EXCLUDED.user_agent,
		   timeout_ms = EXCLUDED.timeout_ms, enabled = EXCLUDED.enabled, updated_at = NOW()
		 RETURNING id`,
		uuid.NewString(), pr.Name, pr.PlaylistURL, pr.GuideURL, headers, pr.UserAgent,
		pr.EffectiveTimeout().Milliseconds(), pr.Enabled,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("UpsertProvider: %w", err)
	}
	return id, nil
}

// ActivateProvider clears is_active on every other provider and sets it on id,
// in one transaction.
func (p *Postgres) ActivateProvider(ctx context.Context, id string) error {
	return p.InTx(ctx, func(s Store) error {
		tx := s.(*Postgres)
		if _, err := tx.q.Exec(ctx, `SELECT id FROM providers WHERE is_active OR id = $1 FOR UPDATE`, id); err != nil {
			return fmt.Errorf("ActivateProvider lock: %w", err)
		}
		if _, err := tx.q.Exec(ctx,
			`UPDATE providers SET is_active = false, updated_at = NOW() WHERE is_active AND id <> $1`, id); err != nil {
			return fmt.Errorf("ActivateProvider clear: %w", err)
		}
		tag, err := tx.q.Exec(ctx,
			`UPDATE providers SET is_active = true, updated_at = NOW() WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("ActivateProvider set: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("ActivateProvider %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// FindProfile returns a profile by id or name.
func (p *Postgres) FindProfile(ctx context.Context, ref string) (*models.Profile, error) {
	var pf models.Profile
	err := p.q.QueryRow(ctx,
		`SELECT id, name, enabled, created_at FROM profiles WHERE id = $1 OR name = $1
		 ORDER BY (id = $1) DESC LIMIT 1`, ref,
	).Scan(&pf.ID, &pf.Name, &pf.Enabled, &pf.CreatedAt)
	if err != nil {
		return nil, notFound("FindProfile", err)
	}
	return &pf, nil
}

// UpsertProfile creates or updates a profile by name.
func (p *Postgres) UpsertProfile(ctx context.Context, name string, enabled bool) (string, error) {
	var id string
	err := p.q.QueryRow(ctx,
		`INSERT INTO profiles (id, name, enabled) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET enabled = EXCLUDED.enabled
		 RETURNING id`,
		uuid.NewString(), name, enabled,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("UpsertProfile: %w", err)
	}
	return id, nil
}

// LinkProfileProvider creates or updates a profile/provider link.
func (p *Postgres) LinkProfileProvider(ctx context.Context, link models.ProfileProvider) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO profile_providers (profile_id, provider_id, priority, enabled) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (profile_id, provider_id) DO UPDATE SET priority = EXCLUDED.priority, enabled = EXCLUDED.enabled`,
		link.ProfileID, link.ProviderID, link.Priority, link.Enabled,
	)
	if err != nil {
		return fmt.Errorf("LinkProfileProvider: %w", err)
	}
	return nil
}

// PrimaryProfileForProvider returns the first enabled profile linked to the provider.
func (p *Postgres) PrimaryProfileForProvider(ctx context.Context, providerID string) (*models.Profile, error) {
	var pf models.Profile
	err := p.q.QueryRow(ctx,
		`SELECT pf.id, pf.name, pf.enabled, pf.created_at
		 FROM profile_providers pp JOIN profiles pf ON pf.id = pp.profile_id
		 WHERE pp.provider_id = $1 AND pp.enabled AND pf.enabled
		 ORDER BY pp.priority, pf.id LIMIT 1`, providerID,
	).Scan(&pf.ID, &pf.Name, &pf.Enabled, &pf.CreatedAt)
	if err != nil {
		return nil, notFound("PrimaryProfileForProvider", err)
	}
	return &pf, nil
}

// --- fetch runs ---

// CreateFetchRun inserts a run pre-set to status fail.
func (p *Postgres) CreateFetchRun(ctx context.Context, providerID string, startedAt time.Time) (*models.FetchRun, error) {
	run := &models.FetchRun{
		ID:         uuid.NewString(),
		ProviderID: providerID,
		StartedAt:  startedAt,
		Status:     models.FetchStatusFail,
	}
	_, err := p.q.Exec(ctx,
		`INSERT INTO fetch_runs (id, provider_id, started_at, status) VALUES ($1, $2, $3, $4)`,
		run.ID, run.ProviderID, run.StartedAt, run.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("CreateFetchRun: %w", err)
	}
	return run, nil
}

// FinishFetchRun writes the terminal fields of a run.
func (p *Postgres) FinishFetchRun(ctx context.Context, run *models.FetchRun) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE fetch_runs SET finished_at = $2, status = $3, error_summary = $4,
		   playlist_bytes = $5, guide_bytes = $6, channel_count_seen = $7
		 WHERE id = $1`,
		run.ID, run.FinishedAt, run.Status, run.ErrorSummary, run.PlaylistBytes, run.GuideBytes, run.ChannelCountSeen,
	)
	if err != nil {
		return fmt.Errorf("FinishFetchRun: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("FinishFetchRun %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// LatestFetchRun returns the most recently started run for a provider.
func (p *Postgres) LatestFetchRun(ctx context.Context, providerID string) (*models.FetchRun, error) {
	var r models.FetchRun
	err := p.q.QueryRow(ctx,
		`SELECT id, provider_id, started_at, finished_at, status, error_summary,
		        playlist_bytes, guide_bytes, channel_count_seen
		 FROM fetch_runs WHERE provider_id = $1 ORDER BY started_at DESC, id DESC LIMIT 1`, providerID,
	).Scan(&r.ID, &r.ProviderID, &r.StartedAt, &r.FinishedAt, &r.Status, &r.ErrorSummary,
		&r.PlaylistBytes, &r.GuideBytes, &r.ChannelCountSeen)
	if err != nil {
		return nil, notFound("LatestFetchRun", err)
	}
	return &r, nil
}

// --- groups & channels ---

// ListGroups returns every group seen for the provider.
func (p *Postgres) ListGroups(ctx context.Context, providerID string) ([]models.ProviderGroup, error) {
	rows, err := p.q.Query(ctx,
		`SELECT id, provider_id, raw_name, first_seen_at, last_seen_at, active
		 FROM provider_groups WHERE provider_id = $1 ORDER BY raw_name`, providerID)
	if err != nil {
		return nil, fmt.Errorf("ListGroups: %w", err)
	}
	defer rows.Close()
	var out []models.ProviderGroup
	for rows.Next() {
		var g models.ProviderGroup
		if err := rows.Scan(&g.ID, &g.ProviderID, &g.RawName, &g.FirstSeenAt, &g.LastSeenAt, &g.Active); err != nil {
			return nil, fmt.Errorf("ListGroups scan: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SaveGroups upserts groups in one batch.
func (p *Postgres) SaveGroups(ctx context.Context, groups []models.ProviderGroup) error {
	if len(groups) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, g := range groups {
		b.Queue(
			`INSERT INTO provider_groups (id, provider_id, raw_name, first_seen_at, last_seen_at, active)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at, active = EXCLUDED.active`,
			g.ID, g.ProviderID, g.RawName, g.FirstSeenAt, g.LastSeenAt, g.Active,
		)
	}
	if err := p.q.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("SaveGroups: %w", err)
	}
	return nil
}

const channelColumns = `id, provider_id, channel_key, display_name, tvg_id, tvg_name, logo_url, stream_url,
	group_title, group_id, first_seen_at, last_seen_at, active, last_fetch_run_id`

func (p *Postgres) listChannels(ctx context.Context, op, where string, providerID string) ([]models.ProviderChannel, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+channelColumns+` FROM provider_channels WHERE provider_id = $1`+where+` ORDER BY first_seen_at, id`,
		providerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []models.ProviderChannel
	for rows.Next() {
		var c models.ProviderChannel
		if err := rows.Scan(&c.ID, &c.ProviderID, &c.ChannelKey, &c.DisplayName, &c.TvgID, &c.TvgName,
			&c.LogoURL, &c.StreamURL, &c.GroupTitle, &c.GroupID, &c.FirstSeenAt, &c.LastSeenAt,
			&c.Active, &c.LastFetchRunID); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListChannels returns every channel seen for the provider.
func (p *Postgres) ListChannels(ctx context.Context, providerID string) ([]models.ProviderChannel, error) {
	return p.listChannels(ctx, "ListChannels", "", providerID)
}

// ListActiveChannels returns the provider's active channels.
func (p *Postgres) ListActiveChannels(ctx context.Context, providerID string) ([]models.ProviderChannel, error) {
	return p.listChannels(ctx, "ListActiveChannels", " AND active", providerID)
}

// SaveChannels upserts channels in one batch.
func (p *Postgres) SaveChannels(ctx context.Context, channels []models.ProviderChannel) error {
	if len(channels) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, c := range channels {
		b.Queue(
			`INSERT INTO provider_channels (`+channelColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (id) DO UPDATE SET
			   channel_key = EXCLUDED.channel_key, display_name = EXCLUDED.display_name,
			   tvg_id = EXCLUDED.tvg_id, tvg_name = EXCLUDED.tvg_name, logo_url = EXCLUDED.logo_url,
			   stream_url = EXCLUDED.stream_url, group_title = EXCLUDED.group_title,
			   group_id = EXCLUDED.group_id, last_seen_at = EXCLUDED.last_seen_at,
			   active = EXCLUDED.active, last_fetch_run_id = EXCLUDED.last_fetch_run_id`,
			c.ID, c.ProviderID, c.ChannelKey, c.DisplayName, c.TvgID, c.TvgName, c.LogoURL, c.StreamURL,
			c.GroupTitle, c.GroupID, c.FirstSeenAt, c.LastSeenAt, c.Active, c.LastFetchRunID,
		)
	}
	if err := p.q.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("SaveChannels: %w", err)
	}
	return nil
}

// --- snapshots ---

const snapshotColumns = `id, profile_id, provider_id, created_at, status, channel_index_path, guide_path, channel_count`

func scanSnapshots(rows pgx.Rows, op string) ([]models.Snapshot, error) {
	defer rows.Close()
	var out []models.Snapshot
	for rows.Next() {
		var s models.Snapshot
		if err := rows.Scan(&s.ID, &s.ProfileID, &s.ProviderID, &s.CreatedAt, &s.Status,
			&s.ChannelIndexPath, &s.GuidePath, &s.ChannelCount); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateSnapshot inserts a snapshot row.
func (p *Postgres) CreateSnapshot(ctx context.Context, s *models.Snapshot) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO snapshots (`+snapshotColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.ProfileID, s.ProviderID, s.CreatedAt, s.Status, s.ChannelIndexPath, s.GuidePath, s.ChannelCount,
	)
	if err != nil {
		return fmt.Errorf("CreateSnapshot: %w", err)
	}
	return nil
}

// PromoteSnapshot locks the profile's snapshot rows, archives the current
// active snapshot and activates id, all in one transaction.
func (p *Postgres) PromoteSnapshot(ctx context.Context, id string) error {
	return p.InTx(ctx, func(s Store) error {
		tx := s.(*Postgres)
		var profileID string
		err := tx.q.QueryRow(ctx, `SELECT profile_id FROM snapshots WHERE id = $1 FOR UPDATE`, id).Scan(&profileID)
		if err != nil {
			return notFound("PromoteSnapshot", err)
		}
		if _, err := tx.q.Exec(ctx,
			`SELECT id FROM snapshots WHERE profile_id = $1 FOR UPDATE`, profileID); err != nil {
			return fmt.Errorf("PromoteSnapshot lock: %w", err)
		}
		if _, err := tx.q.Exec(ctx,
			`UPDATE snapshots SET status = $3 WHERE profile_id = $1 AND status = $2 AND id <> $4`,
			profileID, models.SnapshotActive, models.SnapshotArchived, id); err != nil {
			return fmt.Errorf("PromoteSnapshot archive: %w", err)
		}
		if _, err := tx.q.Exec(ctx,
			`UPDATE snapshots SET status = $2 WHERE id = $1`, id, models.SnapshotActive); err != nil {
			return fmt.Errorf("PromoteSnapshot activate: %w", err)
		}
		return nil
	})
}

// ActiveSnapshot returns the active snapshot of a profile.
func (p *Postgres) ActiveSnapshot(ctx context.Context, profileID string) (*models.Snapshot, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE profile_id = $1 AND status = $2 LIMIT 1`,
		profileID, models.SnapshotActive)
	if err != nil {
		return nil, fmt.Errorf("ActiveSnapshot: %w", err)
	}
	snaps, err := scanSnapshots(rows, "ActiveSnapshot")
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return &snaps[0], nil
}

// ListActiveSnapshots returns every active snapshot, newest first.
func (p *Postgres) ListActiveSnapshots(ctx context.Context) ([]models.Snapshot, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE status = $1 ORDER BY created_at DESC, id DESC`,
		models.SnapshotActive)
	if err != nil {
		return nil, fmt.Errorf("ListActiveSnapshots: %w", err)
	}
	return scanSnapshots(rows, "ListActiveSnapshots")
}

// ListSnapshots returns a profile's snapshots, newest first.
func (p *Postgres) ListSnapshots(ctx context.Context, profileID string) ([]models.Snapshot, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE profile_id = $1 ORDER BY created_at DESC, id DESC`,
		profileID)
	if err != nil {
		return nil, fmt.Errorf("ListSnapshots: %w", err)
	}
	return scanSnapshots(rows, "ListSnapshots")
}

// DeleteSnapshot removes a snapshot row.
func (p *Postgres) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := p.q.Exec(ctx, `DELETE FROM snapshots WHERE id = $1`, id); err != nil {
		return fmt.Errorf("DeleteSnapshot: %w", err)
	}
	return nil
}

// notFound maps pgx.ErrNoRows to ErrNotFound and wraps anything else with op.
func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
