package snapshot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/voyagen/guidevault/internal/fetcher"
	"github.com/voyagen/guidevault/internal/models"
	"github.com/voyagen/guidevault/internal/store"
)

const playlistBoth = `#EXTM3U
#EXTINF:-1 tvg-id="cnn.us" group-title="News",CNN US
http://up/live/cnn.ts
#EXTINF:-1 tvg-id="espn.hd" group-title="Sports",ESPN HD
http://up/live/espn.ts
`

const playlistESPN = `#EXTM3U
#EXTINF:-1 tvg-id="espn.hd" group-title="Sports",ESPN HD
http://up/live/espn.ts
`

const guideDoc = `<?xml version="1.0"?><tv><channel id="espn.hd"/></tv>`

// upstream serves a mutable playlist and guide.
type upstream struct {
	mu        sync.Mutex
	playlist  string
	guide     string
	failPlay  bool
	failGuide bool
	srv       *httptest.Server
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{playlist: playlistBoth, guide: guideDoc}
	mux := http.NewServeMux()
	mux.HandleFunc("/playlist.m3u", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		defer u.mu.Unlock()
		if u.failPlay {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(u.playlist))
	})
	mux.HandleFunc("/guide.xml", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		defer u.mu.Unlock()
		if u.failGuide {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(u.guide))
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) set(fn func(u *upstream)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fn(u)
}

type fixture struct {
	store     *store.Memory
	builder   *Builder
	dir       string
	provider  string
	profileID string
	up        *upstream
}

func newFixture(t *testing.T, retention int) *fixture {
	t.Helper()
	ctx := context.Background()
	up := newUpstream(t)
	s := store.NewMemory()
	provID, err := s.UpsertProvider(ctx, &models.Provider{
		Name:        "main",
		PlaylistURL: up.srv.URL + "/playlist.m3u",
		GuideURL:    up.srv.URL + "/guide.xml",
		Enabled:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ActivateProvider(ctx, provID); err != nil {
		t.Fatal(err)
	}
	profID, _ := s.UpsertProfile(ctx, "living-room", true)
	if err := s.LinkProfileProvider(ctx, models.ProfileProvider{ProfileID: profID, ProviderID: provID, Enabled: true}); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	var mu sync.Mutex
	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	b := New(s, fetcher.New(nil, "test", nil, nil), Options{
		Dir:       dir,
		Retention: retention,
		Clock: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	})
	return &fixture{store: s, builder: b, dir: dir, provider: provID, profileID: profID, up: up}
}

func (f *fixture) snapshots(t *testing.T) []models.Snapshot {
	t.Helper()
	snaps, err := f.store.ListSnapshots(context.Background(), f.profileID)
	if err != nil {
		t.Fatal(err)
	}
	return snaps
}

func countActive(snaps []models.Snapshot) int {
	n := 0
	for _, s := range snaps {
		if s.Status == models.SnapshotActive {
			n++
		}
	}
	return n
}

func TestRun_exampleScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	if err := f.builder.Run(ctx); err != nil {
		t.Fatal(err)
	}
	snaps := f.snapshots(t)
	if len(snaps) != 1 || snaps[0].Status != models.SnapshotActive || snaps[0].ChannelCount != 2 {
		t.Fatalf("after run 1: %+v", snaps)
	}
	snapA := snaps[0]

	f.up.set(func(u *upstream) { u.playlist = playlistESPN })
	if err := f.builder.Run(ctx); err != nil {
		t.Fatal(err)
	}
	snaps = f.snapshots(t)
	if len(snaps) != 2 || countActive(snaps) != 1 {
		t.Fatalf("after run 2: %+v", snaps)
	}
	snapB := snaps[0]
	if snapB.Status != models.SnapshotActive || snapB.ChannelCount != 1 {
		t.Errorf("snapshot B = %+v", snapB)
	}
	if snaps[1].ID != snapA.ID || snaps[1].Status != models.SnapshotArchived {
		t.Errorf("snapshot A = %+v", snaps[1])
	}

	index, err := ReadChannelIndex(snapB.ChannelIndexPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(index) != 1 || index[0].DisplayName != "ESPN HD" {
		t.Errorf("index = %+v", index)
	}

	all, _ := f.store.ListChannels(ctx, f.provider)
	if len(all) != 2 {
		t.Fatalf("channels = %d, want 2 (deactivated CNN kept)", len(all))
	}
	for _, c := range all {
		if c.DisplayName == "CNN US" && c.Active {
			t.Error("CNN US still active")
		}
	}
	groups, _ := f.store.ListGroups(ctx, f.provider)
	for _, g := range groups {
		if g.RawName == "News" && g.Active {
			t.Error("News still active")
		}
	}

	runs := f.store.FetchRuns(f.provider)
	if len(runs) != 2 {
		t.Fatalf("fetch runs = %d", len(runs))
	}
	for _, r := range runs {
		if r.Status != models.FetchStatusOK || r.FinishedAt == nil {
			t.Errorf("run %+v", r)
		}
	}
	if runs[1].ChannelCountSeen != 1 || runs[1].PlaylistBytes != int64(len(playlistESPN)) {
		t.Errorf("run 2 counters = %+v", runs[1])
	}
}

func TestRun_playlistFailureKeepsLastKnownGood(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	if err := f.builder.Run(ctx); err != nil {
		t.Fatal(err)
	}
	before := f.snapshots(t)

	f.up.set(func(u *upstream) { u.failPlay = true })
	if err := f.builder.Run(ctx); err != nil {
		t.Fatalf("provider failure should not be returned: %v", err)
	}
	after := f.snapshots(t)
	if len(after) != len(before) || after[0].ID != before[0].ID || after[0].Status != models.SnapshotActive {
		t.Fatalf("snapshots changed: before=%+v after=%+v", before, after)
	}
	runs := f.store.FetchRuns(f.provider)
	last := runs[len(runs)-1]
	if last.Status != models.FetchStatusFail || last.ErrorSummary == "" || last.FinishedAt == nil {
		t.Errorf("failed run = %+v", last)
	}
	active, _ := f.store.ListActiveChannels(ctx, f.provider)
	if len(active) != 2 {
		t.Errorf("channels deactivated by failed run: %d active", len(active))
	}
}

func TestRun_guideFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.up.set(func(u *upstream) { u.failGuide = true })
	if err := f.builder.Run(ctx); err != nil {
		t.Fatal(err)
	}
	snaps := f.snapshots(t)
	if len(snaps) != 1 || snaps[0].Status != models.SnapshotActive {
		t.Fatalf("snapshots = %+v", snaps)
	}
	guide, err := os.ReadFile(snaps[0].GuidePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(guide) != fetcher.EmptyGuide {
		t.Errorf("guide = %q", guide)
	}
	runs := f.store.FetchRuns(f.provider)
	if runs[0].Status != models.FetchStatusOK || runs[0].GuideBytes != 0 {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestRun_guideWritten(t *testing.T) {
	f := newFixture(t, 3)
	if err := f.builder.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := f.snapshots(t)[0]
	guide, _ := os.ReadFile(snap.GuidePath)
	if string(guide) != guideDoc {
		t.Errorf("guide = %q", guide)
	}
	if filepath.Dir(snap.GuidePath) != filepath.Join(f.dir, snap.ID) {
		t.Errorf("guide path = %s", snap.GuidePath)
	}
}

func TestRun_retention(t *testing.T) {
	ctx := context.Background()
	const retention = 2
	f := newFixture(t, retention)
	for i := 0; i < retention+3; i++ {
		if err := f.builder.Run(ctx); err != nil {
			t.Fatal(err)
		}
		if n := countActive(f.snapshots(t)); n != 1 {
			t.Fatalf("run %d: %d active snapshots", i, n)
		}
	}
	snaps := f.snapshots(t)
	if len(snaps) != retention {
		t.Fatalf("snapshot rows = %d, want %d", len(snaps), retention)
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != retention {
		t.Fatalf("snapshot dirs = %d, want %d", len(entries), retention)
	}
	for _, s := range snaps {
		if _, err := os.Stat(filepath.Join(f.dir, s.ID)); err != nil {
			t.Errorf("retained snapshot %s has no dir: %v", s.ID, err)
		}
	}
}

func TestRun_noActiveProviderIsNoop(t *testing.T) {
	s := store.NewMemory()
	b := New(s, fetcher.New(nil, "", nil, nil), Options{Dir: t.TempDir()})
	if err := b.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestRun_noProfileIsNoop(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	id, _ := s.UpsertProvider(ctx, &models.Provider{Name: "p", PlaylistURL: "http://unused", Enabled: true})
	_ = s.ActivateProvider(ctx, id)
	b := New(s, fetcher.New(nil, "", nil, nil), Options{Dir: t.TempDir()})
	if err := b.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if runs := s.FetchRuns(id); len(runs) != 0 {
		t.Errorf("fetch runs created: %d", len(runs))
	}
}

func TestRun_cancelledDuringFetchRecordsFailure(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.builder.Run(ctx); err != nil {
		t.Fatal(err)
	}
	runs := f.store.FetchRuns(f.provider)
	if len(runs) != 1 || runs[0].Status != models.FetchStatusFail || runs[0].FinishedAt == nil {
		t.Fatalf("runs = %+v", runs)
	}
	if len(f.snapshots(t)) != 0 {
		t.Error("snapshot created for cancelled run")
	}
}

// failingStore injects an unexpected error into snapshot creation.
type failingStore struct {
	store.Store
}

var errDisk = errors.New("disk full")

func (failingStore) CreateSnapshot(context.Context, *models.Snapshot) error { return errDisk }

func TestRun_unexpectedErrorPropagates(t *testing.T) {
	f := newFixture(t, 3)
	b := New(failingStore{f.store}, fetcher.New(nil, "", nil, nil), Options{Dir: f.dir})
	err := b.Run(context.Background())
	if !errors.Is(err, errDisk) {
		t.Fatalf("err = %v", err)
	}
	runs := f.store.FetchRuns(f.provider)
	if len(runs) != 1 || runs[0].Status != models.FetchStatusFail {
		t.Fatalf("runs = %+v", runs)
	}
	entries, _ := os.ReadDir(f.dir)
	if len(entries) != 0 {
		t.Errorf("orphan snapshot dirs left: %d", len(entries))
	}
}
