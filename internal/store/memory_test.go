package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voyagen/guidevault/internal/models"
)

func seedProvider(t *testing.T, s *Memory, name string) string {
	t.Helper()
	id, err := s.UpsertProvider(context.Background(), &models.Provider{
		Name: name, PlaylistURL: "http://example/" + name, Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestMemory_activateProviderIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	a := seedProvider(t, s, "a")
	b := seedProvider(t, s, "b")

	if _, err := s.ActiveProvider(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound before activation, got %v", err)
	}
	if err := s.ActivateProvider(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.ActivateProvider(ctx, b); err != nil {
		t.Fatal(err)
	}
	p, err := s.ActiveProvider(ctx)
	if err != nil || p.ID != b {
		t.Fatalf("active = %v, %v; want %s", p, err, b)
	}
	pa, _ := s.GetProvider(ctx, a)
	if pa.IsActive {
		t.Error("provider a still active")
	}
	if err := s.ActivateProvider(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestMemory_upsertProviderByName(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	id1 := seedProvider(t, s, "same")
	id2, err := s.UpsertProvider(ctx, &models.Provider{Name: "same", PlaylistURL: "http://new", Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %s vs %s", id1, id2)
	}
	p, _ := s.GetProvider(ctx, id1)
	if p.PlaylistURL != "http://new" || p.Timeout != models.DefaultProviderTimeout {
		t.Errorf("provider = %+v", p)
	}
}

func TestMemory_primaryProfileByPriority(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	prov := seedProvider(t, s, "p")
	low, _ := s.UpsertProfile(ctx, "low", true)
	high, _ := s.UpsertProfile(ctx, "high", true)
	off, _ := s.UpsertProfile(ctx, "off", false)
	for _, l := range []models.ProfileProvider{
		{ProfileID: low, ProviderID: prov, Priority: 10, Enabled: true},
		{ProfileID: high, ProviderID: prov, Priority: 1, Enabled: true},
		{ProfileID: off, ProviderID: prov, Priority: 0, Enabled: true},
	} {
		if err := s.LinkProfileProvider(ctx, l); err != nil {
			t.Fatal(err)
		}
	}
	pf, err := s.PrimaryProfileForProvider(ctx, prov)
	if err != nil || pf.ID != high {
		t.Fatalf("primary = %v, %v; want %s", pf, err, high)
	}
	byName, err := s.FindProfile(ctx, "low")
	if err != nil || byName.ID != low {
		t.Errorf("FindProfile by name = %v, %v", byName, err)
	}
	byID, err := s.FindProfile(ctx, low)
	if err != nil || byID.Name != "low" {
		t.Errorf("FindProfile by id = %v, %v", byID, err)
	}
}

func TestMemory_promoteKeepsOneActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"s1", "s2", "s3"} {
		err := s.CreateSnapshot(ctx, &models.Snapshot{
			ID: id, ProfileID: "prof", CreatedAt: base.Add(time.Duration(i) * time.Minute), Status: models.SnapshotStaged,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.PromoteSnapshot(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	snaps, _ := s.ListSnapshots(ctx, "prof")
	active := 0
	for _, sn := range snaps {
		if sn.Status == models.SnapshotActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("active snapshots = %d", active)
	}
	if snaps[0].ID != "s3" || snaps[0].Status != models.SnapshotActive {
		t.Errorf("newest = %+v", snaps[0])
	}
	if snaps[1].Status != models.SnapshotArchived {
		t.Errorf("previous = %+v", snaps[1])
	}
}

func TestMemory_inTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	prov := seedProvider(t, s, "p")
	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Store) error {
		if err := tx.SaveGroups(ctx, []models.ProviderGroup{{ID: "g1", ProviderID: prov, RawName: "News", Active: true}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	groups, _ := s.ListGroups(ctx, prov)
	if len(groups) != 0 {
		t.Errorf("groups after rollback = %d", len(groups))
	}
}

func TestMemory_duplicateChannelKeyRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	key := "cnn"
	err := s.SaveChannels(ctx, []models.ProviderChannel{
		{ID: "c1", ProviderID: "p", ChannelKey: &key, DisplayName: "CNN"},
		{ID: "c2", ProviderID: "p", ChannelKey: &key, DisplayName: "CNN 2"},
	})
	if err == nil {
		t.Fatal("want duplicate key error")
	}
}

func TestMemory_latestFetchRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := s.CreateFetchRun(ctx, "p", t0); err != nil {
		t.Fatal(err)
	}
	second, _ := s.CreateFetchRun(ctx, "p", t0.Add(time.Hour))
	got, err := s.LatestFetchRun(ctx, "p")
	if err != nil || got.ID != second.ID {
		t.Fatalf("latest = %v, %v", got, err)
	}
	if got.Status != models.FetchStatusFail {
		t.Errorf("new run status = %q, want fail", got.Status)
	}
}
