package snapshot

import (
	"path/filepath"
	"regexp"
	"testing"

	"github.com/voyagen/guidevault/internal/models"
)

func TestDeriveStreamKey(t *testing.T) {
	k1 := DeriveStreamKey("chan-1", "prof-1")
	if k1 != DeriveStreamKey("chan-1", "prof-1") {
		t.Fatal("key not deterministic")
	}
	if len(k1) != 16 {
		t.Errorf("len = %d", len(k1))
	}
	if !regexp.MustCompile(`^[A-Za-z0-9_-]{16}$`).MatchString(k1) {
		t.Errorf("key %q is not URL-safe", k1)
	}
	if k1 == DeriveStreamKey("chan-1", "prof-2") {
		t.Error("profile does not affect key")
	}
	if k1 == DeriveStreamKey("chan-2", "prof-1") {
		t.Error("channel does not affect key")
	}
}

func TestBuildChannelIndex_order(t *testing.T) {
	chs := []models.ProviderChannel{
		{ID: "b", DisplayName: "Zed", StreamURL: "u1"},
		{ID: "c", DisplayName: "Alpha", StreamURL: "u2"},
		{ID: "a", DisplayName: "Alpha", StreamURL: "u3"},
		{ID: "d", DisplayName: "alpha", StreamURL: "u4"},
	}
	idx := BuildChannelIndex(chs, "p")
	var got []string
	for _, e := range idx {
		got = append(got, e.ProviderChannelID)
	}
	want := []string{"a", "c", "b", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if idx[0].StreamURL != "u3" || idx[0].StreamKey != DeriveStreamKey("a", "p") {
		t.Errorf("entry = %+v", idx[0])
	}
}

func TestWriteAndReadFiles(t *testing.T) {
	root := t.TempDir()
	idxPath, guidePath, err := WriteFiles(root, "snap1", nil, []byte("<tv/>"))
	if err != nil {
		t.Fatal(err)
	}
	if idxPath != filepath.Join(root, "snap1", ChannelIndexFile) || guidePath != filepath.Join(root, "snap1", GuideFile) {
		t.Errorf("paths = %s, %s", idxPath, guidePath)
	}
	entries, err := ReadChannelIndex(idxPath)
	if err != nil {
		t.Fatal(err)
	}
	if entries == nil || len(entries) != 0 {
		t.Errorf("empty index should round-trip as [], got %#v", entries)
	}
}
