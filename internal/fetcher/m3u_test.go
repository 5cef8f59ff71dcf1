package fetcher

import (
	"errors"
	"strings"
	"testing"

	"github.com/voyagen/guidevault/internal/models"
)

const samplePlaylist = `#EXTM3U url-tvg="http://example/guide.xml"
#EXTINF:-1 tvg-id="cnn.us" tvg-name="CNN" tvg-logo="http://logo/cnn.png" group-title="News",CNN US
http://provider/live/u/p/1.ts
#EXTINF:-1 tvg-id="" tvg-name="ESPN HD" group-title="Sports",
http://provider/live/u/p/2.ts
#EXTINF:-1 group-title="Movies, Classic",
http://provider/movie/u/p/3.mp4
#EXTINF:-1 tvg-id="orphan",No URL Channel
#EXTINF:-1 tvg-id="grp",Grouped
#EXTGRP:Kids
http://provider/live/u/p/4.ts
`

func TestParseM3U_channels(t *testing.T) {
	doc, err := ParseM3U(strings.NewReader(samplePlaylist))
	if err != nil {
		t.Fatal(err)
	}
	chs := doc.Channels()
	if len(chs) != 4 {
		t.Fatalf("got %d channels, want 4", len(chs))
	}

	cnn := chs[0]
	if cnn.DisplayName != "CNN US" || models.Deref(cnn.ChannelKey) != "cnn.us" ||
		models.Deref(cnn.GroupTitle) != "News" || models.Deref(cnn.LogoURL) != "http://logo/cnn.png" ||
		models.Deref(cnn.TvgName) != "CNN" {
		t.Errorf("cnn = %+v", cnn)
	}

	espn := chs[1]
	if espn.DisplayName != "ESPN HD" {
		t.Errorf("blank title should fall back to tvg-name, got %q", espn.DisplayName)
	}
	if espn.ChannelKey != nil || espn.TvgID != nil {
		t.Errorf("blank tvg-id should normalize to nil key")
	}

	movie := chs[2]
	if movie.DisplayName != unnamedChannel {
		t.Errorf("no title and no tvg-name: got %q", movie.DisplayName)
	}
	if models.Deref(movie.GroupTitle) != "Movies, Classic" {
		t.Errorf("comma inside quoted group: got %q", models.Deref(movie.GroupTitle))
	}

	if models.Deref(chs[3].GroupTitle) != "Kids" {
		t.Errorf("#EXTGRP should set group, got %v", chs[3].GroupTitle)
	}
}

func TestParseM3U_errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"blank", "\n \n"},
		{"html", "<html><body>Access denied</body></html>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseM3U(strings.NewReader(tt.in))
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("want *ParseError, got %v", err)
			}
		})
	}
}

func TestParseM3U_headerless(t *testing.T) {
	in := "#EXTINF:-1,Bare\nhttp://x/1\n"
	doc, err := ParseM3U(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Entries) != 1 || doc.Entries[0].URL != "http://x/1" {
		t.Errorf("entries = %+v", doc.Entries)
	}
}

func TestParseM3U_crlfAndBOM(t *testing.T) {
	in := "\ufeff#EXTM3U\r\n#EXTINF:-1 tvg-id=\"a\",A\r\nhttp://x/a\r\n"
	doc, err := ParseM3U(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	chs := doc.Channels()
	if len(chs) != 1 || chs[0].StreamURL != "http://x/a" || chs[0].DisplayName != "A" {
		t.Errorf("channels = %+v", chs)
	}
}

func TestParseAttributes_caseInsensitiveFirstWins(t *testing.T) {
	attrs := parseAttributes(`#EXTINF:-1 TVG-ID="one" tvg-id="two",x`)
	if attrs["tvg-id"] != "one" {
		t.Errorf("tvg-id = %q", attrs["tvg-id"])
	}
}
