package server

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/voyagen/guidevault/internal/models"
	"github.com/voyagen/guidevault/internal/snapshot"
	"github.com/voyagen/guidevault/internal/store"
)

// Retry-After hints, in seconds.
const (
	retryNoSnapshot  = 60
	retryUnreadable  = 30
	msgNoSnapshot    = "No active snapshot available. Waiting for first refresh."
	msgUnreadable    = "Active snapshot data is unavailable."
	playlistMimeType = "application/x-mpegurl; charset=utf-8"
)

// activeSnapshot resolves the snapshot a playlist or guide request reads.
// Requests without a {profile} path value get the newest active snapshot.
// It writes the error response itself and returns nil in that case.
func (s *Server) activeSnapshot(w http.ResponseWriter, r *http.Request) *models.Snapshot {
	ctx := r.Context()
	ref := r.PathValue("profile")
	if ref == "" {
		snaps, err := s.store.ListActiveSnapshots(ctx)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return nil
		}
		if len(snaps) == 0 {
			writeUnavailable(w, retryNoSnapshot, msgNoSnapshot)
			return nil
		}
		return &snaps[0]
	}

	profile, err := s.store.FindProfile(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("profile %q not found", ref))
		return nil
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return nil
	}
	snap, err := s.store.ActiveSnapshot(ctx, profile.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeUnavailable(w, retryNoSnapshot, msgNoSnapshot)
		return nil
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return nil
	}
	return snap
}

// handlePlaylist renders the active snapshot's channel index as M3U.
// Stream lines point at this server's relay, never at the upstream.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	snap := s.activeSnapshot(w, r)
	if snap == nil {
		return
	}
	idx, err := s.indexes.get(snap)
	if err != nil {
		s.log.Warn("channel index unreadable", "snapshot", snap.ID, "err", err)
		writeUnavailable(w, retryUnreadable, msgUnreadable)
		return
	}

	base := s.baseURL(r)
	guideURL := base + "/xmltv/guidevault.xml"
	if ref := r.PathValue("profile"); ref != "" {
		guideURL = base + "/profiles/" + url.PathEscape(ref) + "/guide.xml"
	}

	w.Header().Set("Content-Type", playlistMimeType)
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "#EXTM3U url-tvg=\"%s\" x-tvg-url=\"%s\"\n", guideURL, guideURL)
	for i := range idx.entries {
		writeExtinf(bw, &idx.entries[i])
		bw.WriteString(base + "/stream/" + idx.entries[i].StreamKey + "\n")
	}
	_ = bw.Flush()
}

func writeExtinf(bw *bufio.Writer, e *models.ChannelIndexEntry) {
	bw.WriteString("#EXTINF:-1")
	if v := models.Deref(e.TvgID); v != "" {
		writeAttr(bw, "tvg-id", v)
	}
	name := models.Deref(e.TvgName)
	if strings.TrimSpace(name) == "" {
		name = e.DisplayName
	}
	writeAttr(bw, "tvg-name", name)
	if v := models.Deref(e.LogoURL); v != "" {
		writeAttr(bw, "tvg-logo", v)
	}
	if v := models.Deref(e.GroupTitle); v != "" {
		writeAttr(bw, "group-title", v)
	}
	bw.WriteString(",")
	bw.WriteString(oneLine(e.DisplayName))
	bw.WriteString("\n")
}

func writeAttr(bw *bufio.Writer, name, value string) {
	bw.WriteString(" " + name + `="` + strings.ReplaceAll(oneLine(value), `"`, "'") + `"`)
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// handleGuide serves the active snapshot's guide.xml as stored.
func (s *Server) handleGuide(w http.ResponseWriter, r *http.Request) {
	snap := s.activeSnapshot(w, r)
	if snap == nil {
		return
	}
	if snap.GuidePath == "" {
		writeUnavailable(w, retryNoSnapshot, msgNoSnapshot)
		return
	}
	f, err := os.Open(snap.GuidePath)
	if err != nil {
		s.log.Warn("guide unreadable", "snapshot", snap.ID, "err", err)
		writeUnavailable(w, retryUnreadable, msgUnreadable)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		writeUnavailable(w, retryUnreadable, msgUnreadable)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	http.ServeContent(w, r, snapshot.GuideFile, fi.ModTime(), f)
}

// baseURL is the scheme://host prefix for links handed to clients.
func (s *Server) baseURL(r *http.Request) string {
	if s.opts.PublicBaseURL != "" {
		return strings.TrimRight(s.opts.PublicBaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.TrimSpace(strings.Split(p, ",")[0])
	}
	return scheme + "://" + r.Host
}

// --- channel index cache ---

// snapshotIndex is a loaded channel_index.json. Snapshots are immutable
// once promoted, so entries never change for a given snapshot id.
type snapshotIndex struct {
	entries []models.ChannelIndexEntry
	byKey   map[string]int
}

func (i *snapshotIndex) lookup(key string) (*models.ChannelIndexEntry, bool) {
	n, ok := i.byKey[key]
	if !ok {
		return nil, false
	}
	return &i.entries[n], true
}

type indexCache struct {
	mu    sync.Mutex
	byID  map[string]*snapshotIndex
	loads singleflight.Group
}

func newIndexCache() *indexCache {
	return &indexCache{byID: make(map[string]*snapshotIndex)}
}

// get returns the index for snap, reading it from disk at most once at a time.
func (c *indexCache) get(snap *models.Snapshot) (*snapshotIndex, error) {
	c.mu.Lock()
	idx, ok := c.byID[snap.ID]
	c.mu.Unlock()
	if ok {
		return idx, nil
	}
	v, err, _ := c.loads.Do(snap.ID, func() (any, error) {
		entries, err := snapshot.ReadChannelIndex(snap.ChannelIndexPath)
		if err != nil {
			return nil, err
		}
		idx := &snapshotIndex{entries: entries, byKey: make(map[string]int, len(entries))}
		for i, e := range entries {
			if _, dup := idx.byKey[e.StreamKey]; !dup {
				idx.byKey[e.StreamKey] = i
			}
		}
		c.mu.Lock()
		c.byID[snap.ID] = idx
		c.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshotIndex), nil
}

// retain drops cached indexes for snapshots that are no longer active.
func (c *indexCache) retain(active []models.Snapshot) {
	keep := make(map[string]bool, len(active))
	for _, s := range active {
		keep[s.ID] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.byID {
		if !keep[id] {
			delete(c.byID, id)
		}
	}
}
