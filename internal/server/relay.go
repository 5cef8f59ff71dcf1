package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/voyagen/guidevault/internal/fetcher"
	"github.com/voyagen/guidevault/internal/models"
	"github.com/voyagen/guidevault/internal/store"
)

const relayBufferSize = 32 * 1024

// Response headers copied from the upstream. Location is deliberately absent:
// upstream URLs can carry credentials.
var relayHeaders = []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"}

// handleStream relays one channel's upstream bytes under its public key.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.PathValue("key")

	snaps, err := s.store.ListActiveSnapshots(ctx)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if len(snaps) == 0 {
		writeUnavailable(w, retryNoSnapshot, msgNoSnapshot)
		return
	}
	s.indexes.retain(snaps)

	var (
		entry      *models.ChannelIndexEntry
		owner      *models.Snapshot
		unreadable bool
	)
	for i := range snaps {
		idx, err := s.indexes.get(&snaps[i])
		if err != nil {
			s.log.Warn("channel index unreadable", "snapshot", snaps[i].ID, "err", err)
			unreadable = true
			continue
		}
		if e, ok := idx.lookup(key); ok {
			entry, owner = e, &snaps[i]
			break
		}
	}
	if entry == nil {
		if unreadable {
			writeUnavailable(w, retryUnreadable, msgUnreadable)
			return
		}
		http.NotFound(w, r)
		return
	}

	provider, err := s.store.GetProvider(ctx, owner.ProviderID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	s.relay(w, r, provider, entry)
}

// relay proxies entry's upstream to w. Errors before the response starts
// become 502; after that the stream simply ends.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, provider *models.Provider, entry *models.ChannelIndexEntry) {
	ctx := r.Context()
	log := s.log.With("stream", entry.StreamKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.StreamURL, nil)
	if err != nil {
		log.Warn("bad upstream url", "url", fetcher.Redact(entry.StreamURL))
		s.metrics.RelayUpstreamErr.WithLabelValues("request").Inc()
		writeErr(w, http.StatusBadGateway, errors.New("upstream unavailable"))
		return
	}
	fetcher.ApplyHeaders(req.Header, provider, s.opts.UserAgent)
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("upstream connect failed", "url", fetcher.Redact(entry.StreamURL), "err", err)
		s.metrics.RelayUpstreamErr.WithLabelValues("connect").Inc()
		writeErr(w, http.StatusBadGateway, errors.New("upstream unavailable"))
		return
	}
	defer resp.Body.Close()

	for _, h := range relayHeaders {
		for _, v := range resp.Header.Values(h) {
			w.Header().Add(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	s.metrics.RelayActive.Inc()
	defer s.metrics.RelayActive.Dec()

	n, err := copyFlush(w, resp.Body)
	s.metrics.RelayBytes.Add(float64(n))
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, errClientWrite):
		log.Debug("client went away", "bytes", n)
	default:
		s.metrics.RelayUpstreamErr.WithLabelValues("stream").Inc()
		log.Info("upstream ended early", "bytes", n, "err", err)
	}
}

var errClientWrite = errors.New("client write failed")

// copyFlush copies src to w, flushing after each chunk so live streams do
// not sit in the response buffer.
func copyFlush(w http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, relayBufferSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, errClientWrite
			}
			total += int64(n)
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return total, errClientWrite
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			if errors.Is(rerr, context.Canceled) {
				return total, errClientWrite
			}
			return total, rerr
		}
	}
}
