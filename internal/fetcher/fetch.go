package fetcher

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/voyagen/guidevault/internal/envvars"
	"github.com/voyagen/guidevault/internal/models"
)

// Fetcher retrieves provider playlists and guides. One algorithm,
// parameterized by the provider record. Safe for concurrent use.
type Fetcher struct {
	client    *http.Client
	env       *envvars.Set
	userAgent string
	log       *slog.Logger
}

// New creates a Fetcher. client may be nil; timeouts come from the provider
// via the request context, not from the client.
func New(env *envvars.Set, userAgent string, client *http.Client, log *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{client: client, env: env, userAgent: userAgent, log: log}
}

// FetchPlaylist downloads and parses the provider playlist.
// Failures are *FetchError or *ParseError.
func (f *Fetcher) FetchPlaylist(ctx context.Context, p *models.Provider) (*PlaylistResult, error) {
	body, err := f.get(ctx, p, p.PlaylistURL)
	if err != nil {
		return nil, err
	}
	doc, err := ParseM3U(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	channels := doc.Channels()
	f.log.Debug("playlist fetched", "provider", p.Name, "bytes", len(body),
		"entries", len(doc.Entries), "channels", len(channels))
	return &PlaylistResult{Channels: channels, Bytes: int64(len(body))}, nil
}

// FetchGuide downloads the provider XMLTV document verbatim (gzip bodies are
// inflated). Without a guide URL it returns EmptyGuide.
func (f *Fetcher) FetchGuide(ctx context.Context, p *models.Provider) (*GuideResult, error) {
	if strings.TrimSpace(p.GuideURL) == "" {
		return &GuideResult{Document: []byte(EmptyGuide)}, nil
	}
	body, err := f.get(ctx, p, p.GuideURL)
	if err != nil {
		return nil, err
	}
	n := int64(len(body))
	if isGzip(body) {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, &FetchError{URL: Redact(p.GuideURL), Err: fmt.Errorf("gzip: %w", err)}
		}
		body, err = io.ReadAll(zr)
		if err != nil {
			return nil, &FetchError{URL: Redact(p.GuideURL), Err: fmt.Errorf("gzip: %w", err)}
		}
	}
	return &GuideResult{Document: body, Bytes: n}, nil
}

func (f *Fetcher) get(ctx context.Context, p *models.Provider, rawURL string) ([]byte, error) {
	target, err := f.env.Substitute(rawURL)
	if err != nil {
		return nil, &FetchError{URL: Redact(rawURL), Err: err}
	}
	redacted := Redact(target)

	ctx, cancel := context.WithTimeout(ctx, p.EffectiveTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FetchError{URL: redacted, Err: errors.New("invalid URL")}
	}
	ApplyHeaders(req.Header, p, f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: redacted, Err: stripURL(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil, &FetchError{URL: redacted, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(bufio.NewReader(resp.Body))
	if err != nil {
		return nil, &FetchError{URL: redacted, Err: stripURL(err)}
	}
	return body, nil
}

// ApplyHeaders sets the provider's custom headers and user agent on h.
// Blank header values are skipped; the provider user agent wins over defaultUA.
func ApplyHeaders(h http.Header, p *models.Provider, defaultUA string) {
	if p != nil {
		for k, v := range p.Headers {
			if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
				continue
			}
			h.Set(k, v)
		}
	}
	switch {
	case p != nil && strings.TrimSpace(p.UserAgent) != "":
		h.Set("User-Agent", p.UserAgent)
	case defaultUA != "" && h.Get("User-Agent") == "":
		h.Set("User-Agent", defaultUA)
	}
}

// Redact reduces a URL to scheme://host/path so credentials in the query or
// userinfo never reach logs or FetchRun error summaries.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid url>"
	}
	return u.Scheme + "://" + u.Host + u.EscapedPath()
}

// stripURL drops the *url.Error wrapper, whose message embeds the full URL.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

func isGzip(b []byte) bool {
	return len(b) > 2 && b[0] == 0x1f && b[1] == 0x8b
}
