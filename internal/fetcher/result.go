package fetcher

import (
	"errors"
	"fmt"

	"github.com/voyagen/guidevault/internal/envvars"
	"github.com/voyagen/guidevault/internal/models"
)

// EmptyGuide is the minimal valid XMLTV document published when a provider
// has no guide URL or the guide fetch fails.
const EmptyGuide = `<?xml version="1.0" encoding="utf-8"?><tv generator-info-name="guidevault"></tv>`

// PlaylistResult is a parsed provider playlist.
type PlaylistResult struct {
	Channels []models.ParsedChannel
	Bytes    int64
}

// GuideResult is a raw XMLTV document.
type GuideResult struct {
	Document []byte
	Bytes    int64
}

// FetchError is a transport-level failure against a provider URL: network
// error, timeout, cancellation, non-2xx status, or an unresolvable URL template.
// URL is redacted and safe to log.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError is returned for malformed playlist text.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse playlist: line %d: %s", e.Line, e.Msg)
	}
	return "parse playlist: " + e.Msg
}

// IsProviderError reports whether err is a recognized fetch, parse or URL
// configuration failure. Anything else is unexpected.
func IsProviderError(err error) bool {
	var fe *FetchError
	var pe *ParseError
	var ue *envvars.UndefinedError
	return errors.As(err, &fe) || errors.As(err, &pe) || errors.As(err, &ue)
}
