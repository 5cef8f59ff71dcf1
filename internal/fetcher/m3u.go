package fetcher

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"github.com/voyagen/guidevault/internal/models"
)

var reAttr = regexp.MustCompile(`([A-Za-z0-9\-]+)="([^"]*)"`)

const unnamedChannel = "Unnamed Channel"

// Entry is one #EXTINF block: its metadata lines and the URL that follows.
type Entry struct {
	Metadata []string
	URL      string
	Line     int
}

// Document is a parsed M3U playlist.
type Document struct {
	Preamble []string
	Entries  []Entry
}

// ParseM3U reads an M3U playlist from r. It fails with *ParseError when the
// input is empty or does not start with an #EXTM3U header (or a bare #EXTINF).
func ParseM3U(r io.Reader) (*Document, error) {
	doc := &Document{}
	scanner := bufio.NewScanner(r)
	// Handle long lines (some M3U have very long EXTINF lines).
	const maxSize = 1024 * 1024
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxSize)

	var cur *Entry
	lineNo := 0
	sawContent := false
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)

		if !sawContent {
			if trimmed == "" {
				continue
			}
			sawContent = true
			if !strings.HasPrefix(upper, "#EXTM3U") && !strings.HasPrefix(upper, "#EXTINF") {
				return nil, &ParseError{Line: lineNo, Msg: "missing #EXTM3U header"}
			}
		}

		switch {
		case strings.HasPrefix(upper, "#EXTINF"):
			// Previous EXTINF without URL is dropped.
			cur = &Entry{Metadata: []string{trimmed}, Line: lineNo}
		case strings.HasPrefix(trimmed, "#"):
			if cur != nil {
				cur.Metadata = append(cur.Metadata, trimmed)
			} else if len(doc.Entries) == 0 {
				doc.Preamble = append(doc.Preamble, trimmed)
			}
		case trimmed == "":
		default:
			if cur == nil {
				continue
			}
			cur.URL = trimmed
			doc.Entries = append(doc.Entries, *cur)
			cur = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Line: lineNo + 1, Msg: err.Error()}
	}
	if !sawContent {
		return nil, &ParseError{Msg: "empty playlist"}
	}
	return doc, nil
}

// Channels converts parsed entries into channel records, dropping entries
// without a stream URL.
func (d *Document) Channels() []models.ParsedChannel {
	out := make([]models.ParsedChannel, 0, len(d.Entries))
	for _, e := range d.Entries {
		if ch, ok := ParseChannel(e); ok {
			out = append(out, ch)
		}
	}
	return out
}

// ParseChannel extracts channel attributes from an entry.
// Display name: EXTINF title, then tvg-name, then "Unnamed Channel".
func ParseChannel(e Entry) (models.ParsedChannel, bool) {
	url := strings.TrimSpace(e.URL)
	if url == "" || len(e.Metadata) == 0 {
		return models.ParsedChannel{}, false
	}
	extinf := e.Metadata[0]
	attrs := parseAttributes(extinf)

	tvgID := optional(attrs["tvg-id"])
	tvgName := optional(attrs["tvg-name"])
	logo := optional(attrs["tvg-logo"])

	group := optional(extgrp(e.Metadata))
	if group == nil {
		group = optional(attrs["group-title"])
	}

	name := strings.TrimSpace(extinfTitle(extinf))
	if name == "" {
		if tvgName != nil {
			name = *tvgName
		} else {
			name = unnamedChannel
		}
	}

	return models.ParsedChannel{
		ChannelKey:  models.NormalizeKey(tvgID),
		DisplayName: name,
		TvgID:       tvgID,
		TvgName:     tvgName,
		LogoURL:     logo,
		StreamURL:   url,
		GroupTitle:  group,
	}, true
}

// parseAttributes returns key="value" pairs, lower-cased keys, first occurrence wins.
func parseAttributes(extinf string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range reAttr.FindAllStringSubmatch(extinf, -1) {
		k := strings.ToLower(m[1])
		if _, ok := attrs[k]; !ok {
			attrs[k] = m[2]
		}
	}
	return attrs
}

// extinfTitle returns the text after the first comma that is not inside a quoted attribute value.
func extinfTitle(extinf string) string {
	inQuote := false
	for i, r := range extinf {
		switch r {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				return extinf[i+1:]
			}
		}
	}
	return ""
}

func extgrp(metadata []string) string {
	for _, l := range metadata[1:] {
		if strings.HasPrefix(strings.ToUpper(l), "#EXTGRP:") {
			return l[len("#EXTGRP:"):]
		}
	}
	return ""
}

func optional(s string) *string {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return &v
}
