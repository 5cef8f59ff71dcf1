package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voyagen/guidevault/internal/models"
)

// ProvidersFile is the provider import file name inside IPTV_CONFIG_DIR.
const ProvidersFile = "providers.yaml"

// ProviderEntry is one provider/profile pair declared in providers.yaml.
type ProviderEntry struct {
	Name        string
	PlaylistURL string
	GuideURL    string
	Headers     map[string]string
	UserAgent   string
	Timeout     time.Duration
	Enabled     bool
	Active      bool
}

// Provider converts the entry to a models.Provider (without ID).
func (e ProviderEntry) Provider() *models.Provider {
	return &models.Provider{
		Name:        e.Name,
		PlaylistURL: e.PlaylistURL,
		GuideURL:    e.GuideURL,
		Headers:     e.Headers,
		UserAgent:   e.UserAgent,
		Timeout:     e.Timeout,
		Enabled:     e.Enabled,
	}
}

type providersDoc struct {
	Profiles map[string]profileDoc `yaml:"profiles"`
}

type profileDoc struct {
	Inputs struct {
		Playlist urlDoc `yaml:"playlist"`
		EPG      urlDoc `yaml:"epg"`
	} `yaml:"inputs"`
	Headers   map[string]string `yaml:"headers"`
	UserAgent string            `yaml:"user_agent"`
	Timeout   string            `yaml:"timeout"`
	Enabled   *bool             `yaml:"enabled"`
	Active    bool              `yaml:"active"`
}

type urlDoc struct {
	URL string `yaml:"url"`
}

// LoadProviders reads providers.yaml from dir. A missing file yields no
// entries and no error.
func LoadProviders(dir string) ([]ProviderEntry, error) {
	if dir == "" {
		return nil, nil
	}
	path := filepath.Join(dir, ProvidersFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entries, err := ParseProviders(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// ParseProviders decodes a providers document. Profiles without a playlist
// URL are skipped. Entries are returned sorted by name.
func ParseProviders(data []byte) ([]ProviderEntry, error) {
	var doc providersDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	entries := make([]ProviderEntry, 0, len(doc.Profiles))
	active := 0
	for name, p := range doc.Profiles {
		name = strings.TrimSpace(name)
		playlist := strings.TrimSpace(p.Inputs.Playlist.URL)
		if name == "" || playlist == "" {
			continue
		}
		e := ProviderEntry{
			Name:        name,
			PlaylistURL: playlist,
			GuideURL:    strings.TrimSpace(p.Inputs.EPG.URL),
			Headers:     p.Headers,
			UserAgent:   strings.TrimSpace(p.UserAgent),
			Timeout:     models.DefaultProviderTimeout,
			Enabled:     p.Enabled == nil || *p.Enabled,
			Active:      p.Active,
		}
		if p.Timeout != "" {
			d, err := time.ParseDuration(p.Timeout)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("profile %q: invalid timeout %q", name, p.Timeout)
			}
			e.Timeout = d
		}
		if e.Active {
			active++
		}
		entries = append(entries, e)
	}
	if active > 1 {
		return nil, fmt.Errorf("%d profiles marked active, at most one allowed", active)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
