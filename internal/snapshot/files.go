package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/voyagen/guidevault/internal/models"
)

// File names inside a snapshot directory.
const (
	ChannelIndexFile = "channel_index.json"
	GuideFile        = "guide.xml"
)

// Dir returns the directory holding snapshot id under root.
func Dir(root, id string) string {
	return filepath.Join(root, id)
}

// WriteFiles creates <root>/<id>/ and writes the channel index and guide.
// It returns the two file paths.
func WriteFiles(root, id string, index []models.ChannelIndexEntry, guide []byte) (indexPath, guidePath string, err error) {
	dir := Dir(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create snapshot dir: %w", err)
	}
	if index == nil {
		index = []models.ChannelIndexEntry{}
	}
	data, err := json.Marshal(index)
	if err != nil {
		return "", "", fmt.Errorf("encode channel index: %w", err)
	}
	indexPath = filepath.Join(dir, ChannelIndexFile)
	if err := os.WriteFile(indexPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write channel index: %w", err)
	}
	guidePath = filepath.Join(dir, GuideFile)
	if err := os.WriteFile(guidePath, guide, 0o644); err != nil {
		return "", "", fmt.Errorf("write guide: %w", err)
	}
	return indexPath, guidePath, nil
}

// ReadChannelIndex loads a channel_index.json file.
func ReadChannelIndex(path string) ([]models.ChannelIndexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []models.ChannelIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return entries, nil
}
