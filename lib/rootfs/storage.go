package rootfs

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/velora-hq/sandbox/lib/paths"
)

// imageMetadata is persisted next to each cached image.
type imageMetadata struct {
	Fingerprint string    `json:"fingerprint"`
	BaseImage   string    `json:"base_image,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	Capacity    int64     `json:"capacity_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

func (m *imageMetadata) toArtifact(path string, cached bool) *Artifact {
	return &Artifact{
		Path:        path,
		SizeBytes:   m.SizeBytes,
		Fingerprint: m.Fingerprint,
		Cached:      cached,
		CreatedAt:   m.CreatedAt,
	}
}

func writeMetadata(p *paths.Paths, meta *imageMetadata) error {
	if err := os.MkdirAll(p.ImageDir(meta.Fingerprint), 0755); err != nil {
		return fmt.Errorf("create image directory: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	finalPath := p.ImageMetadata(meta.Fingerprint)
	tempPath := finalPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp metadata: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

func readMetadata(p *paths.Paths, fingerprint string) (*imageMetadata, error) {
	data, err := os.ReadFile(p.ImageMetadata(fingerprint))
	if err != nil {
		return nil, err
	}
	var meta imageMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}
