package rootfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/samber/lo"

	"github.com/velora-hq/sandbox/lib/logger"
	"github.com/velora-hq/sandbox/lib/paths"
)

// Builder produces bootable disk images from declared layer sets. Builds
// are cached by a fingerprint of their inputs: two builds from identical
// inputs reuse one image.
type Builder struct {
	paths *paths.Paths
	oci   *ociClient
}

// NewBuilder creates a builder rooted at the given data directory paths.
func NewBuilder(p *paths.Paths) (*Builder, error) {
	oci, err := newOCIClient(p.OCICache())
	if err != nil {
		return nil, fmt.Errorf("create oci client: %w", err)
	}
	return &Builder{paths: p, oci: oci}, nil
}

// BaseLayer creates a base image layer backed by the builder's shared OCI
// cache.
func (b *Builder) BaseLayer(ref string) (*BaseLayer, error) {
	return NewBaseLayer(b.oci, ref)
}

// Build runs one image build end to end: compose the tree, check capacity,
// allocate, format, populate, publish. Steps run strictly in order; the
// first failure aborts the build and leaves nothing at the output path.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*Artifact, error) {
	if req.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", req.Capacity)
	}
	if len(req.Layers) == 0 {
		return nil, errors.New("at least one layer required")
	}

	log := logger.FromContext(ctx)
	fingerprint := requestFingerprint(req)
	cachePath := b.paths.ImagePath(fingerprint)

	// Cache hit: an earlier build with identical inputs already produced
	// this image.
	if meta, err := readMetadata(b.paths, fingerprint); err == nil && meta.Capacity == req.Capacity {
		if _, err := os.Stat(cachePath); err == nil {
			log.Info("build cache hit", "fingerprint", fingerprint)
			artifact := meta.toArtifact(cachePath, true)
			if err := b.publish(artifact, req.OutputPath); err != nil {
				return nil, err
			}
			return artifact, nil
		}
	}

	log.Info("building image", "fingerprint", fingerprint, "capacity", req.Capacity)

	staging := b.paths.BuildRootfs(fingerprint)
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("clear staging dir: %w", err)
	}
	defer os.RemoveAll(b.paths.BuildDir(fingerprint))

	if err := Compose(ctx, staging, req.Layers); err != nil {
		return nil, err
	}

	size, err := createImage(ctx, staging, cachePath, req.Capacity)
	if err != nil {
		return nil, err
	}

	meta := &imageMetadata{
		Fingerprint: fingerprint,
		BaseImage:   baseImageRef(req.Layers),
		SizeBytes:   size,
		Capacity:    req.Capacity,
		CreatedAt:   time.Now(),
	}
	if err := writeMetadata(b.paths, meta); err != nil {
		return nil, err
	}

	artifact := meta.toArtifact(cachePath, false)
	if err := b.publish(artifact, req.OutputPath); err != nil {
		return nil, err
	}

	log.Info("image ready", "path", artifact.Path, "size", size)
	return artifact, nil
}

// publish copies the cached image to the requested output path, atomically
// from the caller's perspective.
func (b *Builder) publish(artifact *Artifact, outputPath string) error {
	if outputPath == "" || outputPath == artifact.Path {
		return nil
	}
	tmpPath := outputPath + ".tmp"
	if err := copyFile(artifact.Path, tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("copy image to output: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish image: %w", err)
	}
	artifact.Path = outputPath
	return nil
}

// requestFingerprint derives the build cache key from the layer
// fingerprints and the declared capacity.
func requestFingerprint(req BuildRequest) string {
	parts := lo.Map(req.Layers, func(l Layer, _ int) string {
		return l.Fingerprint()
	})
	parts = append(parts, fmt.Sprintf("capacity:%d", req.Capacity))
	return hashStrings(parts...)[:32]
}

func baseImageRef(layers []Layer) string {
	for _, l := range layers {
		if base, ok := l.(*BaseLayer); ok {
			return base.ref
		}
	}
	return ""
}
