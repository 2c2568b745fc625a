package rootfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velora-hq/sandbox/lib/guest"
	"github.com/velora-hq/sandbox/lib/paths"
)

func testRequest(t *testing.T, capacity int64) BuildRequest {
	t.Helper()
	return BuildRequest{
		Layers:   requiredLayers(t),
		Capacity: capacity,
	}
}

func TestRequestFingerprintIdempotent(t *testing.T) {
	srcDir := t.TempDir()
	src := writeTestFile(t, srcDir, "agent.py", "print('agent')")
	mkLayers := func() []Layer {
		return []Layer{
			&FileLayer{LayerName: "payload", Entries: []FileEntry{
				{Source: src, Dest: guest.PayloadPath, Mode: 0755},
			}},
			&PythonDepsLayer{Requirements: "numpy==1.26\n"},
		}
	}

	a := requestFingerprint(BuildRequest{Layers: mkLayers(), Capacity: 1 << 30})
	b := requestFingerprint(BuildRequest{Layers: mkLayers(), Capacity: 1 << 30})
	require.Equal(t, a, b)

	// Capacity is part of the key.
	c := requestFingerprint(BuildRequest{Layers: mkLayers(), Capacity: 2 << 30})
	require.NotEqual(t, a, c)
}

func TestBuildValidatesRequest(t *testing.T) {
	p := paths.New(t.TempDir())
	b, err := NewBuilder(p)
	require.NoError(t, err)

	_, err = b.Build(context.Background(), BuildRequest{Capacity: 0, Layers: requiredLayers(t)})
	require.Error(t, err)

	_, err = b.Build(context.Background(), BuildRequest{Capacity: 1 << 30})
	require.Error(t, err)
}

func TestBuildCacheHit(t *testing.T) {
	p := paths.New(t.TempDir())
	b, err := NewBuilder(p)
	require.NoError(t, err)

	req := testRequest(t, 1<<30)
	fingerprint := requestFingerprint(req)

	// Simulate a completed earlier build: cached image plus metadata.
	cachePath := p.ImagePath(fingerprint)
	require.NoError(t, os.MkdirAll(filepath.Dir(cachePath), 0755))
	require.NoError(t, os.WriteFile(cachePath, []byte("image bytes"), 0644))
	require.NoError(t, writeMetadata(p, &imageMetadata{
		Fingerprint: fingerprint,
		SizeBytes:   1 << 30,
		Capacity:    1 << 30,
		CreatedAt:   time.Now(),
	}))

	artifact, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	require.True(t, artifact.Cached)
	require.Equal(t, cachePath, artifact.Path)
}

func TestBuildCacheHitPublishesToOutput(t *testing.T) {
	p := paths.New(t.TempDir())
	b, err := NewBuilder(p)
	require.NoError(t, err)

	req := testRequest(t, 1<<30)
	req.OutputPath = filepath.Join(t.TempDir(), "out.ext4")
	fingerprint := requestFingerprint(req)

	cachePath := p.ImagePath(fingerprint)
	require.NoError(t, os.MkdirAll(filepath.Dir(cachePath), 0755))
	require.NoError(t, os.WriteFile(cachePath, []byte("image bytes"), 0644))
	require.NoError(t, writeMetadata(p, &imageMetadata{
		Fingerprint: fingerprint,
		SizeBytes:   11,
		Capacity:    1 << 30,
		CreatedAt:   time.Now(),
	}))

	artifact, err := b.Build(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, req.OutputPath, artifact.Path)

	got, err := os.ReadFile(req.OutputPath)
	require.NoError(t, err)
	require.Equal(t, "image bytes", string(got))
}

func TestBuildCapacityExceededLeavesNoArtifact(t *testing.T) {
	p := paths.New(t.TempDir())
	b, err := NewBuilder(p)
	require.NoError(t, err)

	// Content larger than capacity: composition succeeds, the capacity
	// check fails before anything is allocated.
	srcDir := t.TempDir()
	big := filepath.Join(srcDir, "big.bin")
	f, err := os.Create(big)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4*1024*1024))
	require.NoError(t, f.Close())

	req := BuildRequest{
		Layers: append(requiredLayers(t), &FileLayer{LayerName: "bulk", Entries: []FileEntry{
			{Source: big, Dest: "/opt/bulk.bin", Mode: 0644},
		}}),
		Capacity:   1 * 1024 * 1024,
		OutputPath: filepath.Join(t.TempDir(), "out.ext4"),
	}

	_, err = b.Build(context.Background(), req)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	_, statErr := os.Stat(req.OutputPath)
	require.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(p.ImagePath(requestFingerprint(req)))
	require.True(t, os.IsNotExist(statErr))
}

func TestMetadataRoundTrip(t *testing.T) {
	p := paths.New(t.TempDir())
	meta := &imageMetadata{
		Fingerprint: "abc123",
		BaseImage:   "docker.io/library/python:3.11-alpine",
		SizeBytes:   1 << 30,
		Capacity:    1 << 30,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, writeMetadata(p, meta))

	got, err := readMetadata(p, "abc123")
	require.NoError(t, err)
	require.Equal(t, meta.BaseImage, got.BaseImage)
	require.Equal(t, meta.Capacity, got.Capacity)
}
