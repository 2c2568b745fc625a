// Package rootfs builds bootable guest root filesystem images: it composes
// an ordered set of layers into a staging tree and serializes the tree into
// a fixed-capacity ext4 block device image.
package rootfs

import (
	"context"
	"time"
)

// Layer contributes files to the staging tree. Layers are applied in
// declaration order onto the same root, so a later layer overwrites an
// earlier one at colliding paths.
type Layer interface {
	// Name identifies the layer in logs and errors.
	Name() string

	// Apply materializes the layer's files under root.
	Apply(ctx context.Context, root string) error

	// Fingerprint returns a stable digest of the layer's declared inputs.
	// It feeds the build cache key, so it must change whenever the layer
	// would produce different content.
	Fingerprint() string
}

// FileEntry declares one locally built artifact to install into the tree.
type FileEntry struct {
	Source string // host path
	Dest   string // absolute guest path
	Mode   uint32
}

// BuildRequest declares everything that goes into one image build.
type BuildRequest struct {
	// Layers in application order. Conventionally: base OS, OS packages,
	// python deps, payload artifacts, static data, init binary.
	Layers []Layer

	// Capacity is the size of the backing file in bytes.
	Capacity int64

	// OutputPath is where the finished image is published. Empty means the
	// image stays only in the build cache.
	OutputPath string
}

// Artifact describes a finished image.
type Artifact struct {
	Path        string
	SizeBytes   int64
	Fingerprint string
	Cached      bool
	CreatedAt   time.Time
}
