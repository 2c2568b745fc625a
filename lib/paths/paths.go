// Package paths provides centralized path construction for the builder
// data directory.
package paths

import "path/filepath"

// Paths provides typed path construction for the builder data directory.
type Paths struct {
	dataDir string
}

// New creates a new Paths instance for the given data directory.
func New(dataDir string) *Paths {
	return &Paths{dataDir: dataDir}
}

// DataDir returns the root data directory.
func (p *Paths) DataDir() string {
	return p.dataDir
}

// OCICache returns the shared OCI layout cache directory used for base
// image pulls.
func (p *Paths) OCICache() string {
	return filepath.Join(p.dataDir, "oci-cache")
}

// BuildDir returns the staging directory for a build fingerprint.
func (p *Paths) BuildDir(fingerprint string) string {
	return filepath.Join(p.dataDir, "builds", fingerprint)
}

// BuildRootfs returns the staging rootfs tree for a build fingerprint.
func (p *Paths) BuildRootfs(fingerprint string) string {
	return filepath.Join(p.BuildDir(fingerprint), "rootfs")
}

// ImageDir returns the cache directory for a built image.
func (p *Paths) ImageDir(fingerprint string) string {
	return filepath.Join(p.dataDir, "images", fingerprint)
}

// ImagePath returns the cached disk image for a build fingerprint.
func (p *Paths) ImagePath(fingerprint string) string {
	return filepath.Join(p.ImageDir(fingerprint), "rootfs.ext4")
}

// ImageMetadata returns the metadata.json path for a build fingerprint.
func (p *Paths) ImageMetadata(fingerprint string) string {
	return filepath.Join(p.ImageDir(fingerprint), "metadata.json")
}

// ImagesDir returns the root images directory.
func (p *Paths) ImagesDir() string {
	return filepath.Join(p.dataDir, "images")
}
