package rootfs

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/distribution/reference"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	gcr "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/umoci/oci/cas/dir"
	"github.com/opencontainers/umoci/oci/casext"
	"github.com/opencontainers/umoci/oci/layer"
)

// ociClient pulls base images into a shared OCI layout cache and unpacks
// their layers, without requiring a Docker daemon.
type ociClient struct {
	cacheDir string
}

// newOCIClient creates an OCI client backed by cacheDir. The cache dir
// itself is the OCI layout root, so blobs are shared across base images.
func newOCIClient(cacheDir string) (*ociClient, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &ociClient{cacheDir: cacheDir}, nil
}

// normalizeImageRef validates and normalizes an OCI image reference.
// Examples: alpine -> docker.io/library/alpine:latest
func normalizeImageRef(imageRef string) (string, error) {
	named, err := reference.ParseNormalizedNamed(imageRef)
	if err != nil {
		return "", err
	}
	return reference.TagNameOnly(named).String(), nil
}

func currentPlatform() gcr.Platform {
	return gcr.Platform{
		Architecture: runtime.GOARCH,
		OS:           "linux",
	}
}

// digestToLayoutTag converts "sha256:abc..." to the bare hex tag used to
// reference the image inside the shared layout.
func digestToLayoutTag(digest string) string {
	parts := strings.SplitN(digest, ":", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return digest
}

// pullAndUnpack resolves the platform-specific digest of imageRef, pulls
// the image into the layout cache if it is not already there, and unpacks
// its layers into targetDir.
func (c *ociClient) pullAndUnpack(ctx context.Context, imageRef, targetDir string) error {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return fmt.Errorf("parse image reference: %w", err)
	}

	// remote.Image is lazy: this fetches only the manifest, resolving a
	// multi-arch index to the current platform so the cache key matches
	// what a pull would store.
	img, err := remote.Image(ref,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithPlatform(currentPlatform()))
	if err != nil {
		return fmt.Errorf("fetch image manifest: %w", err)
	}

	digest, err := img.Digest()
	if err != nil {
		return fmt.Errorf("get image digest: %w", err)
	}
	layoutTag := digestToLayoutTag(digest.String())

	if !c.existsInLayout(layoutTag) {
		path, err := layout.FromPath(c.cacheDir)
		if err != nil {
			path, err = layout.Write(c.cacheDir, empty.Index)
			if err != nil {
				return fmt.Errorf("create oci layout: %w", err)
			}
		}
		// Layer blobs are downloaded here; shared layers dedupe across
		// base images in the same layout.
		err = path.AppendImage(img, layout.WithAnnotations(map[string]string{
			"org.opencontainers.image.ref.name": layoutTag,
		}))
		if err != nil {
			return fmt.Errorf("download and write image layers: %w", err)
		}
	}

	return c.unpackLayers(ctx, layoutTag, targetDir)
}

// existsInLayout checks if a digest already exists in the layout cache.
func (c *ociClient) existsInLayout(layoutTag string) bool {
	casEngine, err := dir.Open(c.cacheDir)
	if err != nil {
		return false
	}
	defer casEngine.Close()

	engine := casext.NewEngine(casEngine)
	descriptorPaths, err := engine.ResolveReference(context.Background(), layoutTag)
	if err != nil {
		return false
	}
	return len(descriptorPaths) > 0
}

// unpackLayers unpacks all layers of the tagged image into targetDir using
// umoci's layer package.
func (c *ociClient) unpackLayers(ctx context.Context, layoutTag, targetDir string) error {
	casEngine, err := dir.Open(c.cacheDir)
	if err != nil {
		return fmt.Errorf("open oci layout: %w", err)
	}
	defer casEngine.Close()

	engine := casext.NewEngine(casEngine)
	descriptorPaths, err := engine.ResolveReference(ctx, layoutTag)
	if err != nil {
		return fmt.Errorf("resolve reference: %w", err)
	}
	if len(descriptorPaths) == 0 {
		return fmt.Errorf("no image found in oci layout")
	}

	manifestBlob, err := engine.FromDescriptor(ctx, descriptorPaths[0].Descriptor())
	if err != nil {
		return fmt.Errorf("get manifest: %w", err)
	}
	manifest, ok := manifestBlob.Data.(v1.Manifest)
	if !ok {
		return fmt.Errorf("manifest data is not v1.Manifest (got %T)", manifestBlob.Data)
	}

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}

	// Rootless unpack: map container root to the invoking user so builds
	// do not require privileges until the mount step.
	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())
	unpackOpts := &layer.UnpackOptions{
		OnDiskFormat: layer.DirRootfs{
			MapOptions: layer.MapOptions{
				Rootless: true,
				UIDMappings: []rspec.LinuxIDMapping{
					{HostID: uid, ContainerID: 0, Size: 1},
				},
				GIDMappings: []rspec.LinuxIDMapping{
					{HostID: gid, ContainerID: 0, Size: 1},
				},
			},
		},
	}

	if err := layer.UnpackRootfs(ctx, casEngine, targetDir, manifest, unpackOpts); err != nil {
		return fmt.Errorf("unpack rootfs: %w", err)
	}

	return nil
}
