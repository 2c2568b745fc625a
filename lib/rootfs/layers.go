package rootfs

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/velora-hq/sandbox/lib/guest"
	"github.com/velora-hq/sandbox/lib/logger"
)

// sitePackagesDir is where PythonDepsLayer installs third-party packages,
// matching the interpreter version baked into the base image.
const sitePackagesDir = "usr/lib/python3.11/site-packages"

// BaseLayer unpacks an OCI base image as the bottom of the tree.
type BaseLayer struct {
	ref    string // normalized reference
	client *ociClient
}

// NewBaseLayer creates a base layer for the given image reference.
// Short references are normalized (alpine -> docker.io/library/alpine:latest).
func NewBaseLayer(client *ociClient, ref string) (*BaseLayer, error) {
	normalized, err := normalizeImageRef(ref)
	if err != nil {
		return nil, fmt.Errorf("normalize base image ref: %w", err)
	}
	return &BaseLayer{ref: normalized, client: client}, nil
}

func (l *BaseLayer) Name() string { return "base" }

func (l *BaseLayer) Apply(ctx context.Context, root string) error {
	log := logger.FromContext(ctx)
	log.Info("unpacking base image", "ref", l.ref)
	if err := l.client.pullAndUnpack(ctx, l.ref, root); err != nil {
		return fmt.Errorf("pull and unpack %s: %w", l.ref, err)
	}
	return nil
}

func (l *BaseLayer) Fingerprint() string {
	return hashStrings("base", l.ref)
}

// PackagesLayer installs OS packages into the staged tree with the base
// image's package manager operating on an alternate root.
type PackagesLayer struct {
	Packages []string
}

func (l *PackagesLayer) Name() string { return "packages" }

func (l *PackagesLayer) Apply(ctx context.Context, root string) error {
	if len(l.Packages) == 0 {
		return nil
	}
	log := logger.FromContext(ctx)
	log.Info("installing OS packages", "count", len(l.Packages))

	args := append([]string{"--root", root, "--no-cache", "add"}, l.Packages...)
	cmd := exec.CommandContext(ctx, "apk", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("apk add failed: %w, output: %s", err, output)
	}
	return nil
}

func (l *PackagesLayer) Fingerprint() string {
	return hashStrings(append([]string{"packages"}, l.Packages...)...)
}

// PythonDepsLayer installs the payload's third-party Python dependencies
// into the tree's site-packages. Wheels are pinned to the guest interpreter
// (cp311, manylinux2014) and pre-compiled only, so the build host never
// needs a matching toolchain.
type PythonDepsLayer struct {
	Requirements string // requirements.txt content
}

func (l *PythonDepsLayer) Name() string { return "python-deps" }

func (l *PythonDepsLayer) Apply(ctx context.Context, root string) error {
	if strings.TrimSpace(l.Requirements) == "" {
		return nil
	}
	log := logger.FromContext(ctx)

	reqFile, err := os.CreateTemp("", "requirements-*.txt")
	if err != nil {
		return fmt.Errorf("create requirements file: %w", err)
	}
	defer os.Remove(reqFile.Name())
	if _, err := reqFile.WriteString(l.Requirements); err != nil {
		reqFile.Close()
		return fmt.Errorf("write requirements file: %w", err)
	}
	reqFile.Close()

	target := filepath.Join(root, sitePackagesDir)
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("create site-packages dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "pip", "install",
		"-r", reqFile.Name(),
		"--target", target,
		"--no-cache-dir",
		"--only-binary=:all:",
		"--platform", "manylinux2014_x86_64",
		"--python-version", "3.11",
		"--implementation", "cp",
		"--abi", "cp311",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pip stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start pip: %w", err)
	}

	// Stream pip's progress so long dependency installs stay observable.
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		log.Info("pip", "line", scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("pip install failed: %w", err)
	}
	return nil
}

func (l *PythonDepsLayer) Fingerprint() string {
	return hashStrings("python-deps", l.Requirements)
}

// FileLayer installs locally built artifacts at fixed guest paths.
type FileLayer struct {
	LayerName string
	Entries   []FileEntry
}

func (l *FileLayer) Name() string { return l.LayerName }

func (l *FileLayer) Apply(ctx context.Context, root string) error {
	for _, e := range l.Entries {
		dest, err := securejoin.SecureJoin(root, e.Dest)
		if err != nil {
			return fmt.Errorf("resolve dest %s: %w", e.Dest, err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", e.Dest, err)
		}
		if err := copyFile(e.Source, dest, os.FileMode(e.Mode)); err != nil {
			return fmt.Errorf("install %s: %w", e.Dest, err)
		}
	}
	return nil
}

func (l *FileLayer) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(l.LayerName))
	for _, e := range l.Entries {
		h.Write([]byte(e.Dest))
		fmt.Fprintf(h, "%o", e.Mode)
		hashFileInto(h, e.Source)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DataLayer copies the static historical data directory byte-for-byte into
// the guest data dir.
type DataLayer struct {
	SourceDir string
}

func (l *DataLayer) Name() string { return "data" }

func (l *DataLayer) Apply(ctx context.Context, root string) error {
	destRoot, err := securejoin.SecureJoin(root, guest.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	return filepath.WalkDir(l.SourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(l.SourceDir, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(destRoot, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, dest, info.Mode().Perm())
	})
}

func (l *DataLayer) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte("data"))
	filepath.WalkDir(l.SourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(l.SourceDir, path)
		h.Write([]byte(rel))
		hashFileInto(h, path)
		return nil
	})
	return hex.EncodeToString(h.Sum(nil))
}

// Compose applies layers in order onto root. A later layer overwrites an
// earlier one at colliding paths. After composition the tree must carry the
// init entry point and the payload at their fixed paths.
func Compose(ctx context.Context, root string, layers []Layer) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create staging root: %w", err)
	}

	log := logger.FromContext(ctx)
	for _, layer := range layers {
		log.Info("applying layer", "layer", layer.Name())
		if err := layer.Apply(ctx, root); err != nil {
			return fmt.Errorf("apply layer %s: %w", layer.Name(), err)
		}
	}

	if _, err := os.Stat(filepath.Join(root, guest.InitPath)); err != nil {
		return fmt.Errorf("%w: %s", ErrInitMissing, guest.InitPath)
	}
	if _, err := os.Stat(filepath.Join(root, guest.PayloadPath)); err != nil {
		return fmt.Errorf("%w: %s", ErrPayloadMissing, guest.PayloadPath)
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func hashStrings(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// hashFileInto folds a file's content into h. A missing source still
// contributes its path error so the fingerprint changes rather than
// silently matching a previous build.
func hashFileInto(h io.Writer, path string) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(h, "err:%v", err)
		return
	}
	defer f.Close()
	io.Copy(h, f)
}
