package rootfs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/velora-hq/sandbox/lib/guest"
	"github.com/velora-hq/sandbox/lib/logger"
)

// createImage serializes the staging tree at root into an ext4 image of
// exactly capacity bytes at outputPath. The image is assembled at a temp
// path and renamed into place, so a failure at any step leaves nothing at
// outputPath.
//
// Steps, in order: capacity check, sparse allocation, format, populate via
// a temporary loop mount, unmount, publish.
func createImage(ctx context.Context, root, outputPath string, capacity int64) (int64, error) {
	treeSize, err := dirSize(root)
	if err != nil {
		return 0, fmt.Errorf("calculate tree size: %w", err)
	}
	if treeSize > capacity {
		return 0, fmt.Errorf("%w: content %d bytes, capacity %d bytes", ErrCapacityExceeded, treeSize, capacity)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}

	tmpPath := outputPath + ".tmp"
	if err := allocateBackingFile(tmpPath, capacity); err != nil {
		return 0, err
	}

	if err := formatExt4(ctx, tmpPath); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := populate(ctx, tmpPath, root); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("publish image: %w", err)
	}

	stat, err := os.Stat(outputPath)
	if err != nil {
		return 0, fmt.Errorf("stat image: %w", err)
	}
	return stat.Size(), nil
}

// allocateBackingFile creates a sparse zero-filled file of exactly size
// bytes.
func allocateBackingFile(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create backing file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("truncate backing file: %w", err)
	}
	return f.Close()
}

// formatExt4 formats the backing file as ext4 with the journal enabled:
// the guest mounts its root read-write, and the journal keeps an unclean
// guest shutdown from corrupting the image.
// -b 4096: 4KB blocks, matching the VM page size
// -F: force creation on a plain file rather than a block device
func formatExt4(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, "mkfs.ext4", "-q", "-b", "4096", "-F", path)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: mkfs.ext4: %v, output: %s", ErrFormat, err, output)
	}
	return nil
}

// populate loop-mounts the formatted backing file at a temporary mount
// point and copies the staging tree into it. The mount point is always
// released and removed, even on failure.
func populate(ctx context.Context, imagePath, root string) error {
	log := logger.FromContext(ctx)

	mountPoint, err := os.MkdirTemp("", "rootfs-mnt-*")
	if err != nil {
		return fmt.Errorf("%w: create mount point: %v", ErrPopulation, err)
	}
	defer os.Remove(mountPoint)

	if err := mount(imagePath, mountPoint, "loop"); err != nil {
		return fmt.Errorf("%w: mount image: %v", ErrPopulation, err)
	}

	// cp -a preserves modes, symlinks and hardlinks from the unpacked
	// base image.
	cmd := exec.CommandContext(ctx, "cp", "-a", root+"/.", mountPoint)
	output, copyErr := cmd.CombinedOutput()

	if err := unmount(mountPoint); err != nil {
		if copyErr == nil {
			return fmt.Errorf("%w: unmount: %v", ErrPopulation, err)
		}
		log.Warn("unmount failed during cleanup", "mount_point", mountPoint, "error", err)
	}

	if copyErr != nil {
		return fmt.Errorf("%w: copy tree: %v, output: %s", ErrPopulation, copyErr, output)
	}
	return nil
}

// PatchImage overwrites the payload inside an already-built image. This is
// the only supported way to change the payload without a full rebuild: the
// image is loop-mounted, the payload replaced at its fixed path, and the
// image unmounted.
func PatchImage(ctx context.Context, imagePath, payloadSource string) error {
	log := logger.FromContext(ctx)

	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("image not found: %w", err)
	}

	mountPoint, err := os.MkdirTemp("", "rootfs-patch-*")
	if err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	defer os.Remove(mountPoint)

	if err := mount(imagePath, mountPoint, "loop"); err != nil {
		return fmt.Errorf("mount image: %w", err)
	}

	dest, err := securejoin.SecureJoin(mountPoint, guest.PayloadPath)
	writeErr := err
	if writeErr == nil {
		writeErr = copyFile(payloadSource, dest, 0755)
	}

	if err := unmount(mountPoint); err != nil {
		if writeErr == nil {
			return fmt.Errorf("unmount: %w", err)
		}
		log.Warn("unmount failed during cleanup", "mount_point", mountPoint, "error", err)
	}

	if writeErr != nil {
		return fmt.Errorf("overwrite payload: %w", writeErr)
	}

	log.Info("patched payload", "image", imagePath, "payload", guest.PayloadPath)
	return nil
}

func mount(source, target, options string) error {
	args := []string{}
	if options != "" {
		args = append(args, "-o", options)
	}
	args = append(args, source, target)
	cmd := exec.Command("/bin/mount", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %s", err, output)
	}
	return nil
}

func unmount(target string) error {
	cmd := exec.Command("/bin/umount", target)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %s", err, output)
	}
	return nil
}

// dirSize calculates the total content size of a directory
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
