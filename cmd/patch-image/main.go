// Package main implements patch-image, the offline payload update path: it
// loop-mounts an already-built image, overwrites the payload at its fixed
// path, and unmounts. This is the only supported way to change the payload
// of a built image without a full rebuild.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/velora-hq/sandbox/lib/logger"
	"github.com/velora-hq/sandbox/lib/rootfs"
)

func main() {
	if err := run(); err != nil {
		slog.Error("patch failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		image    = pflag.String("image", "", "path to the image to patch (required)")
		payload  = pflag.String("payload", "", "path to the replacement payload (required)")
		logLevel = pflag.String("log-level", "info", "log level")
	)
	pflag.Parse()

	log := logger.New(*logLevel)
	slog.SetDefault(log)

	if *image == "" || *payload == "" {
		return fmt.Errorf("--image and --payload are required")
	}

	ctx := logger.AddToContext(context.Background(), log)
	return rootfs.PatchImage(ctx, *image, *payload)
}
