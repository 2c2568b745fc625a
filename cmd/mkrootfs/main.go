// Package main implements mkrootfs, the CLI that assembles a bootable
// guest root filesystem image: base OS layer, installed runtime deps, the
// strategy agent payload, the static historical data directory, and the
// guest init binary, serialized into one fixed-capacity ext4 image.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/samber/lo"
	"github.com/spf13/pflag"

	"github.com/velora-hq/sandbox/cmd/mkrootfs/config"
	"github.com/velora-hq/sandbox/lib/guest"
	"github.com/velora-hq/sandbox/lib/logger"
	"github.com/velora-hq/sandbox/lib/paths"
	"github.com/velora-hq/sandbox/lib/rootfs"
)

func main() {
	if err := run(); err != nil {
		slog.Error("build failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	var (
		baseRef      = pflag.String("base", cfg.BaseImage, "OCI base image reference")
		packages     = pflag.StringArray("package", nil, "OS package to install (repeatable)")
		requirements = pflag.String("requirements", "", "path to requirements.txt for python deps")
		payload      = pflag.String("payload", "", "path to the agent payload script (required)")
		artifacts    = pflag.StringArray("artifact", nil, "extra artifact as source:dest[:mode] (repeatable)")
		dataDir      = pflag.String("data", "", "static data directory to bake into the image")
		initBinary   = pflag.String("init", "", "path to the compiled guest-init binary (required)")
		capacity     = pflag.String("capacity", cfg.Capacity, "image capacity (e.g. 1GB, 256MB)")
		output       = pflag.String("output", "rootfs.ext4", "output image path")
		logLevel     = pflag.String("log-level", cfg.LogLevel, "log level")
	)
	pflag.Parse()

	log := logger.New(*logLevel)
	slog.SetDefault(log)
	ctx := logger.AddToContext(context.Background(), log)

	if *payload == "" {
		return fmt.Errorf("--payload is required")
	}
	if *initBinary == "" {
		return fmt.Errorf("--init is required")
	}

	var capBytes datasize.ByteSize
	if err := capBytes.UnmarshalText([]byte(*capacity)); err != nil {
		return fmt.Errorf("parse capacity %q: %w", *capacity, err)
	}

	builder, err := rootfs.NewBuilder(paths.New(cfg.DataDir))
	if err != nil {
		return err
	}

	layers, err := assembleLayers(builder, layerInputs{
		baseRef:      *baseRef,
		packages:     *packages,
		requirements: *requirements,
		payload:      *payload,
		artifacts:    *artifacts,
		dataDir:      *dataDir,
		initBinary:   *initBinary,
	})
	if err != nil {
		return err
	}

	artifact, err := builder.Build(ctx, rootfs.BuildRequest{
		Layers:     layers,
		Capacity:   int64(capBytes.Bytes()),
		OutputPath: *output,
	})
	if err != nil {
		return err
	}

	log.Info("done", "image", artifact.Path, "size", artifact.SizeBytes, "cached", artifact.Cached)
	return nil
}

type layerInputs struct {
	baseRef      string
	packages     []string
	requirements string
	payload      string
	artifacts    []string
	dataDir      string
	initBinary   string
}

// assembleLayers turns CLI inputs into the ordered layer set. Order
// matters: later layers overwrite earlier ones at colliding paths, and the
// init binary goes last so nothing can shadow the entry point.
func assembleLayers(builder *rootfs.Builder, in layerInputs) ([]rootfs.Layer, error) {
	base, err := builder.BaseLayer(in.baseRef)
	if err != nil {
		return nil, err
	}
	layers := []rootfs.Layer{base}

	if len(in.packages) > 0 {
		layers = append(layers, &rootfs.PackagesLayer{Packages: in.packages})
	}

	if in.requirements != "" {
		reqs, err := os.ReadFile(in.requirements)
		if err != nil {
			return nil, fmt.Errorf("read requirements: %w", err)
		}
		layers = append(layers, &rootfs.PythonDepsLayer{Requirements: string(reqs)})
	}

	entries := []rootfs.FileEntry{{Source: in.payload, Dest: guest.PayloadPath, Mode: 0755}}
	extra, err := parseArtifacts(in.artifacts)
	if err != nil {
		return nil, err
	}
	entries = append(entries, extra...)
	layers = append(layers, &rootfs.FileLayer{LayerName: "payload", Entries: entries})

	if in.dataDir != "" {
		layers = append(layers, &rootfs.DataLayer{SourceDir: in.dataDir})
	}

	layers = append(layers, &rootfs.FileLayer{
		LayerName: "init",
		Entries:   []rootfs.FileEntry{{Source: in.initBinary, Dest: guest.InitPath, Mode: 0755}},
	})

	return layers, nil
}

// parseArtifacts parses repeatable source:dest[:mode] flags.
func parseArtifacts(specs []string) ([]rootfs.FileEntry, error) {
	var parseErr error
	entries := lo.Map(specs, func(spec string, _ int) rootfs.FileEntry {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 {
			parseErr = fmt.Errorf("invalid artifact spec %q, want source:dest[:mode]", spec)
			return rootfs.FileEntry{}
		}
		mode := uint64(0755)
		if len(parts) == 3 {
			m, err := strconv.ParseUint(parts[2], 8, 32)
			if err != nil {
				parseErr = fmt.Errorf("invalid artifact mode in %q: %w", spec, err)
				return rootfs.FileEntry{}
			}
			mode = m
		}
		return rootfs.FileEntry{Source: parts[0], Dest: parts[1], Mode: uint32(mode)}
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return entries, nil
}
