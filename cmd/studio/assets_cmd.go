package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/comfyvn/studio/internal/assets"
	"github.com/comfyvn/studio/internal/config"
	"github.com/comfyvn/studio/internal/hooks"
	"github.com/comfyvn/studio/internal/store"
)

// runAssetsRebuild rescans the asset root against the local store directly;
// it does not need a running server.
func runAssetsRebuild(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("assets rebuild", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", envOr("STUDIO_CONFIG", filepath.Join("config", "studio.yaml")), "YAML profile path")
	root := fs.String("root", "", "asset root to scan (default <data_dir>/assets)")
	enforce := fs.Bool("enforce-sidecars", false, "fail entries with missing sidecars")
	overwrite := fs.Bool("overwrite-sidecars", false, "rewrite every sidecar")
	fixMeta := fs.Bool("fix-metadata", false, "normalize reserved meta keys")
	report := fs.Bool("metadata-report", false, "accepted but has no effect: rebuild produces no metadata report")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}
	if *root == "" {
		*root = filepath.Join(cfg.DataDir, "assets")
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}
	defer st.Close()

	provLog, err := store.OpenProvenanceLog(filepath.Join(cfg.DataDir, "provenance.log"))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}

	ctx := context.Background()
	registry := assets.New(st, hooks.New("assets-rebuild"), provLog, nil)
	if err := registry.Load(ctx); err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}

	summary, err := registry.Rebuild(ctx, *root, assets.RebuildOptions{
		EnforceSidecars:   *enforce,
		OverwriteSidecars: *overwrite,
		FixMetadata:       *fixMeta,
		MetadataReport:    *report,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}

	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Fprintln(stdout, string(out))
	if len(summary.Errors) > 0 {
		return exitRuntime
	}
	return exitOK
}
