package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/comfyvn/studio/internal/api"
	"github.com/comfyvn/studio/internal/config"
	"github.com/comfyvn/studio/internal/flags"
	"github.com/comfyvn/studio/internal/store"
)

// runDoctor checks the environment the server needs: config parses, data
// directory is writable, the job store opens, flags.json is readable, and
// prints the served route table.
func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", envOr("STUDIO_CONFIG", filepath.Join("config", "studio.yaml")), "YAML profile path")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	failures := 0
	check := func(name string, err error) {
		if err != nil {
			fmt.Fprintf(stdout, "  [fail] %s: %v\n", name, err)
			failures++
			return
		}
		fmt.Fprintf(stdout, "  [ok]   %s\n", name)
	}

	fmt.Fprintln(stdout, "studio doctor")
	fmt.Fprintf(stdout, "  version: %s\n", api.Version)

	cfg, err := config.Load(*cfgPath)
	check("config "+*cfgPath, err)
	if err != nil {
		return exitRuntime
	}

	check("data dir "+cfg.DataDir, checkWritableDir(cfg.DataDir))
	check("logs dir", checkWritableDir("logs"))

	st, err := store.Open(filepath.Join(cfg.DataDir, "jobs.db"))
	check("job store", err)
	if err == nil {
		_ = st.Close()
	}

	_, err = flags.New(filepath.Join("config", "flags.json"), flags.DefaultTable(), nil)
	check("flags document", err)

	fmt.Fprintln(stdout, "routes:")
	for _, r := range api.RouteTable() {
		fmt.Fprintf(stdout, "  %s\n", r)
	}

	if failures > 0 {
		fmt.Fprintf(stdout, "%d check(s) failed\n", failures)
		return exitRuntime
	}
	fmt.Fprintln(stdout, "all checks passed")
	return exitOK
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}
