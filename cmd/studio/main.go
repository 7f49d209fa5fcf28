// Command studio is the ComfyVN Studio control plane: a local-first
// orchestration server for jobs, assets, hooks, and playtests, plus the
// operator commands that poke at its state.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Exit codes (§6): 0 ok, 2 usage, 3 feature-disabled, 4 runtime failure.
const (
	exitOK       = 0
	exitUsage    = 2
	exitDisabled = 3
	exitRuntime  = 4
)

// Run dispatches argv; split out from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitUsage
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(args[2:], stdout, stderr)
	case "assets":
		if len(args) < 3 || args[2] != "rebuild" {
			fmt.Fprintln(stderr, "Usage: studio assets rebuild [--root DIR] [--enforce-sidecars] [--overwrite-sidecars] [--fix-metadata]")
			return exitUsage
		}
		return runAssetsRebuild(args[3:], stdout, stderr)
	case "flags":
		return runFlags(args[2:], stdout, stderr)
	case "schedule":
		if len(args) < 3 || args[2] != "board" {
			fmt.Fprintln(stderr, "Usage: studio schedule board [--target local|remote]")
			return exitUsage
		}
		return runScheduleBoard(args[3:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `ComfyVN Studio control plane

Usage:
  studio serve                          run the control plane server
  studio doctor                         check environment and routes
  studio assets rebuild [options]       rescan the asset root and repair sidecars
      --root DIR --enforce-sidecars --overwrite-sidecars --fix-metadata
  studio flags get <name>               read a feature flag
  studio flags set <name> <value>       set and persist a feature flag
  studio schedule board [--target T]    print the job board of a running server

Environment:
  STUDIO_ADDR       server listen / client address (default 127.0.0.1:8080)
  STUDIO_DATA_DIR   data directory (default ./data)
  STUDIO_CONFIG     YAML profile path (default config/studio.yaml)
  LOG_LEVEL         debug|info|warn|error`)
}
