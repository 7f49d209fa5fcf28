package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/comfyvn/studio/internal/flags"
)

// runFlags handles `studio flags get|set` against config/flags.json
// directly, the same document the server reads, so a set taken while the
// server is down is picked up on its next start.
func runFlags(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "Usage: studio flags get <name> | studio flags set <name> <value>")
		return exitUsage
	}

	path := filepath.Join("config", "flags.json")
	st, err := flags.New(path, flags.DefaultTable(), nil)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}

	switch args[0] {
	case "get":
		out, _ := json.Marshal(st.Get(args[1]))
		fmt.Fprintln(stdout, string(out))
		return exitOK
	case "set":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: studio flags set <name> <value>")
			return exitUsage
		}
		if _, err := st.Set(args[1], parseFlagValue(args[2])); err != nil {
			fmt.Fprintln(stderr, err)
			return exitRuntime
		}
		fmt.Fprintf(stdout, "%s=%s\n", args[1], args[2])
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown flags subcommand: %s\n", args[0])
		return exitUsage
	}
}

// parseFlagValue maps a CLI literal to a flag value: bools and numbers
// parse to their types, everything else stays a string (enum).
func parseFlagValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return raw
}
