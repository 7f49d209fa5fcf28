package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// runScheduleBoard prints the job board of a running server.
func runScheduleBoard(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("schedule board", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOr("STUDIO_ADDR", "127.0.0.1:8080"), "server address")
	target := fs.String("target", "", "narrow to one target (local|remote)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	u := url.URL{Scheme: "http", Host: *addr, Path: "/api/schedule/board"}
	if *target != "" {
		u.RawQuery = "target=" + url.QueryEscape(*target)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(u.String())
	if err != nil {
		fmt.Fprintf(stderr, "connect to %s: %v\n", *addr, err)
		return exitRuntime
	}
	defer resp.Body.Close()

	var body struct {
		Targets map[string][]struct {
			ID       string `json:"id"`
			Kind     string `json:"kind"`
			Priority int    `json:"priority"`
			State    string `json:"state"`
			Worker   string `json:"worker_id"`
			Attempts int    `json:"attempts"`
		} `json:"targets"`
		Error *struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(stderr, "decode board: %v\n", err)
		return exitRuntime
	}
	if body.Error != nil {
		fmt.Fprintf(stderr, "%s: %s\n", body.Error.Kind, body.Error.Message)
		if body.Error.Kind == "feature_disabled" {
			return exitDisabled
		}
		return exitRuntime
	}

	if len(body.Targets) == 0 {
		fmt.Fprintln(stdout, "no jobs")
		return exitOK
	}
	for target, jobs := range body.Targets {
		fmt.Fprintf(stdout, "%s (%d):\n", target, len(jobs))
		for _, j := range jobs {
			worker := j.Worker
			if worker == "" {
				worker = "-"
			}
			fmt.Fprintf(stdout, "  %-26s  %-8s  prio=%-3d  attempts=%d  worker=%s  %s\n",
				j.ID, j.Kind, j.Priority, j.Attempts, worker, j.State)
		}
	}
	return exitOK
}
