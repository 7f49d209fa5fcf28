package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/comfyvn/studio/internal/api"
	"github.com/comfyvn/studio/internal/assets"
	"github.com/comfyvn/studio/internal/budget"
	"github.com/comfyvn/studio/internal/config"
	"github.com/comfyvn/studio/internal/flags"
	"github.com/comfyvn/studio/internal/hooks"
	"github.com/comfyvn/studio/internal/logging"
	"github.com/comfyvn/studio/internal/policy"
	"github.com/comfyvn/studio/internal/providers"
	"github.com/comfyvn/studio/internal/scenario"
	"github.com/comfyvn/studio/internal/scheduler"
	"github.com/comfyvn/studio/internal/store"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// submitSchema gates job submissions through the built-in schema scanner:
// a submission without a kind never reaches the queue.
const submitSchema = `{
	"type": "object",
	"required": ["kind"],
	"properties": {
		"kind": {"type": "string", "minLength": 1},
		"target": {"type": "string"}
	}
}`

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", envOr("STUDIO_CONFIG", filepath.Join("config", "studio.yaml")), "YAML profile path")
	addr := fs.String("addr", "", "listen address (overrides config)")
	logLevel := fs.String("log-level", "", "log level (overrides config)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logPath := filepath.Join("logs", "server.log")
	logger, logFile, err := logging.NewWithFile(cfg.LogLevel, logPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitRuntime
	}
	defer logFile.Close()

	st, err := store.Open(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		logger.Error("open store", "error", err)
		return exitRuntime
	}
	defer st.Close()

	provLog, err := store.OpenProvenanceLog(filepath.Join(cfg.DataDir, "provenance.log"))
	if err != nil {
		logger.Error("open provenance log", "error", err)
		return exitRuntime
	}

	bus := hooks.New("studio")

	defaults := flags.DefaultTable()
	for k, v := range cfg.Flags {
		defaults[k] = v
	}
	flagStore, err := flags.New(filepath.Join("config", "flags.json"), defaults, logger)
	if err != nil {
		logger.Error("open flags", "error", err)
		return exitRuntime
	}

	registry := assets.New(st, bus, provLog, logger)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := registry.Load(ctx); err != nil {
		logger.Error("load asset registry", "error", err)
		return exitRuntime
	}

	// CPU/VRAM budgets gate admission; the concurrency caps are enforced
	// by the scheduler at claim time so a full device delays claims, not
	// the queue itself.
	bm := budget.New(budget.Config{
		CPUPctMax:           cfg.Budget.CPUPctMax,
		VRAMMBMax:           cfg.Budget.VRAMMBMax,
		LazyEvictionEnabled: cfg.Budget.LazyEvictionEnabled,
		RefreshInterval:     cfg.Budget.RefreshInterval,
	}, bus, logger)
	bm.SetEvictor(registry)
	bm.StartRefreshTimer(ctx)
	defer bm.Stop()

	promReg := prometheus.NewRegistry()
	budgetMetrics := budget.NewMetrics(promReg)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				budgetMetrics.Observe(bm.Status())
			}
		}
	}()

	enforcer := policy.New(logger)
	schemaScanner, err := policy.NewSchemaScanner(map[string]string{"schedule.submit": submitSchema})
	if err != nil {
		logger.Error("compile policy schemas", "error", err)
		return exitRuntime
	}
	enforcer.RegisterScanner(schemaScanner)
	acks := policy.NewAcks(st)

	provReg := providers.New(st, logger)
	if err := provReg.Load(ctx); err != nil {
		logger.Error("load providers", "error", err)
		return exitRuntime
	}
	provReg.StartHealthProbes(ctx, httpProber{}, 0)
	defer provReg.Stop()

	sched := scheduler.New(scheduler.Config{
		ConcurrentLocalMax:  cfg.Budget.ConcurrentLocalMax,
		ConcurrentRemoteMax: cfg.Budget.ConcurrentRemoteMax,
	}, st, bus, bm, enforcer, acks, flagStore, provReg, logger)
	defer sched.Stop()
	if err := sched.Load(ctx); err != nil {
		logger.Error("load scheduler", "error", err)
		return exitRuntime
	}

	srv := api.New(api.Deps{
		Log:         logger,
		Flags:       flagStore,
		Bus:         bus,
		Registry:    registry,
		Enforcer:    enforcer,
		Acks:        acks,
		Budget:      bm,
		Scheduler:   sched,
		Runner:      scenario.NewRunner(bus, logger),
		Providers:   provReg,
		Crash:       logging.NewCrashReporter(filepath.Join("logs", "crash")),
		LogPath:     logPath,
		PlaytestDir: filepath.Join("logs", "playtest"),
		UploadDir:   filepath.Join(cfg.DataDir, "assets"),
		Prometheus:  promReg,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "addr", cfg.Addr, "version", api.Version)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
		fmt.Fprintln(stdout, "bye")
		return exitOK
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return exitOK
		}
		logger.Error("serve", "error", err)
		return exitRuntime
	}
}

// httpProber probes a provider's configured health_url; providers without
// one are assumed reachable (renderer adapters own real probing, §1).
type httpProber struct{}

func (httpProber) Probe(id string, cfg map[string]any) providers.Status {
	url, _ := cfg["health_url"].(string)
	if url == "" {
		return providers.Status{Healthy: true, LastOKAt: time.Now().UTC()}
	}
	client := &http.Client{Timeout: 30 * time.Second}
	start := time.Now()
	resp, err := client.Get(url)
	if err != nil {
		return providers.Status{Healthy: false, LastError: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return providers.Status{Healthy: false, LastError: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return providers.Status{
		Healthy:   true,
		LastOKAt:  time.Now().UTC(),
		LatencyMS: time.Since(start).Milliseconds(),
	}
}
