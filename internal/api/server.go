// Package api is the control plane's HTTP/WS surface (C9): every route of
// §6 plus /metrics. Handlers are thin: they validate, call the owning
// component, and render either the result or a §7 error envelope through
// internal/apperr.
package api

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comfyvn/studio/internal/assets"
	"github.com/comfyvn/studio/internal/budget"
	"github.com/comfyvn/studio/internal/flags"
	"github.com/comfyvn/studio/internal/hooks"
	"github.com/comfyvn/studio/internal/logging"
	"github.com/comfyvn/studio/internal/policy"
	"github.com/comfyvn/studio/internal/providers"
	"github.com/comfyvn/studio/internal/scenario"
	"github.com/comfyvn/studio/internal/scheduler"
)

// Version reported on /status; overridden at build time via -ldflags.
var Version = "dev"

// Server wires every component behind the HTTP surface.
type Server struct {
	log       *slog.Logger
	flags     *flags.Store
	bus       *hooks.Bus
	registry  *assets.Registry
	enforcer  *policy.Enforcer
	acks      *policy.Acks
	budget    *budget.Manager
	sched     *scheduler.Scheduler
	runner    *scenario.Runner
	providers *providers.Registry
	crash     *logging.CrashWriter

	logPath     string
	playtestDir string
	uploadDir   string

	metrics http.Handler

	wsDropped atomic.Uint64
}

// Deps carries the constructor inputs for New.
type Deps struct {
	Log       *slog.Logger
	Flags     *flags.Store
	Bus       *hooks.Bus
	Registry  *assets.Registry
	Enforcer  *policy.Enforcer
	Acks      *policy.Acks
	Budget    *budget.Manager
	Scheduler *scheduler.Scheduler
	Runner    *scenario.Runner
	Providers *providers.Registry
	Crash     *logging.CrashWriter

	LogPath     string
	PlaytestDir string
	UploadDir   string
	Prometheus  *prometheus.Registry
}

// New constructs the Server.
func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Crash == nil {
		d.Crash = logging.NewCrashReporter("logs/crash")
	}
	s := &Server{
		log:         d.Log,
		flags:       d.Flags,
		bus:         d.Bus,
		registry:    d.Registry,
		enforcer:    d.Enforcer,
		acks:        d.Acks,
		budget:      d.Budget,
		sched:       d.Scheduler,
		runner:      d.Runner,
		providers:   d.Providers,
		crash:       d.Crash,
		logPath:     d.LogPath,
		playtestDir: d.PlaytestDir,
		uploadDir:   d.UploadDir,
	}
	if s.playtestDir == "" {
		s.playtestDir = "logs/playtest"
	}
	if d.Prometheus != nil {
		s.metrics = promhttp.HandlerFor(d.Prometheus, promhttp.HandlerOpts{})
	}
	return s
}

// routeTable is the catalog /status reports; kept next to Routes so the two
// cannot drift far.
var routeTable = []string{
	"POST /api/schedule/submit",
	"POST /api/schedule/claim",
	"POST /api/schedule/complete",
	"POST /api/schedule/fail",
	"POST /api/schedule/requeue",
	"POST /api/schedule/cancel",
	"GET /api/schedule/state/{id}",
	"GET /api/schedule/board",
	"GET /api/schedule/health",
	"GET /api/schedule/ws",
	"POST /api/compute/advise",
	"POST /api/compute/costs",
	"GET /api/assets",
	"GET /api/assets/{uid}",
	"POST /api/assets/register",
	"POST /api/assets/upload",
	"DELETE /api/assets/{uid}",
	"GET /api/assets/{uid}/sidecar",
	"POST /api/assets/rebuild",
	"GET /api/modder/hooks",
	"GET /api/modder/hooks/ws",
	"POST /api/modder/hooks/webhooks",
	"DELETE /api/modder/hooks/webhooks/{id}",
	"POST /api/modder/hooks/test",
	"POST /api/policy/enforce",
	"GET /api/policy/audit",
	"GET /api/policy/status",
	"POST /api/policy/ack",
	"POST /api/scenario/run/step",
	"POST /api/playtest/run",
	"GET /api/flags",
	"POST /api/flags/{name}",
	"GET /health",
	"GET /status",
	"GET /metrics",
}

// RouteTable returns the served route catalog (used by /status and the
// doctor command).
func RouteTable() []string {
	return append([]string(nil), routeTable...)
}

// Routes builds the full handler with middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/schedule/submit", s.handleScheduleSubmit)
	mux.HandleFunc("POST /api/schedule/claim", s.handleScheduleClaim)
	mux.HandleFunc("POST /api/schedule/complete", s.handleScheduleComplete)
	mux.HandleFunc("POST /api/schedule/fail", s.handleScheduleFail)
	mux.HandleFunc("POST /api/schedule/requeue", s.handleScheduleRequeue)
	mux.HandleFunc("POST /api/schedule/cancel", s.handleScheduleCancel)
	mux.HandleFunc("GET /api/schedule/state/{id}", s.handleScheduleState)
	mux.HandleFunc("GET /api/schedule/board", s.handleScheduleBoard)
	mux.HandleFunc("GET /api/schedule/health", s.handleScheduleHealth)
	mux.HandleFunc("GET /api/schedule/ws", s.handleScheduleWS)

	mux.HandleFunc("POST /api/compute/advise", s.handleComputeAdvise)
	mux.HandleFunc("POST /api/compute/costs", s.handleComputeCosts)

	mux.HandleFunc("GET /api/assets", s.handleAssetsList)
	mux.HandleFunc("GET /api/assets/{uid}", s.handleAssetGet)
	mux.HandleFunc("POST /api/assets/register", s.handleAssetRegister)
	mux.HandleFunc("POST /api/assets/upload", s.handleAssetUpload)
	mux.HandleFunc("DELETE /api/assets/{uid}", s.handleAssetRemove)
	mux.HandleFunc("GET /api/assets/{uid}/sidecar", s.handleAssetSidecar)
	mux.HandleFunc("POST /api/assets/rebuild", s.handleAssetsRebuild)

	mux.HandleFunc("GET /api/modder/hooks", s.handleHooksCatalog)
	mux.HandleFunc("GET /api/modder/hooks/ws", s.handleHooksWS)
	mux.HandleFunc("POST /api/modder/hooks/webhooks", s.handleWebhookRegister)
	mux.HandleFunc("DELETE /api/modder/hooks/webhooks/{id}", s.handleWebhookDelete)
	mux.HandleFunc("POST /api/modder/hooks/test", s.handleHooksTest)

	mux.HandleFunc("POST /api/policy/enforce", s.handlePolicyEnforce)
	mux.HandleFunc("GET /api/policy/audit", s.handlePolicyAudit)
	mux.HandleFunc("GET /api/policy/status", s.handlePolicyStatus)
	mux.HandleFunc("POST /api/policy/ack", s.handlePolicyAck)

	mux.HandleFunc("POST /api/scenario/run/step", s.handleScenarioStep)
	mux.HandleFunc("POST /api/playtest/run", s.handlePlaytestRun)

	mux.HandleFunc("GET /api/flags", s.handleFlagsList)
	mux.HandleFunc("POST /api/flags/{name}", s.handleFlagSet)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.withRecovery(s.withRateLimit(newIPLimiter(rateLimitPerSec, rateLimitBurst), s.withRequestLog(mux)))
}
