package api

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/comfyvn/studio/internal/apperr"
)

func (s *Server) handleFlagsList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.flags.Snapshot())
}

// handleFlagSet accepts the raw flag value as the request body: a bare
// JSON scalar (true, 3, "fast") or {"value": ...}.
func (s *Server) handleFlagSet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var raw any
	if err := decodeJSON(r, &raw); err != nil {
		apperr.Write(w, err)
		return
	}
	if m, ok := raw.(map[string]any); ok {
		if v, ok := m["value"]; ok {
			raw = v
		}
	}
	switch raw.(type) {
	case bool, string, float64:
	default:
		apperr.Write(w, apperr.New(apperr.InvalidInput, "flag value must be a bool, string, or number"))
		return
	}

	prev, err := s.flags.Set(name, raw)
	if err != nil {
		apperr.Write(w, apperr.Newf(apperr.InternalError, "persist flag: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "value": raw, "prev": prev})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleStatus reports routers, version, log path, and build info (§6),
// plus the live counters surfaced here: WS drops and webhook
// dead letters.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"version":  Version,
		"routers":  routeTable,
		"log_path": s.logPath,
		"build_info": map[string]any{
			"go":   runtime.Version(),
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
		},
		"hooks": map[string]any{
			"ws_dropped":   s.wsDropped.Load(),
			"dead_letters": len(s.bus.DeadLetters()),
		},
	}
	if s.budget != nil {
		status["budget"] = s.budget.Status()
	}
	if s.sched != nil {
		status["scheduler"] = s.sched.HealthSnapshot()
	}
	if s.providers != nil {
		status["providers"] = len(s.providers.List())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
