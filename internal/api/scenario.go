package api

import (
	"net/http"

	"github.com/comfyvn/studio/internal/apperr"
	"github.com/comfyvn/studio/internal/scenario"
)

type scenarioRequest struct {
	Scene     scenario.Scene `json:"scene"`
	Seed      int64          `json:"seed"`
	POV       string         `json:"pov,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	Workflow  string         `json:"workflow,omitempty"`
	MaxSteps  int            `json:"max_steps,omitempty"`
}

func (in scenarioRequest) toInput() scenario.RunInput {
	return scenario.RunInput{
		Scene:     in.Scene,
		Seed:      in.Seed,
		POV:       in.POV,
		Variables: in.Variables,
		Workflow:  in.Workflow,
		MaxSteps:  in.MaxSteps,
	}
}

// handleScenarioStep runs the deterministic stepper and returns the trace
// without persisting it; this is the branching runtime's dry-run surface.
func (s *Server) handleScenarioStep(w http.ResponseWriter, r *http.Request) {
	var in scenarioRequest
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	trace, err := s.runner.Run(in.toInput())
	if err != nil {
		apperr.Write(w, apperr.Newf(apperr.InvalidInput, "scenario run: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

// handlePlaytestRun runs the stepper and persists the trace under
// logs/playtest/<run>.trace.json (§6).
func (s *Server) handlePlaytestRun(w http.ResponseWriter, r *http.Request) {
	var in scenarioRequest
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	trace, err := s.runner.Run(in.toInput())
	if err != nil {
		apperr.Write(w, apperr.Newf(apperr.InvalidInput, "playtest run: %v", err))
		return
	}
	path, err := trace.Write(s.playtestDir)
	if err != nil {
		apperr.Write(w, apperr.Newf(apperr.InternalError, "persist trace: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"digest":     trace.Digest,
		"steps":      len(trace.Steps),
		"trace":      trace,
		"trace_path": path,
	})
}
