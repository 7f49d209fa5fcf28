package scenario

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/comfyvn/studio/internal/canonical"
	"github.com/comfyvn/studio/internal/hooks"
)

// Runner walks a scene deterministically and emits playtest hooks.
type Runner struct {
	bus *hooks.Bus
	log *slog.Logger
}

// NewRunner constructs a Runner. bus may be nil for pure (hook-free) runs.
func NewRunner(bus *hooks.Bus, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{bus: bus, log: log}
}

// Run executes the full scene walk (§4.7). For identical RunInput, the
// returned Trace.Digest is bit-identical across runs, OSes, and builds: the
// walk draws only from the seeded RNG and never touches the clock.
func (r *Runner) Run(in RunInput) (Trace, error) {
	maxSteps := in.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	trace := Trace{SceneID: in.Scene.ID, Seed: in.Seed, POV: in.POV, Steps: []Step{}}

	r.publish("on_playtest_start", map[string]any{
		"scene": in.Scene.ID,
		"seed":  in.Seed,
		"pov":   in.POV,
	})

	rng := NewRNG(in.Seed, in.Scene.ID, in.POV)
	varsDigest, err := canonical.Hash(in.Variables)
	if err != nil {
		return Trace{}, fmt.Errorf("scenario: hash variables: %w", err)
	}

	nodeID := in.Scene.Start
	digests := sha256.New()

	for stepID := 0; nodeID != ""; stepID++ {
		if stepID >= maxSteps {
			return Trace{}, fmt.Errorf("scenario: scene %q exceeded %d steps (cycle?)", in.Scene.ID, maxSteps)
		}
		node, ok := in.Scene.Nodes[nodeID]
		if !ok {
			return Trace{}, fmt.Errorf("scenario: scene %q references unknown node %q", in.Scene.ID, nodeID)
		}

		stepRNG := rng.Split(fmt.Sprintf("step-%d", stepID))

		visible := make([]string, 0, len(node.Choices))
		visibleChoices := make([]Choice, 0, len(node.Choices))
		for _, c := range node.Choices {
			if c.Visible(in.POV) {
				visible = append(visible, c.ID)
				visibleChoices = append(visibleChoices, c)
			}
		}

		step := Step{
			StepID:          stepID,
			NodeID:          node.ID,
			RNGStateDigest:  stepRNG.StateDigest(),
			VariablesDigest: varsDigest,
			VisibleChoices:  visible,
			AtSimTime:       int64(stepID),
		}

		next := node.Next
		if len(visibleChoices) > 0 {
			chosen := visibleChoices[stepRNG.Intn(len(visibleChoices))]
			step.Chosen = chosen.ID
			next = chosen.Next
		}

		stepDigest, err := canonical.Hash(map[string]any{
			"step_id":          step.StepID,
			"node_id":          step.NodeID,
			"rng_state_digest": step.RNGStateDigest,
			"variables_digest": step.VariablesDigest,
			"visible_choices":  step.VisibleChoices,
			"chosen":           step.Chosen,
			"at_sim_time":      step.AtSimTime,
		})
		if err != nil {
			return Trace{}, fmt.Errorf("scenario: hash step %d: %w", stepID, err)
		}
		step.StepDigest = stepDigest
		digests.Write([]byte(stepDigest))

		trace.Steps = append(trace.Steps, step)
		r.publish("on_playtest_step", map[string]any{
			"scene":       in.Scene.ID,
			"step_id":     step.StepID,
			"node_id":     step.NodeID,
			"chosen":      step.Chosen,
			"step_digest": step.StepDigest,
		})

		nodeID = next
	}

	trace.Digest = hex.EncodeToString(digests.Sum(nil))
	r.publish("on_playtest_finished", map[string]any{
		"scene":  in.Scene.ID,
		"steps":  len(trace.Steps),
		"digest": trace.Digest,
	})
	return trace, nil
}

func (r *Runner) publish(event string, payload map[string]any) {
	if r.bus != nil {
		r.bus.Publish(event, payload)
	}
}

// Write persists the trace to dir/<run>.trace.json, where <run> is a prefix
// of the run digest (§6's logs/playtest layout). Returns the path written.
func (t Trace) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("scenario: trace dir: %w", err)
	}
	run := t.Digest
	if len(run) > 16 {
		run = run[:16]
	}
	if run == "" {
		run = "empty"
	}
	path := filepath.Join(dir, run+".trace.json")
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("scenario: marshal trace: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("scenario: write trace: %w", err)
	}
	return path, nil
}
