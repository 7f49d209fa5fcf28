package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/comfyvn/studio/internal/canonical"
)

// SchemaScanner validates a named action's payload against a compiled
// JSON Schema and raises a block-level, non-overridable finding on
// mismatch. Malformed input is never something a user "accepts the risk"
// of.
type SchemaScanner struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaScanner compiles schemas (action -> raw JSON Schema document)
// up front; a compile failure is a programmer error surfaced at startup.
func NewSchemaScanner(schemas map[string]string) (*SchemaScanner, error) {
	c := jsonschema.NewCompiler()
	compiled := make(map[string]*jsonschema.Schema, len(schemas))
	for action, raw := range schemas {
		name := action + ".json"
		if err := c.AddResource(name, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("policy: add schema resource %s: %w", action, err)
		}
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("policy: compile schema %s: %w", action, err)
		}
		compiled[action] = sch
	}
	return &SchemaScanner{schemas: compiled}, nil
}

func (s *SchemaScanner) ID() string { return "schema" }

func (s *SchemaScanner) Run(_ context.Context, action string, payload map[string]any) ([]Finding, error) {
	sch, ok := s.schemas[action]
	if !ok {
		return nil, nil
	}
	if err := sch.Validate(payload); err != nil {
		targetHash, _ := canonical.Hash(payload)
		return []Finding{{
			Scanner:  s.ID(),
			Code:     "schema_validation_failed",
			Severity: SeverityBlock,
			Message:  err.Error(),
			Target:   targetHash,
			Gate:     GateNonOverridable,
		}}, nil
	}
	return nil, nil
}
