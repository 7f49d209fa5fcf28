package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_AllowsWhenNoScanners(t *testing.T) {
	e := New(nil)
	res, err := e.Evaluate(context.Background(), "submit", map[string]any{})
	require.NoError(t, err)
	assert.True(t, res.Allow)
	assert.Empty(t, res.Findings)
}

func TestEvaluate_BlockFindingDeniesAdmission(t *testing.T) {
	e := New(nil)
	e.RegisterScanner(ScannerFunc{IDValue: "nsfw", Fn: func(ctx context.Context, action string, payload map[string]any) ([]Finding, error) {
		return []Finding{{Scanner: "nsfw", Code: "flagged", Severity: SeverityBlock, Target: "asset-1"}}, nil
	}})

	res, err := e.Evaluate(context.Background(), "import", map[string]any{"path": "x"})
	require.NoError(t, err)
	assert.False(t, res.Allow)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, GateNonOverridable, res.Gate)
}

func TestEvaluate_OverridableGateSurfaced(t *testing.T) {
	e := New(nil)
	e.RegisterScanner(ScannerFunc{IDValue: "license", Fn: func(ctx context.Context, action string, payload map[string]any) ([]Finding, error) {
		return []Finding{{Scanner: "license", Code: "unclear", Severity: SeverityBlock, Gate: GateOverridable, Target: "a"}}, nil
	}})

	res, err := e.Evaluate(context.Background(), "export", map[string]any{})
	require.NoError(t, err)
	assert.False(t, res.Allow)
	assert.Equal(t, GateOverridable, res.Gate)
}

func TestEvaluate_DedupsByScannerCodeTarget(t *testing.T) {
	e := New(nil)
	e.RegisterScanner(ScannerFunc{IDValue: "dup", Fn: func(ctx context.Context, action string, payload map[string]any) ([]Finding, error) {
		return []Finding{{Scanner: "dup", Code: "c1", Severity: SeverityWarn, Target: "same"}}, nil
	}})

	_, err := e.Evaluate(context.Background(), "submit", nil)
	require.NoError(t, err)
	res2, err := e.Evaluate(context.Background(), "submit", nil)
	require.NoError(t, err)

	require.Len(t, res2.Findings, 1)
	assert.Equal(t, 2, res2.Findings[0].Count)
}

func TestEvaluate_ScannersRunInStableIDOrder(t *testing.T) {
	e := New(nil)
	var order []string
	mk := func(id string) ScannerFunc {
		return ScannerFunc{IDValue: id, Fn: func(ctx context.Context, action string, payload map[string]any) ([]Finding, error) {
			order = append(order, id)
			return nil, nil
		}}
	}
	e.RegisterScanner(mk("zzz"))
	e.RegisterScanner(mk("aaa"))
	e.RegisterScanner(mk("mmm"))

	_, err := e.Evaluate(context.Background(), "submit", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "mmm", "zzz"}, order)
}

func TestSchemaScanner_BlocksInvalidPayload(t *testing.T) {
	scanner, err := NewSchemaScanner(map[string]string{
		"submit": `{"type":"object","required":["kind"],"properties":{"kind":{"type":"string"}}}`,
	})
	require.NoError(t, err)

	findings, err := scanner.Run(context.Background(), "submit", map[string]any{})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, SeverityBlock, findings[0].Severity)
}

func TestSchemaScanner_AllowsValidPayload(t *testing.T) {
	scanner, err := NewSchemaScanner(map[string]string{
		"submit": `{"type":"object","required":["kind"]}`,
	})
	require.NoError(t, err)

	findings, err := scanner.Run(context.Background(), "submit", map[string]any{"kind": "render"})
	require.NoError(t, err)
	assert.Empty(t, findings)
}
