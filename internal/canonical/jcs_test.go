package canonical

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeys(t *testing.T) {
	b, err := Marshal(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(b))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	b, err := Marshal(map[string]any{"html": "<script>&"})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>&"}`, string(b))
}

func TestMarshal_RejectsNonFinite(t *testing.T) {
	_, err := Marshal(map[string]any{"x": math.NaN()})
	assert.Error(t, err)
}

func TestMarshal_DeterministicAcrossCalls(t *testing.T) {
	v := map[string]any{"z": []any{1, 2, 3}, "a": map[string]any{"nested": true}}
	b1, err := Marshal(v)
	require.NoError(t, err)
	b2, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestHash_StableForEquivalentInput(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
