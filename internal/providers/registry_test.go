package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfyvn/studio/internal/store"
)

func openTest(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegistry_UpsertGetList(t *testing.T) {
	ctx := context.Background()
	r := New(openTest(t), nil)

	p1 := Provider{ID: "local-cpu", Kind: KindLocal, Capabilities: []string{"render"}, Status: Status{Healthy: true}}
	p2 := Provider{ID: "remote-gpu", Kind: KindRemote, Capabilities: []string{"render", "tts"}, Status: Status{Healthy: true}}

	require.NoError(t, r.Upsert(ctx, p1))
	require.NoError(t, r.Upsert(ctx, p2))

	got, ok := r.Get("local-cpu")
	require.True(t, ok)
	assert.Equal(t, KindLocal, got.Kind)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "local-cpu", list[0].ID)
	assert.Equal(t, "remote-gpu", list[1].ID)
}

func TestRegistry_WithCapabilityFiltersUnhealthy(t *testing.T) {
	ctx := context.Background()
	r := New(openTest(t), nil)

	require.NoError(t, r.Upsert(ctx, Provider{ID: "a", Kind: KindRemote, Capabilities: []string{"tts"}, Status: Status{Healthy: true}}))
	require.NoError(t, r.Upsert(ctx, Provider{ID: "b", Kind: KindRemote, Capabilities: []string{"tts"}, Status: Status{Healthy: false}}))

	matches := r.WithCapability(KindRemote, "tts")
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].ID)
}

func TestRegistry_RemoveNotFound(t *testing.T) {
	r := New(openTest(t), nil)
	err := r.Remove(context.Background(), "nope")
	require.Error(t, err)
}

func TestRegistry_LoadHydratesFromStore(t *testing.T) {
	ctx := context.Background()
	st := openTest(t)
	r1 := New(st, nil)
	require.NoError(t, r1.Upsert(ctx, Provider{ID: "x", Kind: KindLocal}))

	r2 := New(st, nil)
	require.NoError(t, r2.Load(ctx))
	_, ok := r2.Get("x")
	assert.True(t, ok)
}

func TestRegistry_HealthProbeUpdatesStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(openTest(t), nil)
	require.NoError(t, r.Upsert(ctx, Provider{ID: "p", Kind: KindLocal}))

	probed := make(chan struct{}, 1)
	prober := ProberFunc(func(id string, cfg map[string]any) Status {
		select {
		case probed <- struct{}{}:
		default:
		}
		return Status{Healthy: true, LastOKAt: time.Now()}
	})

	r.StartHealthProbes(ctx, prober, 5*time.Millisecond)
	defer r.Stop()

	select {
	case <-probed:
	case <-time.After(time.Second):
		t.Fatal("expected a probe within timeout")
	}
}
