package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJobs_UpsertAndGet(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	row := JobRow{
		ID:          "01J000",
		Kind:        "render",
		Target:      "local",
		State:       "queued",
		Priority:    5,
		SubmittedAt: time.Now().UTC(),
		Payload:     json.RawMessage(`{"id":"01J000"}`),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.UpsertJob(ctx, row))

	got, err := s.GetJob(ctx, "01J000")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "queued", got.State)
	assert.Equal(t, 5, got.Priority)

	row.State = "claimed"
	require.NoError(t, s.UpsertJob(ctx, row))
	got, err = s.GetJob(ctx, "01J000")
	require.NoError(t, err)
	assert.Equal(t, "claimed", got.State)
}

func TestJobs_ListOrdersByPriorityThenSubmission(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	base := time.Now().UTC()
	mk := func(id string, priority int, offset time.Duration) JobRow {
		return JobRow{
			ID: id, Kind: "render", Target: "local", State: "queued",
			Priority: priority, SubmittedAt: base.Add(offset),
			Payload: json.RawMessage(`{}`), UpdatedAt: base,
		}
	}
	require.NoError(t, s.UpsertJob(ctx, mk("a", 0, 0)))
	require.NoError(t, s.UpsertJob(ctx, mk("b", 10, time.Second)))
	require.NoError(t, s.UpsertJob(ctx, mk("c", 0, 2*time.Second)))

	rows, err := s.ListJobs(ctx, "local")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{rows[0].ID, rows[1].ID, rows[2].ID})
}

func TestAssets_ListFiltersByTypeAndText(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAsset(ctx, AssetRow{
		UID: "u1", Type: "image", Path: "/a/cat.png", SizeBytes: 10,
		CreatedAt: time.Now(), Payload: json.RawMessage(`{"meta":{"tags":["cute"]}}`),
	}))
	require.NoError(t, s.UpsertAsset(ctx, AssetRow{
		UID: "u2", Type: "audio", Path: "/a/bark.wav", SizeBytes: 20,
		CreatedAt: time.Now(), Payload: json.RawMessage(`{}`),
	}))

	items, total, err := s.ListAssets(ctx, AssetFilter{Type: "image"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "u1", items[0].UID)

	items, total, err = s.ListAssets(ctx, AssetFilter{Text: "bark"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "u2", items[0].UID)
}

func TestProvenance_AppendOnlyOrderedByTime(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.AppendProvenance(ctx, ProvenanceRow{
		ID: "p1", AssetUID: "u1", CreatedAt: time.Now().Add(-time.Minute), Payload: json.RawMessage(`{}`),
	}))
	require.NoError(t, s.AppendProvenance(ctx, ProvenanceRow{
		ID: "p2", AssetUID: "u1", CreatedAt: time.Now(), Payload: json.RawMessage(`{}`),
	}))

	rows, err := s.ProvenanceForAsset(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "p1", rows[0].ID)
	assert.Equal(t, "p2", rows[1].ID)
}

func TestProviders_UpsertGetDelete(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProvider(ctx, ProviderRow{
		ID: "local-gpu", Kind: "local", Payload: json.RawMessage(`{}`), UpdatedAt: time.Now(),
	}))
	got, err := s.GetProvider(ctx, "local-gpu")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "local", got.Kind)

	require.NoError(t, s.DeleteProvider(ctx, "local-gpu"))
	got, err = s.GetProvider(ctx, "local-gpu")
	require.NoError(t, err)
	assert.Nil(t, got)
}
