package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmit_AcceptsWithinBudget(t *testing.T) {
	m := New(Config{CPUPctMax: 100, VRAMMBMax: 8192, ConcurrentLocalMax: 2}, nil, nil)
	d := m.Admit(Request{JobID: "j1", Target: "local", Cost: CostHint{CPUPct: 50, VRAMMB: 1024}})
	assert.True(t, d.Accepted)
}

func TestAdmit_DelaysOverConcurrency(t *testing.T) {
	m := New(Config{ConcurrentLocalMax: 1}, nil, nil)
	d1 := m.Admit(Request{JobID: "j1", Target: "local"})
	require.True(t, d1.Accepted)

	d2 := m.Admit(Request{JobID: "j2", Target: "local"})
	assert.False(t, d2.Accepted)
	assert.Equal(t, "concurrency_limit", d2.Reason)
}

func TestRelease_PromotesDelayedOldestFirst(t *testing.T) {
	m := New(Config{ConcurrentLocalMax: 1}, nil, nil)
	var promoted []string
	m.SetPromoteHandler(func(ids []string) { promoted = append(promoted, ids...) })
	require.True(t, m.Admit(Request{JobID: "j1", Target: "local"}).Accepted)
	require.False(t, m.Admit(Request{JobID: "j2", Target: "local"}).Accepted)
	require.False(t, m.Admit(Request{JobID: "j3", Target: "local"}).Accepted)

	m.Release("j1")

	assert.Equal(t, []string{"j2"}, promoted)
	status := m.Status()
	assert.Equal(t, 1, status.ActiveByTarget["local"])
	assert.Equal(t, 1, status.DelayedCount)
}

func TestAdmit_DelaysOverVRAM(t *testing.T) {
	m := New(Config{VRAMMBMax: 1000}, nil, nil)
	require.True(t, m.Admit(Request{JobID: "j1", Cost: CostHint{VRAMMB: 900}}).Accepted)
	d := m.Admit(Request{JobID: "j2", Cost: CostHint{VRAMMB: 200}})
	assert.False(t, d.Accepted)
	assert.Equal(t, "vram_budget", d.Reason)
}

type fakeEvictor struct {
	pressure bool
	evicted  int
}

func (f *fakeEvictor) Pressure() bool { return f.pressure }
func (f *fakeEvictor) EvictLRU(n int) int {
	f.evicted += n
	return n
}

func TestEvictLazy_NoopWhenNoPressure(t *testing.T) {
	m := New(Config{LazyEvictionEnabled: true}, nil, nil)
	ev := &fakeEvictor{pressure: false}
	m.SetEvictor(ev)
	assert.Equal(t, 0, m.EvictLazy())
}

func TestEvictLazy_EvictsUnderPressure(t *testing.T) {
	m := New(Config{LazyEvictionEnabled: true}, nil, nil)
	ev := &fakeEvictor{pressure: true}
	m.SetEvictor(ev)
	n := m.EvictLazy()
	assert.Equal(t, 16, n)
}
