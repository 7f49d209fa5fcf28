package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfyvn/studio/internal/budget"
	"github.com/comfyvn/studio/internal/flags"
	"github.com/comfyvn/studio/internal/hooks"
	"github.com/comfyvn/studio/internal/policy"
	"github.com/comfyvn/studio/internal/store"
)

func testScheduler(t *testing.T, cfg Config) (*Scheduler, *hooks.Bus) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := hooks.New("scheduler")
	bm := budget.New(budget.Config{CPUPctMax: 100, VRAMMBMax: 8192}, bus, nil)
	fl, err := flags.New("", flags.DefaultTable(), nil)
	require.NoError(t, err)

	s := New(cfg, st, bus, bm, policy.New(nil), policy.NewAcks(st), fl, nil, nil)
	t.Cleanup(s.Stop)
	return s, bus
}

func jobTransitions(t *testing.T, bus *hooks.Bus, id string) []string {
	t.Helper()
	var out []string
	for _, env := range bus.History(hooks.HistoryFilter{Event: hooks.EventJobStateChanged}) {
		if env.Payload["id"] == id {
			out = append(out, env.Payload["from"].(string)+">"+env.Payload["to"].(string))
		}
	}
	return out
}

func TestLinearSubmitComplete(t *testing.T) {
	s, bus := testScheduler(t, Config{ConcurrentLocalMax: 2})
	ctx := context.Background()

	job, err := s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal})
	require.NoError(t, err)
	assert.Equal(t, StateQueued, job.State)

	claimed, err := s.Claim(ctx, "w1", TargetLocal, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, 1, claimed.Attempts)

	require.NoError(t, s.Start(ctx, job.ID, "w1"))
	require.NoError(t, s.Complete(ctx, job.ID, map[string]any{"ok": true}))

	final, err := s.StateOf(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, final.State)
	assert.Equal(t, true, final.Result["ok"])

	assert.Equal(t, []string{
		"pending_admission>queued",
		"queued>claimed",
		"claimed>running",
		"running>complete",
	}, jobTransitions(t, bus, job.ID))
}

func TestPriorityPreemptsClaim(t *testing.T) {
	s, _ := testScheduler(t, Config{ConcurrentLocalMax: 1})
	ctx := context.Background()

	j1, err := s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal, Priority: 0})
	require.NoError(t, err)
	j2, err := s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal, Priority: 0})
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, "w1", TargetLocal, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, j1.ID, claimed.ID)

	j3, err := s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal, Priority: 10})
	require.NoError(t, err)

	// J3's arrival preempted the claimed-but-not-started J1.
	st1, err := s.StateOf(j1.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, st1.State)

	var completions []string
	for len(completions) < 3 {
		c, err := s.Claim(ctx, "w1", TargetLocal, nil)
		require.NoError(t, err)
		require.NotNil(t, c)
		require.NoError(t, s.Start(ctx, c.ID, "w1"))
		require.NoError(t, s.Complete(ctx, c.ID, nil))
		completions = append(completions, c.ID)
	}
	assert.Equal(t, []string{j3.ID, j1.ID, j2.ID}, completions)
}

func TestRunningJobsAreNeverPreempted(t *testing.T) {
	s, _ := testScheduler(t, Config{ConcurrentLocalMax: 1})
	ctx := context.Background()

	j1, err := s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "w1", TargetLocal, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, j1.ID, "w1"))

	_, err = s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal, Priority: 100})
	require.NoError(t, err)

	st1, err := s.StateOf(j1.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st1.State)
}

func TestPriorityTieBreaksFIFO(t *testing.T) {
	s, _ := testScheduler(t, Config{ConcurrentLocalMax: 4})
	ctx := context.Background()

	j1, err := s.Submit(ctx, SubmitInput{Kind: "tts", Target: TargetLocal})
	require.NoError(t, err)
	j2, err := s.Submit(ctx, SubmitInput{Kind: "tts", Target: TargetLocal})
	require.NoError(t, err)

	c1, err := s.Claim(ctx, "w1", TargetLocal, nil)
	require.NoError(t, err)
	c2, err := s.Claim(ctx, "w1", TargetLocal, nil)
	require.NoError(t, err)
	assert.Equal(t, j1.ID, c1.ID)
	assert.Equal(t, j2.ID, c2.ID)
}

func TestFailRetriesThenTerminal(t *testing.T) {
	s, _ := testScheduler(t, Config{ConcurrentLocalMax: 1, MaxAttempts: 2})
	ctx := context.Background()

	job, err := s.Submit(ctx, SubmitInput{Kind: "export", Target: TargetLocal})
	require.NoError(t, err)

	// First attempt fails -> requeued.
	c, err := s.Claim(ctx, "w1", TargetLocal, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, c.ID, "w1"))
	require.NoError(t, s.Fail(ctx, c.ID, "boom"))

	st1, err := s.StateOf(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, st1.State)
	assert.Equal(t, "boom", st1.LastError)

	// Second attempt exhausts MaxAttempts -> terminal failed.
	c, err = s.Claim(ctx, "w1", TargetLocal, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, c.ID, "w1"))
	require.NoError(t, s.Fail(ctx, c.ID, "boom again"))

	final, err := s.StateOf(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, 2, final.Attempts)

	// Terminal records are frozen.
	err = s.Complete(ctx, job.ID, nil)
	require.Error(t, err)
}

func TestCancelQueuedJob(t *testing.T) {
	s, _ := testScheduler(t, Config{ConcurrentLocalMax: 1})
	ctx := context.Background()

	job, err := s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, job.ID))

	st1, err := s.StateOf(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, st1.State)

	// Cancelled jobs are out of the queue.
	c, err := s.Claim(ctx, "w1", TargetLocal, nil)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestCancelRunningIsCooperative(t *testing.T) {
	s, _ := testScheduler(t, Config{ConcurrentLocalMax: 1, CancelTimeout: time.Hour})
	ctx := context.Background()

	job, err := s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "w1", TargetLocal, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, job.ID, "w1"))

	require.NoError(t, s.Cancel(ctx, job.ID))
	assert.True(t, s.CancelRequested(job.ID))

	st1, err := s.StateOf(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st1.State)

	// Worker reports terminal; record clamps to cancelled.
	require.NoError(t, s.Complete(ctx, job.ID, nil))
	final, err := s.StateOf(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, final.State)
}

func TestClaimRespectsCapacity(t *testing.T) {
	s, _ := testScheduler(t, Config{ConcurrentLocalMax: 1})
	ctx := context.Background()

	_, err := s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal})
	require.NoError(t, err)
	_, err = s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal})
	require.NoError(t, err)

	c1, err := s.Claim(ctx, "w1", TargetLocal, nil)
	require.NoError(t, err)
	require.NotNil(t, c1)

	// Slot full: second claim gets nothing until the first job finishes.
	c2, err := s.Claim(ctx, "w2", TargetLocal, nil)
	require.NoError(t, err)
	assert.Nil(t, c2)

	require.NoError(t, s.Start(ctx, c1.ID, "w1"))
	require.NoError(t, s.Complete(ctx, c1.ID, nil))

	c3, err := s.Claim(ctx, "w2", TargetLocal, nil)
	require.NoError(t, err)
	assert.NotNil(t, c3)
}

func TestStickyAffinityPrefersLastDevice(t *testing.T) {
	s, _ := testScheduler(t, Config{ConcurrentLocalMax: 2})
	ctx := context.Background()

	j1, err := s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal, StickyKey: "char-alice"})
	require.NoError(t, err)
	c1, err := s.Claim(ctx, "w1", TargetLocal, nil)
	require.NoError(t, err)
	require.Equal(t, j1.ID, c1.ID)
	require.NoError(t, s.Start(ctx, j1.ID, "w1"))
	require.NoError(t, s.Complete(ctx, j1.ID, nil))

	// Same sticky key: w2 polls first but the job is held for w1.
	j2, err := s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal, StickyKey: "char-alice"})
	require.NoError(t, err)
	cW2, err := s.Claim(ctx, "w2", TargetLocal, nil)
	require.NoError(t, err)
	assert.Nil(t, cW2)

	cW1, err := s.Claim(ctx, "w1", TargetLocal, nil)
	require.NoError(t, err)
	require.NotNil(t, cW1)
	assert.Equal(t, j2.ID, cW1.ID)
}

func TestClaimHonorsCapabilities(t *testing.T) {
	s, _ := testScheduler(t, Config{ConcurrentLocalMax: 2})
	ctx := context.Background()

	_, err := s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal, Tags: []string{"sdxl"}})
	require.NoError(t, err)

	c, err := s.Claim(ctx, "w1", TargetLocal, []string{"tts-only"})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = s.Claim(ctx, "w2", TargetLocal, []string{"sdxl", "tts"})
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestPolicyBlockCreatesNoJob(t *testing.T) {
	s, bus := testScheduler(t, Config{ConcurrentLocalMax: 1})
	ctx := context.Background()

	s.enforcer.RegisterScanner(policy.ScannerFunc{
		IDValue: "nsfw",
		Fn: func(_ context.Context, _ string, payload map[string]any) ([]policy.Finding, error) {
			input, _ := payload["input"].(map[string]any)
			if input != nil && input["nsfw"] == true {
				return []policy.Finding{{
					Scanner: "nsfw", Code: "blocked_content", Severity: policy.SeverityBlock,
					Message: "blocked content",
				}}, nil
			}
			return nil, nil
		},
	})

	_, err := s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal, Input: map[string]any{"nsfw": true}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy_blocked")

	enforced := bus.History(hooks.HistoryFilter{Event: hooks.EventPolicyEnforced})
	assert.NotEmpty(t, enforced)

	h := s.HealthSnapshot()
	assert.Zero(t, h.States["queued"])
}

func TestBudgetDelayAndPromotion(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := hooks.New("scheduler")
	bm := budget.New(budget.Config{VRAMMBMax: 1000}, bus, nil)
	fl, err := flags.New("", flags.DefaultTable(), nil)
	require.NoError(t, err)
	s := New(Config{ConcurrentLocalMax: 4}, st, bus, bm, nil, nil, fl, nil, nil)
	t.Cleanup(s.Stop)
	ctx := context.Background()

	j1, err := s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal, CostHint: CostHint{VRAMMB: 900}})
	require.NoError(t, err)
	assert.Equal(t, StateQueued, j1.State)

	j2, err := s.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal, CostHint: CostHint{VRAMMB: 900}})
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, j2.State)

	// Finishing j1 releases its VRAM; the release-triggered refresh
	// promotes j2 to queued.
	c, err := s.Claim(ctx, "w1", TargetLocal, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, c.ID, "w1"))
	require.NoError(t, s.Complete(ctx, c.ID, nil))

	require.Eventually(t, func() bool {
		st2, err := s.StateOf(j2.ID)
		return err == nil && st2.State == StateQueued
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoadRecoversClaimedJobs(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := hooks.New("scheduler")
	fl, err := flags.New("", flags.DefaultTable(), nil)
	require.NoError(t, err)
	mk := func() *Scheduler {
		return New(Config{ConcurrentLocalMax: 2}, st, bus,
			budget.New(budget.Config{}, bus, nil), nil, nil, fl, nil, nil)
	}

	ctx := context.Background()
	s1 := mk()
	job, err := s1.Submit(ctx, SubmitInput{Kind: "render", Target: TargetLocal})
	require.NoError(t, err)
	_, err = s1.Claim(ctx, "w1", TargetLocal, nil)
	require.NoError(t, err)
	s1.Stop()

	// A fresh scheduler over the same store: the claimed job's worker is
	// gone, so it re-enters the queue.
	s2 := mk()
	t.Cleanup(s2.Stop)
	require.NoError(t, s2.Load(ctx))

	recovered, err := s2.StateOf(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, recovered.State)

	c, err := s2.Claim(ctx, "w2", TargetLocal, nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, job.ID, c.ID)
}
