package hooks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_AssignsIncreasingSeq(t *testing.T) {
	b := New("test")
	s1 := b.Publish("on_job_state_changed", map[string]any{"id": "1"})
	s2 := b.Publish("on_job_state_changed", map[string]any{"id": "2"})
	assert.Less(t, s1, s2)
}

func TestHistory_FiltersByEventAndSinceSeq(t *testing.T) {
	b := New("test")
	b.Publish("on_asset_registered", map[string]any{"n": 1})
	b.Publish("on_job_state_changed", map[string]any{"n": 2})
	seq3 := b.Publish("on_job_state_changed", map[string]any{"n": 3})

	all := b.History(HistoryFilter{})
	require.Len(t, all, 3)

	onlyJobs := b.History(HistoryFilter{Event: "on_job_state_changed"})
	assert.Len(t, onlyJobs, 2)

	sinceSecond := b.History(HistoryFilter{SinceSeq: onlyJobs[0].Seq})
	require.Len(t, sinceSecond, 1)
	assert.Equal(t, seq3, sinceSecond[0].Seq)
}

func TestHistory_LimitKeepsMostRecent(t *testing.T) {
	b := New("test")
	for i := 0; i < 10; i++ {
		b.Publish("e", map[string]any{"i": i})
	}

	// More matches than limit: the tail wins, still oldest-first.
	recent := b.History(HistoryFilter{Limit: 3})
	require.Len(t, recent, 3)
	assert.EqualValues(t, 8, recent[0].Seq)
	assert.EqualValues(t, 9, recent[1].Seq)
	assert.EqualValues(t, 10, recent[2].Seq)
}

func TestHistory_RingEvictsOldestFirst(t *testing.T) {
	b := New("test", WithHistoryLimit(3))
	for i := 0; i < 5; i++ {
		b.Publish("e", map[string]any{"i": i})
	}
	hist := b.History(HistoryFilter{Limit: 10})
	require.Len(t, hist, 3)
	assert.EqualValues(t, 3, hist[0].Seq)
	assert.EqualValues(t, 5, hist[2].Seq)
}

func TestSubscribe_DeliversInSeqOrderPerSubscriber(t *testing.T) {
	b := New("test")

	var mu sync.Mutex
	var seen []uint64
	done := make(chan struct{})

	sub := b.Subscribe(nil, func(env Envelope) {
		mu.Lock()
		seen = append(seen, env.Seq)
		if len(seen) == 10 {
			close(done)
		}
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	for i := 0; i < 10; i++ {
		b.Publish("e", map[string]any{"i": i})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
}

func TestSubscribe_TopicFilter(t *testing.T) {
	b := New("test")
	var got []string
	done := make(chan struct{})
	sub := b.Subscribe([]string{"on_asset_registered"}, func(env Envelope) {
		got = append(got, env.Event)
		close(done)
	})
	defer sub.Unsubscribe()

	b.Publish("on_job_state_changed", nil)
	b.Publish("on_asset_registered", nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	assert.Equal(t, []string{"on_asset_registered"}, got)
}

func TestSubscribe_BackpressureDropsOldest(t *testing.T) {
	b := New("test")
	block := make(chan struct{})
	id := newSubID()
	sub := newSubscriber(id, nil, 2, func(env Envelope) {
		<-block // stall the worker loop so the queue fills up
	})
	b.subMu.Lock()
	b.subscribers[id] = sub
	b.subMu.Unlock()

	for i := 0; i < 10; i++ {
		b.Publish("e", map[string]any{"i": i})
	}
	close(block)

	assert.Greater(t, sub.Dropped(), uint64(0))
}

func TestPayloadHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := PayloadHash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := PayloadHash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
