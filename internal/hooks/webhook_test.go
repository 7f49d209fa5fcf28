package hooks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook_SignatureVerifies(t *testing.T) {
	var received struct {
		sig string
		ts  string
		body []byte
	}
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.sig = r.Header.Get("X-ComfyVN-Signature")
		received.ts = r.Header.Get("X-ComfyVN-Timestamp")
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		received.body = body
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	b := New("test")
	b.RegisterWebhook(srv.URL, "s3cr3t", []string{"on_job_state_changed"})
	b.Publish("on_job_state_changed", map[string]any{"id": "J1"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never fired")
	}
	// Give the handler a tick to finish writing `received` before asserting.
	time.Sleep(10 * time.Millisecond)

	assert.True(t, VerifySignature("s3cr3t", received.ts, received.sig, received.body))
	assert.False(t, VerifySignature("wrong", received.ts, received.sig, received.body))
}

func TestWebhook_RetriesThenDeadLetters(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := New("test")
	b.webhooks.client.Timeout = 2 * time.Second
	reg := b.RegisterWebhook(srv.URL, "secret", nil)
	b.Publish("on_job_state_changed", map[string]any{"id": "J1"})

	require.Eventually(t, func() bool {
		return len(b.DeadLetters()) == 1
	}, 10*time.Second, 50*time.Millisecond)

	dl := b.DeadLetters()
	assert.Equal(t, reg.ID, dl[0].WebhookID)
	assert.GreaterOrEqual(t, attempts.Load(), int64(maxWebhookAttempts))
}

func TestWebhook_ClientErrorIsPermanent(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b := New("test")
	b.RegisterWebhook(srv.URL, "secret", nil)
	b.Publish("on_job_state_changed", map[string]any{"id": "J1"})

	require.Eventually(t, func() bool {
		return len(b.DeadLetters()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int64(1), attempts.Load())
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestWebhook_TimestampIsUnixSeconds(t *testing.T) {
	done := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done <- r.Header.Get("X-ComfyVN-Timestamp")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := New("test")
	b.RegisterWebhook(srv.URL, "secret", nil)
	b.Publish("e", nil)

	ts := <-done
	_, err := strconv.ParseInt(ts, 10, 64)
	assert.NoError(t, err)
}
