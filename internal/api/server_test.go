package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfyvn/studio/internal/assets"
	"github.com/comfyvn/studio/internal/budget"
	"github.com/comfyvn/studio/internal/flags"
	"github.com/comfyvn/studio/internal/hooks"
	"github.com/comfyvn/studio/internal/policy"
	"github.com/comfyvn/studio/internal/providers"
	"github.com/comfyvn/studio/internal/scenario"
	"github.com/comfyvn/studio/internal/scheduler"
	"github.com/comfyvn/studio/internal/store"
)

func testServer(t *testing.T) (*Server, *hooks.Bus) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := hooks.New("studio")
	fl, err := flags.New(filepath.Join(dir, "flags.json"), flags.DefaultTable(), nil)
	require.NoError(t, err)

	provLog, err := store.OpenProvenanceLog(filepath.Join(dir, "provenance.log"))
	require.NoError(t, err)

	registry := assets.New(st, bus, provLog, nil)
	require.NoError(t, registry.Load(context.Background()))

	enforcer := policy.New(nil)
	acks := policy.NewAcks(st)
	bm := budget.New(budget.Config{CPUPctMax: 100, VRAMMBMax: 8192}, bus, nil)
	prov := providers.New(st, nil)
	sched := scheduler.New(scheduler.Config{ConcurrentLocalMax: 2, ConcurrentRemoteMax: 2},
		st, bus, bm, enforcer, acks, fl, prov, nil)
	t.Cleanup(sched.Stop)

	srv := New(Deps{
		Flags:       fl,
		Bus:         bus,
		Registry:    registry,
		Enforcer:    enforcer,
		Acks:        acks,
		Budget:      bm,
		Scheduler:   sched,
		Runner:      scenario.NewRunner(bus, nil),
		Providers:   prov,
		PlaytestDir: filepath.Join(dir, "playtest"),
		UploadDir:   filepath.Join(dir, "uploads"),
	})
	return srv, bus
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getJSON(t *testing.T, h http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestScheduleFlowOverHTTP(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Routes()

	rec := postJSON(t, h, "/api/schedule/submit", map[string]any{"kind": "render", "target": "local"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var job scheduler.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, scheduler.StateQueued, job.State)

	rec = postJSON(t, h, "/api/schedule/claim", map[string]any{"worker": "w1", "target": "local"})
	require.Equal(t, http.StatusOK, rec.Code)
	var claim struct {
		Job *scheduler.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	require.NotNil(t, claim.Job)
	assert.Equal(t, job.ID, claim.Job.ID)

	rec = postJSON(t, h, "/api/schedule/complete", map[string]any{"id": job.ID})
	assert.Equal(t, http.StatusConflict, rec.Code) // not running yet

	require.Equal(t, http.StatusOK, postJSON(t, h, "/api/schedule/fail", map[string]any{"id": job.ID, "error": "x"}).Code)

	var state scheduler.Job
	getJSON(t, h, "/api/schedule/state/"+job.ID, &state)
	assert.Equal(t, scheduler.StateQueued, state.State) // requeued for retry

	var health scheduler.Health
	rec = getJSON(t, h, "/api/schedule/health", &health)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", health.Status)
}

func TestErrorEnvelopeShape(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Routes()

	rec := getJSON(t, h, "/api/schedule/state/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body.Error.Kind)
	assert.NotEmpty(t, body.Error.Message)
}

func TestPolicyBlockedOverHTTP(t *testing.T) {
	srv, bus := testServer(t)
	srv.enforcer.RegisterScanner(policy.ScannerFunc{
		IDValue: "license",
		Fn: func(_ context.Context, action string, _ map[string]any) ([]policy.Finding, error) {
			if action == "schedule.submit" {
				return []policy.Finding{{
					Scanner: "license", Code: "unlicensed_media", Severity: policy.SeverityBlock,
					Message: "asset has no license",
				}}, nil
			}
			return nil, nil
		},
	})
	h := srv.Routes()

	rec := postJSON(t, h, "/api/schedule/submit", map[string]any{"kind": "render", "target": "local"})
	assert.Equal(t, 423, rec.Code)
	assert.Contains(t, rec.Body.String(), "unlicensed_media")

	enforced := bus.History(hooks.HistoryFilter{Event: hooks.EventPolicyEnforced})
	assert.NotEmpty(t, enforced)
}

func TestFlagsRoundTrip(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Routes()

	rec := postJSON(t, h, "/api/flags/enable_compute", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]any
	getJSON(t, h, "/api/flags", &snap)
	assert.Equal(t, false, snap["enable_compute"])

	rec = postJSON(t, h, "/api/flags/render_quality", map[string]any{"value": "fast"})
	require.Equal(t, http.StatusOK, rec.Code)
	getJSON(t, h, "/api/flags", &snap)
	assert.Equal(t, "fast", snap["render_quality"])
}

func TestAssetRegisterAndSidecarOverHTTP(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Routes()

	dir := t.TempDir()
	path := filepath.Join(dir, "bg.txt")
	require.NoError(t, os.WriteFile(path, []byte("night sky"), 0o644))

	rec := postJSON(t, h, "/api/assets/register", map[string]any{
		"path": path, "type": "text", "meta": map[string]any{"tags": []string{"bg"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var asset assets.Asset
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &asset))
	assert.NotEmpty(t, asset.UID)

	var sidecar map[string]any
	rec = getJSON(t, h, "/api/assets/"+asset.UID+"/sidecar", &sidecar)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, asset.UID, sidecar["uid"])

	var list assets.ListResult
	getJSON(t, h, "/api/assets?tags=bg", &list)
	assert.Equal(t, 1, list.Total)
}

func TestAssetUploadOverHTTP(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Routes()

	var buf bytes.Buffer
	mw := newMultipart(t, &buf, "voice.txt", "hello there", map[string]string{"type": "text"})

	req := httptest.NewRequest(http.MethodPost, "/api/assets/upload", &buf)
	req.Header.Set("Content-Type", mw)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var asset assets.Asset
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &asset))
	assert.FileExists(t, asset.Path)
	assert.FileExists(t, asset.SidecarPath)
}

func TestHooksCatalogAndTest(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Routes()

	rec := postJSON(t, h, "/api/modder/hooks/test", map[string]any{"event": "on_collab_operation"})
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Catalog []hooks.CatalogEntry `json:"catalog"`
		History []hooks.Envelope     `json:"history"`
	}
	getJSON(t, h, "/api/modder/hooks?event=on_collab_operation", &out)
	assert.NotEmpty(t, out.Catalog)
	require.Len(t, out.History, 1)
	assert.Equal(t, "on_collab_operation", out.History[0].Event)
}

func TestWebhookRegisterFeatureGate(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Routes()

	_, err := srv.flags.Set("enable_webhooks", false)
	require.NoError(t, err)

	rec := postJSON(t, h, "/api/modder/hooks/webhooks", map[string]any{"url": "http://localhost:1", "secret": "s"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "enable_webhooks")

	_, err = srv.flags.Set("enable_webhooks", true)
	require.NoError(t, err)
	rec = postJSON(t, h, "/api/modder/hooks/webhooks", map[string]any{"url": "http://localhost:1", "secret": "s"})
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	req := httptest.NewRequest(http.MethodDelete, "/api/modder/hooks/webhooks/"+out.ID, nil)
	del := httptest.NewRecorder()
	h.ServeHTTP(del, req)
	assert.Equal(t, http.StatusOK, del.Code)
}

func TestPlaytestDeterministicOverHTTP(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Routes()

	body := map[string]any{
		"scene": map[string]any{
			"id": "s", "start": "a",
			"nodes": map[string]any{
				"a": map[string]any{"id": "a", "choices": []map[string]any{
					{"id": "x", "next": "b"}, {"id": "y", "next": "b"},
				}},
				"b": map[string]any{"id": "b"},
			},
		},
		"seed": 42, "pov": "A", "variables": map[string]any{"x": 1},
	}

	digest := func() string {
		rec := postJSON(t, h, "/api/playtest/run", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out struct {
			Digest string `json:"digest"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out.Digest
	}
	assert.Equal(t, digest(), digest())
}

func TestHealthAndStatus(t *testing.T) {
	srv, _ := testServer(t)
	h := srv.Routes()

	rec := getJSON(t, h, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	var status map[string]any
	getJSON(t, h, "/status", &status)
	assert.NotEmpty(t, status["routers"])
	assert.Equal(t, Version, status["version"])
}

func newMultipart(t *testing.T, buf *bytes.Buffer, filename, content string, fields map[string]string) string {
	t.Helper()
	w := multipart.NewWriter(buf)
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return w.FormDataContentType()
}

func TestHooksWSStreamsEnvelopes(t *testing.T) {
	srv, bus := testServer(t)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/modder/hooks/ws?topics=on_collab_operation"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	bus.Publish("on_collab_operation", map[string]any{"op": "edit"})
	bus.Publish("on_job_state_changed", map[string]any{"id": "x"}) // filtered out
	bus.Publish("on_collab_operation", map[string]any{"op": "save"})

	var env hooks.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "on_collab_operation", env.Event)
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "on_collab_operation", env.Event)
	assert.Equal(t, "save", env.Payload["op"])
}
