package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealog-dev/sealog/core/chain"
	"github.com/sealog-dev/sealog/core/config"
	"github.com/sealog-dev/sealog/core/ledger"
	"github.com/sealog-dev/sealog/core/supervisor"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	s := New(cfg, "test", zerolog.Nop())
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer func() {
		_ = resp.Body.Close()
	}()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health supervisor.Health
	decodeInto(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, os.Getpid(), health.Pid)
	assert.Zero(t, health.ActiveSessions)
}

func TestSessionLifecycleOverREST(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/sessions", map[string]any{
		"external_id": "tool-abc",
		"client":      "editor-plugin",
		"task_type":   "refactor",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created sessionView
	decodeInto(t, resp, &created)
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, string(ledger.StateActive), created.State)
	assert.Equal(t, "editor-plugin", created.Client)

	base := ts.URL + "/v1/sessions/" + created.SessionID

	for _, label := range []string{"plan", "edit", "tests-green"} {
		resp = postJSON(t, base+"/events", map[string]any{
			"type": chain.TypeMilestone,
			"data": map[string]any{"label": label},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var rec chain.Record
		decodeInto(t, resp, &rec)
		assert.Equal(t, created.SessionID, rec.SessionID)
		assert.NotEmpty(t, rec.Hash)
	}

	resp = postJSON(t, base+"/heartbeat", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var afterBeat sessionView
	decodeInto(t, resp, &afterBeat)
	assert.Equal(t, 1, afterBeat.Heartbeats)
	assert.Equal(t, 3, afterBeat.RecordCount)

	resp = postJSON(t, base+"/seal", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var seal ledger.Seal
	decodeInto(t, resp, &seal)
	assert.Equal(t, created.SessionID, seal.SessionID)
	assert.Equal(t, 3, seal.RecordCount)
	assert.Equal(t, 1, seal.Heartbeats)
	assert.NotEqual(t, chain.GenesisPrevHash, seal.FinalHash)

	// The sealed session rejects further mutation.
	resp = postJSON(t, base+"/events", map[string]any{"type": chain.TypeMilestone})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestExternalIDResumesSession(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/sessions", map[string]any{"external_id": "tool-xyz"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first sessionView
	decodeInto(t, resp, &first)

	resp = postJSON(t, ts.URL+"/v1/sessions", map[string]any{"external_id": "tool-xyz"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "second start with same external id resumes")
	var second sessionView
	decodeInto(t, resp, &second)
	assert.Equal(t, first.SessionID, second.SessionID)

	// The external id also resolves on the session routes.
	resp, err := http.Get(ts.URL + "/v1/sessions/tool-xyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched sessionView
	decodeInto(t, resp, &fetched)
	assert.Equal(t, first.SessionID, fetched.SessionID)
}

func TestResumeUpdatesMetadata(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/sessions", map[string]any{
		"external_id": "tool-meta",
		"client":      "editor-plugin",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created sessionView
	decodeInto(t, resp, &created)

	resp = postJSON(t, ts.URL+"/v1/sessions", map[string]any{
		"external_id": "tool-meta",
		"client":      "editor-plugin-v2",
		"task_type":   "bugfix",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var resumed sessionView
	decodeInto(t, resp, &resumed)
	assert.Equal(t, created.SessionID, resumed.SessionID)
	assert.Equal(t, "editor-plugin-v2", resumed.Client, "resume applies fresh metadata")
	assert.Equal(t, "bugfix", resumed.TaskType)
}

func TestSealRetiresExternalID(t *testing.T) {
	s, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/sessions", map[string]any{"external_id": "tool-gone"})
	var created sessionView
	decodeInto(t, resp, &created)

	resp = postJSON(t, ts.URL+"/v1/sessions/"+created.SessionID+"/seal", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	_, ok := s.registry.ReadAll()["tool-gone"]
	assert.False(t, ok, "seal removes the external id mapping")

	// A fresh start under the retired external id gets a new session.
	resp = postJSON(t, ts.URL+"/v1/sessions", map[string]any{"external_id": "tool-gone"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var fresh sessionView
	decodeInto(t, resp, &fresh)
	assert.NotEqual(t, created.SessionID, fresh.SessionID)
}

func TestUnknownSessionIs404(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/sessions/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/sessions/nope/events", map[string]any{"type": chain.TypeMilestone})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestChainEndpointVerifies(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/sessions", nil)
	var created sessionView
	decodeInto(t, resp, &created)

	base := ts.URL + "/v1/sessions/" + created.SessionID
	for i := 0; i < 3; i++ {
		resp = postJSON(t, base+"/events", map[string]any{"type": chain.TypeHeartbeat})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		_ = resp.Body.Close()
	}

	resp, err := http.Get(base + "/chain")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		SessionID string             `json:"session_id"`
		Records   []chain.Record     `json:"records"`
		Verify    chain.VerifyResult `json:"verify"`
	}
	decodeInto(t, resp, &body)
	assert.Len(t, body.Records, 3)
	assert.Equal(t, 3, body.Verify.RecordsChecked)
	assert.True(t, body.Verify.OK())
}

func TestEmptyMetadataRejected(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/sessions", nil)
	var created sessionView
	decodeInto(t, resp, &created)

	resp = postJSON(t, ts.URL+"/v1/sessions/"+created.SessionID+"/client", map[string]any{"value": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestStreamLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() {
		_ = conn.Close()
	}()

	roundTrip := func(req streamRequest) streamResponse {
		t.Helper()
		require.NoError(t, conn.WriteJSON(req))
		var resp streamResponse
		require.NoError(t, conn.ReadJSON(&resp))
		return resp
	}

	started := roundTrip(streamRequest{Op: "start", Client: "cli"})
	require.True(t, started.OK, "start failed: %+v", started.Error)
	require.NotNil(t, started.Session)
	sessionID := started.Session.SessionID

	appended := roundTrip(streamRequest{
		Op:        "append",
		SessionID: sessionID,
		Type:      chain.TypeMilestone,
		Data:      map[string]any{"label": "first"},
	})
	require.True(t, appended.OK)
	require.NotNil(t, appended.Record)
	assert.Equal(t, chain.GenesisPrevHash, appended.Record.PrevHash)

	beat := roundTrip(streamRequest{Op: "heartbeat", SessionID: sessionID})
	require.True(t, beat.OK)
	assert.Equal(t, 1, beat.Session.Heartbeats)

	renamed := roundTrip(streamRequest{Op: "set_task_type", SessionID: sessionID, Value: "bugfix"})
	require.True(t, renamed.OK)
	assert.Equal(t, "bugfix", renamed.Session.TaskType)

	sealed := roundTrip(streamRequest{Op: "seal", SessionID: sessionID})
	require.True(t, sealed.OK)
	require.NotNil(t, sealed.Seal)
	assert.Equal(t, 1, sealed.Seal.RecordCount)

	late := roundTrip(streamRequest{Op: "append", SessionID: sessionID, Type: chain.TypeMilestone})
	require.False(t, late.OK)
	assert.Equal(t, "invalid_state", late.Error.Category)
}

func TestStreamStartResumesExternalID(t *testing.T) {
	_, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() {
		_ = conn.Close()
	}()

	roundTrip := func(req streamRequest) streamResponse {
		t.Helper()
		require.NoError(t, conn.WriteJSON(req))
		var resp streamResponse
		require.NoError(t, conn.ReadJSON(&resp))
		return resp
	}

	first := roundTrip(streamRequest{Op: "start", SessionID: "ext-tool-1", Client: "cli"})
	require.True(t, first.OK, "start failed: %+v", first.Error)
	require.NotNil(t, first.Session)

	if _, err := http.Post(ts.URL+"/v1/sessions/ext-tool-1/heartbeat", "application/json", nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// A reconnecting tool reissues start with the same external id and
	// must land on the same ledger, counters intact.
	second := roundTrip(streamRequest{Op: "start", SessionID: "ext-tool-1"})
	require.True(t, second.OK, "restart failed: %+v", second.Error)
	require.NotNil(t, second.Session)
	assert.Equal(t, first.Session.SessionID, second.Session.SessionID, "stream start must resume, not duplicate")
	assert.Equal(t, 1, second.Session.Heartbeats)

	// A sealed session is retired; the external id starts fresh.
	sealed := roundTrip(streamRequest{Op: "seal", SessionID: "ext-tool-1"})
	require.True(t, sealed.OK)
	fresh := roundTrip(streamRequest{Op: "start", SessionID: "ext-tool-1"})
	require.True(t, fresh.OK)
	assert.NotEqual(t, first.Session.SessionID, fresh.Session.SessionID)
}

func TestStreamUnknownOp(t *testing.T) {
	_, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() {
		_ = conn.Close()
	}()

	require.NoError(t, conn.WriteJSON(streamRequest{Op: "dance"}))
	var resp streamResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.False(t, resp.OK)
	assert.Equal(t, "unknown_op", resp.Error.Code)
}
