package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uesteibar/inloop/internal/db"
	"github.com/uesteibar/inloop/internal/ingest"
	"github.com/uesteibar/inloop/internal/item"
	"github.com/uesteibar/inloop/internal/provider"
	"github.com/uesteibar/inloop/internal/server"
	"github.com/uesteibar/inloop/internal/tracker"
)

type testServer struct {
	url     string
	db      *db.DB
	tracker *tracker.Tracker
	hub     *server.Hub
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	hub := server.NewHub(zerolog.Nop())
	tr := tracker.New(d, tracker.WithNotifier(hub))
	srv, err := server.New("127.0.0.1:0", server.Config{
		DB:              d,
		Tracker:         tr,
		Ingest:          ingest.New(ingest.Config{DB: d, Tracker: tr, TranscriptDir: t.TempDir(), Logger: zerolog.Nop()}),
		Hub:             hub,
		DefaultInterval: 30 * time.Second,
		Version:         "test",
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	return &testServer{url: "http://" + srv.Addr(), db: d, tracker: tr, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.url+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestNew_NonLoopbackAddr_Rejected(t *testing.T) {
	_, err := server.New("0.0.0.0:0", server.Config{})
	assert.Error(t, err)
}

func TestCheckLoopback(t *testing.T) {
	assert.NoError(t, server.CheckLoopback("127.0.0.1:19532"))
	assert.NoError(t, server.CheckLoopback("[::1]:19532"))
	assert.NoError(t, server.CheckLoopback("localhost:19532"))
	assert.Error(t, server.CheckLoopback("192.168.1.4:19532"))
	assert.Error(t, server.CheckLoopback(":19532"))
}

func TestStatus_ReportsVersion(t *testing.T) {
	ts := startServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[map[string]any](t, body)
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, "test", got["version"])
}

func TestSessions_RegisterThenComplete(t *testing.T) {
	ts := startServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/sessions", map[string]string{"command": "make test", "cwd": "/src"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	reg := decode[ingest.Registered](t, body)
	require.NotEmpty(t, reg.SessionID)

	resp, body = ts.do(t, http.MethodPatch, "/api/sessions/"+reg.SessionID, map[string]string{"status": "completed"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	it := decode[item.Item](t, body)
	assert.Equal(t, item.StatusCompleted, it.Status)
	assert.Equal(t, reg.ItemID, it.ID)

	resp, _ = ts.do(t, http.MethodPatch, "/api/sessions/"+reg.SessionID, map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	events, err := ts.db.ListEvents(reg.ItemID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSessions_GetReturnsTranscriptPath(t *testing.T) {
	ts := startServer(t)

	_, body := ts.do(t, http.MethodPost, "/api/sessions", map[string]string{"command": "claude", "type": "interactive_agent_session"})
	reg := decode[ingest.Registered](t, body)
	require.NotEmpty(t, reg.TranscriptPath)

	resp, body := ts.do(t, http.MethodGet, "/api/sessions/"+reg.SessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := decode[item.Session](t, body)
	assert.Equal(t, reg.TranscriptPath, sess.TranscriptPath)
}

func TestSessions_UnknownID_Returns404(t *testing.T) {
	ts := startServer(t)

	resp, body := ts.do(t, http.MethodPatch, "/api/sessions/nope", map[string]string{"status": "failed"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "session not found", decode[map[string]string](t, body)["error"])
}

func TestSessions_InvalidInput_Returns400(t *testing.T) {
	ts := startServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/sessions", map[string]string{"command": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body := ts.do(t, http.MethodPost, "/api/sessions", map[string]string{"command": "make"})
	reg := decode[ingest.Registered](t, body)
	resp, _ = ts.do(t, http.MethodPatch, "/api/sessions/"+reg.SessionID, map[string]string{"status": "waiting"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.url+"/api/sessions", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestItems_AddPullRequestURL(t *testing.T) {
	ts := startServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/items", map[string]string{
		"input":         "https://github.com/o/r/pull/42",
		"poll_interval": "2m",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	it := decode[item.Item](t, body)
	assert.Equal(t, item.TypePullRequest, it.Type)
	assert.Equal(t, item.PullRequest{Owner: "o", Repo: "r", Number: 42}, it.Metadata)
	assert.Equal(t, 2*time.Minute, it.PollInterval)
	assert.Equal(t, item.StatusWaiting, it.Status)
}

func TestItems_AddUnrecognized_Returns422(t *testing.T) {
	ts := startServer(t)

	for _, input := range []string{"https://example.com/whatever", "make build"} {
		resp, _ := ts.do(t, http.MethodPost, "/api/items", map[string]string{"input": input})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, input)
	}

	items, err := ts.db.ListItems(db.ItemFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestItems_AddBadInterval_Returns400(t *testing.T) {
	ts := startServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/items", map[string]string{
		"input":         "https://github.com/o/r/pull/42",
		"poll_interval": "often",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func addPR(t *testing.T, ts *testServer) item.Item {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/items", map[string]string{"input": "https://github.com/o/r/pull/7"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	return decode[item.Item](t, body)
}

func TestItems_ListGetDelete(t *testing.T) {
	ts := startServer(t)
	it := addPR(t, ts)

	resp, body := ts.do(t, http.MethodGet, "/api/items", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]item.Item](t, body)
	require.Len(t, list, 1)
	assert.Equal(t, it.ID, list[0].ID)

	resp, _ = ts.do(t, http.MethodGet, "/api/items/"+it.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/api/items/"+it.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/items/"+it.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/api/items/"+it.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestItems_ArchiveHidesFromDefaultList(t *testing.T) {
	ts := startServer(t)
	it := addPR(t, ts)

	resp, body := ts.do(t, http.MethodPost, "/api/items/"+it.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[item.Item](t, body).Archived)

	_, body = ts.do(t, http.MethodGet, "/api/items", nil)
	assert.Empty(t, decode[[]item.Item](t, body))
	_, body = ts.do(t, http.MethodGet, "/api/items?archived=true", nil)
	assert.Len(t, decode[[]item.Item](t, body), 1)
	_, body = ts.do(t, http.MethodGet, "/api/items?archived=all", nil)
	assert.Len(t, decode[[]item.Item](t, body), 1)

	resp, _ = ts.do(t, http.MethodGet, "/api/items?archived=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/items/"+it.ID+"/unarchive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[item.Item](t, body).Archived)
}

func TestItems_AcknowledgeUpdated(t *testing.T) {
	ts := startServer(t)
	it := addPR(t, ts)
	_, err := ts.tracker.ApplyObservation(it.ID, provider.Status{Phase: provider.PhaseOpen, Detail: "open, 0 reviews"})
	require.NoError(t, err)
	_, err = ts.tracker.ApplyObservation(it.ID, provider.Status{Phase: provider.PhaseChangesRequested, Detail: "open, 1 reviews"})
	require.NoError(t, err)

	resp, body := ts.do(t, http.MethodPost, "/api/items/"+it.ID+"/acknowledge", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[item.Item](t, body)
	assert.Equal(t, item.StatusWaiting, got.Status)
	assert.Empty(t, got.PreviousStatus)

	resp, _ = ts.do(t, http.MethodPost, "/api/items/missing/acknowledge", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestItems_Events(t *testing.T) {
	ts := startServer(t)
	it := addPR(t, ts)
	ts.do(t, http.MethodPost, "/api/items/"+it.ID+"/archive", nil)

	resp, body := ts.do(t, http.MethodGet, "/api/items/"+it.ID+"/events?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[[]db.Event](t, body)
	require.Len(t, events, 1)
	assert.Equal(t, db.EventArchived, events[0].EventType)

	resp, _ = ts.do(t, http.MethodGet, "/api/items/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSettings_PollInterval(t *testing.T) {
	ts := startServer(t)

	_, body := ts.do(t, http.MethodGet, "/api/settings/poll_interval", nil)
	got := decode[map[string]string](t, body)
	assert.Empty(t, got["value"])
	assert.Equal(t, "30s", got["default"])

	resp, body := ts.do(t, http.MethodPut, "/api/settings/poll_interval", map[string]string{"value": "90"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1m30s", decode[map[string]string](t, body)["value"])

	stored, err := ts.db.GetSetting(db.SettingPollInterval)
	require.NoError(t, err)
	assert.Equal(t, "1m30s", stored)

	resp, _ = ts.do(t, http.MethodPut, "/api/settings/poll_interval", map[string]string{"value": "never"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownRoute_Returns404JSON(t *testing.T) {
	ts := startServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not found", decode[map[string]string](t, body)["error"])
}

func TestWebSocket_ReceivesItemCreated(t *testing.T) {
	ts := startServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.url, "http")+"/api/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return ts.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	it := addPR(t, ts)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg server.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, tracker.ChangeCreated, msg.Type)
	assert.Equal(t, it.ID, msg.ItemID)
	assert.Equal(t, item.TypePullRequest, decode[item.Item](t, msg.Item).Type)
}

func TestWebSocket_TypesFilter_SkipsOtherTypes(t *testing.T) {
	ts := startServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.url, "http")+"/api/ws?types=cli_session", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return ts.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	addPR(t, ts)
	resp, body := ts.do(t, http.MethodPost, "/api/sessions", map[string]string{"command": "make"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg server.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, tracker.ChangeCreated, msg.Type)
	assert.Equal(t, item.TypeCLISession, decode[item.Item](t, msg.Item).Type)
}

func TestWebSocket_UnknownType_Rejected(t *testing.T) {
	ts := startServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/api/ws?types=fax", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
