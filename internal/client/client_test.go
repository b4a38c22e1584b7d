package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uesteibar/inloop/internal/client"
	"github.com/uesteibar/inloop/internal/db"
	"github.com/uesteibar/inloop/internal/ingest"
	"github.com/uesteibar/inloop/internal/item"
	"github.com/uesteibar/inloop/internal/server"
	"github.com/uesteibar/inloop/internal/tracker"
)

func startDaemon(t *testing.T) *client.Client {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	tr := tracker.New(d)
	srv, err := server.New("127.0.0.1:0", server.Config{
		DB:              d,
		Tracker:         tr,
		Ingest:          ingest.New(ingest.Config{DB: d, Tracker: tr, TranscriptDir: t.TempDir(), Logger: zerolog.Nop()}),
		DefaultInterval: 30 * time.Second,
		Version:         "test",
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	return client.New(srv.Addr())
}

func TestClient_Status(t *testing.T) {
	c := startDaemon(t)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", st.Status)
	assert.Equal(t, "test", st.Version)
}

func TestClient_SessionLifecycle(t *testing.T) {
	c := startDaemon(t)
	ctx := context.Background()

	reg, err := c.Register(ctx, ingest.Registration{Command: "make test", Cwd: "/repo"})
	require.NoError(t, err)
	require.NotEmpty(t, reg.SessionID)

	sess, err := c.Session(ctx, reg.SessionID)
	require.NoError(t, err)
	assert.Equal(t, reg.ItemID, sess.ItemID)
	assert.Equal(t, "make test", sess.Command)

	it, err := c.UpdateSession(ctx, reg.SessionID, item.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, item.StatusInProgress, it.Status)

	it, err = c.UpdateSession(ctx, reg.SessionID, item.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, item.StatusCompleted, it.Status)
}

func TestClient_UpdateUnknownSession_IsNotFound(t *testing.T) {
	c := startDaemon(t)

	_, err := c.UpdateSession(context.Background(), "missing", item.StatusCompleted)
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "session not found", apiErr.Message)
}

func TestClient_ItemLifecycle(t *testing.T) {
	c := startDaemon(t)
	ctx := context.Background()

	it, err := c.Add(ctx, client.AddRequest{Input: "https://github.com/o/r/pull/42", PollInterval: "2m"})
	require.NoError(t, err)
	assert.Equal(t, item.TypePullRequest, it.Type)
	assert.Equal(t, 2*time.Minute, it.PollInterval)

	got, err := c.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, it.ID, got.ID)

	it, err = c.Archive(ctx, it.ID)
	require.NoError(t, err)
	assert.True(t, it.Archived)

	active, err := c.List(ctx, client.Active)
	require.NoError(t, err)
	assert.Empty(t, active)

	archived, err := c.List(ctx, client.ArchivedOnly)
	require.NoError(t, err)
	require.Len(t, archived, 1)

	it, err = c.Unarchive(ctx, it.ID)
	require.NoError(t, err)
	assert.False(t, it.Archived)

	it, err = c.Acknowledge(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, item.StatusWaiting, it.Status)

	events, err := c.Events(ctx, it.ID, 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	require.NoError(t, c.Delete(ctx, it.ID))
	_, err = c.Get(ctx, it.ID)
	assert.True(t, client.IsNotFound(err))
}

func TestClient_AddUnrecognized_Returns422(t *testing.T) {
	c := startDaemon(t)

	_, err := c.Add(context.Background(), client.AddRequest{Input: "https://example.com"})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
}

func TestClient_PollIntervalSetting(t *testing.T) {
	c := startDaemon(t)
	ctx := context.Background()

	s, err := c.PollInterval(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.Value)
	assert.Equal(t, "30s", s.Default)

	s, err = c.SetPollInterval(ctx, "45")
	require.NoError(t, err)
	assert.Equal(t, "45s", s.Value)
}

func TestClient_NonJSONError_KeepsBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	t.Cleanup(ts.Close)

	_, err := client.New(ts.URL).Status(context.Background())
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "bad gateway", apiErr.Message)
}
