package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uesteibar/inloop/internal/item"
	"github.com/uesteibar/inloop/internal/provider"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New("xoxb-test", WithAPIURL(srv.URL+"/"), WithRetryDelay(time.Millisecond))
}

func TestClient_FetchThread_UsesParentSummary(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations.replies", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "C1", r.Form.Get("channel"))
		assert.Equal(t, "1700000000.000100", r.Form.Get("ts"))

		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"messages": []map[string]any{
				{"type": "message", "ts": "1700000000.000100", "reply_count": 3, "latest_reply": "1700000300.000200"},
				{"type": "message", "ts": "1700000100.000100", "thread_ts": "1700000000.000100"},
			},
		})
	})

	th, err := c.FetchThread(context.Background(), "C1", "1700000000.000100")
	require.NoError(t, err)

	assert.Equal(t, Thread{ReplyCount: 3, LatestReplyTS: "1700000300.000200"}, th)
}

func TestClient_FetchThread_ChannelNotFound_IsPermanent(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
	})

	_, err := c.FetchThread(context.Background(), "C404", "1.2")

	require.Error(t, err)
	assert.True(t, provider.IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_FetchThread_RateLimited_IsTransientWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.FetchThread(context.Background(), "C1", "1.2")

	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_FetchThread_ServerError_RetriesOnce(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.FetchThread(context.Background(), "C1", "1.2")

	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
	assert.Equal(t, int32(2), calls.Load())
}

type fakeAPI struct {
	thread Thread
	err    error
}

func (f fakeAPI) FetchThread(context.Context, string, string) (Thread, error) {
	return f.thread, f.err
}

func TestThreadFetcher_MoreReplies_IsNewReply(t *testing.T) {
	md := item.ChatThread{Channel: "C1", ThreadTS: "1.1", ReplyCount: 2, LatestReplyTS: "1700000000.000001"}
	st, err := ThreadFetcher{API: fakeAPI{thread: Thread{ReplyCount: 3, LatestReplyTS: "1700000500.000001"}}}.Fetch(context.Background(), md)
	require.NoError(t, err)

	assert.Equal(t, provider.PhaseNewReply, st.Phase)
	assert.Equal(t, "3 replies", st.Detail)
	got := st.Metadata.(item.ChatThread)
	assert.Equal(t, 3, got.ReplyCount)
	assert.Equal(t, "1700000500.000001", got.LatestReplyTS)
	assert.Equal(t, int64(1700000500), st.ExternalUpdatedAt.Unix())
}

func TestThreadFetcher_SameReplies_IsNoChange(t *testing.T) {
	md := item.ChatThread{Channel: "C1", ThreadTS: "1.1", ReplyCount: 3, LatestReplyTS: "1700000500.000001"}
	st, err := ThreadFetcher{API: fakeAPI{thread: Thread{ReplyCount: 3, LatestReplyTS: "1700000500.000001"}}}.Fetch(context.Background(), md)
	require.NoError(t, err)

	assert.Equal(t, provider.PhaseNoChange, st.Phase)
}

func TestThreadFetcher_WrongMetadata_IsPermanent(t *testing.T) {
	_, err := ThreadFetcher{API: fakeAPI{}}.Fetch(context.Background(), item.CIRun{Owner: "o", Repo: "r", RunID: 1})

	assert.True(t, provider.IsPermanent(err))
}

func TestTSAfter(t *testing.T) {
	assert.True(t, tsAfter("1700000000.000200", "1700000000.000100"))
	assert.True(t, tsAfter("1700000001.000000", "1700000000.999999"))
	assert.False(t, tsAfter("1700000000.000100", "1700000000.000100"))
	assert.False(t, tsAfter("", "1700000000.000100"))
	assert.True(t, tsAfter("1700000000.000100", ""))
}
