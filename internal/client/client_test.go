package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fastad/fast/internal/config"
	"github.com/fastad/fast/internal/fallback"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	fb, err := fallback.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { fb.Close() })

	return New(config.ConnectConfig{
		Protocol: "http",
		Host:     u.Hostname(),
		Port:     port,
		Player:   "alice",
	}, fb, zaptest.NewLogger(t))
}

func chtmp(t *testing.T) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(old) })
}

func TestFetchConfig(t *testing.T) {
	chtmp(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/config", r.URL.Path)
		assert.Equal(t, "alice", r.URL.Query().Get("player"))
		json.NewEncoder(w).Encode(RemoteConfig{
			FlagFormat:   `FLAG\{[a-z0-9]+\}`,
			TickDuration: 60,
			TeamIP:       []string{"10.0.3.1"},
		})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	cfg, err := c.FetchConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.TickDuration)
	assert.Equal(t, []string{"10.0.3.1"}, cfg.TeamIP)

	// A snapshot lands under .fast/ for inspection.
	data, err := os.ReadFile(ConfigSnapshot)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tick_duration")
}

func TestEnqueue_ForwardsToServer(t *testing.T) {
	var got enqueueRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/enqueue", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(enqueueResponse{
			New:        []string{"FLAG{aaa}"},
			Duplicates: []string{"FLAG{bbb}"},
		})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	out, err := c.Enqueue(context.Background(), []string{"FLAG{aaa}", "FLAG{bbb}"}, "sqli", "10.0.1.5")
	require.NoError(t, err)

	assert.Equal(t, []string{"FLAG{aaa}"}, out.New)
	assert.Equal(t, []string{"FLAG{bbb}"}, out.Duplicates)
	assert.Equal(t, "alice", got.Player)
	assert.Equal(t, "10.0.1.5", got.Target)
}

func TestEnqueue_OwnTargetReportsVulnerability(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	c.own = []string{"10.0.3.1"}

	out, err := c.Enqueue(context.Background(), []string{"FLAG{aaa}"}, "sqli", "10.0.3.1")
	require.NoError(t, err)
	assert.Equal(t, "/vuln-report", path)
	assert.Equal(t, 1, out.Own)
}

func TestEnqueue_UnreachableServerFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing is listening anymore

	c := testClient(t, srv)
	out, err := c.Enqueue(context.Background(), []string{"FLAG{aaa}"}, "sqli", "10.0.1.5")
	require.NoError(t, err)
	assert.True(t, out.Pending)

	pending, err := c.fallback.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "FLAG{aaa}", pending[0].Value)
}

func TestEnqueue_ServerErrorDoesNotFallBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "flag store is gone"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.Enqueue(context.Background(), []string{"FLAG{aaa}"}, "sqli", "10.0.1.5")
	require.Error(t, err)

	pending, err := c.fallback.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainFallback(t *testing.T) {
	// The body is a bare list of flag objects.
	var got []fallbackFlag
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/enqueue-fallback", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	ctx := context.Background()
	require.NoError(t, c.fallback.Add(ctx, "sqli", "10.0.1.5", []string{"FLAG{aaa}", "FLAG{bbb}"}))

	require.NoError(t, c.DrainFallback(ctx))
	require.Len(t, got, 2)
	assert.Equal(t, "FLAG{aaa}", got[0].Flag)
	assert.Equal(t, "alice", got[0].Player)
	assert.NotZero(t, got[0].Timestamp)

	// Acknowledged flags never go out twice.
	pending, err := c.fallback.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainFallback_ServerErrorKeepsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	ctx := context.Background()
	require.NoError(t, c.fallback.Add(ctx, "sqli", "10.0.1.5", []string{"FLAG{aaa}"}))

	require.Error(t, c.DrainFallback(ctx))
	pending, err := c.fallback.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDrainFallback_NothingPending(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := testClient(t, srv)
	require.NoError(t, c.DrainFallback(context.Background()))
	assert.False(t, called)
}

func TestBasicAuthHeader(t *testing.T) {
	var user, pass string
	var ok bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok = r.BasicAuth()
		json.NewEncoder(w).Encode(SyncResponse{})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	c.password = "hunter2"

	_, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "hunter2", pass)
}
