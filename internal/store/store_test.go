package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func queuedInserts(tick int, values ...string) []Insert {
	ins := make([]Insert, len(values))
	for i, v := range values {
		ins[i] = Insert{Value: v, Exploit: "web-sqli", Player: "alice", Tick: tick, Target: "10.0.1.5"}
	}
	return ins
}

func TestInsertFlags_NewAndDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	newV, dup, err := s.InsertFlags(ctx, queuedInserts(0, "A", "B"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, newV)
	assert.Empty(t, dup)

	newV, dup, err = s.InsertFlags(ctx, queuedInserts(0, "B", "C"))
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, newV)
	assert.Equal(t, []string{"B"}, dup)

	// Exactly one row per value, all at tick 0.
	for _, v := range []string{"A", "B", "C"} {
		f, err := s.GetFlag(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, 0, f.Tick)
		assert.Equal(t, StatusQueued, f.Status)
	}
}

func TestInsertFlags_DuplicateInSameBatch(t *testing.T) {
	s := openTestStore(t)

	newV, dup, err := s.InsertFlags(context.Background(), queuedInserts(1, "X", "X"))
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, newV)
	assert.Equal(t, []string{"X"}, dup)
}

func TestInsertFlags_TerminalStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.InsertFlags(ctx, []Insert{{
		Value: "M", Exploit: "manual", Player: "bob", Tick: 2, Target: "unknown",
		Status: StatusAccepted, Response: "ok",
	}})
	require.NoError(t, err)

	f, err := s.GetFlag(ctx, "M")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, f.Status)
	assert.Equal(t, "ok", f.Response)
}

func TestMarkResults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.InsertFlags(ctx, queuedInserts(0, "v1", "v2", "v3"))
	require.NoError(t, err)

	err = s.MarkResults(ctx,
		map[string]string{"v1": "ok"},
		map[string]string{"v2": "old"})
	require.NoError(t, err)

	f, _ := s.GetFlag(ctx, "v1")
	assert.Equal(t, StatusAccepted, f.Status)
	assert.Equal(t, "ok", f.Response)

	f, _ = s.GetFlag(ctx, "v2")
	assert.Equal(t, StatusRejected, f.Status)
	assert.Equal(t, "old", f.Response)

	f, _ = s.GetFlag(ctx, "v3")
	assert.Equal(t, StatusQueued, f.Status)
}

func TestMarkResults_TerminalStatesAreFinal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.InsertFlags(ctx, queuedInserts(0, "v1"))
	require.NoError(t, err)
	require.NoError(t, s.MarkResults(ctx, map[string]string{"v1": "ok"}, nil))

	// A later rejection for an accepted value is a no-op.
	require.NoError(t, s.MarkResults(ctx, nil, map[string]string{"v1": "late"}))

	f, _ := s.GetFlag(ctx, "v1")
	assert.Equal(t, StatusAccepted, f.Status)
	assert.Equal(t, "ok", f.Response)
}

func TestQueuedValues(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.InsertFlags(ctx, queuedInserts(0, "a", "b"))
	require.NoError(t, err)
	require.NoError(t, s.MarkResults(ctx, map[string]string{"a": "ok"}, nil))

	values, err := s.QueuedValues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, values)
}

func TestCountByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.InsertFlags(ctx, queuedInserts(4, "a", "b", "c"))
	require.NoError(t, err)
	_, _, err = s.InsertFlags(ctx, queuedInserts(3, "d"))
	require.NoError(t, err)
	require.NoError(t, s.MarkResults(ctx,
		map[string]string{"a": "ok", "d": "ok"},
		map[string]string{"b": "old"}))

	stats, err := s.CountByStatus(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, Stats{
		Queued: 1, Accepted: 2, Rejected: 1,
		Delta: StatsDelta{Accepted: 1, Rejected: 1},
	}, stats)
}

func TestAnalytics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ins := []Insert{
		{Value: "a", Exploit: "sqli", Player: "alice", Tick: 1, Target: "t"},
		{Value: "b", Exploit: "sqli", Player: "alice", Tick: 1, Target: "t"},
		{Value: "c", Exploit: "sqli", Player: "alice", Tick: 2, Target: "t"},
		{Value: "d", Exploit: "rce", Player: "bob", Tick: 2, Target: "t"},
		{Value: "m", Exploit: "manual", Player: "bob", Tick: 2, Target: "unknown"},
	}
	_, _, err := s.InsertFlags(ctx, ins)
	require.NoError(t, err)
	require.NoError(t, s.MarkResults(ctx, map[string]string{
		"a": "ok", "b": "ok", "c": "ok", "d": "ok", "m": "ok",
	}, nil))

	report, err := s.Analytics(ctx, 2)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, report.Ticks)
	require.Contains(t, report.Exploits, "alice-sqli")
	assert.Equal(t, []int{0, 2, 1}, report.Exploits["alice-sqli"].Data.Accepted)
	require.Contains(t, report.Exploits, "bob-rce")
	assert.Equal(t, []int{0, 0, 1}, report.Exploits["bob-rce"].Data.Accepted)
	// Manual submissions are excluded.
	assert.NotContains(t, report.Exploits, "bob-manual")
}

func TestAnalyticsWindowClamp(t *testing.T) {
	s := openTestStore(t)

	report, err := s.Analytics(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, []int{16, 17, 18, 19, 20, 21, 22, 23, 24, 25}, report.Ticks)
}

func TestSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.InsertFlags(ctx, queuedInserts(0, "a", "b", "c", "d"))
	require.NoError(t, err)
	require.NoError(t, s.MarkResults(ctx, map[string]string{"b": "ok", "d": "ok"}, nil))

	accepted := func(f Flag) bool { return f.Status == StatusAccepted }

	results, total, err := s.Search(ctx, accepted, []SortField{{Field: "value", Direction: "desc"}}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, results, 2)
	assert.Equal(t, "d", results[0].Value)
	assert.Equal(t, "b", results[1].Value)
}

func TestSearchPaging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.InsertFlags(ctx, queuedInserts(0, "a", "b", "c", "d", "e"))
	require.NoError(t, err)

	page1, total, err := s.Search(ctx, nil, nil, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)

	page3, _, err := s.Search(ctx, nil, nil, 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "e", page3[0].Value)

	beyond, _, err := s.Search(ctx, nil, nil, 9, 2)
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestDropFlags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.InsertFlags(ctx, queuedInserts(0, "a"))
	require.NoError(t, err)
	require.NoError(t, s.DropFlags())

	// After the drop the same value inserts as new again.
	time.Sleep(20 * time.Millisecond) // let the dedup cache clear settle
	newV, dup, err := s.InsertFlags(ctx, queuedInserts(0, "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, newV)
	assert.Empty(t, dup)
}

func TestWebhookLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w, err := s.CreateWebhook(ctx, "sqli", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)

	got, err := s.GetWebhook(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "sqli", got.Exploit)
	assert.False(t, got.Disabled)

	got.Disabled = true
	require.NoError(t, s.UpdateWebhook(ctx, got))

	got, err = s.GetWebhook(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Disabled)

	list, err := s.ListWebhooks(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetWebhook(ctx, "nope")
	assert.ErrorIs(t, err, ErrWebhookNotFound)

	err = s.UpdateWebhook(ctx, Webhook{ID: "nope"})
	assert.ErrorIs(t, err, ErrWebhookNotFound)
}
