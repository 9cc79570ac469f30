package fallback

import (
	"context"
	"testing"

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

func TestAddAndPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "sqli", "10.0.1.5", []string{"A", "B"}))
	require.NoError(t, s.Add(ctx, "rce", "10.0.2.5", []string{"C"}))

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "A", pending[0].Value)
	assert.Equal(t, "sqli", pending[0].Exploit)
	assert.Equal(t, StatusPending, pending[0].Status)
	assert.False(t, pending[0].Timestamp.IsZero())
}

func TestMarkForwarded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "sqli", "10.0.1.5", []string{"A", "B", "C"}))

	pending, err := s.Pending(ctx)
	require.NoError(t, err)

	ids := []int64{pending[0].ID, pending[1].ID}
	require.NoError(t, s.MarkForwarded(ctx, ids))

	pending, err = s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "C", pending[0].Value)

	// Marking again is a no-op; forwarded rows are never re-pended.
	require.NoError(t, s.MarkForwarded(ctx, ids))
	pending, err = s.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestAttackMemo(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	done, err := s.AttackDone(ctx, "10.0.1.5", "fid-1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.RecordAttacks(ctx, [][2]string{
		{"10.0.1.5", "fid-1"},
		{"10.0.1.5", "fid-1"}, // duplicate is ignored
		{"10.0.2.5", "fid-2"},
	}))

	done, err = s.AttackDone(ctx, "10.0.1.5", "fid-1")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = s.AttackDone(ctx, "10.0.1.5", "fid-2")
	require.NoError(t, err)
	assert.False(t, done)
}
