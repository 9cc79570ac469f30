package exploit

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fastad/fast/internal/config"
	"github.com/fastad/fast/internal/logging"
)

func TestFromEntry_Defaults(t *testing.T) {
	d, err := FromEntry(config.ExploitEntry{Name: "sqli", Targets: []string{"10.0.1.5"}})
	require.NoError(t, err)

	assert.Equal(t, "sqli", d.Module, "module defaults to the exploit name")
	assert.Equal(t, DefaultTimeout, d.Timeout)
	assert.Equal(t, []string{"10.0.1.5"}, d.Targets)
	assert.False(t, d.Auto())
}

func TestFromEntry_ExpandsRanges(t *testing.T) {
	d, err := FromEntry(config.ExploitEntry{
		Name:    "sqli",
		Targets: []string{"10.0.1-3.5"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.1.5", "10.0.2.5", "10.0.3.5"}, d.Targets)
}

func TestFromEntry_Auto(t *testing.T) {
	d, err := FromEntry(config.ExploitEntry{Name: "sqli", Targets: []string{"auto"}})
	require.NoError(t, err)
	assert.True(t, d.Auto())
}

func TestFromEntry_TimeoutAndBatches(t *testing.T) {
	d, err := FromEntry(config.ExploitEntry{
		Name:    "sqli",
		Targets: []string{"10.0.1.5"},
		Timeout: 2.5,
		Batches: &config.BatchesEntry{Count: 3, Wait: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, d.Timeout)
	require.NotNil(t, d.Batches)
	assert.Equal(t, 3, d.Batches.Count)
	assert.Equal(t, time.Second, d.Batches.Wait)
}

func attacksOf(n int) []Attack {
	out := make([]Attack, n)
	for i := range out {
		out[i] = Attack{Host: "10.0." + string(rune('a'+i)) + ".1"}
	}
	return out
}

func TestPartitionCount_NearEqual(t *testing.T) {
	for n := 1; n <= 12; n++ {
		for k := 1; k <= 6; k++ {
			batches := partitionCount(attacksOf(n), k)

			total := 0
			for _, b := range batches {
				total += len(b)
				require.NotEmpty(t, b)
			}
			assert.Equal(t, n, total, "n=%d k=%d", n, k)

			// No two batches differ by more than one attack.
			for _, a := range batches {
				for _, b := range batches {
					diff := len(a) - len(b)
					if diff < 0 {
						diff = -diff
					}
					assert.LessOrEqual(t, diff, 1, "n=%d k=%d", n, k)
				}
			}
		}
	}
}

func TestPartitionCount_CollapsesWhenLargerThanAttacks(t *testing.T) {
	batches := partitionCount(attacksOf(2), 5)
	assert.Len(t, batches, 2)
}

func TestPartitionSize_FixedExceptLast(t *testing.T) {
	batches := partitionSize(attacksOf(7), 3)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[2], 1)
}

func TestPartition_ZeroWaitDisablesBatching(t *testing.T) {
	d := Definition{Batches: &Batching{Count: 3, Wait: 0}}
	batches := d.partition(attacksOf(6))
	assert.Len(t, batches, 1)
}

const loaderConfig = `
connect:
  host: 127.0.0.1
  port: 2023
  player: alice
exploits:
  - name: sqli
    targets: ['10.0.1.5']
`

func TestLoader_ParsesAndCaches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fast.yaml")
	require.NoError(t, os.WriteFile(path, []byte(loaderConfig), 0644))

	l := NewLoader(path, nil)
	defs := l.Load()
	require.Len(t, defs, 1)
	assert.Equal(t, "sqli", defs[0].Name)

	// Same content: the cached definitions come back.
	assert.Len(t, l.Load(), 1)
}

func TestLoader_InvalidReusesLastGood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fast.yaml")
	require.NoError(t, os.WriteFile(path, []byte(loaderConfig), 0644))

	l := NewLoader(path, nil)
	require.Len(t, l.Load(), 1)

	require.NoError(t, os.WriteFile(path, []byte("exploits: ["), 0644))
	defs := l.Load()
	require.Len(t, defs, 1, "broken edit falls back to the cached set")

	// A fixed file replaces the cache again.
	fixed := loaderConfig + `  - name: rce
    targets: ['10.0.2.5']
`
	require.NoError(t, os.WriteFile(path, []byte(fixed), 0644))
	assert.Len(t, l.Load(), 2)
}

func TestLoader_InvalidWithoutCacheSkips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fast.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exploits: ["), 0644))

	l := NewLoader(path, nil)
	assert.Nil(t, l.Load())
}

func TestLoader_MissingFileSkips(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "fast.yaml"), nil)
	assert.Nil(t, l.Load())
}

type fakeEnqueuer struct {
	calls []enqueueCall
	out   Outcome
	err   error
}

type enqueueCall struct {
	values  []string
	exploit string
	target  string
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, values []string, exploit, target string) (Outcome, error) {
	f.calls = append(f.calls, enqueueCall{values: values, exploit: exploit, target: target})
	return f.out, f.err
}

type fakeMemo struct {
	done     map[[2]string]bool
	recorded [][2]string
}

func (f *fakeMemo) AttackDone(_ context.Context, host, flagID string) (bool, error) {
	return f.done[[2]string{host, flagID}], nil
}

func (f *fakeMemo) RecordAttacks(_ context.Context, pairs [][2]string) error {
	f.recorded = append(f.recorded, pairs...)
	return nil
}

func testSession(t *testing.T, def Definition, enq *fakeEnqueuer, memo *fakeMemo) *Session {
	t.Helper()
	if memo == nil {
		memo = &fakeMemo{}
	}
	return &Session{
		def:    def,
		enq:    enq,
		memo:   memo,
		format: regexp.MustCompile(`FLAG\{[a-z0-9]+\}`),
		logger: zaptest.NewLogger(t),
	}
}

func TestSession_CapturesAndEnqueues(t *testing.T) {
	enq := &fakeEnqueuer{out: Outcome{New: []string{"FLAG{abc123}"}}}
	s := testSession(t, Definition{
		Name:    "sqli",
		Targets: []string{"10.0.1.5"},
		Run:     `echo "flags for [ip]: FLAG{abc123} FLAG{def456}"`,
		Timeout: 5 * time.Second,
	}, enq, nil)

	s.Run(context.Background())

	require.Len(t, enq.calls, 1)
	call := enq.calls[0]
	assert.Equal(t, []string{"FLAG{abc123}", "FLAG{def456}"}, call.values)
	assert.Equal(t, "sqli", call.exploit)
	assert.Equal(t, "10.0.1.5", call.target)
}

func TestSession_NoFlagsWritesIncidentLog(t *testing.T) {
	wd := t.TempDir()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(wd))
	t.Cleanup(func() { os.Chdir(old) })
	require.NoError(t, logging.EnsureLogDir())

	enq := &fakeEnqueuer{}
	s := testSession(t, Definition{
		Name:    "sqli",
		Targets: []string{"10.0.1.5"},
		Run:     `echo "connection refused"`,
		Timeout: 5 * time.Second,
	}, enq, nil)

	s.Run(context.Background())

	assert.Empty(t, enq.calls)
	entries, err := os.ReadDir("logs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "sqli_10.0.1.5_")
}

func TestSession_MemoSkipsAttackedPairs(t *testing.T) {
	memo := &fakeMemo{done: map[[2]string]bool{
		{"10.0.1.5", "id-1"}: true,
	}}
	s := testSession(t, Definition{
		Name:    "sqli",
		FlagIDs: `echo '{"10.0.1.5": ["id-1", "id-2"], "10.0.2.5": ["id-3"]}'`,
	}, &fakeEnqueuer{}, memo)

	attacks, err := s.expandAttacks(context.Background(), []string{"10.0.1.5", "10.0.2.5", "10.0.3.5"})
	require.NoError(t, err)
	assert.Equal(t, []Attack{
		{Host: "10.0.1.5", FlagID: "id-2"},
		{Host: "10.0.2.5", FlagID: "id-3"},
		{Host: "10.0.3.5"},
	}, attacks)
}

func TestSession_RecordsCompletedPairs(t *testing.T) {
	memo := &fakeMemo{}
	enq := &fakeEnqueuer{out: Outcome{New: []string{"FLAG{abc123}"}}}
	s := testSession(t, Definition{
		Name:    "sqli",
		Targets: []string{"10.0.1.5"},
		Run:     `echo "FLAG{abc123}"`,
		FlagIDs: `echo '{"10.0.1.5": ["id-1"]}'`,
		Timeout: 5 * time.Second,
	}, enq, memo)

	s.Run(context.Background())

	assert.Equal(t, [][2]string{{"10.0.1.5", "id-1"}}, memo.recorded)
}

func TestSession_FailedAttackNotEnqueued(t *testing.T) {
	enq := &fakeEnqueuer{}
	s := testSession(t, Definition{
		Name:    "sqli",
		Targets: []string{"10.0.1.5"},
		Run:     `echo "FLAG{abc123}"; exit 1`,
		Timeout: 5 * time.Second,
	}, enq, nil)

	s.Run(context.Background())
	assert.Empty(t, enq.calls)
}

func TestSession_TimeoutAbandonsWorker(t *testing.T) {
	enq := &fakeEnqueuer{}
	s := testSession(t, Definition{
		Name:    "sqli",
		Targets: []string{"10.0.1.5"},
		Run:     `sleep 5; echo "FLAG{abc123}"`,
		Timeout: 100 * time.Millisecond,
	}, enq, nil)

	start := time.Now()
	s.Run(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, enq.calls)
}

func TestSession_AutoWithoutDirectorySkips(t *testing.T) {
	enq := &fakeEnqueuer{}
	s := testSession(t, Definition{
		Name:    "sqli",
		Targets: []string{"auto"},
		Run:     `echo "FLAG{abc123}"`,
		Timeout: 5 * time.Second,
	}, enq, nil)

	s.Run(context.Background())
	assert.Empty(t, enq.calls)
}
