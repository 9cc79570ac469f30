package search

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastad/fast/internal/store"
)

func sampleFlag() store.Flag {
	return store.Flag{
		Value:     "FLAG{abc123}",
		Exploit:   "web-sqli",
		Player:    "alice",
		Tick:      7,
		Target:    "10.0.1.5",
		Timestamp: time.Now().Add(-time.Minute),
		Status:    store.StatusAccepted,
		Response:  "ok",
	}
}

func TestCompileAndMatch(t *testing.T) {
	q, err := Compile(`status == "accepted" && tick >= 5`)
	require.NoError(t, err)
	assert.True(t, q.Match(sampleFlag()))

	f := sampleFlag()
	f.Tick = 2
	assert.False(t, q.Match(f))
}

func TestMatchStringOperators(t *testing.T) {
	q, err := Compile(`exploit startsWith "web" && player in ["alice", "bob"]`)
	require.NoError(t, err)
	assert.True(t, q.Match(sampleFlag()))

	q, err = Compile(`value matches "FLAG\\{[a-z0-9]+\\}"`)
	require.NoError(t, err)
	assert.True(t, q.Match(sampleFlag()))
}

func TestMatchTimeHelpers(t *testing.T) {
	q, err := Compile(`timestamp > ago("5m")`)
	require.NoError(t, err)
	assert.True(t, q.Match(sampleFlag()))

	q, err = Compile(`timestamp > ago("1s")`)
	require.NoError(t, err)
	assert.False(t, q.Match(sampleFlag()))
}

func TestCompileRejectsUnknownField(t *testing.T) {
	_, err := Compile(`bogus == 1`)
	assert.Error(t, err)
}

func TestCompileRejectsNonBoolean(t *testing.T) {
	_, err := Compile(`tick + 1`)
	assert.Error(t, err)
}

func TestCompileRejectsSyntaxError(t *testing.T) {
	_, err := Compile(`status == `)
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	re := regexp.MustCompile(`FLAG\{[a-z0-9]+\}`)
	out := Redact([]byte(`{"value":"FLAG{abc123}","response":"FLAG{zzz9}"}`), re)
	assert.Equal(t, `{"value":"[REDACTED]","response":"[REDACTED]"}`, string(out))
}
