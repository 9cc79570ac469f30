package hosts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand_SingleAddresses(t *testing.T) {
	out, err := Expand([]string{"10.0.0.5", "fe80::1", "example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5", "fe80::1", "example.com"}, out)
}

func TestExpand_IPv4Range(t *testing.T) {
	out, err := Expand([]string{"10.0.1-3.5"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.1.5", "10.0.2.5", "10.0.3.5"}, out)
}

func TestExpand_IPv4RangeMultipleOctets(t *testing.T) {
	out, err := Expand([]string{"10.0.1-2.1-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.1.1", "10.0.1.2", "10.0.2.1", "10.0.2.2"}, out)
}

func TestExpand_IPv6Range(t *testing.T) {
	out, err := Expand([]string{"fe80::1-3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fe80::1", "fe80::2", "fe80::3"}, out)
}

func TestExpand_DeduplicatesPreservingOrder(t *testing.T) {
	out, err := Expand([]string{"10.0.0.2", "10.0.0.1-3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.1", "10.0.0.3"}, out)
}

func TestExpand_InvalidRange(t *testing.T) {
	_, err := Expand([]string{"10.0.0.300-400"})
	assert.Error(t, err)

	_, err = Expand([]string{"10.0.0.9-3"})
	assert.Error(t, err)
}

func TestExpand_Empty(t *testing.T) {
	out, err := Expand(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestWrap(t *testing.T) {
	assert.Equal(t, "[fe80::1]", Wrap("fe80::1"))
	assert.Equal(t, "10.0.0.1", Wrap("10.0.0.1"))
	assert.Equal(t, "example.com", Wrap("example.com"))
}

func TestCompress(t *testing.T) {
	assert.Equal(t, "fe80::1", Compress("fe80:0000:0000:0000:0000:0000:0000:0001"))
	assert.Equal(t, "example.com", Compress("example.com"))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("fe80::1", "fe80:0:0:0:0:0:0:1"))
	assert.True(t, Equal("10.0.0.1", "10.0.0.1"))
	assert.True(t, Equal(" host ", "host"))
	assert.False(t, Equal("10.0.0.1", "10.0.0.2"))
}
