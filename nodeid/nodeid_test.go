package nodeid

import (
	"strings"
	"testing"

	"github.com/noexrun/noex/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValid(t *testing.T) {
	cases := []string{
		"a@127.0.0.1:4369",
		"node-1@example.com:80",
		"n@sub.example.com:65535",
		"n@host:1",
	}
	for _, s := range cases {
		id, err := Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, id.String())
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"",
		"noat127.0.0.1:80",
		"1bad@host:80",            // name must start with a letter
		"a@host:0",                // port = 0
		"a@host:70000",            // port > 65535
		"a@host:notaport",
		"a@:80",                   // empty host
		"@host:80",                // empty name
	}
	for _, s := range cases {
		_, err := Parse(s)
		require.Error(t, err, s)
		assert.True(t, errdefs.IsInvalidNodeId(err), s)
	}
}

func TestNameLengthBoundary(t *testing.T) {
	name64 := "a" + strings.Repeat("b", 63)
	_, err := Parse(name64 + "@host:80")
	require.NoError(t, err)

	name65 := name64 + "c"
	_, err = Parse(name65 + "@host:80")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidNodeId(err))
}

func TestEqualAndParts(t *testing.T) {
	a, err := Parse("a@127.0.0.1:4369")
	require.NoError(t, err)
	b, err := Parse("a@127.0.0.1:4369")
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
	assert.Equal(t, "a", a.Name())
	assert.Equal(t, "127.0.0.1:4369", a.HostPort())
}

func TestNew(t *testing.T) {
	id, err := New("a", "127.0.0.1", 4369)
	require.NoError(t, err)
	assert.Equal(t, "a@127.0.0.1:4369", id.String())
}
