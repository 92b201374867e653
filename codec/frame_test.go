package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	framed, err := Frame(payload)
	require.NoError(t, err)

	var u Unframer
	u.Feed(framed)
	got, ok, err := u.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, bytes.Equal(payload, got))
}

func TestUnframerPartialReads(t *testing.T) {
	payload := []byte("a partial payload test")
	framed, err := Frame(payload)
	require.NoError(t, err)

	var u Unframer
	for i := 0; i < len(framed); i++ {
		u.Feed(framed[i : i+1])
		_, ok, err := u.Next()
		require.NoError(t, err)
		if i < len(framed)-1 {
			assert.False(t, ok)
		} else {
			assert.True(t, ok)
		}
	}
}

func TestUnframerResumableAcrossReads(t *testing.T) {
	payload1, _ := Frame([]byte("first"))
	payload2, _ := Frame([]byte("second"))

	var u Unframer
	u.Feed(payload1[:2])
	_, ok, _ := u.Next()
	assert.False(t, ok)

	u.Feed(payload1[2:])
	u.Feed(payload2)

	got1, ok, err := u.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", string(got1))

	got2, ok, err := u.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", string(got2))
}

func TestFrameRejectsOversizePayload(t *testing.T) {
	_, err := Frame(make([]byte, MaxPayloadBytes+1))
	assert.Error(t, err)
}

func TestFrameAcceptsBoundarySizes(t *testing.T) {
	_, err := Frame(make([]byte, MaxPayloadBytes-1))
	assert.NoError(t, err)

	_, err = Frame(make([]byte, MaxPayloadBytes))
	assert.NoError(t, err)
}
