package codec

import (
	"math/big"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripPrimitives(t *testing.T) {
	data, err := Encode(map[string]any{"a": 1.0, "b": "hi", "c": true, "d": nil})
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	m := got.(map[string]any)
	assert.Equal(t, 1.0, m["a"])
	assert.Equal(t, "hi", m["b"])
	assert.Equal(t, true, m["c"])
	assert.Nil(t, m["d"])
}

func TestRoundTripUndefined(t *testing.T) {
	data, err := Encode(Undefined{})
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Undefined{}, got)
}

func TestRoundTripDate(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	data, err := Encode(now)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	gotTime, ok := got.(time.Time)
	require.True(t, ok)
	assert.True(t, now.Equal(gotTime))
}

func TestRoundTripBigInt(t *testing.T) {
	n := new(big.Int)
	n.SetString("123456789012345678901234567890", 10)
	data, err := Encode(n)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	gotN, ok := got.(*big.Int)
	require.True(t, ok)
	assert.Equal(t, 0, n.Cmp(gotN))
}

func TestRoundTripRegExp(t *testing.T) {
	re := regexp.MustCompile(`^foo\d+$`)
	data, err := Encode(re)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	gotRe, ok := got.(*regexp.Regexp)
	require.True(t, ok)
	assert.Equal(t, re.String(), gotRe.String())
}

func TestRoundTripSet(t *testing.T) {
	s := Set{"a", "b", "c"}
	data, err := Encode(s)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	gotSet, ok := got.(Set)
	require.True(t, ok)
	assert.ElementsMatch(t, []any(s), []any(gotSet))
}

func TestRoundTripMap(t *testing.T) {
	m := Map{{Key: "x", Value: 1.0}, {Key: "y", Value: 2.0}}
	data, err := Encode(m)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	gotMap, ok := got.(Map)
	require.True(t, ok)
	assert.Len(t, gotMap, 2)
}

func TestRoundTripErrorValue(t *testing.T) {
	ev := &ErrorValue{Name: "TypeError", Message: "boom", Cause: &ErrorValue{Name: "Error", Message: "root"}}
	data, err := Encode(ev)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	gotEv, ok := got.(*ErrorValue)
	require.True(t, ok)
	assert.Equal(t, "TypeError", gotEv.Name)
	assert.Equal(t, "boom", gotEv.Message)
	require.NotNil(t, gotEv.Cause)
	assert.Equal(t, "root", gotEv.Cause.Message)
}

func TestEncodeCyclicSliceFails(t *testing.T) {
	type node struct {
		Next []any
	}
	n := &node{}
	n.Next = []any{n}
	_, err := Encode(n.Next)
	assert.Error(t, err)
}

func TestEncodeCyclicMapFails(t *testing.T) {
	m := map[string]any{}
	m["self"] = m
	_, err := Encode(m)
	assert.Error(t, err)
}
