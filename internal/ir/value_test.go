package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsEmpty(t *testing.T) {
	assert.True(t, IsEmpty(nil))
	assert.True(t, IsEmpty(Null{}))
	assert.True(t, IsEmpty(String("")))
	assert.True(t, IsEmpty(Bytes{}))
	assert.False(t, IsEmpty(String("x")))
	assert.False(t, IsEmpty(Int(0)))
	assert.False(t, IsEmpty(Bool(false)))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, Null{}))
	assert.True(t, Equal(Int(3), Int(3)))
	assert.False(t, Equal(Int(1), Bool(true)))
	assert.False(t, Equal(String("1"), Int(1)))
	assert.True(t, Equal(Bytes("ab"), Bytes("ab")))
}

func TestFromAny(t *testing.T) {
	tests := []struct {
		in   any
		want Value
	}{
		{nil, Null{}},
		{"s", String("s")},
		{true, Bool(true)},
		{7, Int(7)},
		{int64(-2), Int(-2)},
		{float64(12), Int(12)},
		{json.Number("99"), Int(99)},
		{[]byte("b"), Bytes("b")},
		{String("already"), String("already")},
	}
	for _, tt := range tests {
		got, err := FromAny(tt.in)
		require.NoError(t, err, "input %#v", tt.in)
		assert.True(t, Equal(tt.want, got), "input %#v", tt.in)
	}

	_, err := FromAny(1.25)
	assert.Error(t, err)
	_, err = FromAny(struct{}{})
	assert.Error(t, err)
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(String("42"), KindInt)
	require.NoError(t, err)
	assert.Equal(t, Int(42), v)

	v, err = Coerce(String("true"), KindBool)
	require.NoError(t, err)
	assert.Equal(t, Bool(true), v)

	v, err = Coerce(Null{}, KindInt)
	require.NoError(t, err)
	assert.Equal(t, Null{}, v)

	_, err = Coerce(String("nope"), KindInt)
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"string", "int", "bool", "bytes"} {
		k, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, name, k.String())
	}
	_, err := ParseKind("float")
	assert.Error(t, err)
}
