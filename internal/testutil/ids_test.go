package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("user")

	first, err := g.NewID()
	require.NoError(t, err)
	second, err := g.NewID()
	require.NoError(t, err)

	assert.Equal(t, "user-0001", first)
	assert.Equal(t, "user-0002", second)
	assert.Less(t, first, second, "ids sort in creation order")
}

func TestSequentialIDs_DefaultPrefix(t *testing.T) {
	id, err := NewSequentialIDs("").NewID()
	require.NoError(t, err)
	assert.Equal(t, "id-0001", id)
}
