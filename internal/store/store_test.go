package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t, 1)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
		{"user_version", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, s.verifyPragma(tt.name, tt.expected))
		})
	}
}

func TestOpen_InaccessiblePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "test.db")

	_, err := Open(path)
	require.Error(t, err)
	assert.True(t, IsStorageInitError(err))
}

func TestInitialize_GeneratesAndPersistsSiteID(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	require.NoError(t, err)
	site, err := s1.Initialize(ctx, nil)
	require.NoError(t, err)
	assert.False(t, site.IsZero())
	assert.Equal(t, site, s1.SiteID())
	s1.Close()

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	again, err := s2.Initialize(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, site, again)

	// Passing the stored id is fine; a different one is not.
	_, err = s2.Initialize(ctx, &site)
	require.NoError(t, err)
	other := testSite(0xee)
	_, err = s2.Initialize(ctx, &other)
	require.Error(t, err)
	assert.True(t, IsStorageInitError(err))
}

func TestUpdate_RequiresInitialize(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Update(context.Background(), func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestMarkReplicated_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, 1)

	require.NoError(t, s.MarkReplicated(ctx, "users"))
	require.NoError(t, s.MarkReplicated(ctx, "users"))

	tables, err := s.ReplicatedTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"posts", "users"}, tables)

	assert.Error(t, s.MarkReplicated(ctx, ""))
	assert.Error(t, s.MarkReplicated(ctx, ir.DeleteSentinel))
}

func TestCursor_NeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, 1)

	v, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)

	require.NoError(t, s.SetCursor(ctx, 10))
	require.NoError(t, s.SetCursor(ctx, 4))

	v, err = s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), v)
}
