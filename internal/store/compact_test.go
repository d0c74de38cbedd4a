package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
)

func TestCompact_PrunesLogOnly(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, 1)
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		insertRow(t, s, "users", name, map[string]ir.Value{"n": ir.Int(int64(i))})
	}

	removed, err := s.Compact(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	stats, err := s.LogStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, LogStats{Total: 3, Oldest: 3, Newest: 5}, stats)

	rows, err := s.Scan(ctx, "users")
	require.NoError(t, err)
	assert.Len(t, rows, 5, "row values survive compaction")

	require.NoError(t, s.Vacuum(ctx))
	require.NoError(t, s.Checkpoint(ctx))

	v, err := s.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
}

func TestLogStats_Empty(t *testing.T) {
	s := createTestStore(t, 1)
	stats, err := s.LogStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LogStats{}, stats)
}

func TestOldestVersionSince(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := createTestStore(t, 1, WithClock(func() time.Time { return now }))

	insertRow(t, s, "users", "old", map[string]ir.Value{"n": ir.Int(1)})
	now = now.Add(48 * time.Hour)
	insertRow(t, s, "users", "new", map[string]ir.Value{"n": ir.Int(2)})

	v, ok, err := s.OldestVersionSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), v)

	_, ok, err = s.OldestVersionSince(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPeerWatermarks_OnlyMoveForward(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, 1)

	require.NoError(t, s.SetPeerWatermark(ctx, "peer-b", 7))
	require.NoError(t, s.SetPeerWatermark(ctx, "peer-a", 2))
	require.NoError(t, s.SetPeerWatermark(ctx, "peer-b", 5))
	assert.Error(t, s.SetPeerWatermark(ctx, "", 1))

	peers, err := s.PeerWatermarks(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "peer-a", peers[0].PeerID)
	assert.Equal(t, uint64(2), peers[0].AckedVersion)
	assert.Equal(t, "peer-b", peers[1].PeerID)
	assert.Equal(t, uint64(7), peers[1].AckedVersion)
}

func TestVacuum_ReleasesAllFreePages(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, 1)
	big := strings.Repeat("x", 4000)
	for i := range 100 {
		insertRow(t, s, "users", fmt.Sprintf("u%03d", i), map[string]ir.Value{"bio": ir.String(big)})
	}
	_, err := s.Compact(ctx, 101)
	require.NoError(t, err)

	before, err := s.freelistCount(ctx)
	require.NoError(t, err)
	require.Greater(t, before, 10, "compaction leaves many free pages")

	require.NoError(t, s.Vacuum(ctx))
	after, err := s.freelistCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, after)
}
