package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
)

func TestInbox_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "inbox.db")
	s, err := Open(path)
	require.NoError(t, err)

	origin := testSite(2)
	rec := ir.ChangeRecord{
		Table:        "users",
		PK:           "u1",
		Column:       "username",
		Value:        ir.String("alice"),
		ColVersion:   1,
		DBVersion:    1,
		SiteID:       origin,
		CausalLength: 1,
		Seq:          1,
	}
	first := InboundBatch{ID: "b1", Origin: origin, Records: []ir.ChangeRecord{rec}}
	second := InboundBatch{ID: "b2", Origin: origin, Records: []ir.ChangeRecord{rec}}
	require.NoError(t, s.PutInbound(ctx, first))
	require.NoError(t, s.PutInbound(ctx, second))
	require.NoError(t, s.PutInbound(ctx, first), "queuing twice is a no-op")
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	got, err := s.InboundBatches(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b1", got[0].ID)
	assert.Equal(t, "b2", got[1].ID)
	assert.Equal(t, origin, got[0].Origin)
	assert.Equal(t, []ir.ChangeRecord{rec}, got[0].Records)

	require.NoError(t, s.RemoveInbound(ctx, "b1", "unknown"))
	got, err = s.InboundBatches(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b2", got[0].ID)

	require.NoError(t, s.RemoveInbound(ctx))
}
