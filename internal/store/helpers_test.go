package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
)

// testSite returns a site id filled with b, so ordering between test sites
// is obvious.
func testSite(b byte) ir.SiteID {
	var s ir.SiteID
	for i := range s {
		s[i] = b
	}
	return s
}

// createTestStore creates an initialized store with the "users" and
// "posts" tables tracked.
func createTestStore(t *testing.T, site byte, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	id := testSite(site)
	_, err = s.Initialize(context.Background(), &id)
	require.NoError(t, err)

	for _, table := range []string{"users", "posts"} {
		require.NoError(t, s.MarkReplicated(context.Background(), table))
	}
	return s
}

func insertRow(t *testing.T, s *Store, table, pk string, values map[string]ir.Value) CommitInfo {
	t.Helper()
	info, err := s.Update(context.Background(), func(tx *Tx) error {
		return tx.Insert(context.Background(), table, pk, values)
	})
	require.NoError(t, err)
	return info
}

func setRow(t *testing.T, s *Store, table, pk string, values map[string]ir.Value) CommitInfo {
	t.Helper()
	info, err := s.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.Set(context.Background(), table, pk, values)
		return err
	})
	require.NoError(t, err)
	return info
}

func mustApply(t *testing.T, s *Store, batch []ir.ChangeRecord) []ApplyOutcome {
	t.Helper()
	outcomes, err := s.ApplyChanges(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, outcomes, len(batch))
	return outcomes
}

func mustChanges(t *testing.T, s *Store, since uint64) []ir.ChangeRecord {
	t.Helper()
	recs, err := s.ChangesSince(context.Background(), since)
	require.NoError(t, err)
	return recs
}
