package constraint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/store"
)

func cascade(t *testing.T, s *store.Store, e *Enforcer, table, id string) (CascadeReport, error) {
	t.Helper()
	var report CascadeReport
	_, err := s.Update(context.Background(), func(tx *store.Tx) error {
		var err error
		report, err = e.CascadeDelete(context.Background(), tx, table, id)
		return err
	})
	return report, err
}

func assertLive(t *testing.T, s *store.Store, table string, want ...string) {
	t.Helper()
	rows, err := s.Scan(context.Background(), table)
	require.NoError(t, err)
	got := make([]string, 0, len(rows))
	for _, r := range rows {
		got = append(got, r.PK)
	}
	assert.ElementsMatch(t, want, got, "live %s", table)
}

func TestCascadeDelete_RemovesWholeSubtree(t *testing.T) {
	s, e := setup(t)
	str := func(s string) ir.String { return ir.String(s) }

	insert(t, s, "users", "u1", map[string]ir.Value{"username": str("a")})
	insert(t, s, "users", "u2", map[string]ir.Value{"username": str("b")})
	insert(t, s, "posts", "p1", map[string]ir.Value{"author_id": str("u1")})
	insert(t, s, "posts", "p2", map[string]ir.Value{"author_id": str("u1")})
	insert(t, s, "posts", "p3", map[string]ir.Value{"author_id": str("u2")})
	insert(t, s, "comments", "c1", map[string]ir.Value{"post_id": str("p1"), "parent_id": str("")})
	insert(t, s, "comments", "c2", map[string]ir.Value{"post_id": str("p1"), "parent_id": str("c1")})
	insert(t, s, "comments", "c3", map[string]ir.Value{"post_id": str("p2"), "parent_id": str("c2")})
	insert(t, s, "comments", "c4", map[string]ir.Value{"post_id": str("p3"), "parent_id": str("")})
	// A reply on u2's post to a comment under u1's post goes with its parent.
	insert(t, s, "comments", "c5", map[string]ir.Value{"post_id": str("p3"), "parent_id": str("c1")})

	report, err := cascade(t, s, e, "users", "u1")
	require.NoError(t, err)

	assert.Equal(t, Ref{Table: "users", ID: "u1"}, report.Root)
	require.Len(t, report.Deleted, 7)
	assert.Equal(t, report.Root, report.Deleted[len(report.Deleted)-1], "root is deleted last")
	assert.Equal(t, map[string]int{"users": 1, "posts": 2, "comments": 4}, report.Count())

	assertLive(t, s, "users", "u2")
	assertLive(t, s, "posts", "p3")
	assertLive(t, s, "comments", "c4")
}

func TestCascadeDelete_DescendantsBeforeAncestors(t *testing.T) {
	s, e := setup(t)
	str := func(s string) ir.String { return ir.String(s) }

	insert(t, s, "users", "u1", map[string]ir.Value{"username": str("a")})
	insert(t, s, "posts", "p1", map[string]ir.Value{"author_id": str("u1")})
	insert(t, s, "comments", "c1", map[string]ir.Value{"post_id": str("p1")})
	insert(t, s, "comments", "c2", map[string]ir.Value{"post_id": str("p1"), "parent_id": str("c1")})

	report, err := cascade(t, s, e, "posts", "p1")
	require.NoError(t, err)

	pos := make(map[string]int)
	for i, ref := range report.Deleted {
		pos[ref.ID] = i
	}
	assert.Less(t, pos["c1"], pos["p1"])
	assert.Less(t, pos["c2"], pos["p1"])
	assertLive(t, s, "users", "u1")
	assertLive(t, s, "comments")
}

func TestCascadeDelete_ReferencingRowGoesFirst(t *testing.T) {
	s, e := setup(t)
	str := func(s string) ir.String { return ir.String(s) }

	// c1 sorts first but is a reply to c2: both reach the post directly,
	// and c1 must still go before the comment it answers.
	insert(t, s, "users", "u1", map[string]ir.Value{"username": str("a")})
	insert(t, s, "posts", "p1", map[string]ir.Value{"author_id": str("u1")})
	insert(t, s, "comments", "c2", map[string]ir.Value{"post_id": str("p1")})
	insert(t, s, "comments", "c1", map[string]ir.Value{"post_id": str("p1"), "parent_id": str("c2")})

	report, err := cascade(t, s, e, "users", "u1")
	require.NoError(t, err)

	assert.Equal(t, []Ref{
		{Table: "comments", ID: "c1"},
		{Table: "comments", ID: "c2"},
		{Table: "posts", ID: "p1"},
		{Table: "users", ID: "u1"},
	}, report.Deleted)
}

func TestDeletionOrder(t *testing.T) {
	a, b, c, d := Ref{"t", "a"}, Ref{"t", "b"}, Ref{"t", "c"}, Ref{"t", "d"}
	tests := []struct {
		name     string
		children map[string][]Ref
		want     []Ref
	}{
		{"leaf", nil, []Ref{a}},
		{"diamond", map[string][]Ref{a.key(): {b, c}, b.key(): {d}, c.key(): {b}}, []Ref{d, b, c, a}},
		{"cycle", map[string][]Ref{a.key(): {b}, b.key(): {a}}, []Ref{b, a}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deletionOrder(a, tt.children))
		})
	}
}

func TestCascadeDelete_ReferenceCycleTerminates(t *testing.T) {
	s, e := setup(t)
	insert(t, s, "comments", "c1", map[string]ir.Value{"parent_id": ir.String("c2")})
	insert(t, s, "comments", "c2", map[string]ir.Value{"parent_id": ir.String("c1")})

	report, err := cascade(t, s, e, "comments", "c1")
	require.NoError(t, err)
	assert.Len(t, report.Deleted, 2)
	assertLive(t, s, "comments")
}

func TestCascadeDelete_BlockRuleRestricts(t *testing.T) {
	s, e := setup(t)
	insert(t, s, "users", "u1", map[string]ir.Value{"username": ir.String("a")})
	insert(t, s, "posts", "p1", map[string]ir.Value{"author_id": ir.String("u1")})
	insert(t, s, "tags", "t1", map[string]ir.Value{"label": ir.String("go"), "owner_id": ir.String("u1")})

	_, err := cascade(t, s, e, "users", "u1")
	require.Error(t, err)

	cve, ok := AsConstraintViolation(err)
	require.True(t, ok)
	require.Len(t, cve.Violations, 1)
	assert.Equal(t, Violation{Type: Restrict, Table: "tags", Field: "owner_id", Value: ir.String("u1"), ConflictID: "t1"}, cve.Violations[0])

	assertLive(t, s, "users", "u1")
	assertLive(t, s, "posts", "p1")
	assertLive(t, s, "tags", "t1")
}

func TestCascadeDelete_Missing(t *testing.T) {
	s, e := setup(t)

	_, err := cascade(t, s, e, "users", "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = cascade(t, s, e, "widgets", "w1")
	assert.Error(t, err)
}
