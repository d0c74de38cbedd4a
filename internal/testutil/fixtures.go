// Package testutil provides shared fixtures for tests: a fake wall clock,
// deterministic id generation, and ready-to-use replica stores.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
)

// BlogCUE is the descriptor set most tests run against: unique fields on
// users and tags, a cascade chain users -> posts -> comments, a
// self-referencing comment tree, and a block rule from tags to users.
const BlogCUE = `
entity: users: {
	fields: {
		username: string
		email:    string
		active:   bool
	}
	unique: ["username", "email"]
}

entity: posts: {
	fields: {
		author_id: string
		title:     string
		views:     int
	}
	references: author_id: {entity: "users", on_delete: "cascade"}
}

entity: comments: {
	fields: {
		post_id:   string
		parent_id: string
		text:      string
	}
	references: {
		post_id: {entity: "posts", on_delete: "cascade"}
		parent_id: {entity: "comments", on_delete: "cascade"}
	}
}

entity: tags: {
	fields: {
		label:    string
		owner_id: string
	}
	unique: ["label"]
	references: owner_id: {entity: "users", on_delete: "block"}
}
`

// BlogSchema compiles BlogCUE.
func BlogSchema(t testing.TB) *schema.Schema {
	t.Helper()
	s, err := schema.CompileString(BlogCUE)
	require.NoError(t, err)
	return s
}

// Site returns a site id filled with b.
func Site(b byte) ir.SiteID {
	var s ir.SiteID
	for i := range s {
		s[i] = b
	}
	return s
}

// NewStore opens an initialized store in a temp dir with every entity of
// sch marked replicated. The store is closed on test cleanup.
func NewStore(t testing.TB, site byte, sch *schema.Schema, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "replica.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	id := Site(site)
	_, err = s.Initialize(context.Background(), &id)
	require.NoError(t, err)

	if sch != nil {
		for _, name := range sch.Names() {
			require.NoError(t, s.MarkReplicated(context.Background(), name))
		}
	}
	return s
}
