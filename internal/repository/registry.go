package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/replica/internal/constraint"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
)

// Registry holds one repository per schema entity, all sharing a single
// enforcer.
type Registry struct {
	schema   *schema.Schema
	enforcer *constraint.Enforcer
	repos    map[string]*Repository
}

// NewRegistry marks every entity table of sch replicated in st and builds
// its repository. opts apply to every repository; a WithEnforcer option is
// overridden by the registry's shared enforcer.
func NewRegistry(ctx context.Context, st *store.Store, sch *schema.Schema, opts ...Option) (*Registry, error) {
	probe := &Repository{logger: slog.Default()}
	for _, opt := range opts {
		opt(probe)
	}
	enforcer := constraint.New(sch, st, constraint.WithLogger(probe.logger))

	reg := &Registry{
		schema:   sch,
		enforcer: enforcer,
		repos:    make(map[string]*Repository, len(sch.Names())),
	}
	for _, name := range sch.Names() {
		if err := st.MarkReplicated(ctx, name); err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
		repo, err := New(st, sch, name, append(opts, WithEnforcer(enforcer))...)
		if err != nil {
			return nil, err
		}
		reg.repos[name] = repo
	}
	return reg, nil
}

// Get returns the repository for entity.
func (r *Registry) Get(entity string) (*Repository, bool) {
	repo, ok := r.repos[entity]
	return repo, ok
}

// MustGet is Get for entities known to exist. Panics otherwise.
func (r *Registry) MustGet(entity string) *Repository {
	repo, ok := r.repos[entity]
	if !ok {
		panic(fmt.Sprintf("repository: unknown entity %q", entity))
	}
	return repo
}

// Enforcer returns the shared enforcer, for conflict detection.
func (r *Registry) Enforcer() *constraint.Enforcer {
	return r.enforcer
}

// Schema returns the schema the registry was built from.
func (r *Registry) Schema() *schema.Schema {
	return r.schema
}
