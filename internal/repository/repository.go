// Package repository is the CRUD façade applications use to read and write
// entity rows. Every write is validated by the constraint enforcer inside
// the same store transaction that performs it, so a rejected write leaves
// storage untouched.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/roach88/replica/internal/constraint"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
)

// ErrUnknownField is returned when a write or lookup names a field the
// entity does not declare.
var ErrUnknownField = errors.New("unknown field")

// Entity is one live row of an entity table.
type Entity struct {
	ID        string
	Fields    map[string]ir.Value
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Get returns the value of field, or Null if the row has none.
func (e Entity) Get(field string) ir.Value {
	if v, ok := e.Fields[field]; ok {
		return v
	}
	return ir.Null{}
}

// Repository reads and writes the rows of one entity.
//
// Thread-safety: safe for concurrent use. Writes are serialized by the
// store's single connection.
type Repository struct {
	store    *store.Store
	entity   schema.Entity
	enforcer *constraint.Enforcer
	ids      IDGenerator
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock sets the source of created_at and updated_at timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithIDGenerator replaces the UUIDv7 id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Repository) { r.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// WithEnforcer shares an existing enforcer instead of building one.
func WithEnforcer(e *constraint.Enforcer) Option {
	return func(r *Repository) { r.enforcer = e }
}

// New creates the repository for the named entity of sch.
// The entity's table must already be marked replicated in st.
func New(st *store.Store, sch *schema.Schema, entity string, opts ...Option) (*Repository, error) {
	ent, ok := sch.Entity(entity)
	if !ok {
		return nil, fmt.Errorf("repository: unknown entity %q", entity)
	}
	r := &Repository{
		store:  st,
		entity: ent,
		ids:    UUIDv7{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.enforcer == nil {
		r.enforcer = constraint.New(sch, st, constraint.WithLogger(r.logger))
	}
	return r, nil
}

// Name returns the entity name.
func (r *Repository) Name() string {
	return r.entity.Name
}

// Create validates fields, assigns a new id and timestamps, and inserts the
// row. Constraint failures return a *constraint.ConstraintViolationError
// listing every violation; nothing is written in that case.
func (r *Repository) Create(ctx context.Context, fields map[string]ir.Value) (Entity, error) {
	typed, err := r.typecheck(fields)
	if err != nil {
		return Entity{}, err
	}
	id, err := r.ids.NewID()
	if err != nil {
		return Entity{}, err
	}
	now := r.timestamp()

	values := maps.Clone(typed)
	if values == nil {
		values = make(map[string]ir.Value, 2)
	}
	values[schema.FieldCreatedAt] = ir.Int(now.UnixMilli())
	values[schema.FieldUpdatedAt] = ir.Int(now.UnixMilli())

	info, err := r.store.Update(ctx, func(tx *store.Tx) error {
		if err := r.enforcer.In(tx).Check(ctx, r.entity.Name, typed, ""); err != nil {
			return err
		}
		return tx.Insert(ctx, r.entity.Name, id, values)
	})
	if err != nil {
		return Entity{}, fmt.Errorf("create %s: %w", r.entity.Name, err)
	}

	r.logger.Debug("entity created", "entity", r.entity.Name, "id", id, "db_version", info.Version)
	return Entity{ID: id, Fields: typed, CreatedAt: now, UpdatedAt: now}, nil
}

// Update applies a partial update to the row id.
//
// Only fields whose value actually changes are validated (with the row
// itself excluded from uniqueness checks) and written; updated_at moves
// only when something changed. A missing row returns store.ErrNotFound.
func (r *Repository) Update(ctx context.Context, id string, partial map[string]ir.Value) (Entity, error) {
	typed, err := r.typecheck(partial)
	if err != nil {
		return Entity{}, err
	}

	var updated Entity
	_, err = r.store.Update(ctx, func(tx *store.Tx) error {
		row, err := tx.Get(ctx, r.entity.Name, id)
		if err != nil {
			return err
		}

		changed := make(map[string]ir.Value)
		for field, v := range typed {
			if !ir.Equal(row.Values[field], v) {
				changed[field] = v
			}
		}
		if len(changed) == 0 {
			updated = r.toEntity(row)
			return nil
		}

		if err := r.enforcer.In(tx).Check(ctx, r.entity.Name, changed, id); err != nil {
			return err
		}

		values := maps.Clone(changed)
		values[schema.FieldUpdatedAt] = ir.Int(r.timestamp().UnixMilli())
		if _, err := tx.Set(ctx, r.entity.Name, id, values); err != nil {
			return err
		}

		row, err = tx.Get(ctx, r.entity.Name, id)
		if err != nil {
			return err
		}
		updated = r.toEntity(row)
		return nil
	})
	if err != nil {
		return Entity{}, fmt.Errorf("update %s[%s]: %w", r.entity.Name, id, err)
	}
	return updated, nil
}

// Delete removes the row id and everything that cascades from it, in one
// transaction. A block rule with live children aborts the whole delete
// with a *constraint.ConstraintViolationError.
func (r *Repository) Delete(ctx context.Context, id string) (constraint.CascadeReport, error) {
	var report constraint.CascadeReport
	_, err := r.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		report, err = r.enforcer.CascadeDelete(ctx, tx, r.entity.Name, id)
		return err
	})
	if err != nil {
		return constraint.CascadeReport{}, fmt.Errorf("delete %s[%s]: %w", r.entity.Name, id, err)
	}
	r.logger.Debug("entity deleted", "entity", r.entity.Name, "id", id, "rows", len(report.Deleted))
	return report, nil
}

// FindByID returns the live row id, or store.ErrNotFound.
func (r *Repository) FindByID(ctx context.Context, id string) (Entity, error) {
	row, err := r.store.Get(ctx, r.entity.Name, id)
	if err != nil {
		return Entity{}, err
	}
	return r.toEntity(row), nil
}

// FindBy returns every live row whose field equals value, in id order.
func (r *Repository) FindBy(ctx context.Context, field string, value ir.Value) ([]Entity, error) {
	f, ok := r.entity.Field(field)
	if !ok {
		return nil, fmt.Errorf("find %s by %q: %w", r.entity.Name, field, ErrUnknownField)
	}
	v, err := ir.Coerce(value, f.Type)
	if err != nil {
		return nil, fmt.Errorf("find %s by %q: %w", r.entity.Name, field, err)
	}
	rows, err := r.store.FindBy(ctx, r.entity.Name, field, v)
	if err != nil {
		return nil, err
	}
	return r.toEntities(rows), nil
}

// Search returns live rows whose string field contains substring, ignoring
// case.
func (r *Repository) Search(ctx context.Context, field, substring string) ([]Entity, error) {
	f, ok := r.entity.Field(field)
	if !ok {
		return nil, fmt.Errorf("search %s.%s: %w", r.entity.Name, field, ErrUnknownField)
	}
	if f.Type != ir.KindString {
		return nil, fmt.Errorf("search %s.%s: field is %s, not string", r.entity.Name, field, f.Type)
	}
	rows, err := r.store.Search(ctx, r.entity.Name, field, substring)
	if err != nil {
		return nil, err
	}
	return r.toEntities(rows), nil
}

// List returns every live row in id order.
func (r *Repository) List(ctx context.Context) ([]Entity, error) {
	rows, err := r.store.Scan(ctx, r.entity.Name)
	if err != nil {
		return nil, err
	}
	return r.toEntities(rows), nil
}

// typecheck rejects undeclared or implicit fields and coerces each value to
// its declared kind.
func (r *Repository) typecheck(fields map[string]ir.Value) (map[string]ir.Value, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	typed := make(map[string]ir.Value, len(fields))
	for name, v := range fields {
		f, ok := r.entity.Field(name)
		if !ok {
			return nil, fmt.Errorf("%s.%s: %w", r.entity.Name, name, ErrUnknownField)
		}
		coerced, err := ir.Coerce(v, f.Type)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", r.entity.Name, name, err)
		}
		typed[name] = coerced
	}
	return typed, nil
}

// timestamp truncates to the millisecond resolution timestamps are stored at.
func (r *Repository) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Millisecond)
}

func (r *Repository) toEntity(row store.Row) Entity {
	e := Entity{ID: row.PK, Fields: make(map[string]ir.Value, len(row.Values))}
	for col, v := range row.Values {
		switch col {
		case schema.FieldCreatedAt:
			e.CreatedAt = millis(v)
		case schema.FieldUpdatedAt:
			e.UpdatedAt = millis(v)
		default:
			e.Fields[col] = v
		}
	}
	return e
}

func (r *Repository) toEntities(rows []store.Row) []Entity {
	out := make([]Entity, len(rows))
	for i, row := range rows {
		out[i] = r.toEntity(row)
	}
	return out
}

func millis(v ir.Value) time.Time {
	if n, ok := v.(ir.Int); ok {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Time{}
}
