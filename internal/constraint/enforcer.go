// Package constraint enforces the integrity rules the replicated store does
// not: uniqueness of declared fields, existence of referenced rows, and
// cascading deletion along declared references.
//
// Checks run against the local snapshot only. Two replicas can still both
// accept the same "unique" value while offline; DetectConflicts finds such
// collisions after replication so they can be resolved by hand.
package constraint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
)

// Enforcer validates writes and performs cascading deletes for one schema.
// It is safe for concurrent use; bind it to a transaction with In.
type Enforcer struct {
	schema *schema.Schema
	reader store.Reader
	logger *slog.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// New creates an Enforcer reading from r (usually the *store.Store).
func New(s *schema.Schema, r store.Reader, opts ...Option) *Enforcer {
	e := &Enforcer{schema: s, reader: r, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// In returns a copy of the enforcer that reads through tx, so validation
// sees the transaction's own writes and runs atomically with them.
func (e *Enforcer) In(tx *store.Tx) *Enforcer {
	bound := *e
	bound.reader = tx
	return &bound
}

// Schema returns the schema being enforced.
func (e *Enforcer) Schema() *schema.Schema {
	return e.schema
}

// ValidateUnique checks that no live row other than excludeID holds value
// in table.field. Empty values never violate. Pure read.
func (e *Enforcer) ValidateUnique(ctx context.Context, table, field string, value ir.Value, excludeID string) (*Violation, error) {
	if ir.IsEmpty(value) {
		return nil, nil
	}
	pks, err := e.reader.FindPKsBy(ctx, table, field, value)
	if err != nil {
		return nil, fmt.Errorf("validate unique %s.%s: %w", table, field, err)
	}
	for _, pk := range pks {
		if pk == excludeID {
			continue
		}
		return &Violation{
			Type:       Unique,
			Table:      table,
			Field:      field,
			Value:      value,
			ConflictID: pk,
		}, nil
	}
	return nil, nil
}

// ValidateForeignKey checks that parentID names a live row of parentTable.
// An empty or null parentID is "no reference" and never violates.
func (e *Enforcer) ValidateForeignKey(ctx context.Context, childTable, field, parentTable string, parentID ir.Value) (*Violation, error) {
	if ir.IsEmpty(parentID) {
		return nil, nil
	}
	violation := &Violation{
		Type:  ForeignKey,
		Table: childTable,
		Field: field,
		Value: parentID,
	}
	id, ok := parentID.(ir.String)
	if !ok {
		return violation, nil
	}
	exists, err := e.reader.Exists(ctx, parentTable, string(id))
	if err != nil {
		return nil, fmt.Errorf("validate reference %s.%s: %w", childTable, field, err)
	}
	if !exists {
		return violation, nil
	}
	return nil, nil
}

// ValidateAll runs every declared unique and reference check of table over
// the supplied fields and returns all violations, unique checks first, each
// group in declaration order. Fields absent from the map are not checked.
func (e *Enforcer) ValidateAll(ctx context.Context, table string, fields map[string]ir.Value, excludeID string) ([]Violation, error) {
	entity, ok := e.schema.Entity(table)
	if !ok {
		return nil, fmt.Errorf("validate %s: unknown entity", table)
	}

	var violations []Violation
	for _, field := range entity.Unique {
		value, present := fields[field]
		if !present {
			continue
		}
		v, err := e.ValidateUnique(ctx, table, field, value, excludeID)
		if err != nil {
			return nil, err
		}
		if v != nil {
			violations = append(violations, *v)
		}
	}

	for _, fk := range entity.ForeignKeys {
		value, present := fields[fk.Field]
		if !present {
			continue
		}
		v, err := e.ValidateForeignKey(ctx, table, fk.Field, fk.Parent, value)
		if err != nil {
			return nil, err
		}
		if v != nil {
			violations = append(violations, *v)
		}
	}

	if len(violations) > 0 {
		e.logger.Debug("constraint check failed", "table", table, "violations", len(violations))
	}
	return violations, nil
}

// Check is ValidateAll returning a *ConstraintViolationError when anything
// failed.
func (e *Enforcer) Check(ctx context.Context, table string, fields map[string]ir.Value, excludeID string) error {
	violations, err := e.ValidateAll(ctx, table, fields, excludeID)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return &ConstraintViolationError{Table: table, Violations: violations}
	}
	return nil
}
