// Package schema holds the entity descriptors the constraint layer enforces:
// the fields of each entity, which of them must be unique, and which are
// references to other entities along with what happens on parent deletion.
//
// Descriptors are loaded once at startup (see LoadDir) and never mutated.
package schema

import (
	"fmt"
	"slices"

	"github.com/roach88/replica/internal/ir"
)

// Implicit columns every entity row carries.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Reserved reports whether name is an implicit column or the row-deletion
// sentinel and so cannot be declared.
func Reserved(name string) bool {
	switch name {
	case FieldID, FieldCreatedAt, FieldUpdatedAt, ir.DeleteSentinel:
		return true
	}
	return false
}

// OnDelete is the rule applied to children when their parent is deleted.
type OnDelete string

const (
	// Cascade deletes the children along with the parent.
	Cascade OnDelete = "cascade"
	// Block refuses to delete a parent that still has live children.
	Block OnDelete = "block"
)

// Field is one declared column.
type Field struct {
	Name string  `json:"name"`
	Type ir.Kind `json:"type"`
}

// ForeignKey declares that Field holds the id of a Parent row.
type ForeignKey struct {
	Field    string   `json:"field"`
	Parent   string   `json:"parent"`
	OnDelete OnDelete `json:"on_delete"`
}

// Entity is the constraint descriptor of one replicated table.
type Entity struct {
	Name        string       `json:"name"`
	Fields      []Field      `json:"fields"`
	Unique      []string     `json:"unique,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

// Field returns the declared field called name.
func (e Entity) Field(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// IsUnique reports whether field must be unique.
func (e Entity) IsUnique(field string) bool {
	return slices.Contains(e.Unique, field)
}

// ForeignKey returns the reference declared on field, if any.
func (e Entity) ForeignKey(field string) (ForeignKey, bool) {
	for _, fk := range e.ForeignKeys {
		if fk.Field == field {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// Edge is a reverse reference: rows of Child point at the parent via Field.
type Edge struct {
	Child    string
	Field    string
	OnDelete OnDelete
}

// Schema is an immutable, validated set of entities.
type Schema struct {
	entities []Entity
	byName   map[string]int
	children map[string][]Edge
}

// New validates entities and builds a Schema. All validation problems are
// reported together.
func New(entities ...Entity) (*Schema, error) {
	if errs := Validate(entities); len(errs) > 0 {
		return nil, &InvalidSchemaError{Errors: errs}
	}

	s := &Schema{
		entities: slices.Clone(entities),
		byName:   make(map[string]int, len(entities)),
		children: make(map[string][]Edge),
	}
	for i, e := range s.entities {
		s.byName[e.Name] = i
	}
	for _, e := range s.entities {
		for _, fk := range e.ForeignKeys {
			s.children[fk.Parent] = append(s.children[fk.Parent], Edge{
				Child:    e.Name,
				Field:    fk.Field,
				OnDelete: fk.OnDelete,
			})
		}
	}
	return s, nil
}

// MustNew is New for static schemas in tests and examples.
func MustNew(entities ...Entity) *Schema {
	s, err := New(entities...)
	if err != nil {
		panic(err)
	}
	return s
}

// Entity returns the entity called name.
func (s *Schema) Entity(name string) (Entity, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Entity{}, false
	}
	return s.entities[i], true
}

// Entities returns all entities in declaration order.
func (s *Schema) Entities() []Entity {
	return slices.Clone(s.entities)
}

// Names returns entity names in declaration order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.entities))
	for i, e := range s.entities {
		names[i] = e.Name
	}
	return names
}

// Children returns the references pointing at parent, in declaration order.
// A self-referencing entity appears among its own children.
func (s *Schema) Children(parent string) []Edge {
	return slices.Clone(s.children[parent])
}

// InvalidSchemaError aggregates every validation problem of a schema.
type InvalidSchemaError struct {
	Errors []ValidationError
}

func (e *InvalidSchemaError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid schema: %s", e.Errors[0].Error())
	}
	return fmt.Sprintf("invalid schema: %s (and %d more)", e.Errors[0].Error(), len(e.Errors)-1)
}
