package schema

import (
	"fmt"
	"regexp"

	"github.com/roach88/replica/internal/ir"
)

// Validation error codes (E200-E299)
const (
	ErrEntityName         = "E201" // invalid or duplicate entity name
	ErrNoFields           = "E202" // entity declares no fields
	ErrFieldName          = "E203" // invalid, reserved or duplicate field name
	ErrFieldType          = "E204" // unsupported field type
	ErrUniqueField        = "E205" // unique names an undeclared field
	ErrForeignKeyField    = "E206" // reference on an undeclared or non-string field
	ErrForeignKeyParent   = "E207" // reference to an undeclared entity
	ErrForeignKeyOnDelete = "E208" // on_delete is not cascade or block
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a set of entity descriptors.
// Returns all errors found (does not fail-fast).
func Validate(entities []Entity) []ValidationError {
	var errs []ValidationError
	add := func(code, field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: code})
	}

	names := make(map[string]bool, len(entities))
	for _, e := range entities {
		if !namePattern.MatchString(e.Name) {
			add(ErrEntityName, "entity", "invalid entity name %q", e.Name)
		} else if names[e.Name] {
			add(ErrEntityName, "entity", "duplicate entity %q", e.Name)
		}
		names[e.Name] = true
	}

	for _, e := range entities {
		path := "entity." + e.Name
		if len(e.Fields) == 0 {
			add(ErrNoFields, path, "at least one field is required")
		}

		fields := make(map[string]Field, len(e.Fields))
		for _, f := range e.Fields {
			_, dup := fields[f.Name]
			switch {
			case !namePattern.MatchString(f.Name):
				add(ErrFieldName, path+".fields", "invalid field name %q", f.Name)
			case Reserved(f.Name):
				add(ErrFieldName, path+".fields", "field name %q is reserved", f.Name)
			case dup:
				add(ErrFieldName, path+".fields", "duplicate field %q", f.Name)
			}
			if f.Type == ir.KindNull {
				add(ErrFieldType, path+".fields."+f.Name, "field has no type")
			}
			fields[f.Name] = f
		}

		for _, u := range e.Unique {
			if _, ok := fields[u]; !ok {
				add(ErrUniqueField, path+".unique", "unique field %q is not declared", u)
			}
		}

		for _, fk := range e.ForeignKeys {
			f, ok := fields[fk.Field]
			switch {
			case !ok:
				add(ErrForeignKeyField, path+".references", "reference field %q is not declared", fk.Field)
			case f.Type != ir.KindString:
				add(ErrForeignKeyField, path+".references", "reference field %q must be a string, not %s", fk.Field, f.Type)
			}
			if !names[fk.Parent] {
				add(ErrForeignKeyParent, path+".references."+fk.Field, "parent entity %q is not declared", fk.Parent)
			}
			if fk.OnDelete != Cascade && fk.OnDelete != Block {
				add(ErrForeignKeyOnDelete, path+".references."+fk.Field, "on_delete must be %q or %q, got %q", Cascade, Block, fk.OnDelete)
			}
		}
	}
	return errs
}
