package schema

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/replica/internal/ir"
)

// CompileEntity parses one entity struct into an Entity.
//
// The CUE value is the entity struct itself; its label is the entity name:
//
//	entity: posts: {
//		fields: {author_id: string, title: string}
//		unique: ["title"]
//		references: author_id: {entity: "users", on_delete: "cascade"}
//	}
//
// Field types may be written as CUE types (string, int, bool, bytes) or as
// the type name in quotes. on_delete defaults to cascade.
func CompileEntity(v cue.Value) (*Entity, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	e := &Entity{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		e.Name = labels[len(labels)-1].String()
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, &CompileError{
			Field:   "fields",
			Message: "fields are required",
			Pos:     v.Pos(),
		}
	}
	iter, err := fieldsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		kind, err := extractKind(iter.Value())
		if err != nil {
			return nil, err
		}
		e.Fields = append(e.Fields, Field{Name: iter.Label(), Type: kind})
	}

	uniqueVal := v.LookupPath(cue.ParsePath("unique"))
	if uniqueVal.Exists() {
		if err := uniqueVal.Decode(&e.Unique); err != nil {
			return nil, &CompileError{
				Field:   "unique",
				Message: "unique must be a list of field names",
				Pos:     uniqueVal.Pos(),
			}
		}
	}

	refsVal := v.LookupPath(cue.ParsePath("references"))
	if refsVal.Exists() {
		refIter, err := refsVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for refIter.Next() {
			fk, err := compileReference(refIter.Label(), refIter.Value())
			if err != nil {
				return nil, err
			}
			e.ForeignKeys = append(e.ForeignKeys, fk)
		}
	}

	return e, nil
}

func compileReference(field string, v cue.Value) (ForeignKey, error) {
	fk := ForeignKey{Field: field, OnDelete: Cascade}

	parentVal := v.LookupPath(cue.ParsePath("entity"))
	if !parentVal.Exists() {
		return fk, &CompileError{
			Field:   "references." + field,
			Message: "entity is required",
			Pos:     v.Pos(),
		}
	}
	parent, err := parentVal.String()
	if err != nil {
		return fk, formatCUEError(err)
	}
	fk.Parent = parent

	onDeleteVal := v.LookupPath(cue.ParsePath("on_delete"))
	if onDeleteVal.Exists() {
		rule, err := onDeleteVal.String()
		if err != nil {
			return fk, formatCUEError(err)
		}
		fk.OnDelete = OnDelete(rule)
	}
	return fk, nil
}

// extractKind converts a CUE field declaration to a value kind.
// Floats are forbidden: replicas must agree byte-for-byte on values.
func extractKind(v cue.Value) (ir.Kind, error) {
	if v.IsConcrete() && v.Kind() == cue.StringKind {
		name, err := v.String()
		if err != nil {
			return ir.KindNull, formatCUEError(err)
		}
		kind, err := ir.ParseKind(name)
		if err != nil {
			return ir.KindNull, &CompileError{Field: "type", Message: err.Error(), Pos: v.Pos()}
		}
		return kind, nil
	}

	switch v.IncompleteKind() {
	case cue.StringKind:
		return ir.KindString, nil
	case cue.IntKind:
		return ir.KindInt, nil
	case cue.BoolKind:
		return ir.KindBool, nil
	case cue.BytesKind:
		return ir.KindBytes, nil
	case cue.FloatKind, cue.NumberKind:
		return ir.KindNull, &CompileError{
			Field:   "type",
			Message: "float types are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return ir.KindNull, &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileString compiles CUE source holding an `entity` struct into a
// validated Schema. Used for embedded schemas and tests.
func CompileString(src string) (*Schema, error) {
	v := cuecontext.New().CompileString(src)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	entities, errs := compileEntities(v)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return New(entities...)
}

// compileEntities compiles every member of the top-level `entity` struct,
// collecting all errors.
func compileEntities(v cue.Value) ([]Entity, []error) {
	entitiesVal := v.LookupPath(cue.ParsePath("entity"))
	if !entitiesVal.Exists() {
		return nil, []error{&CompileError{Field: "entity", Message: "no entities declared", Pos: v.Pos()}}
	}
	iter, err := entitiesVal.Fields()
	if err != nil {
		return nil, []error{formatCUEError(err)}
	}

	var (
		entities []Entity
		errs     []error
	)
	for iter.Next() {
		e, err := CompileEntity(iter.Value())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entities = append(entities, *e)
	}
	return entities, errs
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
