package constraint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/replica/internal/ir"
)

// ViolationType classifies a constraint violation.
type ViolationType string

const (
	// Unique: another live row already holds the value.
	Unique ViolationType = "unique"
	// ForeignKey: the referenced parent row does not exist.
	ForeignKey ViolationType = "foreign_key"
	// Restrict: a block rule forbids deleting a parent with live children.
	Restrict ViolationType = "restrict"
)

// Violation is one failed integrity check.
//
// ConflictID is the id of the row the check collided with: the existing
// holder of a unique value, or the child blocking a delete. It is empty for
// foreign key violations.
type Violation struct {
	Type       ViolationType `json:"type"`
	Table      string        `json:"table"`
	Field      string        `json:"field"`
	Value      ir.Value      `json:"-"`
	ConflictID string        `json:"conflict_id,omitempty"`
}

func (v Violation) String() string {
	switch v.Type {
	case Unique:
		return fmt.Sprintf("%s.%s: value %q already used by %s", v.Table, v.Field, ir.Display(v.Value), v.ConflictID)
	case ForeignKey:
		return fmt.Sprintf("%s.%s: referenced row %q does not exist", v.Table, v.Field, ir.Display(v.Value))
	case Restrict:
		return fmt.Sprintf("%s.%s: row %s still references %q", v.Table, v.Field, v.ConflictID, ir.Display(v.Value))
	default:
		return fmt.Sprintf("%s.%s: %s violation", v.Table, v.Field, v.Type)
	}
}

// ConstraintViolationError aggregates every violation found for one write
// attempt. Nothing was written.
type ConstraintViolationError struct {
	Table      string
	Violations []Violation
}

func (e *ConstraintViolationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("constraint violation on %s: %s", e.Table, strings.Join(parts, "; "))
}

// Has reports whether the error lists a violation of type t on field.
func (e *ConstraintViolationError) Has(t ViolationType, field string) bool {
	for _, v := range e.Violations {
		if v.Type == t && v.Field == field {
			return true
		}
	}
	return false
}

// IsConstraintViolation checks if err is a ConstraintViolationError.
func IsConstraintViolation(err error) bool {
	var e *ConstraintViolationError
	return errors.As(err, &e)
}

// AsConstraintViolation returns the ConstraintViolationError in err's chain.
func AsConstraintViolation(err error) (*ConstraintViolationError, bool) {
	var e *ConstraintViolationError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
