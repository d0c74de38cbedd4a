package constraint

import (
	"context"
	"fmt"

	"github.com/roach88/replica/internal/ir"
)

// Conflict is a unique value held by more than one live row. It can only
// arise from replication: two replicas accepted the same value while
// apart. Conflicts are reported, never resolved automatically.
type Conflict struct {
	Table string   `json:"table"`
	Field string   `json:"field"`
	Value ir.Value `json:"-"`
	IDs   []string `json:"ids"`
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s.%s = %q held by %d rows %v", c.Table, c.Field, ir.Display(c.Value), len(c.IDs), c.IDs)
}

// DetectConflicts scans every declared unique field of every entity for
// values held by more than one live row.
func (e *Enforcer) DetectConflicts(ctx context.Context) ([]Conflict, error) {
	var conflicts []Conflict
	for _, entity := range e.schema.Entities() {
		for _, field := range entity.Unique {
			dups, err := e.reader.DuplicateValues(ctx, entity.Name, field)
			if err != nil {
				return nil, fmt.Errorf("detect conflicts %s.%s: %w", entity.Name, field, err)
			}
			for _, d := range dups {
				conflicts = append(conflicts, Conflict{
					Table: entity.Name,
					Field: field,
					Value: d.Value,
					IDs:   d.PKs,
				})
			}
		}
	}
	for _, c := range conflicts {
		e.logger.Warn("unique conflict after replication",
			"table", c.Table,
			"field", c.Field,
			"value", ir.Display(c.Value),
			"ids", c.IDs)
	}
	return conflicts, nil
}
