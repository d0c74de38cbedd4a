package constraint

import (
	"context"
	"fmt"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
)

// Ref identifies one row.
type Ref struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

func (r Ref) key() string {
	return r.Table + "\x00" + r.ID
}

// CascadeReport lists the rows a cascading delete removed, in deletion
// order: every row before the rows it references, the root last. Rows on
// a reference cycle come out in discovery order.
type CascadeReport struct {
	Root    Ref   `json:"root"`
	Deleted []Ref `json:"deleted"`
}

// Count returns the number of deleted rows per table.
func (r CascadeReport) Count() map[string]int {
	counts := make(map[string]int)
	for _, ref := range r.Deleted {
		counts[ref.Table]++
	}
	return counts
}

// CascadeDelete deletes the row table[id] and every row that transitively
// references it through cascade rules, inside tx.
//
// The dependency graph is expanded breadth-first with an explicit queue and
// a visited set, so self-referencing tables and reference cycles terminate
// without recursion. If any live row references a doomed row through a
// block rule, nothing is deleted and a *ConstraintViolationError with
// restrict violations is returned.
func (e *Enforcer) CascadeDelete(ctx context.Context, tx *store.Tx, table, id string) (CascadeReport, error) {
	if _, ok := e.schema.Entity(table); !ok {
		return CascadeReport{}, fmt.Errorf("cascade delete %s: unknown entity", table)
	}
	r := e.In(tx).reader

	root := Ref{Table: table, ID: id}
	exists, err := r.Exists(ctx, table, id)
	if err != nil {
		return CascadeReport{}, err
	}
	if !exists {
		return CascadeReport{}, fmt.Errorf("cascade delete %s[%s]: %w", table, id, store.ErrNotFound)
	}

	visited := map[string]bool{root.key(): true}
	children := make(map[string][]Ref)
	var blockers []Violation
	var blockerRefs []Ref

	for queue := []Ref{root}; len(queue) > 0; {
		node := queue[0]
		queue = queue[1:]

		for _, edge := range e.schema.Children(node.Table) {
			pks, err := r.FindPKsBy(ctx, edge.Child, edge.Field, ir.String(node.ID))
			if err != nil {
				return CascadeReport{}, fmt.Errorf("cascade delete %s[%s]: %w", table, id, err)
			}
			for _, pk := range pks {
				child := Ref{Table: edge.Child, ID: pk}
				if edge.OnDelete == schema.Block {
					blockers = append(blockers, Violation{
						Type:       Restrict,
						Table:      edge.Child,
						Field:      edge.Field,
						Value:      ir.String(node.ID),
						ConflictID: pk,
					})
					blockerRefs = append(blockerRefs, child)
					continue
				}
				children[node.key()] = append(children[node.key()], child)
				if visited[child.key()] {
					continue
				}
				visited[child.key()] = true
				queue = append(queue, child)
			}
		}
	}

	// A blocking child that is itself being deleted does not block.
	var violations []Violation
	for i, v := range blockers {
		if !visited[blockerRefs[i].key()] {
			violations = append(violations, v)
		}
	}
	if len(violations) > 0 {
		return CascadeReport{}, &ConstraintViolationError{Table: table, Violations: violations}
	}

	order := deletionOrder(root, children)
	report := CascadeReport{Root: root, Deleted: make([]Ref, 0, len(order))}
	for _, ref := range order {
		if err := tx.Delete(ctx, ref.Table, ref.ID); err != nil {
			return CascadeReport{}, fmt.Errorf("cascade delete %s[%s]: %w", ref.Table, ref.ID, err)
		}
		report.Deleted = append(report.Deleted, ref)
	}

	e.logger.Debug("cascade delete", "table", table, "id", id, "rows", len(report.Deleted))
	return report, nil
}

// deletionOrder walks the graph depth-first from root and lists each row
// once all the rows referencing it are listed. An edge back onto the
// current path is skipped.
func deletionOrder(root Ref, children map[string][]Ref) []Ref {
	type frame struct {
		ref  Ref
		next int
	}
	done := make(map[string]bool)
	onPath := map[string]bool{root.key(): true}
	stack := []frame{{ref: root}}
	var order []Ref

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		kids := children[top.ref.key()]
		if top.next < len(kids) {
			child := kids[top.next]
			top.next++
			if k := child.key(); !done[k] && !onPath[k] {
				onPath[k] = true
				stack = append(stack, frame{ref: child})
			}
			continue
		}
		k := top.ref.key()
		onPath[k] = false
		done[k] = true
		order = append(order, top.ref)
		stack = stack[:len(stack)-1]
	}
	return order
}
