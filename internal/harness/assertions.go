package harness

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/replica/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// AssertionContext gives assertions access to the finished scenario.
type AssertionContext struct {
	Ctx     context.Context
	harness *Harness
	state   map[string]Snapshot
}

// EvaluateAssertions runs every assertion and returns one message per
// failure, prefixed with the assertion index.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertConverged:
		return assertConverged(actx)
	case AssertRow:
		return assertRow(a, actx)
	case AssertAbsent:
		return assertAbsent(a, actx)
	case AssertCount:
		return assertCount(a, actx)
	case AssertConflicts:
		return assertConflicts(a, actx)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertConverged checks that every replica holds the same live rows as
// the first one.
func assertConverged(actx *AssertionContext) error {
	order := actx.harness.order
	first := actx.state[order[0]]
	for _, name := range order[1:] {
		other := actx.state[name]
		for _, table := range slices.Sorted(maps.Keys(first)) {
			if reflect.DeepEqual(first[table], other[table]) {
				continue
			}
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s on %s: %s", table, order[0], describeRows(first[table])),
				Actual:   fmt.Sprintf("%s on %s: %s", table, name, describeRows(other[table])),
			}
		}
	}
	return nil
}

func assertRow(a Assertion, actx *AssertionContext) error {
	id, err := actx.harness.resolve(a.ID)
	if err != nil {
		return err
	}
	row, ok := findRow(actx.state[a.Replica][a.Table], id)
	if !ok {
		return &AssertionError{
			Type:     AssertRow,
			Expected: fmt.Sprintf("live row %s[%s] on %s", a.Table, id, a.Replica),
			Actual:   "not found",
		}
	}
	for _, field := range slices.Sorted(maps.Keys(a.Expect)) {
		want, err := actx.harness.convertValue(a.Expect[field])
		if err != nil {
			return fmt.Errorf("expect %q: %w", field, err)
		}
		got, present := row.Fields[field]
		if !present || got != ir.Display(want) {
			if !present {
				got = "<missing>"
			}
			return &AssertionError{
				Type:     AssertRow,
				Expected: fmt.Sprintf("%s[%s].%s = %s on %s", a.Table, id, field, ir.Display(want), a.Replica),
				Actual:   got,
			}
		}
	}
	return nil
}

func assertAbsent(a Assertion, actx *AssertionContext) error {
	id, err := actx.harness.resolve(a.ID)
	if err != nil {
		return err
	}
	if _, ok := findRow(actx.state[a.Replica][a.Table], id); ok {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: fmt.Sprintf("no live row %s[%s] on %s", a.Table, id, a.Replica),
			Actual:   "row is live",
		}
	}
	return nil
}

func assertCount(a Assertion, actx *AssertionContext) error {
	rows := actx.state[a.Replica][a.Table]
	if len(rows) != a.Count {
		return &AssertionError{
			Type:     AssertCount,
			Expected: fmt.Sprintf("%d row(s) in %s on %s", a.Count, a.Table, a.Replica),
			Actual:   fmt.Sprintf("%d: %s", len(rows), describeRows(rows)),
		}
	}
	return nil
}

func assertConflicts(a Assertion, actx *AssertionContext) error {
	r := actx.harness.replicas[a.Replica]
	conflicts, err := r.registry.Enforcer().DetectConflicts(actx.Ctx)
	if err != nil {
		return err
	}
	if len(conflicts) != a.Count {
		descs := make([]string, len(conflicts))
		for i, c := range conflicts {
			descs[i] = c.String()
		}
		return &AssertionError{
			Type:     AssertConflicts,
			Expected: fmt.Sprintf("%d conflict(s) on %s", a.Count, a.Replica),
			Actual:   fmt.Sprintf("%d %v", len(conflicts), descs),
		}
	}
	return nil
}

func findRow(rows []RowSnapshot, id string) (RowSnapshot, bool) {
	for _, r := range rows {
		if r.ID == id {
			return r, true
		}
	}
	return RowSnapshot{}, false
}

func describeRows(rows []RowSnapshot) string {
	if len(rows) == 0 {
		return "(none)"
	}
	parts := make([]string, len(rows))
	for i, r := range rows {
		fields := make([]string, 0, len(r.Fields))
		for _, k := range slices.Sorted(maps.Keys(r.Fields)) {
			fields = append(fields, k+"="+r.Fields[k])
		}
		parts[i] = fmt.Sprintf("%s{%s}", r.ID, strings.Join(fields, " "))
	}
	return strings.Join(parts, ", ")
}
