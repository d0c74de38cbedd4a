package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a replication scenario: replicas, the steps they perform,
// and what must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is a directory of CUE entity descriptors, relative to the
	// scenario file. Empty means the built-in blog fixture.
	Schema string `yaml:"schema,omitempty"`

	// Replicas names the replicas, in site id order.
	Replicas []string `yaml:"replicas"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario step. Exactly one operation field is set.
type Step struct {
	// Replica performs create, update and delete.
	Replica string `yaml:"replica,omitempty"`

	Create string `yaml:"create,omitempty"`
	Update string `yaml:"update,omitempty"`
	Delete string `yaml:"delete,omitempty"`

	// ID is the row id for update and delete; "$name" refers to a row
	// bound with As.
	ID string `yaml:"id,omitempty"`
	// As binds the id of a created row to a name.
	As     string         `yaml:"as,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`

	// Sync runs one round on each listed replica, in order.
	Sync []string `yaml:"sync,omitempty"`
	// Offline and Online disconnect and reconnect replicas from the hub.
	Offline []string `yaml:"offline,omitempty"`
	Online  []string `yaml:"online,omitempty"`
	// Compact runs one retention pass on each listed replica.
	Compact []string `yaml:"compact,omitempty"`
	// Advance moves the shared clock forward, e.g. "90s".
	Advance string `yaml:"advance,omitempty"`

	// ExpectError is the outcome class the step must fail with: unique,
	// foreign_key, restrict, not_found, sync, or error for any failure.
	// Empty means the step must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step operations.
const (
	OpCreate  = "create"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpSync    = "sync"
	OpOffline = "offline"
	OpOnline  = "online"
	OpCompact = "compact"
	OpAdvance = "advance"
)

// Op returns the step's operation, or "" if none or several are set.
func (s Step) Op() string {
	var ops []string
	if s.Create != "" {
		ops = append(ops, OpCreate)
	}
	if s.Update != "" {
		ops = append(ops, OpUpdate)
	}
	if s.Delete != "" {
		ops = append(ops, OpDelete)
	}
	if len(s.Sync) > 0 {
		ops = append(ops, OpSync)
	}
	if len(s.Offline) > 0 {
		ops = append(ops, OpOffline)
	}
	if len(s.Online) > 0 {
		ops = append(ops, OpOnline)
	}
	if len(s.Compact) > 0 {
		ops = append(ops, OpCompact)
	}
	if s.Advance != "" {
		ops = append(ops, OpAdvance)
	}
	if len(ops) != 1 {
		return ""
	}
	return ops[0]
}

// Assertion validates the final state of one or all replicas.
type Assertion struct {
	// Type is one of converged, row, absent, count, conflicts.
	Type string `yaml:"type"`

	Replica string `yaml:"replica,omitempty"`
	Table   string `yaml:"table,omitempty"`
	ID      string `yaml:"id,omitempty"`

	// Expect holds expected field values (row). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of rows (count) or conflicts (conflicts).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged = "converged"
	AssertRow       = "row"
	AssertAbsent    = "absent"
	AssertCount     = "count"
	AssertConflicts = "conflicts"
)

// Expected error classes.
const (
	ErrClassUnique     = "unique"
	ErrClassForeignKey = "foreign_key"
	ErrClassRestrict   = "restrict"
	ErrClassNotFound   = "not_found"
	ErrClassSync       = "sync"
	ErrClassAny        = "error"
)

var errClasses = []string{ErrClassUnique, ErrClassForeignKey, ErrClassRestrict, ErrClassNotFound, ErrClassSync, ErrClassAny}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected. A relative schema directory is resolved against the file's
// directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Reject unknown fields (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) {
		scenario.Schema = filepath.Join(filepath.Dir(path), scenario.Schema)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	if len(s.Replicas) > 255 {
		return fmt.Errorf("at most 255 replicas are supported")
	}
	for i, name := range s.Replicas {
		if name == "" {
			return fmt.Errorf("replicas[%d]: name is required", i)
		}
		if slices.Index(s.Replicas, name) != i {
			return fmt.Errorf("replicas[%d]: duplicate name %q", i, name)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Schema != "" {
		if _, err := os.Stat(s.Schema); os.IsNotExist(err) {
			return fmt.Errorf("schema directory not found: %s", s.Schema)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(s, i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(s, i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Scenario, index int, step Step) error {
	op := step.Op()
	if op == "" {
		return fmt.Errorf("steps[%d]: exactly one operation is required", index)
	}
	if step.ExpectError != "" && !slices.Contains(errClasses, step.ExpectError) {
		return fmt.Errorf("steps[%d]: unknown expect_error %q", index, step.ExpectError)
	}

	switch op {
	case OpCreate, OpUpdate, OpDelete:
		if !slices.Contains(s.Replicas, step.Replica) {
			return fmt.Errorf("steps[%d]: unknown replica %q", index, step.Replica)
		}
		if op != OpCreate && step.ID == "" {
			return fmt.Errorf("steps[%d]: id is required for %s", index, op)
		}
		if op == OpUpdate && len(step.Fields) == 0 {
			return fmt.Errorf("steps[%d]: fields are required for update", index)
		}
	case OpSync, OpOffline, OpOnline, OpCompact:
		for _, name := range slices.Concat(step.Sync, step.Offline, step.Online, step.Compact) {
			if !slices.Contains(s.Replicas, name) {
				return fmt.Errorf("steps[%d]: unknown replica %q", index, name)
			}
		}
	case OpAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d]: advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(s *Scenario, index int, a Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertConverged:
		return nil
	case AssertRow, AssertAbsent, AssertCount, AssertConflicts:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if !slices.Contains(s.Replicas, a.Replica) {
		return fmt.Errorf("assertions[%d]: unknown replica %q", index, a.Replica)
	}
	switch a.Type {
	case AssertRow, AssertAbsent:
		if a.Table == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: table and id are required for %s", index, a.Type)
		}
		if a.Type == AssertRow && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for row", index)
		}
	case AssertCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for count", index)
		}
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
