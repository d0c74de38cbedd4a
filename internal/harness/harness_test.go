package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestScenarios(t *testing.T) {
	files, err := FindScenarios("testdata/scenarios", "")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		t.Run(filepath.Base(f), func(t *testing.T) {
			scenario, err := LoadScenario(f)
			require.NoError(t, err)

			result, err := Run(context.Background(), scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
			assert.Len(t, result.State, len(scenario.Replicas))
		})
	}
}

func TestRunWithGolden(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/create_replicates.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/cascade_delete.yaml")
	require.NoError(t, err)

	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	a, err := NewTraceSnapshot(scenario, first).Canonical()
	require.NoError(t, err)
	b, err := NewTraceSnapshot(scenario, second).Canonical()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_ReportsFailures(t *testing.T) {
	scenario := &Scenario{
		Name:        "failing",
		Description: "every check here fails",
		Replicas:    []string{"a", "b"},
		Steps: []Step{
			{Replica: "a", Create: "users", As: "alice", Fields: map[string]any{"username": "alice"}},
			{Replica: "a", Create: "users", Fields: map[string]any{"username": "alice"}},
			{Replica: "a", Update: "users", ID: "$alice", Fields: map[string]any{"active": true}, ExpectError: ErrClassRestrict},
		},
		Assertions: []Assertion{
			{Type: AssertConverged},
			{Type: AssertCount, Replica: "a", Table: "users", Count: 5},
			{Type: AssertRow, Replica: "a", Table: "users", ID: "$alice", Expect: map[string]any{"username": "bob"}},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	require.False(t, result.Pass)

	errs := strings.Join(result.Errors, "\n")
	assert.Contains(t, errs, "step 1: expected success, got error:unique")
	assert.Contains(t, errs, "step 2: expected error:restrict, got ok")
	assert.Contains(t, errs, "assertions[0]: Assertion failed: converged")
	assert.Contains(t, errs, "assertions[1]: Assertion failed: count")
	assert.Contains(t, errs, "assertions[2]: Assertion failed: row")

	require.Len(t, result.Trace, 3)
	assert.Equal(t, TraceEvent{Step: 0, Replica: "a", Op: OpCreate, Table: "users", ID: "a-0001", Outcome: "ok"}, result.Trace[0])
	assert.Equal(t, "error:unique", result.Trace[1].Outcome)
}

func TestRun_UnboundName(t *testing.T) {
	scenario := &Scenario{
		Name:        "unbound",
		Description: "references a name that was never bound",
		Replicas:    []string{"a"},
		Steps:       []Step{{Replica: "a", Delete: "users", ID: "$ghost"}},
		Assertions:  []Assertion{{Type: AssertConverged}},
	}

	_, err := Run(context.Background(), scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unbound name "$ghost"`)
}

func TestLoadScenario_Invalid(t *testing.T) {
	header := "name: x\ndescription: y\nreplicas: [a, b]\n"
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing name", "description: y\nreplicas: [a]\nsteps: [{sync: [a]}]\nassertions: [{type: converged}]\n", "name is required"},
		{"unknown field", header + "steps: [{sync: [a]}]\nassertion: [{type: converged}]\n", "field assertion not found"},
		{"no replicas", "name: x\ndescription: y\nsteps: [{sync: [a]}]\nassertions: [{type: converged}]\n", "replicas list is required"},
		{"duplicate replica", "name: x\ndescription: y\nreplicas: [a, a]\nsteps: [{sync: [a]}]\nassertions: [{type: converged}]\n", `duplicate name "a"`},
		{"two operations", header + "steps: [{sync: [a], offline: [b]}]\nassertions: [{type: converged}]\n", "exactly one operation"},
		{"unknown replica", header + "steps: [{sync: [c]}]\nassertions: [{type: converged}]\n", `unknown replica "c"`},
		{"update without fields", header + "steps: [{replica: a, update: users, id: x}]\nassertions: [{type: converged}]\n", "fields are required"},
		{"bad advance", header + "steps: [{advance: soon}]\nassertions: [{type: converged}]\n", "advance"},
		{"bad expect_error", header + "steps: [{sync: [a], expect_error: boom}]\nassertions: [{type: converged}]\n", `unknown expect_error "boom"`},
		{"unknown assertion", header + "steps: [{sync: [a]}]\nassertions: [{type: magic}]\n", `unknown assertion type "magic"`},
		{"row without expect", header + "steps: [{sync: [a]}]\nassertions: [{type: row, replica: a, table: users, id: x}]\n", "expect is required"},
		{"missing schema dir", header + "schema: nowhere\nsteps: [{sync: [a]}]\nassertions: [{type: converged}]\n", "schema directory not found"},
	}

	dir := t.TempDir()
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScenario(t, dir, filepath.Base(t.Name())+".yaml", tt.body)
			_, err := LoadScenario(path)
			require.Error(t, err, "case %d", i)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_ResolvesSchemaDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "schema"), 0o755))
	path := writeScenario(t, dir, "s.yaml",
		"name: x\ndescription: y\nschema: schema\nreplicas: [a]\nsteps: [{sync: [a]}]\nassertions: [{type: converged}]\n")

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "schema"), s.Schema)
}

func TestStep_Op(t *testing.T) {
	assert.Equal(t, OpCreate, Step{Create: "users"}.Op())
	assert.Equal(t, OpSync, Step{Sync: []string{"a"}}.Op())
	assert.Equal(t, OpAdvance, Step{Advance: "1s"}.Op())
	assert.Equal(t, "", Step{}.Op())
	assert.Equal(t, "", Step{Create: "users", Delete: "users"}.Op())
}

func TestFindScenarios_Filter(t *testing.T) {
	files, err := FindScenarios("testdata/scenarios", "cascade*")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "cascade_delete.yaml", filepath.Base(files[0]))

	_, err = FindScenarios("testdata/scenarios", "[")
	require.Error(t, err)
}

func TestRunFile_Golden(t *testing.T) {
	src, err := os.ReadFile("testdata/scenarios/create_replicates.yaml")
	require.NoError(t, err)
	dir := t.TempDir()
	path := writeScenario(t, dir, "create_replicates.yaml", string(src))
	ctx := context.Background()

	// No golden file: assertions only.
	res := RunFile(ctx, path, false)
	assert.True(t, res.Pass, res.Errors)
	assert.Equal(t, "create_replicates", res.Name)

	res = RunFile(ctx, path, true)
	require.True(t, res.Pass, res.Errors)
	assert.FileExists(t, GoldenPath(path))

	res = RunFile(ctx, path, false)
	assert.True(t, res.Pass, res.Errors)

	require.NoError(t, os.WriteFile(GoldenPath(path), []byte("{}"), 0o644))
	res = RunFile(ctx, path, false)
	assert.False(t, res.Pass)
	assert.Contains(t, res.Errors[0], "does not match golden file")
}

func TestRunSuite(t *testing.T) {
	dir := t.TempDir()
	good, err := os.ReadFile("testdata/scenarios/offline_retry.yaml")
	require.NoError(t, err)
	writeScenario(t, dir, "good.yaml", string(good))
	writeScenario(t, dir, "broken.yaml", "name: [")

	files, err := FindScenarios(dir, "")
	require.NoError(t, err)
	suite := RunSuite(context.Background(), files, false)

	assert.Equal(t, 2, suite.Total)
	assert.Equal(t, 1, suite.Passed)
	assert.Equal(t, 1, suite.Failed)
	for _, s := range suite.Scenarios {
		if !s.Pass {
			assert.Contains(t, s.Errors[0], "failed to load scenario")
		}
	}
}
