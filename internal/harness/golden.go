package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/replica/internal/ir"
)

// TraceSnapshot is the golden form of a scenario run: the trace plus the
// final state of the first replica.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	State        Snapshot     `json:"state"`
}

// NewTraceSnapshot builds the golden form of result.
func NewTraceSnapshot(scenario *Scenario, result *Result) TraceSnapshot {
	return TraceSnapshot{
		ScenarioName: scenario.Name,
		Trace:        result.Trace,
		State:        result.State[scenario.Replicas[0]],
	}
}

// Canonical serializes the snapshot as canonical JSON, so golden files are
// byte-stable.
func (s TraceSnapshot) Canonical() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// toCanonicalMap converts the snapshot to the map and slice shapes
// ir.MarshalCanonical accepts.
func (s TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, e := range s.Trace {
		m := map[string]any{
			"step":    e.Step,
			"replica": e.Replica,
			"op":      e.Op,
			"outcome": e.Outcome,
		}
		if e.Table != "" {
			m["table"] = e.Table
		}
		if e.ID != "" {
			m["id"] = e.ID
		}
		trace[i] = m
	}

	state := make(map[string]any, len(s.State))
	for table, rows := range s.State {
		list := make([]any, len(rows))
		for i, r := range rows {
			fields := make(map[string]any, len(r.Fields))
			for k, v := range r.Fields {
				fields[k] = v
			}
			list[i] = map[string]any{"id": r.ID, "fields": fields}
		}
		state[table] = list
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"state":         state,
	}
}

// RunWithGolden executes a scenario and compares its trace and final state
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario, result)
}

// AssertGolden compares an existing result against the scenario's golden
// file without re-running it.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	data, err := NewTraceSnapshot(scenario, result).Canonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return nil
}
