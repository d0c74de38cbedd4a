package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/replica/internal/constraint"
	"github.com/roach88/replica/internal/coordinator"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/repository"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/testutil"
	"github.com/roach88/replica/internal/transport"
)

// replica is one member of a running scenario.
type replica struct {
	name     string
	site     ir.SiteID
	store    *store.Store
	registry *repository.Registry
	coord    *coordinator.Coordinator
}

// Harness executes one scenario. Every replica shares one fake clock and
// one hub, so runs are deterministic.
type Harness struct {
	schema   *schema.Schema
	clock    *testutil.FakeClock
	hub      *transport.Hub
	replicas map[string]*replica
	order    []string
	names    map[string]string // bound row ids, without the "$"
	logger   *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger routes replica logs to l. By default they are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against fresh databases in a temporary directory that
// is removed afterwards. Step outcomes that differ from the expected ones
// and failed assertions are reported in the result; the returned error is
// reserved for failures to set the scenario up.
//
// Execution flow:
// 1. Compile the schema and open one store per replica
// 2. Execute the steps, recording a trace event per operation
// 3. Snapshot every replica and evaluate the assertions
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		clock:    testutil.NewFakeClock(time.Time{}),
		hub:      transport.NewHub(),
		replicas: make(map[string]*replica),
		names:    make(map[string]string),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	sch, err := loadSchema(scenario.Schema)
	if err != nil {
		return nil, err
	}
	h.schema = sch

	dir, err := os.MkdirTemp("", "replica-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)
	defer h.close()

	for i, name := range scenario.Replicas {
		if err := h.open(ctx, dir, name, testutil.Site(byte(i+1))); err != nil {
			return nil, fmt.Errorf("replica %s: %w", name, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	for _, name := range h.order {
		snap, err := h.snapshot(ctx, h.replicas[name])
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", name, err)
		}
		result.State[name] = snap
	}

	actx := &AssertionContext{Ctx: ctx, harness: h, state: result.State}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func loadSchema(dir string) (*schema.Schema, error) {
	if dir == "" {
		return schema.CompileString(testutil.BlogCUE)
	}
	sch, errs := schema.LoadDir(dir)
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to load schema: %w", errors.Join(errs...))
	}
	return sch, nil
}

func (h *Harness) open(ctx context.Context, dir, name string, site ir.SiteID) error {
	logger := h.logger.With("replica", name)
	st, err := store.Open(filepath.Join(dir, name+".db"),
		store.WithClock(h.clock.Now),
		store.WithLogger(logger))
	if err != nil {
		return err
	}
	r := &replica{name: name, site: site, store: st}
	h.replicas[name] = r
	h.order = append(h.order, name)

	if _, err := st.Initialize(ctx, &site); err != nil {
		return err
	}
	r.registry, err = repository.NewRegistry(ctx, st, h.schema,
		repository.WithClock(h.clock.Now),
		repository.WithIDGenerator(testutil.NewSequentialIDs(name)),
		repository.WithLogger(logger))
	if err != nil {
		return err
	}
	r.coord, err = coordinator.New(st, h.hub.Endpoint(site), coordinator.DefaultPolicy(),
		coordinator.WithClock(h.clock),
		coordinator.WithLogger(logger),
		coordinator.WithConflictDetector(r.registry.Enforcer()))
	if err != nil {
		return err
	}
	st.OnCommit(r.coord.OnCommit)
	return nil
}

func (h *Harness) close() {
	for _, name := range h.order {
		if err := h.replicas[name].store.Close(); err != nil {
			h.logger.Error("error closing replica", "replica", name, "error", err)
		}
	}
}

// execute runs one step. Domain failures become trace outcomes; only an
// unusable step (unbound name, bad field value) is returned as an error.
func (h *Harness) execute(ctx context.Context, index int, step Step, result *Result) error {
	op := step.Op()
	var outcomes []string

	switch op {
	case OpCreate, OpUpdate, OpDelete:
		event, err := h.write(ctx, index, op, step)
		if err != nil {
			return err
		}
		result.AddTrace(event)
		outcomes = append(outcomes, event.Outcome)

	case OpSync:
		for _, name := range step.Sync {
			_, err := h.replicas[name].coord.Trigger(ctx)
			event := TraceEvent{Step: index, Replica: name, Op: OpSync, Outcome: outcome(err)}
			result.AddTrace(event)
			outcomes = append(outcomes, event.Outcome)
		}

	case OpCompact:
		for _, name := range step.Compact {
			_, err := h.replicas[name].coord.Compact(ctx)
			event := TraceEvent{Step: index, Replica: name, Op: OpCompact, Outcome: outcome(err)}
			result.AddTrace(event)
			outcomes = append(outcomes, event.Outcome)
		}

	case OpOffline, OpOnline:
		for _, name := range append(step.Offline, step.Online...) {
			h.hub.SetOffline(h.replicas[name].site, op == OpOffline)
			result.AddTrace(TraceEvent{Step: index, Replica: name, Op: op, Outcome: outcomeOK})
		}
		outcomes = append(outcomes, outcomeOK)

	case OpAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		outcomes = append(outcomes, outcomeOK)
	}

	if msg := checkOutcome(index, step.ExpectError, outcomes); msg != "" {
		result.AddError(msg)
	}
	h.logger.Debug("step completed", "step", index, "op", op, "outcomes", outcomes)
	return nil
}

func (h *Harness) write(ctx context.Context, index int, op string, step Step) (TraceEvent, error) {
	r := h.replicas[step.Replica]
	event := TraceEvent{Step: index, Replica: r.name, Op: op}

	table := step.Create + step.Update + step.Delete
	event.Table = table
	repo, ok := r.registry.Get(table)
	if !ok {
		return event, fmt.Errorf("unknown entity %q", table)
	}

	fields, err := h.convertFields(step.Fields)
	if err != nil {
		return event, err
	}

	switch op {
	case OpCreate:
		e, err := repo.Create(ctx, fields)
		event.ID = e.ID
		event.Outcome = outcome(err)
		if err == nil && step.As != "" {
			h.names[step.As] = e.ID
		}
	case OpUpdate:
		if event.ID, err = h.resolve(step.ID); err != nil {
			return event, err
		}
		_, err = repo.Update(ctx, event.ID, fields)
		event.Outcome = outcome(err)
	case OpDelete:
		if event.ID, err = h.resolve(step.ID); err != nil {
			return event, err
		}
		_, err = repo.Delete(ctx, event.ID)
		event.Outcome = outcome(err)
	}
	return event, nil
}

// resolve turns "$name" into the bound row id.
func (h *Harness) resolve(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "$")
	if !ok {
		return ref, nil
	}
	id, ok := h.names[name]
	if !ok {
		return "", fmt.Errorf("unbound name %q", ref)
	}
	return id, nil
}

func (h *Harness) snapshot(ctx context.Context, r *replica) (Snapshot, error) {
	snap := make(Snapshot)
	for _, table := range h.schema.Names() {
		rows, err := r.store.Scan(ctx, table)
		if err != nil {
			return nil, err
		}
		out := make([]RowSnapshot, len(rows))
		for i, row := range rows {
			fields := make(map[string]string, len(row.Values))
			for col, v := range row.Values {
				fields[col] = ir.Display(v)
			}
			out[i] = RowSnapshot{ID: row.PK, Fields: fields}
		}
		snap[table] = out
	}
	return snap, nil
}

const outcomeOK = "ok"

// outcome classifies a step error.
func outcome(err error) string {
	if err == nil {
		return outcomeOK
	}
	var cv *constraint.ConstraintViolationError
	switch {
	case errors.As(err, &cv) && len(cv.Violations) > 0:
		return "error:" + string(cv.Violations[0].Type)
	case errors.Is(err, store.ErrNotFound):
		return "error:" + ErrClassNotFound
	case coordinator.IsSyncRoundError(err):
		return "error:" + ErrClassSync
	default:
		return "error"
	}
}

// checkOutcome compares step outcomes against expect_error and returns a
// failure message, or "".
func checkOutcome(index int, expect string, outcomes []string) string {
	for _, got := range outcomes {
		switch {
		case expect == "" && got != outcomeOK:
			return fmt.Sprintf("step %d: expected success, got %s", index, got)
		case expect == ErrClassAny && got == outcomeOK:
			return fmt.Sprintf("step %d: expected an error, got ok", index)
		case expect != "" && expect != ErrClassAny && got != "error:"+expect:
			return fmt.Sprintf("step %d: expected error:%s, got %s", index, expect, got)
		}
	}
	return ""
}

// convertFields converts YAML-decoded field values to ir values. String
// values of the form "$name" are replaced by the bound row id.
func (h *Harness) convertFields(fields map[string]any) (map[string]ir.Value, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	out := make(map[string]ir.Value, len(fields))
	for name, raw := range fields {
		v, err := h.convertValue(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func (h *Harness) convertValue(raw any) (ir.Value, error) {
	if s, ok := raw.(string); ok {
		id, err := h.resolve(s)
		if err != nil {
			return nil, err
		}
		return ir.String(id), nil
	}
	return ir.FromAny(raw)
}
