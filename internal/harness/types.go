package harness

// TraceEvent records the outcome of one operation of a scenario step.
// A sync step produces one event per round.
type TraceEvent struct {
	Step    int    `json:"step"`
	Replica string `json:"replica"`
	Op      string `json:"op"`
	Table   string `json:"table,omitempty"`
	ID      string `json:"id,omitempty"`
	Outcome string `json:"outcome"`
}

// RowSnapshot is one live row with its values rendered for display.
type RowSnapshot struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// Snapshot maps each table to its live rows in id order.
type Snapshot map[string][]RowSnapshot

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step had its expected outcome and every
	// assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// State is the final snapshot of each replica, by replica name.
	State map[string]Snapshot `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]Snapshot),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event to the trace.
func (r *Result) AddTrace(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}
