// Package coordinator decides when a replica exchanges changes with its
// peers and when it trims its change log.
//
// The coordinator owns no data. It reads the local change log past its
// sync cursor, hands it to a transport in bounded batches, applies what
// peers sent, and advances the cursor only when the whole round succeeded,
// and never past a change no peer acknowledged.
// Rounds and retention passes are serialized by a single in-flight flag;
// a trigger that finds one running returns ErrRoundInFlight.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/replica/internal/constraint"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/transport"
)

// ErrBackingOff is returned by automatic triggers while the coordinator
// waits out the backoff after failed rounds.
var ErrBackingOff = errors.New("sync backing off after failures")

// DegradedAfter is the number of consecutive failed rounds after which
// Status reports HealthDegraded.
const DegradedAfter = 3

const backoffBase = 5 * time.Second

// Health values reported by Status.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// Trigger names, as reported in RoundReport.Trigger.
const (
	TriggerIdle      = "idle"
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Store is the change log the coordinator drives. *store.Store implements it.
type Store interface {
	SiteID() ir.SiteID
	CurrentVersion(ctx context.Context) (uint64, error)
	Cursor(ctx context.Context) (uint64, error)
	SetCursor(ctx context.Context, version uint64) error
	ChangesSince(ctx context.Context, version uint64) ([]ir.ChangeRecord, error)
	ApplyChanges(ctx context.Context, batch []ir.ChangeRecord) ([]store.ApplyOutcome, error)
	LogStats(ctx context.Context) (store.LogStats, error)
	OldestVersionSince(ctx context.Context, t time.Time) (uint64, bool, error)
	Compact(ctx context.Context, beforeVersion uint64) (int64, error)
	Vacuum(ctx context.Context) error
	Checkpoint(ctx context.Context) error
	SetPeerWatermark(ctx context.Context, peerID string, version uint64) error
	PeerWatermarks(ctx context.Context) ([]store.PeerWatermark, error)
}

var _ Store = (*store.Store)(nil)

// ConflictDetector finds unique values duplicated by replication.
// *constraint.Enforcer implements it.
type ConflictDetector interface {
	DetectConflicts(ctx context.Context) ([]constraint.Conflict, error)
}

// RoundReport describes one sync round.
type RoundReport struct {
	Trigger         string                    `json:"trigger"`
	StartedAt       time.Time                 `json:"started_at"`
	Duration        time.Duration             `json:"duration"`
	Noop            bool                      `json:"noop"`
	Sent            int                       `json:"sent"`
	Batches         int                       `json:"batches"`
	Acks            int                       `json:"acks"`
	Received        int                       `json:"received"`
	ReceivedBatches int                       `json:"received_batches"`
	Applied         int                       `json:"applied"`
	Skipped         int                       `json:"skipped"`
	Failed          int                       `json:"failed"`
	Unacknowledged  int                       `json:"unacknowledged,omitempty"`
	Errors          []*store.ApplyChangeError `json:"-"`
	Cursor          uint64                    `json:"cursor"`
	Conflicts       []constraint.Conflict     `json:"conflicts,omitempty"`
	Compaction      *CompactionReport         `json:"compaction,omitempty"`
}

// Coordinator schedules sync rounds and retention passes for one replica.
//
// Thread-safety: every method is safe for concurrent use. Run must be
// called from exactly one goroutine.
type Coordinator struct {
	store     Store
	transport transport.Transport
	policy    Policy
	clock     Clock
	logger    *slog.Logger
	conflicts ConflictDetector

	edits chan struct{}

	mu             sync.Mutex
	state          State
	lastEdit       time.Time
	editedInFlight bool
	inFlight       bool
	commitFloor    uint64
	pending        []transport.Batch
	lastRound      *RoundReport
	lastCompaction *CompactionReport
	failures       int
	lastErr        error
	lastFailure    time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the wall clock used for idle detection, backoff and the
// retention-days window.
func WithClock(c Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// WithConflictDetector runs d after every successful round.
func WithConflictDetector(d ConflictDetector) Option {
	return func(co *Coordinator) { co.conflicts = d }
}

// New creates a coordinator. It does nothing until Run or a trigger is
// called.
func New(st Store, tr transport.Transport, p Policy, opts ...Option) (*Coordinator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		store:     st,
		transport: tr,
		policy:    p,
		clock:     systemClock{},
		logger:    slog.Default(),
		edits:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Policy returns the policy the coordinator was built with.
func (c *Coordinator) Policy() Policy {
	return c.policy
}

// NotifyEdit records a local edit: the idle clock restarts and the state
// becomes Active. It performs no I/O.
func (c *Coordinator) NotifyEdit() {
	c.mu.Lock()
	c.lastEdit = c.clock.Now()
	switch c.state {
	case Idle, Active:
		c.state = Active
	default:
		c.editedInFlight = true
	}
	c.mu.Unlock()

	select {
	case c.edits <- struct{}{}:
	default:
	}
}

// OnCommit is a store commit hook. Besides NotifyEdit, it remembers local
// versions committed while a round is running so the round does not move
// its cursor past changes it never read.
func (c *Coordinator) OnCommit(info store.CommitInfo) {
	if info.Records == 0 {
		return
	}
	c.mu.Lock()
	if c.inFlight && (c.commitFloor == 0 || info.Version < c.commitFloor) {
		c.commitFloor = info.Version
	}
	c.mu.Unlock()
	c.NotifyEdit()
}

// CheckIdle runs a round if the replica is Active and the last edit is
// older than the idle threshold. It reports whether a round ran.
func (c *Coordinator) CheckIdle(ctx context.Context) (bool, error) {
	c.mu.Lock()
	due := c.state == Active && c.clock.Now().Sub(c.lastEdit) > c.policy.IdleThreshold
	c.mu.Unlock()
	if !due {
		return false, nil
	}

	_, err := c.run(ctx, TriggerIdle, true)
	if errors.Is(err, ErrRoundInFlight) || errors.Is(err, ErrBackingOff) {
		return false, nil
	}
	return true, err
}

// TriggerScheduled runs a round unconditionally, subject to backoff.
func (c *Coordinator) TriggerScheduled(ctx context.Context) (RoundReport, error) {
	return c.run(ctx, TriggerScheduled, true)
}

// Trigger runs a round now, ignoring backoff. It returns ErrRoundInFlight
// if a round or retention pass is already running.
func (c *Coordinator) Trigger(ctx context.Context) (RoundReport, error) {
	return c.run(ctx, TriggerManual, false)
}

func (c *Coordinator) run(ctx context.Context, trigger string, auto bool) (RoundReport, error) {
	wasActive, err := c.acquire(Syncing, auto)
	if err != nil {
		return RoundReport{Trigger: trigger}, err
	}

	report, err := c.round(ctx, trigger)
	if err == nil && !report.Noop {
		report.Conflicts = c.detectConflicts(ctx)
	}
	if err == nil && c.policy.CompactAfterSync {
		c.setState(Compacting)
		// Failures are logged by compact; they do not fail the round.
		cr, _ := c.compact(ctx)
		report.Compaction = &cr
		c.mu.Lock()
		c.lastCompaction = &cr
		c.mu.Unlock()
	}

	c.finishRound(&report, err, wasActive)
	return report, err
}

// acquire takes the in-flight flag and moves to state s. It returns
// whether the coordinator was Active before.
func (c *Coordinator) acquire(s State, auto bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return false, ErrRoundInFlight
	}
	if auto && c.backingOffLocked() {
		return false, ErrBackingOff
	}
	wasActive := c.state == Active
	c.inFlight = true
	c.editedInFlight = false
	c.commitFloor = 0
	c.state = s
	return wasActive, nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) finishRound(report *RoundReport, err error, wasActive bool) {
	report.Duration = c.clock.Now().Sub(report.StartedAt)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	c.lastRound = report

	switch {
	case err != nil:
		c.failures++
		c.lastErr = err
		c.lastFailure = c.clock.Now()
		if wasActive || c.editedInFlight {
			c.state = Active
		} else {
			c.state = Idle
		}
	case c.editedInFlight:
		c.failures = 0
		c.lastErr = nil
		c.state = Active
	default:
		c.failures = 0
		c.lastErr = nil
		c.state = Idle
	}
	metrics.ConsecutiveFailures.Set(float64(c.failures))

	result := metrics.ResultOK
	switch {
	case err != nil:
		result = metrics.ResultFailed
		c.logger.Warn("sync round failed",
			"trigger", report.Trigger,
			"consecutive_failures", c.failures,
			"error", err)
	case report.Noop:
		result = metrics.ResultNoop
		c.logger.Debug("sync round had nothing to exchange", "trigger", report.Trigger)
	default:
		c.logger.Info("sync round complete",
			"trigger", report.Trigger,
			"sent", report.Sent,
			"received", report.Received,
			"applied", report.Applied,
			"skipped", report.Skipped,
			"failed", report.Failed,
			"cursor", report.Cursor,
			"duration", report.Duration)
	}
	metrics.ObserveRound(result, report.Sent, report.Duration)
}

// round performs the exchange. The cursor moves only if every step
// succeeded.
func (c *Coordinator) round(ctx context.Context, trigger string) (RoundReport, error) {
	report := RoundReport{Trigger: trigger, StartedAt: c.clock.Now()}

	cursor, err := c.store.Cursor(ctx)
	if err != nil {
		return report, &SyncRoundError{Step: StepCursor, Err: err}
	}
	report.Cursor = cursor

	changes, err := c.store.ChangesSince(ctx, cursor)
	if err != nil {
		return report, &SyncRoundError{Step: StepChanges, Err: err}
	}

	// The cursor may not pass the first batch no peer acknowledged.
	var unacked uint64
	site := c.store.SiteID()
	for start := 0; start < len(changes); start += c.policy.MaxBatchSize {
		end := min(start+c.policy.MaxBatchSize, len(changes))
		batch, err := transport.NewBatch(site, changes[start:end])
		if err != nil {
			return report, &SyncRoundError{Step: StepBatch, Err: err}
		}
		acks, err := c.transport.Send(ctx, batch)
		if err != nil {
			return report, &SyncRoundError{Step: StepSend, Err: err}
		}
		for _, ack := range acks {
			if err := c.store.SetPeerWatermark(ctx, ack.PeerID, ack.Version); err != nil {
				return report, &SyncRoundError{Step: StepAck, Err: err}
			}
		}
		report.Batches++
		report.Sent += len(batch.Records)
		report.Acks += len(acks)
		if len(acks) == 0 {
			report.Unacknowledged += len(batch.Records)
			if unacked == 0 {
				unacked = batch.Records[0].DBVersion
			}
		}
	}
	if report.Unacknowledged > 0 {
		c.logger.Warn("no peer acknowledged changes, keeping them for the next round",
			"records", report.Unacknowledged,
			"from_version", unacked)
	}

	// A failed Receive may still return what it collected before failing.
	incoming, err := c.transport.Receive(ctx)
	if err != nil {
		if len(incoming) > 0 {
			c.keepPending(mergeBatches(c.takePending(), incoming))
		}
		return report, &SyncRoundError{Step: StepReceive, Err: err}
	}
	queue := mergeBatches(c.takePending(), incoming)
	var done []string
	for i, b := range queue {
		if b.Origin == site {
			done = append(done, b.ID)
			continue
		}
		if err := b.Verify(); err != nil {
			c.logger.Warn("dropping malformed batch", "batch_id", b.ID, "origin", b.Origin.Short(), "error", err)
			report.Failed += len(b.Records)
			done = append(done, b.ID)
			continue
		}
		outcomes, err := c.store.ApplyChanges(ctx, b.Records)
		if err != nil {
			c.keepPending(queue[i:])
			c.commit(ctx, done)
			return report, &SyncRoundError{Step: StepApply, Err: err}
		}
		done = append(done, b.ID)
		sum := store.Summarize(outcomes)
		report.ReceivedBatches++
		report.Received += len(b.Records)
		report.Applied += sum.Applied
		report.Skipped += sum.Skipped
		report.Failed += sum.Failed
		for _, o := range outcomes {
			if o.Err != nil {
				report.Errors = append(report.Errors, o.Err)
			}
		}
		metrics.ObserveApplied(sum.Applied, sum.Skipped, sum.Failed)
	}
	c.commit(ctx, done)

	if len(changes) == 0 && report.ReceivedBatches == 0 {
		report.Noop = true
		return report, nil
	}

	// Read after applying: records re-logged by the merge are not ours to
	// send back.
	version, err := c.store.CurrentVersion(ctx)
	if err != nil {
		return report, &SyncRoundError{Step: StepCursor, Err: err}
	}
	c.mu.Lock()
	floor := c.commitFloor
	c.mu.Unlock()
	if unacked > 0 && (floor == 0 || unacked < floor) {
		floor = unacked
	}
	if floor > 0 && floor <= version {
		version = floor - 1
	}
	if err := c.store.SetCursor(ctx, version); err != nil {
		return report, &SyncRoundError{Step: StepCursor, Err: err}
	}
	report.Cursor = max(cursor, version)
	metrics.LocalVersion.Set(float64(version))
	return report, nil
}

// commit tells a transport that queues received batches that ids need not
// be delivered again. A failed commit only means they are applied twice.
func (c *Coordinator) commit(ctx context.Context, ids []string) {
	committer, ok := c.transport.(transport.Committer)
	if !ok || len(ids) == 0 {
		return
	}
	if err := committer.Commit(ctx, ids); err != nil {
		c.logger.Warn("failed to commit received batches", "batches", len(ids), "error", err)
	}
}

// mergeBatches appends next to held, skipping batch ids already held.
func mergeBatches(held, next []transport.Batch) []transport.Batch {
	seen := make(map[string]bool, len(held))
	for _, b := range held {
		seen[b.ID] = true
	}
	for _, b := range next {
		if !seen[b.ID] {
			seen[b.ID] = true
			held = append(held, b)
		}
	}
	return held
}

func (c *Coordinator) takePending() []transport.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	c.pending = nil
	return p
}

func (c *Coordinator) keepPending(batches []transport.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append([]transport.Batch(nil), batches...)
}

func (c *Coordinator) detectConflicts(ctx context.Context) []constraint.Conflict {
	if c.conflicts == nil {
		return nil
	}
	conflicts, err := c.conflicts.DetectConflicts(ctx)
	if err != nil {
		c.logger.Warn("conflict detection failed", "error", err)
		return nil
	}
	metrics.UniqueConflicts.Set(float64(len(conflicts)))
	return conflicts
}

func (c *Coordinator) backingOffLocked() bool {
	if c.policy.MaxBackoff <= 0 || c.failures == 0 {
		return false
	}
	delay := c.policy.MaxBackoff
	if shift := c.failures - 1; shift < 16 {
		delay = min(delay, backoffBase<<shift)
	}
	return c.clock.Now().Before(c.lastFailure.Add(delay))
}
