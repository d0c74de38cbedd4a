package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/constraint"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/testutil"
	"github.com/roach88/replica/internal/transport"
)

type replica struct {
	store *store.Store
	coord *Coordinator
	tr    *counting
}

// counting wraps a transport and counts rounds by their Receive calls.
type counting struct {
	transport.Transport
	receives atomic.Int32
}

func (c *counting) Receive(ctx context.Context) ([]transport.Batch, error) {
	c.receives.Add(1)
	return c.Transport.Receive(ctx)
}

func (c *counting) Commit(ctx context.Context, ids []string) error {
	if committer, ok := c.Transport.(transport.Committer); ok {
		return committer.Commit(ctx, ids)
	}
	return nil
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.RespectPeerWatermarks = false
	return p
}

func newReplica(t *testing.T, site byte, sch *schema.Schema, tr transport.Transport, clock *testutil.FakeClock, p Policy) replica {
	t.Helper()
	st := testutil.NewStore(t, site, sch, store.WithClock(clock.Now))
	ct := &counting{Transport: tr}
	c, err := New(st, ct, p, WithClock(clock), WithConflictDetector(constraint.New(sch, st)))
	require.NoError(t, err)
	st.OnCommit(c.OnCommit)
	return replica{store: st, coord: c, tr: ct}
}

func insertUser(t *testing.T, s *store.Store, id, username string) {
	t.Helper()
	_, err := s.Update(context.Background(), func(tx *store.Tx) error {
		return tx.Insert(context.Background(), "users", id, map[string]ir.Value{"username": ir.String(username)})
	})
	require.NoError(t, err)
}

func TestCheckIdle_Timing(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	hub := transport.NewHub()
	p := testPolicy()
	p.IdleThreshold = 180 * time.Second
	a := newReplica(t, 1, testutil.BlogSchema(t), hub.Endpoint(testutil.Site(1)), clock, p)

	insertUser(t, a.store, "u1", "alice") // commit hook calls NotifyEdit at t=0

	clock.Advance(170 * time.Second)
	ran, err := a.coord.CheckIdle(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, int32(0), a.tr.receives.Load())

	clock.Advance(15 * time.Second)
	ran, err = a.coord.CheckIdle(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int32(1), a.tr.receives.Load())

	ran, err = a.coord.CheckIdle(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "the round consumed the pending edits")
	assert.Equal(t, int32(1), a.tr.receives.Load())

	st, err := a.coord.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Idle, st.State)
	assert.True(t, st.IsIdle)
}

func TestNotifyEdit_NoIO(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	a := newReplica(t, 1, testutil.BlogSchema(t), transport.NewHub().Endpoint(testutil.Site(1)), clock, testPolicy())

	a.coord.NotifyEdit()
	st, err := a.coord.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Active, st.State)
	assert.Equal(t, clock.Now(), st.LastEdit)
	assert.Equal(t, int32(0), a.tr.receives.Load())
}

func TestRound_ReplicatesBetweenSites(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	sch := testutil.BlogSchema(t)
	hub := transport.NewHub()
	a := newReplica(t, 1, sch, hub.Endpoint(testutil.Site(1)), clock, testPolicy())
	b := newReplica(t, 2, sch, hub.Endpoint(testutil.Site(2)), clock, testPolicy())

	insertUser(t, a.store, "u1", "alice")
	insertUser(t, a.store, "u2", "bob")

	report, err := a.coord.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, report.Trigger)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 1, report.Acks)
	assert.Equal(t, uint64(2), report.Cursor)

	peers, err := a.store.PeerWatermarks(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, testutil.Site(2).String(), peers[0].PeerID)
	assert.Equal(t, uint64(2), peers[0].AckedVersion)

	report, err = b.coord.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 2, report.Received)
	assert.Equal(t, 2, report.Applied)

	row, err := b.store.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, ir.String("alice"), row.Values["username"])

	// b's cursor was read after applying, so the re-logged records are
	// not sent back.
	bVersion, err := b.store.CurrentVersion(ctx)
	require.NoError(t, err)
	bCursor, err := b.store.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, bVersion, bCursor)

	report, err = b.coord.Trigger(ctx)
	require.NoError(t, err)
	assert.True(t, report.Noop)
	assert.Equal(t, 0, hub.Pending(testutil.Site(1)))
}

func TestRound_BatchesPreserveOrder(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	sch := testutil.BlogSchema(t)
	hub := transport.NewHub()
	p := testPolicy()
	p.MaxBatchSize = 2
	a := newReplica(t, 1, sch, hub.Endpoint(testutil.Site(1)), clock, p)
	peer := hub.Endpoint(testutil.Site(9))

	for i := 1; i <= 5; i++ {
		insertUser(t, a.store, fmt.Sprintf("u%d", i), fmt.Sprintf("user%d", i))
	}
	report, err := a.coord.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Batches)
	assert.Equal(t, 5, report.Sent)

	batches, err := peer.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	var versions []uint64
	for _, b := range batches {
		assert.LessOrEqual(t, len(b.Records), 2)
		for _, r := range b.Records {
			versions = append(versions, r.DBVersion)
		}
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, versions)
}

type failing struct {
	transport.Transport
	err error
}

func (f failing) Send(context.Context, transport.Batch) ([]transport.Ack, error) {
	return nil, f.err
}

func TestRound_FailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	hub := transport.NewHub()
	down := errors.New("network unreachable")
	a := newReplica(t, 1, testutil.BlogSchema(t), failing{Transport: hub.Endpoint(testutil.Site(1)), err: down}, clock, testPolicy())

	insertUser(t, a.store, "u1", "alice")

	for i := 1; i <= DegradedAfter; i++ {
		_, err := a.coord.Trigger(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, down)
		var sre *SyncRoundError
		require.ErrorAs(t, err, &sre)
		assert.Equal(t, StepSend, sre.Step)

		st, err := a.coord.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), st.LastSyncVersion)
		assert.Equal(t, i, st.ConsecutiveFailures)
		assert.Equal(t, Active, st.State, "unsynced edits keep the replica active")
	}

	st, err := a.coord.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, st.Health)
	assert.Contains(t, st.LastError, "network unreachable")
}

// gate blocks Send until released.
type gate struct {
	transport.Transport
	entered chan struct{}
	release chan struct{}
}

func (g *gate) Send(ctx context.Context, b transport.Batch) ([]transport.Ack, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Transport.Send(ctx, b)
}

func TestTrigger_OverlapIsRejected(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	hub := transport.NewHub()
	g := &gate{Transport: hub.Endpoint(testutil.Site(1)), entered: make(chan struct{}), release: make(chan struct{})}
	a := newReplica(t, 1, testutil.BlogSchema(t), g, clock, testPolicy())
	insertUser(t, a.store, "u1", "alice")

	done := make(chan error, 1)
	go func() {
		_, err := a.coord.Trigger(ctx)
		done <- err
	}()
	<-g.entered

	_, err := a.coord.Trigger(ctx)
	assert.ErrorIs(t, err, ErrRoundInFlight)
	_, err = a.coord.TriggerScheduled(ctx)
	assert.ErrorIs(t, err, ErrRoundInFlight)
	_, err = a.coord.Compact(ctx)
	assert.ErrorIs(t, err, ErrRoundInFlight)

	st, err := a.coord.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Syncing, st.State)

	close(g.release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), a.tr.receives.Load())
}

func TestRound_LocalCommitDuringRoundIsNotSkipped(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	hub := transport.NewHub()
	g := &gate{Transport: hub.Endpoint(testutil.Site(1)), entered: make(chan struct{}), release: make(chan struct{})}
	a := newReplica(t, 1, testutil.BlogSchema(t), g, clock, testPolicy())
	peer := hub.Endpoint(testutil.Site(2))
	insertUser(t, a.store, "u1", "alice")

	done := make(chan error, 1)
	go func() {
		_, err := a.coord.Trigger(ctx)
		done <- err
	}()
	<-g.entered
	insertUser(t, a.store, "u2", "bob") // version 2, after the round read the log
	close(g.release)
	require.NoError(t, <-done)

	cursor, err := a.store.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cursor)

	st, err := a.coord.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Active, st.State, "an edit during the round leaves work pending")

	g.release = make(chan struct{})
	go func() {
		_, err := a.coord.Trigger(ctx)
		done <- err
	}()
	<-g.entered
	close(g.release)
	require.NoError(t, <-done)

	batches, err := peer.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "u2", batches[1].Records[0].PK)
}

func TestRound_DetectsConflicts(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	sch := testutil.BlogSchema(t)
	hub := transport.NewHub()
	a := newReplica(t, 1, sch, hub.Endpoint(testutil.Site(1)), clock, testPolicy())
	b := newReplica(t, 2, sch, hub.Endpoint(testutil.Site(2)), clock, testPolicy())

	insertUser(t, a.store, "ua", "x")
	insertUser(t, b.store, "ub", "x")

	_, err := a.coord.Trigger(ctx)
	require.NoError(t, err)
	report, err := b.coord.Trigger(ctx)
	require.NoError(t, err)

	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "username", report.Conflicts[0].Field)
	assert.Equal(t, []string{"ua", "ub"}, report.Conflicts[0].IDs)
}

func TestBackoff(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	p := testPolicy()
	p.MaxBackoff = time.Minute
	tr := failing{Transport: transport.NewHub().Endpoint(testutil.Site(1)), err: transport.ErrOffline}
	a := newReplica(t, 1, testutil.BlogSchema(t), tr, clock, p)
	insertUser(t, a.store, "u1", "alice")

	_, err := a.coord.TriggerScheduled(ctx)
	assert.True(t, IsSyncRoundError(err))

	_, err = a.coord.TriggerScheduled(ctx)
	assert.ErrorIs(t, err, ErrBackingOff)

	_, err = a.coord.Trigger(ctx)
	assert.True(t, IsSyncRoundError(err), "manual triggers ignore backoff")

	// Two failures: the next automatic attempt waits 10s.
	clock.Advance(9 * time.Second)
	_, err = a.coord.TriggerScheduled(ctx)
	assert.ErrorIs(t, err, ErrBackingOff)
	clock.Advance(2 * time.Second)
	_, err = a.coord.TriggerScheduled(ctx)
	assert.True(t, IsSyncRoundError(err))
}

func TestNew_RejectsInvalidPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.MaxBatchSize = 0
	p.RetentionDays = -1
	_, err := New(nil, nil, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max batch size")
	assert.Contains(t, err.Error(), "retention days")
}

func TestRun_StopsTimersOnCancel(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	hub := transport.NewHub()
	p := testPolicy()
	p.BatchInterval = 5 * time.Millisecond
	p.IdleCheckInterval = 5 * time.Millisecond
	p.Debounce = time.Millisecond
	p.ScheduledCleanupInterval = 5 * time.Millisecond
	a := newReplica(t, 1, testutil.BlogSchema(t), hub.Endpoint(testutil.Site(1)), clock, p)
	hub.Endpoint(testutil.Site(2))
	insertUser(t, a.store, "u1", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.coord.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.tr.receives.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	cursor, err := a.store.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cursor)
}

func TestRound_KeepsCursorWithoutAcks(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	hub := transport.NewHub()
	a := newReplica(t, 1, testutil.BlogSchema(t), hub.Endpoint(testutil.Site(1)), clock, testPolicy())
	insertUser(t, a.store, "u1", "alice")

	report, err := a.coord.Trigger(ctx)
	require.NoError(t, err)
	assert.False(t, report.Noop)
	assert.Equal(t, 1, report.Unacknowledged)
	assert.Equal(t, uint64(0), report.Cursor)
	cursor, err := a.store.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor, "nobody has the change yet")

	peer := hub.Endpoint(testutil.Site(2))
	report, err = a.coord.Trigger(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Unacknowledged)
	assert.Equal(t, uint64(1), report.Cursor)

	batches, err := peer.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "u1", batches[0].Records[0].PK)
}

// lossy fails its first Receive after collecting what the inner
// transport held.
type lossy struct {
	transport.Transport
	failed bool
}

func (l *lossy) Receive(ctx context.Context) ([]transport.Batch, error) {
	batches, err := l.Transport.Receive(ctx)
	if err != nil || l.failed {
		return batches, err
	}
	l.failed = true
	return batches, errors.New("second relay unreachable")
}

func TestRound_KeepsBatchesFromFailedReceive(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	sch := testutil.BlogSchema(t)
	hub := transport.NewHub()
	a := newReplica(t, 1, sch, hub.Endpoint(testutil.Site(1)), clock, testPolicy())
	b := newReplica(t, 2, sch, &lossy{Transport: hub.Endpoint(testutil.Site(2))}, clock, testPolicy())

	insertUser(t, a.store, "u1", "alice")
	_, err := a.coord.Trigger(ctx)
	require.NoError(t, err)

	_, err = b.coord.Trigger(ctx)
	var sre *SyncRoundError
	require.ErrorAs(t, err, &sre)
	assert.Equal(t, StepReceive, sre.Step)
	assert.Equal(t, 0, hub.Pending(testutil.Site(2)), "the hub handed the batch over")

	report, err := b.coord.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ReceivedBatches)
	row, err := b.store.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, ir.String("alice"), row.Values["username"])
}

// redelivering hands out every batch it received until it is committed.
type redelivering struct {
	transport.Transport
	queued    []transport.Batch
	committed []string
}

func (r *redelivering) Receive(ctx context.Context) ([]transport.Batch, error) {
	batches, err := r.Transport.Receive(ctx)
	if err != nil {
		return nil, err
	}
	r.queued = append(r.queued, batches...)
	return append([]transport.Batch(nil), r.queued...), nil
}

func (r *redelivering) Commit(_ context.Context, ids []string) error {
	r.committed = append(r.committed, ids...)
	r.queued = slices.DeleteFunc(r.queued, func(b transport.Batch) bool {
		return slices.Contains(ids, b.ID)
	})
	return nil
}

func TestRound_CommitsAppliedBatches(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	sch := testutil.BlogSchema(t)
	hub := transport.NewHub()
	a := newReplica(t, 1, sch, hub.Endpoint(testutil.Site(1)), clock, testPolicy())
	rd := &redelivering{Transport: hub.Endpoint(testutil.Site(2))}
	b := newReplica(t, 2, sch, rd, clock, testPolicy())

	insertUser(t, a.store, "u1", "alice")
	_, err := a.coord.Trigger(ctx)
	require.NoError(t, err)
	sent, err := a.store.ChangesSince(ctx, 0)
	require.NoError(t, err)
	want, err := transport.NewBatch(testutil.Site(1), sent)
	require.NoError(t, err)

	report, err := b.coord.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ReceivedBatches)
	assert.Equal(t, []string{want.ID}, rd.committed)
	assert.Empty(t, rd.queued)

	report, err = b.coord.Trigger(ctx)
	require.NoError(t, err)
	assert.True(t, report.Noop, "a committed batch is not delivered again")
}
