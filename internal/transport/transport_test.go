package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
)

func site(b byte) ir.SiteID {
	var s ir.SiteID
	for i := range s {
		s[i] = b
	}
	return s
}

func records(origin ir.SiteID, versions ...uint64) []ir.ChangeRecord {
	out := make([]ir.ChangeRecord, len(versions))
	for i, v := range versions {
		out[i] = ir.ChangeRecord{
			Table:        "users",
			PK:           "u1",
			Column:       "name",
			Value:        ir.String("x"),
			ColVersion:   v,
			DBVersion:    v,
			SiteID:       origin,
			CausalLength: 1,
			Seq:          v,
		}
	}
	return out
}

func TestNewBatch(t *testing.T) {
	a := site(1)
	b1, err := NewBatch(a, records(a, 1, 2, 3))
	require.NoError(t, err)
	b2, err := NewBatch(a, records(a, 1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, b1.ID, b2.ID, "same content, same id")
	assert.Len(t, b1.ID, 64)
	assert.Equal(t, uint64(3), b1.MaxVersion())
	require.NoError(t, b1.Verify())

	b3, err := NewBatch(a, records(a, 1, 2))
	require.NoError(t, err)
	assert.NotEqual(t, b1.ID, b3.ID)

	tampered := b1
	tampered.Records = records(a, 1, 2)
	assert.Error(t, tampered.Verify())

	assert.Error(t, Batch{ID: b1.ID, Records: b1.Records}.Verify())
}

func TestHub_FanOut(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b, c := hub.Endpoint(site(1)), hub.Endpoint(site(2)), hub.Endpoint(site(3))

	batch, err := NewBatch(a.Site(), records(a.Site(), 1, 2))
	require.NoError(t, err)
	acks, err := a.Send(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, []Ack{
		{PeerID: site(2).String(), Version: 2},
		{PeerID: site(3).String(), Version: 2},
	}, acks)

	// Resending the same batch does not duplicate it.
	_, err = a.Send(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Pending(site(2)))

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, batch, got[0])

	got, err = b.Receive(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "receive drains the inbox")

	mine, err := a.Receive(ctx)
	require.NoError(t, err)
	assert.Empty(t, mine, "senders do not receive their own batches")

	_, err = c.Receive(ctx)
	require.NoError(t, err)
}

func TestHub_Offline(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Endpoint(site(1)), hub.Endpoint(site(2))
	batch, err := NewBatch(a.Site(), records(a.Site(), 1))
	require.NoError(t, err)

	hub.SetOffline(site(2), true)
	acks, err := a.Send(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, []Ack{{PeerID: site(2).String(), Version: 1}}, acks, "the hub holds the batch for b")
	_, err = b.Receive(ctx)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, 1, hub.Pending(site(2)))

	hub.SetOffline(site(2), false)
	got, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1, "batches sent while offline are delivered on reconnect")
	assert.Equal(t, batch.ID, got[0].ID)

	hub.SetOffline(site(1), true)
	_, err = a.Send(ctx, batch)
	assert.ErrorIs(t, err, ErrOffline)
}

type failing struct{ err error }

func (f failing) Send(context.Context, Batch) ([]Ack, error) { return nil, f.err }
func (f failing) Receive(context.Context) ([]Batch, error)   { return nil, f.err }

func TestFanout(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Endpoint(site(1)), hub.Endpoint(site(2))
	boom := errors.New("boom")

	tr := Fanout(a, failing{err: boom})
	batch, err := NewBatch(a.Site(), records(a.Site(), 1))
	require.NoError(t, err)

	acks, err := tr.Send(ctx, batch)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, acks, 1, "healthy transports still deliver")

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	assert.Same(t, a, Fanout(a))
}

type committing struct {
	Transport
	committed []string
}

func (c *committing) Commit(_ context.Context, ids []string) error {
	c.committed = append(c.committed, ids...)
	return nil
}

func TestFanout_Commit(t *testing.T) {
	hub := NewHub()
	c := &committing{Transport: hub.Endpoint(site(1))}
	tr := Fanout(c, hub.Endpoint(site(2)))

	committer, ok := tr.(Committer)
	require.True(t, ok)
	require.NoError(t, committer.Commit(context.Background(), []string{"b1", "b2"}))
	assert.Equal(t, []string{"b1", "b2"}, c.committed, "only members that queue batches are told")
}
