package redisrelay

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/testutil"
	"github.com/roach88/replica/internal/transport"
)

// lists is an in-memory stand-in for the Redis list commands.
type lists struct {
	data map[string][]string
	down bool
}

func newLists() *lists { return &lists{data: make(map[string][]string)} }

func (l *lists) RPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	if l.down {
		return redis.NewIntResult(0, errors.New("connection refused"))
	}
	for _, v := range values {
		switch v := v.(type) {
		case []byte:
			l.data[key] = append(l.data[key], string(v))
		case string:
			l.data[key] = append(l.data[key], v)
		default:
			panic(fmt.Sprintf("unexpected %T", v))
		}
	}
	return redis.NewIntResult(int64(len(l.data[key])), nil)
}

func (l *lists) LPopCount(_ context.Context, key string, count int) *redis.StringSliceCmd {
	if l.down {
		return redis.NewStringSliceResult(nil, errors.New("connection refused"))
	}
	q := l.data[key]
	if len(q) == 0 {
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
	n := min(count, len(q))
	out := q[:n:n]
	l.data[key] = q[n:]
	return redis.NewStringSliceResult(out, nil)
}

func batch(t *testing.T, origin ir.SiteID, seq uint64) transport.Batch {
	t.Helper()
	b, err := transport.NewBatch(origin, []ir.ChangeRecord{{
		Table:        "posts",
		PK:           "p1",
		Column:       "title",
		Value:        ir.String("hello"),
		ColVersion:   1,
		DBVersion:    seq,
		SiteID:       origin,
		CausalLength: 1,
		Seq:          seq,
	}})
	require.NoError(t, err)
	return b
}

func TestRelay_SendReceive(t *testing.T) {
	ctx := context.Background()
	l := newLists()
	sites := []ir.SiteID{testutil.Site(1), testutil.Site(2), testutil.Site(3)}
	a := New(l, sites[0], sites, WithPrefix("test"))
	b := New(l, sites[1], sites, WithPrefix("test"))

	assert.Equal(t, "test:inbox:"+sites[1].String(), a.InboxKey(sites[1]))

	sent := batch(t, sites[0], 4)
	acks, err := a.Send(ctx, sent)
	require.NoError(t, err)
	assert.Equal(t, []transport.Ack{
		{PeerID: sites[1].String(), Version: 4},
		{PeerID: sites[2].String(), Version: 4},
	}, acks, "no ack for the sender itself")
	assert.Empty(t, l.data[a.InboxKey(sites[0])])

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, sent.ID, got[0].ID)
	assert.Equal(t, sent.Records, got[0].Records)

	got, err = b.Receive(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Len(t, l.data[a.InboxKey(sites[2])], 1, "the offline peer's copy waits in Redis")
}

func TestRelay_ReceiveDrainsInChunks(t *testing.T) {
	ctx := context.Background()
	l := newLists()
	sites := []ir.SiteID{testutil.Site(1), testutil.Site(2)}
	a := New(l, sites[0], sites)
	b := New(l, sites[1], sites, WithPopCount(2))

	for seq := uint64(1); seq <= 5; seq++ {
		_, err := a.Send(ctx, batch(t, sites[0], seq))
		require.NoError(t, err)
	}

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, g := range got {
		assert.Equal(t, uint64(i+1), g.MaxVersion(), "oldest first")
	}
}

func TestRelay_DropsInvalidEntries(t *testing.T) {
	ctx := context.Background()
	l := newLists()
	sites := []ir.SiteID{testutil.Site(1), testutil.Site(2)}
	b := New(l, sites[1], sites)
	key := b.InboxKey(sites[1])

	forged := batch(t, sites[0], 1)
	forged.ID = "forged"
	l.RPush(ctx, key, "not json")
	a := New(l, sites[0], sites)
	_, err := a.Send(ctx, forged)
	require.NoError(t, err)
	good := batch(t, sites[0], 2)
	_, err = a.Send(ctx, good)
	require.NoError(t, err)

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, good.ID, got[0].ID)
}

func TestRelay_Down(t *testing.T) {
	ctx := context.Background()
	l := newLists()
	l.down = true
	sites := []ir.SiteID{testutil.Site(1), testutil.Site(2)}
	a := New(l, sites[0], sites)

	acks, err := a.Send(ctx, batch(t, sites[0], 1))
	assert.Empty(t, acks)
	assert.ErrorIs(t, err, transport.ErrOffline)

	_, err = a.Receive(ctx)
	assert.Error(t, err)
}

func TestRelay_NoPeers(t *testing.T) {
	a := New(newLists(), testutil.Site(1), []ir.SiteID{testutil.Site(1)})
	acks, err := a.Send(context.Background(), batch(t, testutil.Site(1), 1))
	require.NoError(t, err)
	assert.Empty(t, acks)
}
