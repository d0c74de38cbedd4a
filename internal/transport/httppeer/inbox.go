package httppeer

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/transport"
)

// Inbox holds batches the server has acknowledged until the replica
// commits them. Put must not return before the batch is as durable as the
// inbox can make it: the server acks right after.
type Inbox interface {
	Put(ctx context.Context, b transport.Batch) error
	Pending(ctx context.Context) ([]transport.Batch, error)
	Remove(ctx context.Context, ids []string) error
}

// memoryInbox loses its batches on restart. Tests and throwaway replicas
// only.
type memoryInbox struct {
	mu      sync.Mutex
	batches []transport.Batch
}

func (m *memoryInbox) Put(_ context.Context, b transport.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.batches {
		if q.ID == b.ID {
			return nil
		}
	}
	m.batches = append(m.batches, b)
	return nil
}

func (m *memoryInbox) Pending(context.Context) ([]transport.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.batches), nil
}

func (m *memoryInbox) Remove(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = slices.DeleteFunc(m.batches, func(b transport.Batch) bool {
		return slices.Contains(ids, b.ID)
	})
	return nil
}

// StoreInbox keeps the inbox in the replica's own database.
type StoreInbox struct {
	store *store.Store
}

// NewStoreInbox returns an inbox backed by st.
func NewStoreInbox(st *store.Store) *StoreInbox {
	return &StoreInbox{store: st}
}

// Put implements Inbox.
func (i *StoreInbox) Put(ctx context.Context, b transport.Batch) error {
	return i.store.PutInbound(ctx, store.InboundBatch{ID: b.ID, Origin: b.Origin, Records: b.Records})
}

// Pending implements Inbox.
func (i *StoreInbox) Pending(ctx context.Context) ([]transport.Batch, error) {
	queued, err := i.store.InboundBatches(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]transport.Batch, len(queued))
	for n, q := range queued {
		out[n] = transport.Batch{ID: q.ID, Origin: q.Origin, Records: q.Records}
	}
	return out, nil
}

// Remove implements Inbox.
func (i *StoreInbox) Remove(ctx context.Context, ids []string) error {
	return i.store.RemoveInbound(ctx, ids...)
}
