// Package transport moves batches of change records between replicas.
//
// A Transport is a dumb pipe: it has no opinion on ordering across peers
// or on merge semantics. Receivers may see a batch more than once; batch
// ids are content-addressed so duplicates can be dropped, and applying a
// duplicate is harmless anyway.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/replica/internal/ir"
)

// ErrOffline is returned by transports that cannot reach the network at
// all. A round that hits it fails and is retried later.
var ErrOffline = errors.New("transport offline")

// Transport sends local changes to peers and collects what peers sent.
type Transport interface {
	// Send delivers b to every reachable peer and returns one Ack per peer
	// that accepted it.
	Send(ctx context.Context, b Batch) ([]Ack, error)
	// Receive returns every batch delivered to this replica since the last
	// call, oldest first.
	Receive(ctx context.Context) ([]Batch, error)
}

// Committer is implemented by transports that keep a received batch
// queued until the receiver confirms it was applied. Until Commit removes
// it, Receive may return the same batch again.
type Committer interface {
	Commit(ctx context.Context, ids []string) error
}

// Batch is an ordered slice of one replica's change log.
type Batch struct {
	ID      string            `json:"id"`
	Origin  ir.SiteID         `json:"origin"`
	Records []ir.ChangeRecord `json:"records"`
}

// Ack says that PeerID has accepted every record of the sender's log up
// to and including Version: it is queued for the peer (in the peer's own
// store, in Redis, or in a Hub) or already applied.
type Ack struct {
	PeerID  string `json:"peer_id"`
	Version uint64 `json:"version"`
}

// NewBatch builds a batch and computes its id.
func NewBatch(origin ir.SiteID, records []ir.ChangeRecord) (Batch, error) {
	id, err := ir.BatchID(origin, records)
	if err != nil {
		return Batch{}, err
	}
	return Batch{ID: id, Origin: origin, Records: records}, nil
}

// MaxVersion returns the highest db_version in the batch.
func (b Batch) MaxVersion() uint64 {
	var v uint64
	for _, r := range b.Records {
		v = max(v, r.DBVersion)
	}
	return v
}

// Verify checks that the id matches the content.
func (b Batch) Verify() error {
	if b.Origin.IsZero() {
		return errors.New("batch has no origin")
	}
	id, err := ir.BatchID(b.Origin, b.Records)
	if err != nil {
		return err
	}
	if id != b.ID {
		return fmt.Errorf("batch id mismatch: got %s, content hashes to %s", b.ID, id)
	}
	return nil
}

// Fanout combines transports: Send goes to all of them, Receive merges
// their inboxes. A Send error from one transport does not stop the others;
// the errors are joined.
func Fanout(ts ...Transport) Transport {
	if len(ts) == 1 {
		return ts[0]
	}
	return fanout(ts)
}

type fanout []Transport

func (f fanout) Send(ctx context.Context, b Batch) ([]Ack, error) {
	var acks []Ack
	var errs []error
	for _, t := range f {
		a, err := t.Send(ctx, b)
		acks = append(acks, a...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return acks, errors.Join(errs...)
}

func (f fanout) Receive(ctx context.Context) ([]Batch, error) {
	var batches []Batch
	var errs []error
	for _, t := range f {
		b, err := t.Receive(ctx)
		batches = append(batches, b...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return batches, errors.Join(errs...)
}

// Commit forwards to every member that is a Committer.
func (f fanout) Commit(ctx context.Context, ids []string) error {
	var errs []error
	for _, t := range f {
		if c, ok := t.(Committer); ok {
			if err := c.Commit(ctx, ids); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
