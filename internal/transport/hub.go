package transport

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/replica/internal/ir"
)

// Hub connects in-process replicas. Every batch sent by one endpoint is
// queued in the inbox of every other endpoint, online or not, and the hub
// acknowledges it on the receiver's behalf.
//
// Thread-safety: safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	sites   []ir.SiteID
	inboxes map[ir.SiteID][]Batch
	offline map[ir.SiteID]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		inboxes: make(map[ir.SiteID][]Batch),
		offline: make(map[ir.SiteID]bool),
	}
}

// Endpoint attaches site to the hub and returns its transport.
func (h *Hub) Endpoint(site ir.SiteID) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.inboxes[site]; !ok {
		h.sites = append(h.sites, site)
		h.inboxes[site] = nil
	}
	return &Endpoint{hub: h, site: site}
}

// SetOffline disconnects or reconnects site. An offline site can neither
// send nor receive; batches sent to it wait in its inbox until it is back.
func (h *Hub) SetOffline(site ir.SiteID, offline bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offline[site] = offline
}

// Pending returns the number of batches queued for site.
func (h *Hub) Pending(site ir.SiteID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inboxes[site])
}

// Endpoint is one replica's view of a Hub.
type Endpoint struct {
	hub  *Hub
	site ir.SiteID
}

var _ Transport = (*Endpoint)(nil)

// Send queues b for every other site. Deliveries of a batch id already
// pending in an inbox are acknowledged but not queued twice.
func (e *Endpoint) Send(ctx context.Context, b Batch) ([]Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offline[e.site] {
		return nil, ErrOffline
	}

	var acks []Ack
	for _, peer := range h.sites {
		if peer == e.site {
			continue
		}
		pending := h.inboxes[peer]
		if !slices.ContainsFunc(pending, func(q Batch) bool { return q.ID == b.ID }) {
			h.inboxes[peer] = append(pending, Batch{
				ID:      b.ID,
				Origin:  b.Origin,
				Records: slices.Clone(b.Records),
			})
		}
		acks = append(acks, Ack{PeerID: peer.String(), Version: b.MaxVersion()})
	}
	return acks, nil
}

// Receive drains the endpoint's inbox.
func (e *Endpoint) Receive(ctx context.Context) ([]Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offline[e.site] {
		return nil, ErrOffline
	}
	batches := h.inboxes[e.site]
	h.inboxes[e.site] = nil
	return batches, nil
}

// Site returns the endpoint's site id.
func (e *Endpoint) Site() ir.SiteID {
	return e.site
}
