// Package redisrelay exchanges batches through Redis lists.
//
// Every site owns one inbox list, <prefix>:inbox:<site>. Sending a batch
// appends it to the inbox of every known peer; receiving pops from the
// site's own inbox. Redis holds batches while the receiving replica is
// offline, which the HTTP transport cannot do.
package redisrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/transport"
)

const (
	defaultPrefix = "replica"
	defaultPop    = 64
)

// Lists is the subset of the Redis API the relay uses. *redis.Client
// satisfies it.
type Lists interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LPopCount(ctx context.Context, key string, count int) *redis.StringSliceCmd
}

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisrelay: ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// Relay is a transport.Transport backed by Redis lists.
type Relay struct {
	rdb    Lists
	site   ir.SiteID
	peers  []ir.SiteID
	prefix string
	pop    int
	logger *slog.Logger
}

var _ transport.Transport = (*Relay)(nil)

// Option configures a Relay.
type Option func(*Relay)

// WithPrefix sets the key prefix.
func WithPrefix(p string) Option {
	return func(r *Relay) { r.prefix = p }
}

// WithPopCount sets how many batches one LPOP call takes.
func WithPopCount(n int) Option {
	return func(r *Relay) { r.pop = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// New creates a relay for site that sends to peers.
func New(rdb Lists, site ir.SiteID, peers []ir.SiteID, opts ...Option) *Relay {
	r := &Relay{
		rdb:    rdb,
		site:   site,
		prefix: defaultPrefix,
		pop:    defaultPop,
		logger: slog.Default(),
	}
	for _, p := range peers {
		if p != site {
			r.peers = append(r.peers, p)
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InboxKey returns the list key holding batches for site.
func (r *Relay) InboxKey(site ir.SiteID) string {
	return r.prefix + ":inbox:" + site.String()
}

// Send appends b to every peer's inbox. The ack for a peer means the batch
// is held by Redis on its behalf.
func (r *Relay) Send(ctx context.Context, b transport.Batch) ([]transport.Ack, error) {
	if len(r.peers) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	var acks []transport.Ack
	var errs []error
	for _, p := range r.peers {
		if err := r.rdb.RPush(ctx, r.InboxKey(p), data).Err(); err != nil {
			errs = append(errs, fmt.Errorf("push to %s: %w", p.Short(), err))
			continue
		}
		acks = append(acks, transport.Ack{PeerID: p.String(), Version: b.MaxVersion()})
	}
	if len(acks) == 0 {
		errs = append(errs, transport.ErrOffline)
	}
	return acks, errors.Join(errs...)
}

// Receive drains this site's inbox. Entries that do not decode or verify
// are dropped with a warning; they would fail the same way on every retry.
func (r *Relay) Receive(ctx context.Context) ([]transport.Batch, error) {
	key := r.InboxKey(r.site)
	var out []transport.Batch
	for {
		vals, err := r.rdb.LPopCount(ctx, key, r.pop).Result()
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("pop %s: %w", key, err)
		}
		for _, v := range vals {
			var b transport.Batch
			if err := json.Unmarshal([]byte(v), &b); err != nil {
				r.logger.Warn("dropping undecodable batch", "key", key, "error", err)
				continue
			}
			if err := b.Verify(); err != nil {
				r.logger.Warn("dropping invalid batch", "key", key, "batch_id", b.ID, "error", err)
				continue
			}
			out = append(out, b)
		}
		if len(vals) < r.pop {
			return out, nil
		}
	}
}
