// Package httppeer carries batches between replicas over HTTP.
//
// Each replica runs a Server that accepts pushed batches into an inbox,
// and a Client that pushes its own batches to every configured peer.
// Pushes are authenticated with HS256 bearer tokens derived from a shared
// secret, rate limited per sending site, and deduplicated by batch id.
//
// A push is acknowledged only once the batch is in the inbox. With a
// StoreInbox that means it is on disk, and it stays there until the
// replica commits it after applying.
package httppeer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/transport"
)

const (
	defaultMaxBody  = 32 << 20
	defaultDedupTTL = 30 * time.Minute
	defaultRate     = 5
	defaultBurst    = 20
)

// Inbound batch results, used as the metrics label.
const (
	resultAccepted    = "accepted"
	resultDuplicate   = "duplicate"
	resultRejected    = "rejected"
	resultRateLimited = "rate_limited"
)

// Server accepts batches pushed by peers.
//
// Thread-safety: safe for concurrent use.
type Server struct {
	site     ir.SiteID
	signer   *Signer
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	maxBody  int64

	seen *gocache.Cache

	limitMu sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[ir.SiteID]*rate.Limiter

	inbox Inbox
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// WithRateLimit allows each peer perSecond pushes with the given burst.
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		s.limit = rate.Limit(perSecond)
		s.burst = burst
	}
}

// WithDedupTTL sets how long a batch id is remembered.
func WithDedupTTL(ttl time.Duration) ServerOption {
	return func(s *Server) { s.seen = gocache.New(ttl, ttl) }
}

// WithInbox replaces the default in-memory inbox.
func WithInbox(in Inbox) ServerOption {
	return func(s *Server) { s.inbox = in }
}

// WithMaxBody caps the request body size in bytes.
func WithMaxBody(n int64) ServerOption {
	return func(s *Server) { s.maxBody = n }
}

// NewServer creates the receiving side for site.
func NewServer(site ir.SiteID, signer *Signer, opts ...ServerOption) *Server {
	s := &Server{
		site:    site,
		signer:  signer,
		logger:  slog.Default(),
		maxBody: defaultMaxBody,
		seen:    gocache.New(defaultDedupTTL, defaultDedupTTL),
		limit:   defaultRate,
		burst:   defaultBurst,
		buckets: make(map[ir.SiteID]*rate.Limiter),
		inbox:   &memoryInbox{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/batches", s.handlePush)
	})
	return r
}

// Receive returns the batches in the inbox, oldest first. They stay there
// until Commit.
func (s *Server) Receive(ctx context.Context) ([]transport.Batch, error) {
	batches, err := s.inbox.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	return batches, nil
}

// Commit removes applied batches from the inbox.
func (s *Server) Commit(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.inbox.Remove(ctx, ids); err != nil {
		return fmt.Errorf("commit inbox: %w", err)
	}
	return nil
}

// Pending returns the number of batches waiting in the inbox.
func (s *Server) Pending(ctx context.Context) (int, error) {
	batches, err := s.inbox.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(batches), nil
}

type ctxKey struct{}

func withPeer(r *http.Request, site ir.SiteID) context.Context {
	return context.WithValue(r.Context(), ctxKey{}, site)
}

func peerFrom(r *http.Request) ir.SiteID {
	site, _ := r.Context().Value(ctxKey{}).(ir.SiteID)
	return site
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		site, err := s.signer.Verify(raw)
		if err != nil {
			s.logger.Debug("rejected peer token", "error", err, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if wait, ok := s.allow(site); !ok {
			metrics.InboundBatches.WithLabelValues(resultRateLimited).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPeer(r, site)))
	})
}

func (s *Server) allow(site ir.SiteID) (time.Duration, bool) {
	s.limitMu.Lock()
	l, ok := s.buckets[site]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.buckets[site] = l
	}
	s.limitMu.Unlock()

	res := l.Reserve()
	if !res.OK() {
		return time.Second, false
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return d, false
	}
	return 0, true
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var b transport.Batch
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		metrics.InboundBatches.WithLabelValues(resultRejected).Inc()
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "batch too large")
			return
		}
		writeError(w, http.StatusBadRequest, "malformed batch")
		return
	}
	if err := b.Verify(); err != nil {
		metrics.InboundBatches.WithLabelValues(resultRejected).Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	peer := peerFrom(r)
	if b.Origin != peer {
		metrics.InboundBatches.WithLabelValues(resultRejected).Inc()
		writeError(w, http.StatusForbidden, "batch origin does not match token")
		return
	}

	ack := transport.Ack{PeerID: s.site.String(), Version: b.MaxVersion()}
	if _, dup := s.seen.Get(b.ID); dup {
		metrics.InboundBatches.WithLabelValues(resultDuplicate).Inc()
		writeJSON(w, http.StatusOK, ack)
		return
	}

	if err := s.inbox.Put(r.Context(), b); err != nil {
		s.logger.Error("failed to queue batch", "batch_id", b.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "inbox unavailable")
		return
	}
	s.seen.Set(b.ID, struct{}{}, gocache.DefaultExpiration)
	metrics.InboundBatches.WithLabelValues(resultAccepted).Inc()

	s.logger.Debug("batch received",
		"batch_id", b.ID,
		"origin", b.Origin.Short(),
		"records", len(b.Records))
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, err := s.Pending(r.Context())
	if err != nil {
		s.logger.Error("health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "inbox unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"site_id": s.site.String(),
		"pending": pending,
		"format":  ir.FormatVersion,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
