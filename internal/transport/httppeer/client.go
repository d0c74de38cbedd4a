package httppeer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/replica/internal/transport"
)

// PushError reports a peer that did not accept a batch.
type PushError struct {
	Peer   string
	Status int
	Err    error
}

func (e *PushError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("push to %s: status %d: %v", e.Peer, e.Status, e.Err)
	}
	return fmt.Sprintf("push to %s: %v", e.Peer, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

// Client pushes batches to peers.
type Client struct {
	peers  []string
	signer *Signer
	http   *http.Client
	logger *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client pushing to the given peer base URLs.
func NewClient(peers []string, signer *Signer, opts ...ClientOption) *Client {
	c := &Client{
		signer: signer,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, p := range peers {
		c.peers = append(c.peers, strings.TrimRight(p, "/"))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send pushes b to every peer. Acks from the peers that accepted are
// returned even when others failed; the error then lists every failure.
func (c *Client) Send(ctx context.Context, b transport.Batch) ([]transport.Ack, error) {
	if len(c.peers) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	token, err := c.signer.Sign()
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	var acks []transport.Ack
	var errs []error
	for _, peer := range c.peers {
		ack, err := c.push(ctx, peer, token, body)
		if err != nil {
			c.logger.Debug("push failed", "peer", peer, "batch_id", b.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		acks = append(acks, ack)
	}
	if len(acks) == 0 && len(errs) > 0 {
		errs = append(errs, transport.ErrOffline)
	}
	return acks, errors.Join(errs...)
}

func (c *Client) push(ctx context.Context, peer, token string, body []byte) (transport.Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer+"/v1/batches", bytes.NewReader(body))
	if err != nil {
		return transport.Ack{}, &PushError{Peer: peer, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return transport.Ack{}, &PushError{Peer: peer, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return transport.Ack{}, &PushError{Peer: peer, Status: resp.StatusCode, Err: errors.New(e.Error)}
	}

	var ack transport.Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return transport.Ack{}, &PushError{Peer: peer, Status: resp.StatusCode, Err: fmt.Errorf("decode ack: %w", err)}
	}
	return ack, nil
}

// Transport joins a local Server with a Client into a transport.Transport.
type Transport struct {
	Server *Server
	Client *Client
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Committer = (*Transport)(nil)
)

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, b transport.Batch) ([]transport.Ack, error) {
	return t.Client.Send(ctx, b)
}

// Receive implements transport.Transport.
func (t *Transport) Receive(ctx context.Context) ([]transport.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.Server.Receive(ctx)
}

// Commit implements transport.Committer.
func (t *Transport) Commit(ctx context.Context, ids []string) error {
	return t.Server.Commit(ctx, ids)
}
