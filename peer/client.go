// Package peer sends task envelopes to other agents over HTTP.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rtreit/stockripperv2/a2a"
)

const (
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 10 * time.Second
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultPollInterval   = 250 * time.Millisecond

	// maxResponseBytes bounds how much of a peer response is read.
	maxResponseBytes = 4 << 20
)

// Config configures a Client.
type Config struct {
	// Self and SelfURL identify the local agent. Matching peers are dropped
	// from the peer map.
	Self    string
	SelfURL string
	// Peers maps peer names to base URLs.
	Peers map[string]string

	MaxAttempts    int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to peer agents.
type Client struct {
	self   string
	peers  map[string]string
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// Reply is a peer's answer to a submitted envelope.
type Reply struct {
	ID     string
	Status a2a.TaskStatus
	// Record is set when the peer answered with the full task record, as it
	// does for sync actions and replays.
	Record *a2a.TaskRecord
	Replay bool
}

// New returns a Client for the given peer map.
func New(cfg Config, opts ...Option) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	c := &Client{
		self:   cfg.Self,
		peers:  make(map[string]string, len(cfg.Peers)),
		cfg:    cfg,
		http:   &http.Client{},
		logger: zap.NewNop(),
	}
	selfURL := strings.TrimRight(cfg.SelfURL, "/")
	for name, base := range cfg.Peers {
		base = strings.TrimRight(base, "/")
		if name == cfg.Self || (selfURL != "" && base == selfURL) {
			continue
		}
		c.peers[name] = base
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Peers returns the names of the known peers, sorted.
func (c *Client) Peers() []string {
	names := make([]string, 0, len(c.peers))
	for name := range c.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// URL returns the base URL of a peer.
func (c *Client) URL(peer string) (string, error) {
	base, ok := c.peers[peer]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPeer, peer)
	}
	return base, nil
}

// Send builds an envelope for action and submits it to peer. The envelope
// id is generated once and reused by every retry, so a retried submission
// is answered as a replay rather than run twice. An empty correlationID is
// taken from ctx.
func (c *Client) Send(ctx context.Context, peer, action string, payload any, correlationID string) (*Reply, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload for %s/%s: %w", peer, action, err)
	}
	if correlationID == "" {
		correlationID = a2a.CorrelationID(ctx)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	env := a2a.NewEnvelope(c.self, peer, action, raw, correlationID)
	return c.SendEnvelope(ctx, peer, env)
}

// SendEnvelope submits a prepared envelope to peer.
func (c *Client) SendEnvelope(ctx context.Context, peer string, env a2a.Envelope) (*Reply, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	resp, err := c.do(ctx, peer, http.MethodPost, "/a2a/tasks", body, env.CorrelationID)
	if err != nil {
		return nil, err
	}

	reply := &Reply{ID: env.ID, Replay: resp.header.Get(a2a.ReplayHeader) == "true"}
	var rec a2a.TaskRecord
	if err := json.Unmarshal(resp.body, &rec); err == nil && rec.Envelope.ID != "" {
		reply.Status = rec.Status
		reply.Record = &rec
		return reply, nil
	}
	var ack a2a.Ack
	if err := json.Unmarshal(resp.body, &ack); err != nil {
		return nil, fmt.Errorf("decoding reply from %q: %w", peer, err)
	}
	reply.Status = ack.Status
	return reply, nil
}

// Get fetches a task record from peer.
func (c *Client) Get(ctx context.Context, peer, id string) (a2a.TaskRecord, error) {
	var rec a2a.TaskRecord
	resp, err := c.do(ctx, peer, http.MethodGet, "/a2a/tasks/"+url.PathEscape(id), nil, a2a.CorrelationID(ctx))
	if err != nil {
		var rejected *PeerRejectedError
		if errors.As(err, &rejected) && rejected.Code == http.StatusNotFound {
			return rec, fmt.Errorf("%w: %s on %s", a2a.ErrTaskNotFound, id, peer)
		}
		return rec, err
	}
	if err := json.Unmarshal(resp.body, &rec); err != nil {
		return rec, fmt.Errorf("decoding task record from %q: %w", peer, err)
	}
	return rec, nil
}

// Wait polls peer every interval until task id is terminal or ctx is done.
func (c *Client) Wait(ctx context.Context, peer, id string, interval time.Duration) (a2a.TaskRecord, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rec, err := c.Get(ctx, peer, id)
		if err != nil {
			return rec, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Card fetches the peer's agent card.
func (c *Client) Card(ctx context.Context, peer string) (a2a.AgentCard, error) {
	var card a2a.AgentCard
	resp, err := c.do(ctx, peer, http.MethodGet, "/.well-known/agent.json", nil, a2a.CorrelationID(ctx))
	if err != nil {
		return card, err
	}
	if err := json.Unmarshal(resp.body, &card); err != nil {
		return card, fmt.Errorf("decoding agent card from %q: %w", peer, err)
	}
	return card, nil
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do performs one logical request with retries. Connection errors,
// timeouts and 5xx answers are retried with exponential backoff; 4xx
// answers are returned at once as *PeerRejectedError.
func (c *Client) do(ctx context.Context, peer, method, path string, body []byte, correlationID string) (response, error) {
	base, err := c.URL(peer)
	if err != nil {
		return response{}, err
	}
	target := base + path

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	op := func() (response, error) {
		attempts++
		resp, err := c.attempt(ctx, method, target, body, correlationID)
		if err != nil {
			return resp, err
		}
		switch {
		case resp.status >= 500:
			return resp, fmt.Errorf("%s %s: status %d", method, target, resp.status)
		case resp.status >= 400:
			return resp, backoff.Permanent(&PeerRejectedError{Peer: peer, Code: resp.status, Body: string(resp.body)})
		}
		return resp, nil
	}
	notify := func(err error, delay time.Duration) {
		c.logger.Warn("peer request failed, retrying",
			zap.String("peer", peer),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
	}

	resp, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil {
		var rejected *PeerRejectedError
		if errors.As(err, &rejected) {
			return resp, rejected
		}
		return resp, &PeerUnreachableError{Peer: peer, Attempts: attempts, Err: err}
	}
	c.logger.Debug("peer request completed",
		zap.String("peer", peer),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.status),
		zap.Int("attempts", attempts),
	)
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, method, target string, body []byte, correlationID string) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return response{}, backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if correlationID != "" {
		req.Header.Set(a2a.CorrelationHeader, correlationID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return response{}, fmt.Errorf("reading response: %w", err)
	}
	return response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v, nil
	case []byte:
		return encodePayload(json.RawMessage(v))
	default:
		return json.Marshal(v)
	}
}
