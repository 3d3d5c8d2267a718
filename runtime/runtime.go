// Package runtime composes the tool servers, the task server and the peer
// client into one running agent.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rtreit/stockripperv2/a2a"
	"github.com/rtreit/stockripperv2/config"
	"github.com/rtreit/stockripperv2/peer"
	"github.com/rtreit/stockripperv2/server"
	"github.com/rtreit/stockripperv2/toolproc"
	"github.com/rtreit/stockripperv2/tools"
)

const (
	toolStopTimeout = 5 * time.Second
	httpStopTimeout = 5 * time.Second
)

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the root logger. Components log through named children.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithOnReady registers a callback invoked once the agent is ready.
func WithOnReady(fn func(card a2a.AgentCard)) Option {
	return func(r *Runtime) { r.onReady = fn }
}

// WithPeerOptions passes options to the peer client.
func WithPeerOptions(opts ...peer.Option) Option {
	return func(r *Runtime) { r.peerOpts = append(r.peerOpts, opts...) }
}

// Runtime is one agent process: HTTP task server, tool servers and peers.
type Runtime struct {
	cfg      *config.Config
	handler  TaskHandler
	logger   *zap.Logger
	onReady  func(a2a.AgentCard)
	peerOpts []peer.Option

	server *server.Server
	procs  []*toolproc.Process
	peers  *peer.Client
	tools  *tools.Client

	ready chan struct{}
}

// New validates cfg and wires the components. Nothing is started until Run.
func New(cfg *config.Config, handler TaskHandler, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if handler == nil {
		return nil, errors.New("task handler is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := &Runtime{
		cfg:     cfg,
		handler: handler,
		logger:  zap.NewNop(),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("agent", cfg.Name))

	r.procs = newProcesses(cfg, r.logger.Named("toolproc"))
	r.peers = peer.New(peer.Config{
		Self:           cfg.Name,
		SelfURL:        cfg.URL(),
		Peers:          cfg.Peers,
		MaxAttempts:    cfg.Peer.MaxAttempts,
		AttemptTimeout: cfg.Peer.AttemptTimeout,
		InitialBackoff: cfg.Peer.InitialBackoff,
		MaxBackoff:     cfg.Peer.MaxBackoff,
	}, append([]peer.Option{peer.WithLogger(r.logger.Named("peer"))}, r.peerOpts...)...)

	actions := make(map[string]server.Mode, len(cfg.Actions))
	for name := range cfg.Actions {
		actions[name] = server.Mode(cfg.ActionMode(name))
	}
	r.server = server.New(server.Config{
		Name:         cfg.Name,
		Addr:         cfg.Listen,
		Actions:      actions,
		TaskTimeout:  cfg.Server.TaskTimeout,
		SyncTimeout:  cfg.Server.SyncTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}, r.execute, r.logger.Named("server"))
	r.server.SetToolStatus(r.ToolStatus)
	return r, nil
}

func newProcesses(cfg *config.Config, logger *zap.Logger) []*toolproc.Process {
	procs := make([]*toolproc.Process, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		procs = append(procs, toolproc.New(toolproc.Descriptor{
			Name:             t.Name,
			Command:          t.Command,
			Args:             t.Args,
			Env:              t.Env,
			Dir:              t.Dir,
			CallTimeout:      t.CallTimeout,
			HandshakeTimeout: t.HandshakeTimeout,
			Serialize:        t.Serialize,
		},
			toolproc.WithLogger(logger),
			toolproc.WithStopTimeout(toolStopTimeout),
			toolproc.WithRestartPolicy(toolproc.RestartPolicy{Initial: cfg.Restart.Initial, Max: cfg.Restart.Max}),
		))
	}
	return procs
}

// Run binds the listener, starts every tool server, publishes the agent
// card and serves until ctx is done. Bind, spawn and handshake failures are
// returned; after startup Run returns nil once shutdown completes.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.server.Listen(); err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- r.server.Serve() }()
	r.logger.Info("listening", zap.String("addr", r.server.Addr().String()))

	registry, err := r.startTools(ctx)
	if err != nil {
		r.stopTools()
		r.stopHTTP()
		return err
	}
	r.tools = tools.NewClient(registry, r.logger.Named("tools"))

	card := r.buildCard(registry)
	r.server.SetAgentCard(card)
	r.server.SetReady(true)
	close(r.ready)
	r.logger.Info("agent ready",
		zap.String("url", card.URL),
		zap.Int("capabilities", len(card.Capabilities)),
		zap.Strings("peers", r.peers.Peers()),
	)
	if r.onReady != nil {
		r.onReady(card)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			r.logger.Error("http server failed", zap.Error(err))
		}
	}
	r.shutdown()
	return nil
}

// Ready is closed once every tool server has completed its handshake and
// the agent card is published.
func (r *Runtime) Ready() <-chan struct{} { return r.ready }

// Addr returns the bound HTTP address, or nil before Run binds.
func (r *Runtime) Addr() net.Addr { return r.server.Addr() }

// Server returns the task server.
func (r *Runtime) Server() *server.Server { return r.server }

// Peers returns the peer client.
func (r *Runtime) Peers() *peer.Client { return r.peers }

// ToolStatus reports every tool server's state.
func (r *Runtime) ToolStatus() []toolproc.Status {
	out := make([]toolproc.Status, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p.Status())
	}
	return out
}

func (r *Runtime) startTools(ctx context.Context) (*tools.Registry, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.procs {
		g.Go(func() error { return p.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	servers := make([]tools.Server, 0, len(r.procs))
	for _, p := range r.procs {
		servers = append(servers, p)
	}
	registry, err := tools.NewRegistry(servers...)
	if err != nil {
		return nil, fmt.Errorf("building capability registry: %w", err)
	}
	return registry, nil
}

func (r *Runtime) buildCard(registry *tools.Registry) a2a.AgentCard {
	card := registry.ToAgentCard(r.cfg.Name, r.advertisedURL(), r.cfg.Version)
	card.Description = r.cfg.Description

	names := make([]string, 0, len(r.cfg.Actions))
	for name := range r.cfg.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		card.Actions = append(card.Actions, a2a.ActionInfo{
			Name:        name,
			Description: r.cfg.Actions[name].Description,
			Mode:        r.cfg.ActionMode(name),
		})
	}
	return card
}

// advertisedURL prefers the configured public URL, then the bound address.
func (r *Runtime) advertisedURL() string {
	if r.cfg.PublicURL != "" {
		return strings.TrimRight(r.cfg.PublicURL, "/")
	}
	addr := r.server.Addr()
	if addr == nil {
		return r.cfg.URL()
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return r.cfg.URL()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// shutdown drains tasks, stops the tool servers and then the HTTP server,
// in that order, so in-flight tasks can still reach their tools.
func (r *Runtime) shutdown() {
	r.logger.Info("shutting down", zap.Duration("grace", r.cfg.Server.ShutdownGrace))

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Server.ShutdownGrace)
	cancelled := r.server.Drain(ctx)
	cancel()
	if cancelled > 0 {
		r.logger.Warn("tasks cancelled at shutdown", zap.Int("tasks", cancelled))
	}

	r.stopTools()
	r.stopHTTP()
	r.logger.Info("shutdown complete")
}

func (r *Runtime) stopTools() {
	ctx, cancel := context.WithTimeout(context.Background(), toolStopTimeout+time.Second)
	defer cancel()
	var g errgroup.Group
	for _, p := range r.procs {
		g.Go(func() error { return p.Stop(ctx) })
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("stopping tool servers", zap.Error(err))
	}
}

func (r *Runtime) stopHTTP() {
	ctx, cancel := context.WithTimeout(context.Background(), httpStopTimeout)
	defer cancel()
	if err := r.server.Shutdown(ctx); err != nil {
		r.logger.Warn("http shutdown", zap.Error(err))
	}
}

func (r *Runtime) execute(ctx context.Context, env a2a.Envelope) (json.RawMessage, error) {
	task := &Task{
		Envelope: env,
		Logger: r.logger.With(
			zap.String("task_id", env.ID),
			zap.String("action", env.Action),
			zap.String("correlation_id", env.CorrelationID),
		),
		tools: r.tools,
		peers: r.peers,
	}
	out, err := r.handler.HandleTask(ctx, task)
	if err != nil {
		return nil, err
	}
	res, err := encodeResult(out)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return res, nil
}

// Describe starts the configured tool servers, builds the agent card that
// Run would publish and stops them again.
func Describe(ctx context.Context, cfg *config.Config, opts ...Option) (a2a.AgentCard, error) {
	r, err := New(cfg, HandlerFunc(func(context.Context, *Task) (any, error) { return nil, nil }), opts...)
	if err != nil {
		return a2a.AgentCard{}, err
	}
	defer r.stopTools()
	registry, err := r.startTools(ctx)
	if err != nil {
		return a2a.AgentCard{}, err
	}
	return r.buildCard(registry), nil
}
