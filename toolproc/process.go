package toolproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Descriptor is the static configuration for one tool server.
type Descriptor struct {
	Name    string
	Command string
	Args    []string
	// Env entries are KEY=VALUE strings appended to the host environment.
	Env []string
	Dir string

	// CallTimeout bounds every call that carries no earlier deadline.
	CallTimeout time.Duration
	// HandshakeTimeout bounds the tools/list call after each spawn.
	HandshakeTimeout time.Duration
	// Serialize allows only one outstanding call, for servers that cannot
	// pipeline requests.
	Serialize bool
}

// RestartPolicy is the respawn backoff: Initial, doubled per failed
// attempt, capped at Max, retried without limit.
type RestartPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultRestartPolicy waits 1s, 2s, 4s ... up to 30s between respawns.
var DefaultRestartPolicy = RestartPolicy{Initial: time.Second, Max: 30 * time.Second}

const (
	defaultCallTimeout      = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultStopTimeout      = 5 * time.Second
	drainTimeout            = time.Second
)

// State is the lifecycle state of a Process.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

// Status is a point-in-time view of a Process.
type Status struct {
	Name       string `json:"name"`
	State      State  `json:"state"`
	PID        int    `json:"pid,omitempty"`
	Handshaked bool   `json:"initializedSuccessfully"`
	ToolCount  int    `json:"toolsCount"`
	Restarts   int    `json:"restarts"`
	Pending    int    `json:"pendingCalls"`
	LastError  string `json:"lastError,omitempty"`
}

// Option configures a Process.
type Option func(*Process)

// WithRestartPolicy overrides DefaultRestartPolicy.
func WithRestartPolicy(p RestartPolicy) Option {
	return func(proc *Process) { proc.restart = p }
}

// WithStopTimeout sets how long Stop waits after SIGTERM before SIGKILL.
func WithStopTimeout(d time.Duration) Option {
	return func(proc *Process) { proc.stopTimeout = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(proc *Process) { proc.logger = l }
}

// Process owns one tool server child process and replaces it wholesale
// when it crashes.
type Process struct {
	desc        Descriptor
	restart     RestartPolicy
	stopTimeout time.Duration
	logger      *zap.Logger

	mu         sync.Mutex
	gen        *generation
	genReady   chan struct{}
	state      State
	tools      []ToolInfo
	handshaked bool
	restarts   int
	lastErr    string
	stopping   bool

	stopped    chan struct{}
	supervisor sync.WaitGroup
}

// generation is one spawned instance of the tool server.
type generation struct {
	cmd    *exec.Cmd
	conn   *Conn
	stdin  *os.File
	stdout *os.File
	exited chan struct{}
	// retired is closed once the supervisor has stopped publishing this
	// generation.
	retired chan struct{}
	err     error
}

// New returns an unstarted Process for desc.
func New(desc Descriptor, opts ...Option) *Process {
	if desc.CallTimeout <= 0 {
		desc.CallTimeout = defaultCallTimeout
	}
	if desc.HandshakeTimeout <= 0 {
		desc.HandshakeTimeout = defaultHandshakeTimeout
	}
	p := &Process{
		desc:        desc,
		restart:     DefaultRestartPolicy,
		stopTimeout: defaultStopTimeout,
		logger:      zap.NewNop(),
		genReady:    make(chan struct{}),
		state:       StateIdle,
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("tool", desc.Name))
	return p
}

// Name returns the descriptor name.
func (p *Process) Name() string { return p.desc.Name }

// Descriptor returns the descriptor the process was created with.
func (p *Process) Descriptor() Descriptor { return p.desc }

// Start spawns the tool server and completes the handshake. A launch
// failure is returned as *SpawnError.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return fmt.Errorf("tool %q already started", p.desc.Name)
	}
	p.state = StateStarting
	p.mu.Unlock()

	g, tools, err := p.spawnAndHandshake(ctx)
	if err != nil {
		p.mu.Lock()
		p.state = StateStopped
		p.lastErr = err.Error()
		p.mu.Unlock()
		return err
	}
	if !p.install(g, tools) {
		p.kill(g)
		return ErrProcessStopped
	}
	p.logger.Info("tool server ready",
		zap.Int("pid", g.cmd.Process.Pid),
		zap.Int("tools", len(tools)),
	)
	return nil
}

// Call invokes method on the tool server. The call is bounded by ctx and by
// the descriptor's CallTimeout. If the server is restarting, Call waits for
// the next generation until its deadline. A call that could not be written
// to a dying generation is sent again to its replacement; a call that was
// written is never repeated.
func (p *Process) Call(ctx context.Context, method string, params json.RawMessage, correlationID string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.desc.CallTimeout)
	defer cancel()

	var stale *Conn
	for {
		conn, err := p.awaitConn(ctx, stale)
		if err != nil {
			return nil, err
		}
		res, err := conn.Call(ctx, method, params, correlationID)
		if err == nil || !notSent(err) || ctx.Err() != nil || errors.Is(err, ErrProcessStopped) {
			return res, err
		}
		p.logger.Debug("tool connection lost before send, waiting for respawn",
			zap.String("method", method),
			zap.Error(err),
		)
		stale = conn
	}
}

// Tools returns the tools reported by the most recent handshake.
func (p *Process) Tools() []ToolInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ToolInfo(nil), p.tools...)
}

// Handshaked reports whether the first handshake has completed.
func (p *Process) Handshaked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshaked
}

// PID returns the live child's process id, or 0.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == nil {
		return 0
	}
	return p.gen.cmd.Process.Pid
}

// Status returns a snapshot of the process state.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Name:       p.desc.Name,
		State:      p.state,
		Handshaked: p.handshaked,
		ToolCount:  len(p.tools),
		Restarts:   p.restarts,
		LastError:  p.lastErr,
	}
	if p.gen != nil {
		s.PID = p.gen.cmd.Process.Pid
		s.Pending = p.gen.conn.Pending()
	}
	return s
}

// Stop terminates the tool server: pending calls fail with
// ErrProcessStopped, stdin is closed, SIGTERM is sent and, if the child has
// not exited within the stop timeout or ctx is done, SIGKILL. Stop always
// reaps the child and is safe to call more than once.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		p.supervisor.Wait()
		return nil
	}
	p.stopping = true
	close(p.stopped)
	g := p.gen
	p.gen = nil
	p.state = StateStopped
	p.mu.Unlock()

	if g != nil {
		p.terminate(ctx, g)
	}
	p.supervisor.Wait()
	p.logger.Info("tool server stopped")
	return nil
}

func (p *Process) terminate(ctx context.Context, g *generation) {
	g.conn.Fail(ErrProcessStopped)
	_ = g.stdin.Close()
	if err := g.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("sigterm failed", zap.Error(err))
	}

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()
	select {
	case <-g.exited:
		return
	case <-timer.C:
		p.logger.Warn("tool server did not exit after SIGTERM, killing", zap.Duration("waited", p.stopTimeout))
	case <-ctx.Done():
		p.logger.Warn("stop cancelled, killing tool server")
	}
	p.kill(g)
}

func (p *Process) kill(g *generation) {
	g.conn.Fail(ErrProcessStopped)
	_ = g.stdin.Close()
	_ = g.cmd.Process.Kill()
	<-g.exited
}

// awaitConn returns the live generation's connection. A generation whose
// connection is stale is skipped until the supervisor retires it.
func (p *Process) awaitConn(ctx context.Context, stale *Conn) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.stopping {
			p.mu.Unlock()
			return nil, ErrProcessStopped
		}
		ready := p.genReady
		if g := p.gen; g != nil {
			if g.conn != stale {
				p.mu.Unlock()
				return g.conn, nil
			}
			ready = g.retired
		}
		p.mu.Unlock()

		select {
		case <-ready:
		case <-p.stopped:
			return nil, ErrProcessStopped
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s has not been respawned: %v", ErrToolProcessCrashed, p.desc.Name, ctx.Err())
		}
	}
}

// install publishes g as the live generation and starts supervising it.
// It reports false if the process is stopping.
func (p *Process) install(g *generation, tools []ToolInfo) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return false
	}
	p.gen = g
	p.tools = tools
	p.handshaked = true
	p.state = StateReady
	close(p.genReady)

	p.supervisor.Add(1)
	go p.supervise(g)
	return true
}

// supervise waits for g to exit and, unless the process is stopping,
// respawns it.
func (p *Process) supervise(g *generation) {
	defer p.supervisor.Done()
	<-g.exited

	p.mu.Lock()
	if p.stopping || p.gen != g {
		p.mu.Unlock()
		close(g.retired)
		return
	}
	p.gen = nil
	p.genReady = make(chan struct{})
	p.state = StateRestarting
	p.restarts++
	if g.err != nil {
		p.lastErr = g.err.Error()
	} else {
		p.lastErr = "exited with status 0"
	}
	lastErr := p.lastErr
	p.mu.Unlock()
	close(g.retired)

	p.logger.Error("tool server exited unexpectedly", zap.String("reason", lastErr))
	p.respawn()
}

func (p *Process) respawn() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.restart.Initial
	b.MaxInterval = p.restart.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-p.stopped:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-p.stopped:
				cancel()
			case <-ctx.Done():
			}
		}()
		g, tools, err := p.spawnAndHandshake(ctx)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.lastErr = err.Error()
			p.mu.Unlock()
			p.logger.Warn("respawn failed", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
			continue
		}
		if !p.install(g, tools) {
			p.kill(g)
			return
		}
		p.logger.Info("tool server respawned", zap.Int("attempt", attempt), zap.Int("pid", g.cmd.Process.Pid))
		return
	}
}

func (p *Process) spawnAndHandshake(ctx context.Context) (*generation, []ToolInfo, error) {
	g, err := p.spawn()
	if err != nil {
		return nil, nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, p.desc.HandshakeTimeout)
	defer cancel()
	raw, err := g.conn.Call(hctx, HandshakeMethod, nil, "")
	if err != nil {
		p.kill(g)
		return nil, nil, fmt.Errorf("handshake with tool %q: %w", p.desc.Name, err)
	}
	var list ListToolsResult
	if err := json.Unmarshal(raw, &list); err != nil {
		p.kill(g)
		return nil, nil, fmt.Errorf("handshake with tool %q: decoding tool list: %w", p.desc.Name, err)
	}
	return g, list.Tools, nil
}

func (p *Process) spawn() (*generation, error) {
	spawnErr := func(err error) error {
		return &SpawnError{Tool: p.desc.Name, Command: p.desc.Command, Err: err}
	}

	childIn, parentIn, err := os.Pipe()
	if err != nil {
		return nil, spawnErr(err)
	}
	parentOut, childOut, err := os.Pipe()
	if err != nil {
		closeAll(childIn, parentIn)
		return nil, spawnErr(err)
	}

	// stderr gets a pipe of our own so cmd.Wait never closes it under the
	// reader; pipeStderr closes it at end of stream.
	parentErr, childErr, err := os.Pipe()
	if err != nil {
		closeAll(childIn, parentIn, parentOut, childOut)
		return nil, spawnErr(err)
	}

	cmd := exec.Command(p.desc.Command, p.desc.Args...)
	cmd.Dir = p.desc.Dir
	cmd.Env = append(os.Environ(), p.desc.Env...)
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = childErr

	if err := cmd.Start(); err != nil {
		closeAll(childIn, parentIn, parentOut, childOut, parentErr, childErr)
		return nil, spawnErr(err)
	}
	// The child holds its own copies now.
	closeAll(childIn, childOut, childErr)

	g := &generation{
		cmd:     cmd,
		stdin:   parentIn,
		stdout:  parentOut,
		exited:  make(chan struct{}),
		retired: make(chan struct{}),
		conn:    NewConn(p.desc.Name, parentOut, parentIn, p.desc.Serialize, p.logger),
	}
	go p.pipeStderr(parentErr)
	go p.wait(g)

	p.logger.Debug("tool server spawned", zap.Int("pid", cmd.Process.Pid), zap.String("command", p.desc.Command))
	return g, nil
}

// wait reaps the child, lets the reader drain what the child wrote before
// exiting, then fails whatever is still pending.
func (p *Process) wait(g *generation) {
	g.err = g.cmd.Wait()

	timer := time.NewTimer(drainTimeout)
	select {
	case <-g.conn.ReaderDone():
	case <-timer.C:
	}
	timer.Stop()

	g.conn.Fail(fmt.Errorf("%w: %s: %v", ErrToolProcessCrashed, p.desc.Name, exitReason(g.err)))
	closeAll(g.stdin, g.stdout)
	close(g.exited)
}

func (p *Process) pipeStderr(f *os.File) {
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		p.logger.Debug("tool stderr", zap.String("line", scanner.Text()))
	}
}

func exitReason(err error) string {
	if err == nil {
		return "exited with status 0"
	}
	return err.Error()
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
