// Package server exposes an agent over HTTP: it accepts task envelopes,
// runs them in the background and serves task records, the agent card and
// health probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rtreit/stockripperv2/a2a"
	"github.com/rtreit/stockripperv2/toolproc"
)

// Mode selects how POST /a2a/tasks answers for an action.
type Mode string

const (
	// ModeAsync acknowledges with 202 and {id, status} immediately.
	ModeAsync Mode = "async"
	// ModeSync waits up to SyncTimeout and answers with the task record.
	ModeSync Mode = "sync"
)

// Failure reasons recorded by the server itself.
const (
	ReasonTimedOut = "task timed out"
	ReasonShutdown = "shutdown"
)

var (
	errTaskTimedOut = errors.New(ReasonTimedOut)
	errShutdown     = errors.New(ReasonShutdown)
)

const (
	defaultTaskTimeout  = 60 * time.Second
	defaultSyncTimeout  = 30 * time.Second
	defaultMaxBodyBytes = 1 << 20
	defaultReadTimeout  = 15 * time.Second
)

// Executor performs the work for an accepted task. ctx carries the task's
// deadline and correlation id.
type Executor func(ctx context.Context, env a2a.Envelope) (json.RawMessage, error)

// Config configures the task server.
type Config struct {
	Name    string
	Addr    string
	Actions map[string]Mode

	TaskTimeout  time.Duration
	SyncTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
}

// Server is the HTTP task server of one agent.
type Server struct {
	cfg    Config
	exec   Executor
	store  *a2a.TaskStore
	logger *zap.Logger

	cardMu sync.RWMutex
	card   *a2a.AgentCard

	toolStatus atomic.Pointer[func() []toolproc.Status]

	admitMu  sync.Mutex
	ready    atomic.Bool
	draining atomic.Bool
	inflight sync.WaitGroup
	running  atomic.Int64

	tasksCtx    context.Context
	cancelTasks context.CancelCauseFunc

	srv *http.Server
	ln  net.Listener
}

// New creates a task server that runs accepted tasks with exec.
func New(cfg Config, exec Executor, logger *zap.Logger) *Server {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = defaultSyncTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		exec:   exec,
		store:  a2a.NewTaskStore(),
		logger: logger,
	}
	s.tasksCtx, s.cancelTasks = context.WithCancelCause(context.Background())
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /a2a/tasks", s.handleSubmit)
	mux.HandleFunc("GET /a2a/tasks", s.handleList)
	mux.HandleFunc("GET /a2a/tasks/{id}", s.handleGet)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /tools/status", s.handleToolStatus)
	return accessLog(s.logger, corsMiddleware(mux))
}

// TaskStore returns the server's task store.
func (s *Server) TaskStore() *a2a.TaskStore {
	return s.store
}

// SetAgentCard publishes the agent card.
func (s *Server) SetAgentCard(card a2a.AgentCard) {
	s.cardMu.Lock()
	defer s.cardMu.Unlock()
	s.card = &card
}

// AgentCard returns the published card, if any.
func (s *Server) AgentCard() (a2a.AgentCard, bool) {
	s.cardMu.RLock()
	defer s.cardMu.RUnlock()
	if s.card == nil {
		return a2a.AgentCard{}, false
	}
	return *s.card, true
}

// SetToolStatus installs the source for GET /tools/status.
func (s *Server) SetToolStatus(fn func() []toolproc.Status) {
	s.toolStatus.Store(&fn)
}

// SetReady flips readiness. Tasks are only accepted while ready.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Ready reports whether the server accepts tasks.
func (s *Server) Ready() bool {
	return s.ready.Load() && !s.draining.Load()
}

// ModeFor returns the response mode configured for action.
func (s *Server) ModeFor(action string) Mode {
	if m, ok := s.cfg.Actions[action]; ok && m == ModeSync {
		return ModeSync
	}
	return ModeAsync
}

// Listen binds the configured address. Health probes are served as soon as
// Serve is called, before the agent is ready.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address. It is nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve handles connections on the bound listener until Shutdown.
func (s *Server) Serve() error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Drain stops admitting tasks and waits for the in-flight ones. Tasks still
// running when ctx is done are failed with reason "shutdown". It returns the
// number of tasks that were cancelled.
func (s *Server) Drain(ctx context.Context) int {
	s.admitMu.Lock()
	s.draining.Store(true)
	s.admitMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return 0
	case <-ctx.Done():
	}
	cancelled := int(s.running.Load())
	s.logger.Warn("shutdown grace elapsed, cancelling tasks", zap.Int("tasks", cancelled))
	s.cancelTasks(errShutdown)
	<-done
	return cancelled
}

// Submit records env and starts it in the background. A known id is never
// executed twice: the existing record is returned with replay set. For
// actions in sync mode Submit waits up to SyncTimeout for a terminal status.
func (s *Server) Submit(ctx context.Context, env a2a.Envelope) (rec a2a.TaskRecord, replay bool, err error) {
	if existing, err := s.store.Get(env.ID); err == nil {
		return s.replay(ctx, existing), true, nil
	}

	s.admitMu.Lock()
	if !s.Ready() {
		s.admitMu.Unlock()
		return a2a.TaskRecord{}, false, ErrNotReady
	}
	rec, err = s.store.Create(env)
	if errors.Is(err, a2a.ErrDuplicateTask) {
		s.admitMu.Unlock()
		return s.replay(ctx, rec), true, nil
	}
	if err != nil {
		s.admitMu.Unlock()
		return a2a.TaskRecord{}, false, err
	}
	s.inflight.Add(1)
	s.admitMu.Unlock()

	go s.run(env)

	if s.ModeFor(env.Action) == ModeSync {
		rec = s.waitSync(ctx, env.ID, rec)
	}
	return rec, false, nil
}

func (s *Server) replay(ctx context.Context, rec a2a.TaskRecord) a2a.TaskRecord {
	s.logger.Info("replaying duplicate task",
		zap.String("task_id", rec.Envelope.ID),
		zap.String("status", string(rec.Status)),
	)
	if !rec.Status.Terminal() && s.ModeFor(rec.Envelope.Action) == ModeSync {
		return s.waitSync(ctx, rec.Envelope.ID, rec)
	}
	return rec
}

func (s *Server) waitSync(ctx context.Context, id string, fallback a2a.TaskRecord) a2a.TaskRecord {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()
	rec, err := s.store.Wait(ctx, id)
	if err != nil {
		return fallback
	}
	return rec
}

type outcome struct {
	result json.RawMessage
	err    error
}

// run drives one task to a terminal status. The record is finalised when
// the executor returns or the task context ends, whichever comes first.
func (s *Server) run(env a2a.Envelope) {
	defer s.inflight.Done()
	s.running.Add(1)
	defer s.running.Add(-1)

	logger := s.logger.With(
		zap.String("task_id", env.ID),
		zap.String("action", env.Action),
		zap.String("from", env.From),
		zap.String("correlation_id", env.CorrelationID),
	)

	ctx, cancel := context.WithTimeoutCause(s.tasksCtx, s.cfg.TaskTimeout, errTaskTimedOut)
	defer cancel()
	ctx = a2a.WithCorrelationID(ctx, env.CorrelationID)

	if err := s.store.MarkRunning(env.ID); err != nil {
		logger.Error("marking task running", zap.Error(err))
		return
	}
	start := time.Now()
	logger.Info("task started")

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := s.exec(ctx, env)
		done <- outcome{result: res, err: err}
	}()

	var reason string
	select {
	case o := <-done:
		if o.err == nil && len(o.result) > 0 && !json.Valid(o.result) {
			o.err = a2a.ErrInvalidResult
		}
		if o.err == nil {
			if err := s.store.Complete(env.ID, o.result); err != nil {
				logger.Error("recording task result", zap.Error(err))
				return
			}
			logger.Info("task completed", zap.Duration("duration", time.Since(start)))
			return
		}
		reason = o.err.Error()
		if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil {
			reason = cause.Error()
		}
	case <-ctx.Done():
		reason = context.Cause(ctx).Error()
	}

	if err := s.store.Fail(env.ID, reason); err != nil {
		logger.Error("recording task failure", zap.Error(err))
		return
	}
	logger.Warn("task failed", zap.String("reason", reason), zap.Duration("duration", time.Since(start)))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, err)
		return
	}
	env, err := a2a.ParseEnvelope(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if env.CorrelationID == "" {
		env.CorrelationID = r.Header.Get(a2a.CorrelationHeader)
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	if s.cfg.Name != "" && env.To != s.cfg.Name {
		s.logger.Warn("task addressed to another agent",
			zap.String("task_id", env.ID),
			zap.String("to", env.To),
		)
	}

	rec, replay, err := s.Submit(r.Context(), env)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set(a2a.CorrelationHeader, rec.Envelope.CorrelationID)
	if replay {
		w.Header().Set(a2a.ReplayHeader, "true")
	}
	if !replay && s.ModeFor(env.Action) == ModeAsync {
		writeJSON(w, http.StatusAccepted, a2a.Ack{ID: rec.Envelope.ID, Status: rec.Status})
		return
	}
	status := http.StatusAccepted
	if rec.Status.Terminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	want := a2a.TaskStatus(r.URL.Query().Get("status"))
	records := s.store.List()
	out := make([]a2a.TaskRecord, 0, len(records))
	for _, rec := range records {
		if want == "" || rec.Status == want {
			out = append(out, rec)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	card, ok := s.AgentCard()
	if !ok {
		writeError(w, fmt.Errorf("%w: agent card not published yet", ErrNotReady))
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"agent":    s.cfg.Name,
		"ready":    s.Ready(),
		"draining": s.draining.Load(),
		"running":  s.running.Load(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.Ready() {
		writeError(w, ErrNotReady)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleToolStatus(w http.ResponseWriter, _ *http.Request) {
	statuses := []toolproc.Status{}
	if fn := s.toolStatus.Load(); fn != nil {
		statuses = (*fn)()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": statuses})
}
