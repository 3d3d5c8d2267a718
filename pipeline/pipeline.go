// Package pipeline provides a config-driven task handler. Each action is a
// sequence of stages; the output of one stage is the input of the next.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rtreit/stockripperv2/a2a"
	"github.com/rtreit/stockripperv2/config"
	"github.com/rtreit/stockripperv2/peer"
	"github.com/rtreit/stockripperv2/runtime"
)

// ErrUnknownAction is returned for a task whose action has no pipeline.
var ErrUnknownAction = errors.New("unknown action")

// DefaultPollInterval is how often a waiting peer stage polls the peer.
const DefaultPollInterval = 250 * time.Millisecond

// Caller is what stages need from the running task. *runtime.Task
// implements it.
type Caller interface {
	CallTool(ctx context.Context, name string, args any) (json.RawMessage, error)
	Send(ctx context.Context, peerName, action string, payload any) (*peer.Reply, error)
	SendAndWait(ctx context.Context, peerName, action string, payload any, interval time.Duration) (a2a.TaskRecord, error)
}

// Stage is a single step of an action pipeline.
type Stage interface {
	Name() string
	Execute(ctx context.Context, c Caller, in json.RawMessage) (json.RawMessage, error)
}

// Pipeline executes a sequence of stages in order.
type Pipeline struct {
	stages []Stage
}

// New creates a Pipeline from the given stages.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name())
	}
	return names
}

// Run executes each stage sequentially and stops on the first error. With
// no stages the input is returned unchanged.
func (p *Pipeline) Run(ctx context.Context, c Caller, in json.RawMessage) (json.RawMessage, error) {
	out := in
	for i, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pipeline cancelled before stage %s: %w", s.Name(), err)
		}
		next, err := s.Execute(ctx, c, out)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i+1, s.Name(), err)
		}
		out = next
	}
	return out, nil
}

// ToolStage calls one capability with the current payload as arguments.
type ToolStage struct {
	Tool string
}

func (s ToolStage) Name() string { return "tool " + s.Tool }

func (s ToolStage) Execute(ctx context.Context, c Caller, in json.RawMessage) (json.RawMessage, error) {
	return c.CallTool(ctx, s.Tool, in)
}

// PeerStage submits the current payload as a task to a peer. Without Wait
// the output is the peer's acknowledgement; with Wait it is the peer task's
// result, and a failed peer task fails the stage.
type PeerStage struct {
	Peer         string
	Action       string
	Wait         bool
	PollInterval time.Duration
}

func (s PeerStage) Name() string { return "peer " + s.Peer + "/" + s.Action }

func (s PeerStage) Execute(ctx context.Context, c Caller, in json.RawMessage) (json.RawMessage, error) {
	if !s.Wait {
		reply, err := c.Send(ctx, s.Peer, s.Action, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(a2a.Ack{ID: reply.ID, Status: reply.Status})
	}

	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	rec, err := c.SendAndWait(ctx, s.Peer, s.Action, in, interval)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case a2a.TaskStatusCompleted:
		return rec.Result, nil
	case a2a.TaskStatusFailed:
		return nil, fmt.Errorf("peer task %s failed: %s", rec.Envelope.ID, rec.Error)
	default:
		return nil, fmt.Errorf("peer task %s still %s", rec.Envelope.ID, rec.Status)
	}
}

// Handler routes tasks to the pipeline registered for their action.
type Handler struct {
	pipelines map[string]*Pipeline
	logger    *zap.Logger
}

// NewHandler builds a handler from explicit pipelines.
func NewHandler(pipelines map[string]*Pipeline, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{pipelines: pipelines, logger: logger}
}

// FromConfig builds one pipeline per configured action.
func FromConfig(actions map[string]config.ActionConfig, logger *zap.Logger) *Handler {
	pipelines := make(map[string]*Pipeline, len(actions))
	for name, a := range actions {
		stages := make([]Stage, 0, len(a.Steps))
		for _, step := range a.Steps {
			if step.Tool != "" {
				stages = append(stages, ToolStage{Tool: step.Tool})
				continue
			}
			stages = append(stages, PeerStage{Peer: step.Peer, Action: step.Action, Wait: step.Wait})
		}
		pipelines[name] = New(stages...)
	}
	return NewHandler(pipelines, logger)
}

// Actions returns the actions this handler serves, sorted.
func (h *Handler) Actions() []string {
	names := make([]string, 0, len(h.pipelines))
	for name := range h.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleTask implements runtime.TaskHandler.
func (h *Handler) HandleTask(ctx context.Context, task *runtime.Task) (any, error) {
	return h.Execute(ctx, task.Action(), task.Envelope.Payload, task)
}

// Execute runs the pipeline for action against payload.
func (h *Handler) Execute(ctx context.Context, action string, payload json.RawMessage, c Caller) (json.RawMessage, error) {
	p, ok := h.pipelines[action]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAction, action)
	}
	h.logger.Debug("running pipeline", zap.String("action", action), zap.Strings("stages", p.Stages()))
	return p.Run(ctx, c, payload)
}
