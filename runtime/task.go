package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rtreit/stockripperv2/a2a"
	"github.com/rtreit/stockripperv2/peer"
	"github.com/rtreit/stockripperv2/tools"
)

// TaskHandler implements an agent's domain logic. The returned value is
// encoded as JSON and stored as the task result; a returned error fails the
// task with the error text.
type TaskHandler interface {
	HandleTask(ctx context.Context, task *Task) (any, error)
}

// HandlerFunc adapts a function to TaskHandler.
type HandlerFunc func(ctx context.Context, task *Task) (any, error)

func (f HandlerFunc) HandleTask(ctx context.Context, task *Task) (any, error) {
	return f(ctx, task)
}

// Task is one accepted envelope plus helpers that carry its correlation id
// to every tool and peer call.
type Task struct {
	Envelope a2a.Envelope
	Logger   *zap.Logger

	tools *tools.Client
	peers *peer.Client
}

// ID returns the envelope id.
func (t *Task) ID() string { return t.Envelope.ID }

// Action returns the requested action.
func (t *Task) Action() string { return t.Envelope.Action }

// CorrelationID returns the correlation id propagated downstream.
func (t *Task) CorrelationID() string { return t.Envelope.CorrelationID }

// DecodePayload unmarshals the envelope payload into v.
func (t *Task) DecodePayload(v any) error {
	if len(t.Envelope.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Envelope.Payload, v); err != nil {
		return fmt.Errorf("decoding payload of task %s: %w", t.Envelope.ID, err)
	}
	return nil
}

// CallTool invokes a capability of this agent's tool servers.
func (t *Task) CallTool(ctx context.Context, name string, args any) (json.RawMessage, error) {
	return t.tools.Call(t.scope(ctx), name, args)
}

// CallToolInto invokes a capability and decodes the result into out.
func (t *Task) CallToolInto(ctx context.Context, name string, args, out any) error {
	return t.tools.CallInto(t.scope(ctx), name, args, out)
}

// Send submits a task to a peer agent under this task's correlation id.
func (t *Task) Send(ctx context.Context, peerName, action string, payload any) (*peer.Reply, error) {
	return t.peers.Send(t.scope(ctx), peerName, action, payload, t.Envelope.CorrelationID)
}

// SendAndWait submits a task to a peer and polls until it is terminal.
func (t *Task) SendAndWait(ctx context.Context, peerName, action string, payload any, interval time.Duration) (a2a.TaskRecord, error) {
	reply, err := t.Send(ctx, peerName, action, payload)
	if err != nil {
		return a2a.TaskRecord{}, err
	}
	if reply.Record != nil && reply.Record.Status.Terminal() {
		return *reply.Record, nil
	}
	return t.peers.Wait(t.scope(ctx), peerName, reply.ID, interval)
}

func (t *Task) scope(ctx context.Context) context.Context {
	if a2a.CorrelationID(ctx) == t.Envelope.CorrelationID {
		return ctx
	}
	return a2a.WithCorrelationID(ctx, t.Envelope.CorrelationID)
}

func encodeResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(r) > 0 && !json.Valid(r) {
			return nil, a2a.ErrInvalidResult
		}
		return r, nil
	case []byte:
		if !json.Valid(r) {
			return json.Marshal(string(r))
		}
		return r, nil
	default:
		return json.Marshal(r)
	}
}
