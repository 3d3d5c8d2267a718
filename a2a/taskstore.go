package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TaskStore is a thread-safe in-memory table of task records keyed by
// task id. Status changes only move forward: received, running, then
// completed or failed. Terminal records are never reopened.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry
	now   func() time.Time
}

type taskEntry struct {
	rec  TaskRecord
	done chan struct{}
}

// NewTaskStore creates an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*taskEntry),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create records a new task in the received state. It returns
// ErrDuplicateTask, together with a copy of the existing record, when the
// id is already present.
func (s *TaskStore) Create(env Envelope) (TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.tasks[env.ID]; ok {
		return cloneRecord(e.rec), fmt.Errorf("%w: %s", ErrDuplicateTask, env.ID)
	}
	e := &taskEntry{
		rec: TaskRecord{
			Envelope:   env,
			Status:     TaskStatusReceived,
			ReceivedAt: s.now(),
		},
		done: make(chan struct{}),
	}
	s.tasks[env.ID] = e
	return cloneRecord(e.rec), nil
}

// Get returns a copy of the record with the given id.
func (s *TaskStore) Get(id string) (TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[id]
	if !ok {
		return TaskRecord{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return cloneRecord(e.rec), nil
}

// List returns copies of all records, most recently received first.
func (s *TaskStore) List() []TaskRecord {
	s.mu.RLock()
	out := make([]TaskRecord, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, cloneRecord(e.rec))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].Envelope.ID < out[j].Envelope.ID
		}
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	return out
}

// MarkRunning moves a received task to running.
func (s *TaskStore) MarkRunning(id string) error {
	return s.transition(id, TaskStatusRunning, func(rec *TaskRecord, now time.Time) {
		rec.StartedAt = &now
	})
}

// Complete moves a running task to completed with the given result.
func (s *TaskStore) Complete(id string, result json.RawMessage) error {
	if len(result) > 0 && !json.Valid(result) {
		return ErrInvalidResult
	}
	return s.transition(id, TaskStatusCompleted, func(rec *TaskRecord, now time.Time) {
		rec.Result = append(json.RawMessage(nil), result...)
		rec.FinishedAt = &now
	})
}

// Fail moves a task to failed with the given reason.
func (s *TaskStore) Fail(id string, reason string) error {
	return s.transition(id, TaskStatusFailed, func(rec *TaskRecord, now time.Time) {
		rec.Error = reason
		rec.FinishedAt = &now
	})
}

// Wait blocks until the task reaches a terminal status or ctx is done, and
// returns the latest copy of the record either way.
func (s *TaskStore) Wait(ctx context.Context, id string) (TaskRecord, error) {
	s.mu.RLock()
	e, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return TaskRecord{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
	}
	return s.Get(id)
}

func (s *TaskStore) transition(id string, to TaskStatus, apply func(*TaskRecord, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	from := e.rec.Status
	if from.Terminal() || to.rank() <= from.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	e.rec.Status = to
	apply(&e.rec, s.now())
	if to.Terminal() {
		close(e.done)
	}
	return nil
}

func cloneRecord(r TaskRecord) TaskRecord {
	c := r
	c.Envelope.Payload = append(json.RawMessage(nil), r.Envelope.Payload...)
	c.Result = append(json.RawMessage(nil), r.Result...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return c
}
