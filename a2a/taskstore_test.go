package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope(id string) Envelope {
	return Envelope{ID: id, From: "a", To: "b", Action: "echo", CorrelationID: "corr-1"}
}

func TestTaskStore_Lifecycle(t *testing.T) {
	s := NewTaskStore()

	rec, err := s.Create(testEnvelope("t1"))
	require.NoError(t, err)
	assert.Equal(t, TaskStatusReceived, rec.Status)
	assert.Nil(t, rec.StartedAt)

	require.NoError(t, s.MarkRunning("t1"))
	require.NoError(t, s.Complete("t1", json.RawMessage(`{"ok":true}`)))

	got, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, "corr-1", got.Envelope.CorrelationID)
}

func TestTaskStore_DuplicateCreate(t *testing.T) {
	s := NewTaskStore()
	_, err := s.Create(testEnvelope("dup"))
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning("dup"))

	existing, err := s.Create(testEnvelope("dup"))
	require.ErrorIs(t, err, ErrDuplicateTask)
	assert.Equal(t, TaskStatusRunning, existing.Status)
}

func TestTaskStore_TransitionsAreMonotonic(t *testing.T) {
	s := NewTaskStore()
	_, err := s.Create(testEnvelope("m"))
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning("m"))

	assert.ErrorIs(t, s.MarkRunning("m"), ErrInvalidTransition)
	require.NoError(t, s.Fail("m", "boom"))
	assert.ErrorIs(t, s.Complete("m", nil), ErrInvalidTransition)
	assert.ErrorIs(t, s.Fail("m", "again"), ErrInvalidTransition)

	got, err := s.Get("m")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
}

func TestTaskStore_CompleteRejectsInvalidJSON(t *testing.T) {
	s := NewTaskStore()
	_, err := s.Create(testEnvelope("j"))
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning("j"))

	assert.ErrorIs(t, s.Complete("j", json.RawMessage("{oops")), ErrInvalidResult)
	got, err := s.Get("j")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusRunning, got.Status)

	require.NoError(t, s.Complete("j", json.RawMessage(`{"ok":true}`)))
}

func TestTaskStore_NotFound(t *testing.T) {
	s := NewTaskStore()
	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, s.MarkRunning("missing"), ErrTaskNotFound)
}

func TestTaskStore_GetReturnsCopy(t *testing.T) {
	s := NewTaskStore()
	env := testEnvelope("c")
	env.Payload = json.RawMessage(`{"a":1}`)
	_, err := s.Create(env)
	require.NoError(t, err)

	got, err := s.Get("c")
	require.NoError(t, err)
	got.Envelope.Payload[2] = 'X'
	got.Status = TaskStatusCompleted

	again, err := s.Get("c")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(again.Envelope.Payload))
	assert.Equal(t, TaskStatusReceived, again.Status)
}

func TestTaskStore_Wait(t *testing.T) {
	s := NewTaskStore()
	_, err := s.Create(testEnvelope("w"))
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning("w"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.Complete("w", json.RawMessage(`"done"`))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := s.Wait(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, rec.Status)
}

func TestTaskStore_WaitHonoursContext(t *testing.T) {
	s := NewTaskStore()
	_, err := s.Create(testEnvelope("slow"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	rec, err := s.Wait(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusReceived, rec.Status)
}

func TestTaskStore_ConcurrentTerminalTransition(t *testing.T) {
	s := NewTaskStore()
	_, err := s.Create(testEnvelope("race"))
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning("race"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = s.Complete("race", json.RawMessage(`1`))
			} else {
				err = s.Fail("race", "x")
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestTaskStore_ListNewestFirst(t *testing.T) {
	s := NewTaskStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	for _, id := range []string{"first", "second", "third"} {
		_, err := s.Create(testEnvelope(id))
		require.NoError(t, err)
	}

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "third", list[0].Envelope.ID)
	assert.Equal(t, "first", list[2].Envelope.ID)
}
