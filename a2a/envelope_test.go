package a2a

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope_Valid(t *testing.T) {
	raw := `{"id":"t1","from":"planner","to":"mailer","action":"notify",
		"payload":{"ticker":"MSFT"},"timestamp":"2026-01-02T15:04:05Z","correlationId":"abc"}`

	env, err := ParseEnvelope([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "t1", env.ID)
	assert.Equal(t, "notify", env.Action)
	assert.Equal(t, "abc", env.CorrelationID)
	assert.JSONEq(t, `{"ticker":"MSFT"}`, string(env.Payload))
}

func TestParseEnvelope_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"id":`},
		{"array", `[1,2,3]`},
		{"missing id", `{"from":"a","to":"b","action":"x"}`},
		{"empty id", `{"id":"","from":"a","to":"b","action":"x"}`},
		{"missing action", `{"id":"1","from":"a","to":"b"}`},
		{"wrong id type", `{"id":7,"from":"a","to":"b","action":"x"}`},
		{"bad timestamp", `{"id":"1","from":"a","to":"b","action":"x","timestamp":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.body))
			require.ErrorIs(t, err, ErrMalformedEnvelope)

			var envErr *EnvelopeError
			require.ErrorAs(t, err, &envErr)
			assert.NotEmpty(t, envErr.Details)
		})
	}
}

func TestParseEnvelope_AcceptsISOTimestamps(t *testing.T) {
	for _, ts := range []string{
		"2024-05-01T10:00:00Z",
		"2024-05-01T10:00:00.123456+02:00",
		"2024-05-01T10:00:00.123456",
		"2024-05-01T10:00:00",
	} {
		t.Run(ts, func(t *testing.T) {
			raw := `{"id":"1","from":"a","to":"b","action":"x","timestamp":"` + ts + `"}`
			env, err := ParseEnvelope([]byte(raw))
			require.NoError(t, err)
			assert.Equal(t, ts, env.Timestamp)
		})
	}
}

func TestParseTimestamp_NoOffsetIsUTC(t *testing.T) {
	got, err := ParseTimestamp("2024-05-01T10:00:00.123456")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC), got)
}

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope("a", "b", "run", json.RawMessage(`{}`), "corr")
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "corr", env.CorrelationID)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	parsed, err := ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, parsed.ID)
}

func TestTaskStatus_Terminal(t *testing.T) {
	assert.False(t, TaskStatusReceived.Terminal())
	assert.False(t, TaskStatusRunning.Terminal())
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
}
