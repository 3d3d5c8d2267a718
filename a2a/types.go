// Package a2a provides shared types for the agent-to-agent task protocol:
// task envelopes, task records and the agent card served for discovery.
package a2a

import (
	"encoding/json"
	"time"
)

const (
	// CorrelationHeader carries the correlation id on every HTTP hop.
	CorrelationHeader = "X-Correlation-ID"
	// ReplayHeader is set to "true" on responses to a resubmitted task id.
	ReplayHeader = "Idempotent-Replay"
)

// TaskStatus represents the possible states of a task.
type TaskStatus string

const (
	TaskStatusReceived  TaskStatus = "received"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// rank orders statuses so transitions can be checked for monotonicity.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusReceived:
		return 0
	case TaskStatusRunning:
		return 1
	case TaskStatusCompleted, TaskStatusFailed:
		return 2
	default:
		return -1
	}
}

// Envelope is a unit of work submitted from one agent to another. ID is
// assigned by the caller and doubles as the idempotency key.
type Envelope struct {
	ID            string          `json:"id"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     string          `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// TaskRecord is the server-side state of one task.
type TaskRecord struct {
	Envelope   Envelope        `json:"envelope"`
	Status     TaskStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// Ack is the short answer to a fire-and-acknowledge submission.
type Ack struct {
	ID     string     `json:"id"`
	Status TaskStatus `json:"status"`
}

// AgentCard describes an agent's identity and capabilities for discovery.
type AgentCard struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	URL          string       `json:"url"`
	Version      string       `json:"version"`
	Capabilities []Capability `json:"capabilities"`
	Endpoints    []Endpoint   `json:"endpoints"`
	Actions      []ActionInfo `json:"actions,omitempty"`
	ToolServers  []string     `json:"toolServers,omitempty"`
}

// Capability is one callable tool method.
type Capability struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	ToolServer  string          `json:"toolServer"`
}

// Endpoint documents one HTTP route of the agent.
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description,omitempty"`
}

// ActionInfo documents an action the agent accepts and how it responds.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Mode        string `json:"mode"`
}

// StandardEndpoints lists the routes every agent serves.
func StandardEndpoints() []Endpoint {
	return []Endpoint{
		{Path: "/a2a/tasks", Method: "POST", Description: "Submit a task envelope"},
		{Path: "/a2a/tasks", Method: "GET", Description: "List task records"},
		{Path: "/a2a/tasks/{id}", Method: "GET", Description: "Get a task record"},
		{Path: "/.well-known/agent.json", Method: "GET", Description: "Agent card"},
		{Path: "/health", Method: "GET", Description: "Liveness probe"},
		{Path: "/ready", Method: "GET", Description: "Readiness probe"},
		{Path: "/tools/status", Method: "GET", Description: "Tool server status"},
	}
}
