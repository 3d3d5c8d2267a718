package toolproc

import (
	"errors"
	"fmt"
)

var (
	// ErrToolProcessCrashed fails every call pending on a tool server that
	// exited unexpectedly, and calls that gave up waiting for a respawn.
	ErrToolProcessCrashed = errors.New("tool process crashed")
	// ErrToolCallTimeout is returned when a call's deadline elapses before
	// its response arrives. The tool server stays alive.
	ErrToolCallTimeout = errors.New("tool call timed out")
	// ErrProcessStopped is returned for calls made during or after Stop.
	ErrProcessStopped = errors.New("tool process stopped")
)

// SpawnError reports that a tool server executable could not be launched.
type SpawnError struct {
	Tool    string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning tool %q (%s): %v", e.Tool, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ToolCallError carries the error member returned by the tool server.
type ToolCallError struct {
	Code    string
	Message string
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("tool error %s: %s", e.Code, e.Message)
}
