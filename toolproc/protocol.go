// Package toolproc runs tool servers as child processes and speaks a
// newline-delimited JSON request/response protocol with them over stdio.
//
// A [Conn] multiplexes concurrent calls over one stdin/stdout pair and
// matches responses to callers by request id, so responses may arrive in
// any order. A [Process] owns the child process: it spawns it, performs the
// tools/list handshake, respawns it with exponential backoff when it
// crashes and stops it with SIGTERM followed by SIGKILL.
package toolproc

import "encoding/json"

// HandshakeMethod is called on every freshly spawned tool server. Its result
// lists the tools the server offers.
const HandshakeMethod = "tools/list"

// Request is one line written to the tool server's stdin.
type Request struct {
	RequestID     string          `json:"requestId"`
	Method        string          `json:"method"`
	Params        json.RawMessage `json:"params"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Response is one line read from the tool server's stdout.
type Response struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolInfo describes one tool returned by the handshake.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the result of the handshake method.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}
