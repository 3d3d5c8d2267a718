package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rtreit/stockripperv2/a2a"
)

// Error codes carried in HTTP error bodies.
const (
	CodeMalformedEnvelope = "MalformedEnvelope"
	CodeTaskNotFound      = "TaskNotFound"
	CodeNotReady          = "NotReady"
	CodePayloadTooLarge   = "PayloadTooLarge"
	CodeInternal          = "Internal"
)

// ErrNotReady is returned by Submit before the agent is ready or while it
// is draining.
var ErrNotReady = errors.New("agent not ready")

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error APIError `json:"error"`
}

// APIError describes one failed request.
type APIError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// statusFor maps an error to its HTTP status and error code.
func statusFor(err error) (int, APIError) {
	var envErr *a2a.EnvelopeError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &envErr):
		return http.StatusBadRequest, APIError{Code: CodeMalformedEnvelope, Message: "envelope rejected", Details: envErr.Details}
	case errors.Is(err, a2a.ErrMalformedEnvelope):
		return http.StatusBadRequest, APIError{Code: CodeMalformedEnvelope, Message: err.Error()}
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, APIError{Code: CodePayloadTooLarge, Message: err.Error()}
	case errors.Is(err, a2a.ErrTaskNotFound):
		return http.StatusNotFound, APIError{Code: CodeTaskNotFound, Message: err.Error()}
	case errors.Is(err, ErrNotReady):
		return http.StatusServiceUnavailable, APIError{Code: CodeNotReady, Message: err.Error()}
	default:
		return http.StatusInternalServerError, APIError{Code: CodeInternal, Message: err.Error()}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := statusFor(err)
	writeJSON(w, status, ErrorBody{Error: body})
}

// writeJSON encodes v before writing the header, so an encoding failure
// becomes a 500 instead of an empty body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data, _ = json.Marshal(ErrorBody{Error: APIError{Code: CodeInternal, Message: "encoding response: " + err.Error()}})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(data, '\n')) //nolint:errcheck
}
