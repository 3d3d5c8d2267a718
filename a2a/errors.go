package a2a

import (
	"errors"
	"strings"
)

var (
	// ErrDuplicateTask is returned when a task id is already known.
	ErrDuplicateTask = errors.New("duplicate task")
	// ErrTaskNotFound is returned when no record exists for a task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrMalformedEnvelope is matched by every *EnvelopeError.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrInvalidTransition is returned for a backwards or repeated status change.
	ErrInvalidTransition = errors.New("invalid task status transition")
	// ErrInvalidResult is returned when a task result is not valid JSON.
	ErrInvalidResult = errors.New("task result is not valid JSON")
)

// EnvelopeError describes why an inbound envelope was rejected.
type EnvelopeError struct {
	Details []string
}

func (e *EnvelopeError) Error() string {
	if len(e.Details) == 0 {
		return ErrMalformedEnvelope.Error()
	}
	return ErrMalformedEnvelope.Error() + ": " + strings.Join(e.Details, "; ")
}

func (e *EnvelopeError) Is(target error) bool { return target == ErrMalformedEnvelope }
