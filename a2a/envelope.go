package a2a

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema is the JSON Schema every inbound envelope must satisfy.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "from", "to", "action"],
  "properties": {
    "id":            {"type": "string", "minLength": 1, "maxLength": 256},
    "from":          {"type": "string", "minLength": 1},
    "to":            {"type": "string", "minLength": 1},
    "action":        {"type": "string", "minLength": 1, "maxLength": 128},
    "payload":       {},
    "timestamp":     {"type": "string"},
    "correlationId": {"type": "string", "maxLength": 256}
  }
}`

var (
	compiledEnvelope *gojsonschema.Schema
	compileOnce      sync.Once
	compileErr       error
)

func getEnvelopeSchema() (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledEnvelope, compileErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	})
	return compiledEnvelope, compileErr
}

// ParseEnvelope validates raw JSON against the envelope schema and decodes
// it. Validation failures are returned as *EnvelopeError.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if !json.Valid(data) {
		return env, &EnvelopeError{Details: []string{"body is not valid JSON"}}
	}

	schema, err := getEnvelopeSchema()
	if err != nil {
		return env, fmt.Errorf("compiling envelope schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return env, &EnvelopeError{Details: []string{err.Error()}}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return env, &EnvelopeError{Details: details}
	}

	if err := json.Unmarshal(data, &env); err != nil {
		return env, &EnvelopeError{Details: []string{err.Error()}}
	}
	if env.Timestamp != "" {
		if _, err := ParseTimestamp(env.Timestamp); err != nil {
			return env, &EnvelopeError{Details: []string{"timestamp: must be ISO 8601"}}
		}
	}
	return env, nil
}

// timestampLayouts are tried in order. The last one accepts local times
// without a zone offset, as sent by peers that do not record one.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp parses an envelope timestamp. Times without a zone offset
// are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	var err error
	for _, layout := range timestampLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// NewEnvelope builds an envelope with a fresh id and the current time.
func NewEnvelope(from, to, action string, payload json.RawMessage, correlationID string) Envelope {
	return Envelope{
		ID:            uuid.NewString(),
		From:          from,
		To:            to,
		Action:        action,
		Payload:       payload,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		CorrelationID: correlationID,
	}
}
