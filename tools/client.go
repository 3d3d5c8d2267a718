package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/rtreit/stockripperv2/a2a"
	"github.com/rtreit/stockripperv2/toolproc"
)

// InvalidParamsCode is the ToolCallError code for arguments that do not
// match the tool's declared input schema.
const InvalidParamsCode = "InvalidParams"

// Client invokes capabilities by name.
type Client struct {
	registry *Registry
	logger   *zap.Logger
}

// NewClient returns a Client that routes calls through registry.
func NewClient(registry *Registry, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{registry: registry, logger: logger}
}

// Registry returns the registry the client routes through.
func (c *Client) Registry() *Registry { return c.registry }

// Call invokes the named capability with args and returns the raw result.
// args may be nil, a json.RawMessage, a []byte holding JSON or any value
// that encodes to a JSON object. The correlation id carried by ctx is
// forwarded to the tool server.
func (c *Client) Call(ctx context.Context, name string, args any) (json.RawMessage, error) {
	e, err := c.registry.resolve(name)
	if err != nil {
		return nil, err
	}

	params, err := encodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments for %q: %w", name, err)
	}
	if !isObject(params) {
		return nil, &toolproc.ToolCallError{Code: InvalidParamsCode, Message: "arguments must be a JSON object"}
	}
	if err := validateArgs(e.schema, params); err != nil {
		return nil, err
	}

	correlationID := a2a.CorrelationID(ctx)
	start := time.Now()
	result, err := e.server.Call(ctx, name, params, correlationID)
	fields := []zap.Field{
		zap.String("tool", name),
		zap.String("tool_server", e.capability.ToolServer),
		zap.String("correlation_id", correlationID),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		c.logger.Warn("tool call failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	c.logger.Debug("tool call completed", fields...)
	return result, nil
}

// CallInto invokes the named capability and decodes its result into out.
func (c *Client) CallInto(ctx context.Context, name string, args, out any) error {
	raw, err := c.Call(ctx, name, args)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding result of %q: %w", name, err)
	}
	return nil
}

func encodeArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(v) {
			return nil, errors.New("arguments are not valid JSON")
		}
		return v, nil
	case []byte:
		return encodeArgs(json.RawMessage(v))
	default:
		return json.Marshal(v)
	}
}

func isObject(params json.RawMessage) bool {
	trimmed := bytes.TrimLeft(params, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func validateArgs(schema *gojsonschema.Schema, params json.RawMessage) error {
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return &toolproc.ToolCallError{Code: InvalidParamsCode, Message: err.Error()}
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return &toolproc.ToolCallError{Code: InvalidParamsCode, Message: strings.Join(details, "; ")}
}
