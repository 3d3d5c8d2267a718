package tools_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rtreit/stockripperv2/a2a"
	"github.com/rtreit/stockripperv2/internal/toolstub"
	"github.com/rtreit/stockripperv2/toolproc"
	"github.com/rtreit/stockripperv2/tools"
)

func newClient(t *testing.T, srv *fakeServer) *tools.Client {
	t.Helper()
	reg, err := tools.NewRegistry(srv)
	require.NoError(t, err)
	return tools.NewClient(reg, zaptest.NewLogger(t))
}

func TestClientCallForwardsCorrelationID(t *testing.T) {
	srv := &fakeServer{name: "stub", tools: toolstub.Tools(""), result: json.RawMessage(`{"text":"HI"}`)}
	client := newClient(t, srv)

	ctx := a2a.WithCorrelationID(context.Background(), "corr-1")
	var out struct{ Text string }
	require.NoError(t, client.CallInto(ctx, "upper", map[string]string{"text": "hi"}, &out))
	assert.Equal(t, "HI", out.Text)

	calls := srv.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "upper", calls[0].method)
	assert.JSONEq(t, `{"text":"hi"}`, calls[0].params)
	assert.Equal(t, "corr-1", calls[0].correlationID)
}

func TestClientUnknownTool(t *testing.T) {
	srv := &fakeServer{name: "stub", tools: toolstub.Tools("")}
	client := newClient(t, srv)

	_, err := client.Call(context.Background(), "missing", nil)
	require.ErrorIs(t, err, tools.ErrUnknownTool)
	assert.Empty(t, srv.recorded())
}

func TestClientValidatesArguments(t *testing.T) {
	srv := &fakeServer{name: "stub", tools: toolstub.Tools("")}
	client := newClient(t, srv)

	_, err := client.Call(context.Background(), "upper", map[string]int{"text": 3})
	var callErr *toolproc.ToolCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, tools.InvalidParamsCode, callErr.Code)
	assert.Empty(t, srv.recorded())
}

func TestClientArgumentForms(t *testing.T) {
	srv := &fakeServer{name: "stub", tools: toolstub.Tools(""), result: json.RawMessage(`{}`)}
	client := newClient(t, srv)
	ctx := context.Background()

	_, err := client.Call(ctx, "echo", nil)
	require.NoError(t, err)
	_, err = client.Call(ctx, "echo", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	_, err = client.Call(ctx, "echo", []byte(`{"b":2}`))
	require.NoError(t, err)
	_, err = client.Call(ctx, "echo", json.RawMessage(`{broken`))
	require.Error(t, err)

	calls := srv.recorded()
	require.Len(t, calls, 3)
	assert.JSONEq(t, `{}`, calls[0].params)
	assert.JSONEq(t, `{"a":1}`, calls[1].params)
	assert.JSONEq(t, `{"b":2}`, calls[2].params)
}

func TestClientRejectsNonObjectArguments(t *testing.T) {
	srv := &fakeServer{name: "stub", tools: []toolproc.ToolInfo{{Name: "raw"}}, result: json.RawMessage(`{}`)}
	client := newClient(t, srv)

	for _, args := range []any{[]int{1, 2}, 42, "text", json.RawMessage(` [1]`), json.RawMessage(`null`)} {
		_, err := client.Call(context.Background(), "raw", args)
		var callErr *toolproc.ToolCallError
		require.ErrorAs(t, err, &callErr, "args %v", args)
		assert.Equal(t, tools.InvalidParamsCode, callErr.Code)
	}
	assert.Empty(t, srv.recorded())

	_, err := client.Call(context.Background(), "raw", map[string]int{"n": 1})
	require.NoError(t, err)
}

func TestClientPropagatesServerErrors(t *testing.T) {
	srv := &fakeServer{name: "stub", tools: toolstub.Tools(""), err: toolproc.ErrToolCallTimeout}
	client := newClient(t, srv)

	_, err := client.Call(context.Background(), "sleep", map[string]int{"ms": 1})
	require.ErrorIs(t, err, toolproc.ErrToolCallTimeout)
}
