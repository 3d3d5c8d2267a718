package tools_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtreit/stockripperv2/a2a"
	"github.com/rtreit/stockripperv2/internal/toolstub"
	"github.com/rtreit/stockripperv2/toolproc"
	"github.com/rtreit/stockripperv2/tools"
)

// fakeServer records calls and answers them with a canned result.
type fakeServer struct {
	name  string
	tools []toolproc.ToolInfo

	mu     sync.Mutex
	calls  []fakeCall
	result json.RawMessage
	err    error
}

type fakeCall struct {
	method        string
	params        string
	correlationID string
}

func (f *fakeServer) Name() string                 { return f.name }
func (f *fakeServer) Tools() []toolproc.ToolInfo { return f.tools }

func (f *fakeServer) Call(_ context.Context, method string, params json.RawMessage, correlationID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{method: method, params: string(params), correlationID: correlationID})
	return f.result, f.err
}

func (f *fakeServer) recorded() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

func TestRegistryCapabilitiesMatchDeclarations(t *testing.T) {
	alpha := &fakeServer{name: "alpha", tools: toolstub.Tools("a_")}
	beta := &fakeServer{name: "beta", tools: toolstub.Tools("b_")}

	reg, err := tools.NewRegistry(beta, alpha)
	require.NoError(t, err)

	caps := reg.ListCapabilities()
	require.Len(t, caps, len(alpha.tools)+len(beta.tools))

	declared := map[string]toolproc.ToolInfo{}
	owner := map[string]string{}
	for _, srv := range []*fakeServer{alpha, beta} {
		for _, info := range srv.tools {
			declared[info.Name] = info
			owner[info.Name] = srv.name
		}
	}
	for i, c := range caps {
		if i > 0 {
			assert.Less(t, caps[i-1].Name, c.Name, "capabilities must be sorted")
		}
		info, ok := declared[c.Name]
		require.True(t, ok, "undeclared capability %q", c.Name)
		assert.Equal(t, info.Description, c.Description)
		assert.JSONEq(t, string(info.InputSchema), string(c.InputSchema))
		assert.Equal(t, owner[c.Name], c.ToolServer)
	}
	assert.Equal(t, []string{"alpha", "beta"}, reg.Servers())
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	one := &fakeServer{name: "one", tools: toolstub.Tools("")}
	two := &fakeServer{name: "two", tools: toolstub.Tools("")}

	_, err := tools.NewRegistry(one, two)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"one"`)
	assert.Contains(t, err.Error(), `"two"`)
}

func TestRegistryLookup(t *testing.T) {
	reg, err := tools.NewRegistry(&fakeServer{name: "stub", tools: toolstub.Tools("")})
	require.NoError(t, err)

	c, ok := reg.Lookup("upper")
	require.True(t, ok)
	assert.Equal(t, "stub", c.ToolServer)

	_, ok = reg.Lookup("nope")
	assert.False(t, ok)
}

func TestRegistryEmpty(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	assert.Empty(t, reg.ListCapabilities())

	card := reg.ToAgentCard("lonely", "http://localhost:1", "0.1.0")
	assert.NotNil(t, card.Capabilities)
	assert.Empty(t, card.Capabilities)
}

func TestToAgentCard(t *testing.T) {
	reg, err := tools.NewRegistry(&fakeServer{name: "stub", tools: toolstub.Tools("")})
	require.NoError(t, err)

	card := reg.ToAgentCard("planner", "http://localhost:8001", "1.2.3")
	assert.Equal(t, "planner", card.Name)
	assert.Equal(t, "http://localhost:8001", card.URL)
	assert.Equal(t, "1.2.3", card.Version)
	assert.Equal(t, reg.ListCapabilities(), card.Capabilities)
	assert.Equal(t, a2a.StandardEndpoints(), card.Endpoints)
	assert.Equal(t, []string{"stub"}, card.ToolServers)
}
