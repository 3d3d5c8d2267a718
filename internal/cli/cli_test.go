package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rtreit/stockripperv2/a2a"
	"github.com/rtreit/stockripperv2/server"
)

const testYAML = `
name: gateway
listen: 127.0.0.1:9100
log:
  level: error
actions:
  plan:
    mode: sync
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// useConfig points the global --config flag at path for one test.
func useConfig(t *testing.T, path string) {
	t.Helper()
	old := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = old })
}

func testCommand(stdin string) (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetContext(context.Background())
	return cmd, &out
}

func TestRunConfigPrintsEffectiveConfig(t *testing.T) {
	useConfig(t, writeConfig(t, testYAML))
	cmd, out := testCommand("")

	require.NoError(t, runConfig(cmd, nil))
	assert.Contains(t, out.String(), "name: gateway")
	assert.Contains(t, out.String(), "listen: 127.0.0.1:9100")
	assert.Contains(t, out.String(), "task_timeout: 1m0s")
}

func TestLoadConfigFromStdin(t *testing.T) {
	useConfig(t, "-")
	cmd, _ := testCommand("name: piped\nlisten: \":7000\"\n")

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "piped", cfg.Name)
	assert.Equal(t, ":7000", cfg.Listen)
}

func TestLoadConfigVerboseRaisesLogLevel(t *testing.T) {
	useConfig(t, writeConfig(t, testYAML))
	old := verbose
	verbose = true
	t.Cleanup(func() { verbose = old })

	cfg, err := loadConfig(&cobra.Command{})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigRejectsInvalidConfig(t *testing.T) {
	useConfig(t, writeConfig(t, "name: broken\nactions:\n  plan:\n    mode: sometimes\n"))

	_, err := loadConfig(&cobra.Command{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestRunCardJSON(t *testing.T) {
	useConfig(t, writeConfig(t, testYAML))
	cmd, out := testCommand("")
	old := cardYAML
	cardYAML = false
	t.Cleanup(func() { cardYAML = old })

	require.NoError(t, runCard(cmd, nil))

	var card a2a.AgentCard
	require.NoError(t, json.Unmarshal(out.Bytes(), &card))
	assert.Equal(t, "gateway", card.Name)
	assert.Equal(t, "http://127.0.0.1:9100", card.URL)
	assert.Empty(t, card.Capabilities)
	assert.Equal(t, []a2a.ActionInfo{{Name: "plan", Mode: "sync"}}, card.Actions)
	assert.Equal(t, a2a.StandardEndpoints(), card.Endpoints)
}

func TestEncodeCardYAML(t *testing.T) {
	card := a2a.AgentCard{
		Name:    "planner",
		URL:     "http://localhost:8000",
		Version: "0.1.0",
		Capabilities: []a2a.Capability{{
			Name:        "quote",
			ToolServer:  "market",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		Endpoints: a2a.StandardEndpoints(),
	}
	out, err := encodeCard(card, true)
	require.NoError(t, err)

	text := string(out)
	assert.Contains(t, text, "name: planner\n")
	assert.Contains(t, text, "version: 0.1.0\n")
	assert.Contains(t, text, "toolServer: market")
	assert.Contains(t, text, "type: object")
	assert.NotContains(t, text, `"type"`)
	assert.Less(t, strings.Index(text, "name:"), strings.Index(text, "capabilities:"))
}

func TestRunSendWaitsForResult(t *testing.T) {
	srv := server.New(server.Config{Name: "planner"}, func(_ context.Context, env a2a.Envelope) (json.RawMessage, error) {
		return env.Payload, nil
	}, zaptest.NewLogger(t))
	srv.SetReady(true)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	useConfig(t, writeConfig(t, testYAML))
	oldURL, oldWait, oldCorr := sendURL, sendWait, sendCorrelationID
	sendURL, sendWait, sendCorrelationID = ts.URL, true, "corr-cli"
	t.Cleanup(func() { sendURL, sendWait, sendCorrelationID = oldURL, oldWait, oldCorr })

	cmd, out := testCommand("")
	require.NoError(t, runSend(cmd, []string{"planner", "plan", `{"symbol":"MSFT"}`}))

	var rec a2a.TaskRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
	assert.Equal(t, a2a.TaskStatusCompleted, rec.Status)
	assert.JSONEq(t, `{"symbol":"MSFT"}`, string(rec.Result))
	assert.Equal(t, "corr-cli", rec.Envelope.CorrelationID)
	assert.Equal(t, "gateway", rec.Envelope.From)
	assert.Equal(t, "planner", rec.Envelope.To)
}

func TestRunSendRejectsInvalidPayload(t *testing.T) {
	cmd, _ := testCommand("")
	err := runSend(cmd, []string{"planner", "plan", "{not json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestBannerRows(t *testing.T) {
	card := a2a.AgentCard{
		Name:         "planner",
		URL:          "http://localhost:8000",
		Version:      "1.2.3",
		ToolServers:  []string{"market"},
		Capabilities: []a2a.Capability{{Name: "a"}, {Name: "b"}},
		Actions:      []a2a.ActionInfo{{Name: "plan", Mode: "async"}},
	}
	rows := bannerRows(card, map[string]string{"mailer": "x", "auditor": "y"})
	assert.Equal(t, []bannerRow{
		{Key: "URL", Value: "http://localhost:8000"},
		{Key: "Version", Value: "1.2.3"},
		{Key: "Tool servers", Value: "market"},
		{Key: "Capabilities", Value: "2"},
		{Key: "Actions", Value: "plan (async)"},
		{Key: "Peers", Value: "auditor, mailer"},
	}, rows)

	rendered := renderBanner(card, rows)
	assert.Contains(t, rendered, "agent planner ready")
	assert.Contains(t, rendered, "auditor, mailer")
}

func TestPrintBannerSkipsNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	printBanner(&buf, a2a.AgentCard{Name: "planner"}, nil)
	assert.Empty(t, buf.String())
}

func TestVersionCommand(t *testing.T) {
	cmd, out := testCommand("")
	versionCmd.Run(cmd, nil)
	assert.Equal(t, "agentd dev (commit: none)\n", out.String())
}
