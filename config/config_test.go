package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
name: planner
description: Plans work
listen: ":8001"
peers:
  mailer: http://localhost:8002
  planner: http://localhost:8001
tools:
  - name: text
    command: ./bin/stubtool
    env:
      - TOOLSTUB_PREFIX=text_
      - API_KEY=${PLANNER_TEST_KEY}
    call_timeout: 5s
actions:
  plan:
    mode: sync
    steps:
      - tool: text_upper
      - peer: mailer
        action: notify
server:
  task_timeout: 2m
log:
  level: debug
  format: console
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestParse(t *testing.T) {
	t.Setenv("PLANNER_TEST_KEY", "k-123")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "planner", cfg.Name)
	assert.Equal(t, ":8001", cfg.Listen)
	require.Len(t, cfg.Tools, 1)
	assert.Equal(t, []string{"TOOLSTUB_PREFIX=text_", "API_KEY=k-123"}, cfg.Tools[0].Env)
	assert.Equal(t, 5*time.Second, cfg.Tools[0].CallTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Server.TaskTimeout)
	// Unset fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.SyncTimeout)
	assert.Equal(t, 3, cfg.Peer.MaxAttempts)
	assert.Equal(t, "sync", cfg.ActionMode("plan"))
	assert.Equal(t, "async", cfg.ActionMode("other"))
	assert.Len(t, cfg.Actions["plan"].Steps, 2)
}

func TestLoadFileWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agent.yaml", sampleYAML)
	t.Setenv("AGENT_LISTEN", ":9100")
	t.Setenv("AGENT_SERVER_SHUTDOWN_GRACE", "3s")
	t.Setenv("AGENT_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "planner", cfg.Name)
	assert.Equal(t, ":9100", cfg.Listen)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownGrace)
	assert.Equal(t, 2*time.Minute, cfg.Server.TaskTimeout)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "http://localhost:8002", cfg.Peers["mailer"])
	require.Len(t, cfg.Tools, 1)
	assert.Equal(t, 5*time.Second, cfg.Tools[0].CallTimeout)
}

func TestLoadFromConfigEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "custom.yaml", "name: mailer\nlisten: \":8002\"\n")
	t.Setenv("AGENT_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "mailer", cfg.Name)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AGENT_NAME", "solo")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "solo", cfg.Name)
	assert.Equal(t, ":8000", cfg.Listen)
	assert.Equal(t, 60*time.Second, cfg.Server.TaskTimeout)
	assert.Equal(t, time.Second, cfg.Restart.Initial)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty name", func(c *Config) { c.Name = "" }, "name is required"},
		{"tool without command", func(c *Config) {
			c.Tools = []ToolConfig{{Name: "x"}}
		}, "command is required"},
		{"duplicate tool", func(c *Config) {
			c.Tools = []ToolConfig{{Name: "x", Command: "a"}, {Name: "x", Command: "b"}}
		}, "duplicate tool server"},
		{"bad env", func(c *Config) {
			c.Tools = []ToolConfig{{Name: "x", Command: "a", Env: []string{"NOEQUALS"}}}
		}, "KEY=VALUE"},
		{"bad mode", func(c *Config) {
			c.Actions = map[string]ActionConfig{"a": {Mode: "eventually"}}
		}, "mode must be async or sync"},
		{"step with both", func(c *Config) {
			c.Actions = map[string]ActionConfig{"a": {Steps: []StepConfig{{Tool: "t", Peer: "p", Action: "x"}}}}
		}, "not both"},
		{"peer step without action", func(c *Config) {
			c.Peers = map[string]string{"p": "http://p"}
			c.Actions = map[string]ActionConfig{"a": {Steps: []StepConfig{{Peer: "p"}}}}
		}, "action is required"},
		{"unknown peer", func(c *Config) {
			c.Actions = map[string]ActionConfig{"a": {Steps: []StepConfig{{Peer: "ghost", Action: "x"}}}}
		}, "unknown peer"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "invalid log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "invalid log.format"},
		{"bad restart", func(c *Config) { c.Restart.Max = c.Restart.Initial / 2 }, "restart"},
		{"sync outlives write", func(c *Config) {
			c.Server.SyncTimeout = c.Server.WriteTimeout
		}, "must be below server.write_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, Default().Validate())
}

func TestURL(t *testing.T) {
	cfg := Default()
	cfg.Listen = ":8003"
	assert.Equal(t, "http://localhost:8003", cfg.URL())

	cfg.Listen = "127.0.0.1:9000"
	assert.Equal(t, "http://127.0.0.1:9000", cfg.URL())

	cfg.PublicURL = "https://agents.example.com/planner/"
	assert.Equal(t, "https://agents.example.com/planner", cfg.URL())
}

func TestRenderRoundTrip(t *testing.T) {
	t.Setenv("PLANNER_TEST_KEY", "k-123")
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	out, err := Render(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "task_timeout: 2m0s")

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "agent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "planner", cfg.Name)
	assert.Equal(t, "sync", cfg.ActionMode("shout"))
	require.Len(t, cfg.Actions["plan"].Steps, 2)
	assert.True(t, cfg.Actions["plan"].Steps[1].Wait)
	assert.Equal(t, 200*time.Millisecond, cfg.Peer.InitialBackoff)
	assert.Equal(t, []string{"TOOLSTUB_PREFIX=text_"}, cfg.Tools[0].Env)
}
