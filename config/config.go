// Package config provides YAML-based configuration loading for agentd.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. AGENT_LISTEN=:9000.
const EnvPrefix = "AGENT"

// Config is the root agent configuration.
type Config struct {
	// Name is the agent's identity in envelopes and on its card.
	Name        string `mapstructure:"name" yaml:"name"`
	Description string `mapstructure:"description" yaml:"description,omitempty"`
	Version     string `mapstructure:"version" yaml:"version"`

	// Listen is the HTTP bind address.
	Listen string `mapstructure:"listen" yaml:"listen"`
	// PublicURL is advertised on the agent card. Derived from Listen when
	// empty.
	PublicURL string `mapstructure:"public_url" yaml:"public_url,omitempty"`

	// Peers maps peer agent names to base URLs.
	Peers map[string]string `mapstructure:"peers" yaml:"peers,omitempty"`

	Tools   []ToolConfig            `mapstructure:"tools" yaml:"tools,omitempty"`
	Actions map[string]ActionConfig `mapstructure:"actions" yaml:"actions,omitempty"`

	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Peer    PeerConfig    `mapstructure:"peer" yaml:"peer"`
	Restart RestartConfig `mapstructure:"restart" yaml:"restart"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// ToolConfig describes one tool server subprocess.
type ToolConfig struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args,omitempty"`
	// Env entries are KEY=VALUE; ${VAR} references are expanded from the
	// agent's environment.
	Env              []string      `mapstructure:"env" yaml:"env,omitempty"`
	Dir              string        `mapstructure:"dir" yaml:"dir,omitempty"`
	CallTimeout      time.Duration `mapstructure:"call_timeout" yaml:"call_timeout,omitempty"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout,omitempty"`
	Serialize        bool          `mapstructure:"serialize" yaml:"serialize,omitempty"`
}

// ActionConfig configures one task action.
type ActionConfig struct {
	Description string `mapstructure:"description" yaml:"description,omitempty"`
	// Mode is async (default) or sync.
	Mode  string       `mapstructure:"mode" yaml:"mode,omitempty"`
	Steps []StepConfig `mapstructure:"steps" yaml:"steps,omitempty"`
}

// StepConfig is one pipeline step: either a tool call or a peer task.
type StepConfig struct {
	Tool   string `mapstructure:"tool" yaml:"tool,omitempty"`
	Peer   string `mapstructure:"peer" yaml:"peer,omitempty"`
	Action string `mapstructure:"action" yaml:"action,omitempty"`
	// Wait makes a peer step poll until the peer task is terminal and pass
	// its result on.
	Wait bool `mapstructure:"wait" yaml:"wait,omitempty"`
}

// ServerConfig tunes the task server.
type ServerConfig struct {
	TaskTimeout   time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	SyncTimeout   time.Duration `mapstructure:"sync_timeout" yaml:"sync_timeout"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// PeerConfig tunes outbound peer calls.
type PeerConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// RestartConfig is the tool server respawn backoff.
type RestartConfig struct {
	Initial time.Duration `mapstructure:"initial" yaml:"initial"`
	Max     time.Duration `mapstructure:"max" yaml:"max"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Name:    "agent",
		Version: "0.1.0",
		Listen:  ":8000",
		Server: ServerConfig{
			TaskTimeout:   60 * time.Second,
			SyncTimeout:   30 * time.Second,
			ShutdownGrace: 10 * time.Second,
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  75 * time.Second,
			MaxBodyBytes:  1 << 20,
		},
		Peer: PeerConfig{
			MaxAttempts:    3,
			AttemptTimeout: 10 * time.Second,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Restart: RestartConfig{
			Initial: time.Second,
			Max:     30 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "json",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// $AGENT_CONFIG or agent.yaml in the working directory or ./configs.
// A missing file is not an error. Environment variables override file
// values with the prefix AGENT and "." replaced by "_", e.g.
// AGENT_SERVER_TASK_TIMEOUT=5s.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seedDefaults(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agent")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document on top of the defaults. Environment
// overrides are not applied.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Render encodes cfg as YAML.
func Render(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// seedDefaults registers every scalar default with viper so env-only
// configurations work.
func seedDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("name", cfg.Name)
	v.SetDefault("description", cfg.Description)
	v.SetDefault("version", cfg.Version)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("public_url", cfg.PublicURL)
	v.SetDefault("server.task_timeout", cfg.Server.TaskTimeout)
	v.SetDefault("server.sync_timeout", cfg.Server.SyncTimeout)
	v.SetDefault("server.shutdown_grace", cfg.Server.ShutdownGrace)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.max_body_bytes", cfg.Server.MaxBodyBytes)
	v.SetDefault("peer.max_attempts", cfg.Peer.MaxAttempts)
	v.SetDefault("peer.attempt_timeout", cfg.Peer.AttemptTimeout)
	v.SetDefault("peer.initial_backoff", cfg.Peer.InitialBackoff)
	v.SetDefault("peer.max_backoff", cfg.Peer.MaxBackoff)
	v.SetDefault("restart.initial", cfg.Restart.Initial)
	v.SetDefault("restart.max", cfg.Restart.Max)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
}

// expandEnv resolves ${VAR} references in tool environment values.
func (c *Config) expandEnv() {
	for i := range c.Tools {
		for j, kv := range c.Tools[i].Env {
			key, val, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			c.Tools[i].Env[j] = key + "=" + os.ExpandEnv(val)
		}
	}
}

// URL returns the agent's advertised base URL.
func (c *Config) URL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	host, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return "http://" + c.Listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// ActionMode returns the configured mode of an action, defaulting to async.
func (c *Config) ActionMode(action string) string {
	if a, ok := c.Actions[action]; ok && a.Mode != "" {
		return strings.ToLower(a.Mode)
	}
	return "async"
}
