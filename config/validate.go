package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate normalizes the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen is required"))
	}

	seen := make(map[string]bool, len(c.Tools))
	for i, t := range c.Tools {
		switch {
		case t.Name == "":
			errs = append(errs, fmt.Errorf("tools[%d]: name is required", i))
		case seen[t.Name]:
			errs = append(errs, fmt.Errorf("tools[%d]: duplicate tool server %q", i, t.Name))
		}
		seen[t.Name] = true
		if t.Command == "" {
			errs = append(errs, fmt.Errorf("tools[%d]: command is required", i))
		}
		for _, kv := range t.Env {
			if !strings.Contains(kv, "=") {
				errs = append(errs, fmt.Errorf("tools[%d]: env entry %q is not KEY=VALUE", i, kv))
			}
		}
	}

	for name, a := range c.Actions {
		switch strings.ToLower(a.Mode) {
		case "", "async", "sync":
		default:
			errs = append(errs, fmt.Errorf("actions.%s: mode must be async or sync, got %q", name, a.Mode))
		}
		for j, s := range a.Steps {
			switch {
			case s.Tool != "" && s.Peer != "":
				errs = append(errs, fmt.Errorf("actions.%s.steps[%d]: set either tool or peer, not both", name, j))
			case s.Tool == "" && s.Peer == "":
				errs = append(errs, fmt.Errorf("actions.%s.steps[%d]: tool or peer is required", name, j))
			case s.Peer != "" && s.Action == "":
				errs = append(errs, fmt.Errorf("actions.%s.steps[%d]: action is required for a peer step", name, j))
			case s.Peer != "":
				if _, ok := c.Peers[s.Peer]; !ok {
					errs = append(errs, fmt.Errorf("actions.%s.steps[%d]: unknown peer %q", name, j, s.Peer))
				}
			}
		}
	}

	if c.Peer.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("peer.max_attempts must be at least 1, got %d", c.Peer.MaxAttempts))
	}
	if c.Server.WriteTimeout > 0 && c.Server.SyncTimeout >= c.Server.WriteTimeout {
		errs = append(errs, fmt.Errorf("server.sync_timeout (%s) must be below server.write_timeout (%s)",
			c.Server.SyncTimeout, c.Server.WriteTimeout))
	}
	if c.Restart.Initial <= 0 || c.Restart.Max < c.Restart.Initial {
		errs = append(errs, errors.New("restart: initial must be positive and not above max"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log.level: %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "":
		c.Log.Format = "json"
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("invalid log.format: %q", c.Log.Format))
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	return errors.Join(errs...)
}
