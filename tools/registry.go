// Package tools resolves capability names to the tool servers that provide
// them and invokes them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"

	"github.com/rtreit/stockripperv2/a2a"
	"github.com/rtreit/stockripperv2/toolproc"
)

// ErrUnknownTool is returned for a capability name no tool server declared.
var ErrUnknownTool = errors.New("unknown tool")

// Server is a tool server that has completed its handshake.
// *toolproc.Process satisfies it.
type Server interface {
	Name() string
	Tools() []toolproc.ToolInfo
	Call(ctx context.Context, method string, params json.RawMessage, correlationID string) (json.RawMessage, error)
}

type entry struct {
	capability a2a.Capability
	server     Server
	// schema is nil when the tool declared no usable input schema.
	schema *gojsonschema.Schema
}

// Registry maps capability names to their tool servers. It is built once
// from the handshake results and never modified afterwards, so it is safe
// for concurrent use without locking.
type Registry struct {
	entries map[string]*entry
	names   []string
	servers []string
}

// NewRegistry indexes the tools declared by servers. Two servers declaring
// the same tool name is an error.
func NewRegistry(servers ...Server) (*Registry, error) {
	r := &Registry{entries: make(map[string]*entry)}
	for _, srv := range servers {
		r.servers = append(r.servers, srv.Name())
		for _, info := range srv.Tools() {
			if prev, exists := r.entries[info.Name]; exists {
				return nil, fmt.Errorf("tool %q declared by both %q and %q",
					info.Name, prev.capability.ToolServer, srv.Name())
			}
			e := &entry{
				capability: a2a.Capability{
					Name:        info.Name,
					Description: info.Description,
					InputSchema: info.InputSchema,
					ToolServer:  srv.Name(),
				},
				server: srv,
			}
			if len(info.InputSchema) > 0 {
				if s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(info.InputSchema)); err == nil {
					e.schema = s
				}
			}
			r.entries[info.Name] = e
			r.names = append(r.names, info.Name)
		}
	}
	sort.Strings(r.names)
	sort.Strings(r.servers)
	return r, nil
}

// ListCapabilities returns every capability sorted by name.
func (r *Registry) ListCapabilities() []a2a.Capability {
	caps := make([]a2a.Capability, 0, len(r.names))
	for _, name := range r.names {
		caps = append(caps, r.entries[name].capability)
	}
	return caps
}

// Lookup returns the capability with the given name.
func (r *Registry) Lookup(name string) (a2a.Capability, bool) {
	e, ok := r.entries[name]
	if !ok {
		return a2a.Capability{}, false
	}
	return e.capability, true
}

// Servers returns the names of the tool servers, sorted.
func (r *Registry) Servers() []string {
	return append([]string(nil), r.servers...)
}

// ToAgentCard builds the discovery document for an agent backed by this
// registry. Actions are left for the caller to fill in.
func (r *Registry) ToAgentCard(name, url, version string) a2a.AgentCard {
	return a2a.AgentCard{
		Name:         name,
		URL:          url,
		Version:      version,
		Capabilities: r.ListCapabilities(),
		Endpoints:    a2a.StandardEndpoints(),
		ToolServers:  r.Servers(),
	}
}

func (r *Registry) resolve(name string) (*entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return e, nil
}
