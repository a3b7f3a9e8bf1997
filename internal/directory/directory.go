// Package directory resolves an inbound call — caller identifier plus
// telephony port — to the tenant, agent, and agent configuration that
// should serve it. The resolution contract is a non-blocking cached lookup:
// implementations answer from memory and refresh in the background.
package directory

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no agent is provisioned for a caller/port.
var ErrNotFound = errors.New("directory: no route for caller")

// DispatchKind selects how the bridge fulfils a tool call. The contract to
// the model is identical across kinds.
type DispatchKind string

const (
	// DispatchInline names a tool the bridge executes itself (e.g. the
	// call-transfer signal).
	DispatchInline DispatchKind = "inline"

	// DispatchHTTP forwards the arguments to a configured HTTP endpoint.
	DispatchHTTP DispatchKind = "http"

	// DispatchMCP fulfils the call over the Model Context Protocol.
	DispatchMCP DispatchKind = "mcp"
)

// IsValid reports whether k is a recognised dispatch kind.
func (k DispatchKind) IsValid() bool {
	switch k {
	case DispatchInline, DispatchHTTP, DispatchMCP:
		return true
	}
	return false
}

// EndpointConfig describes the HTTP fulfilment of a [ToolDefinition].
type EndpointConfig struct {
	URL       string            `json:"url" yaml:"url"`
	Method    string            `json:"method" yaml:"method"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers"`
	TimeoutMS int               `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
	Retries   int               `json:"retries,omitempty" yaml:"retries"`
}

// ToolDefinition declares one tool an agent may invoke. Name is unique
// within the agent.
type ToolDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
	Dispatch    DispatchKind   `json:"dispatch" yaml:"dispatch"`

	// Endpoint is set for DispatchHTTP tools.
	Endpoint *EndpointConfig `json:"endpoint,omitempty" yaml:"endpoint"`

	// MCPServer names the registered MCP server for DispatchMCP tools.
	MCPServer string `json:"mcp_server,omitempty" yaml:"mcp_server"`
}

// AgentConfig is the immutable per-session snapshot of an agent. It is
// loaded once at session start; mid-call provisioning changes do not affect
// live sessions.
type AgentConfig struct {
	Instructions      string           `json:"instructions" yaml:"instructions"`
	Voice             string           `json:"voice" yaml:"voice"`
	Model             string           `json:"model" yaml:"model"`
	Temperature       float64          `json:"temperature" yaml:"temperature"`
	MaxResponseTokens int              `json:"max_response_tokens" yaml:"max_response_tokens"`
	Language          string           `json:"language" yaml:"language"`
	TransferQueue     string           `json:"transfer_queue" yaml:"transfer_queue"`
	Tools             []ToolDefinition `json:"tools" yaml:"tools"`
}

// Tool returns the named tool definition, or false when the agent does not
// declare it.
func (c AgentConfig) Tool(name string) (ToolDefinition, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

// Route is the resolution result for one call.
type Route struct {
	TenantID string
	AgentID  string
	Agent    AgentConfig
}

// Directory answers caller → tenant/agent lookups.
type Directory interface {
	// Resolve maps a caller id and telephony port to a Route. It must not
	// block on network round-trips in steady state.
	Resolve(ctx context.Context, caller string, port int) (Route, error)
}

// routeKey builds the cache/lookup key for a caller and port.
func routeKey(caller string, port int) string {
	return fmt.Sprintf("%s:%d", caller, port)
}

// Static is a fixed in-memory Directory, used in tests and single-tenant
// deployments configured from the YAML file.
type Static struct {
	routes map[string]Route

	// Fallback, when non-nil, serves callers with no explicit entry.
	Fallback *Route
}

// Compile-time assertion that Static satisfies Directory.
var _ Directory = (*Static)(nil)

// NewStatic creates a Static directory from explicit routes.
func NewStatic() *Static {
	return &Static{routes: make(map[string]Route)}
}

// Add registers a route for the caller/port pair.
func (s *Static) Add(caller string, port int, route Route) {
	s.routes[routeKey(caller, port)] = route
}

// Resolve implements [Directory].
func (s *Static) Resolve(_ context.Context, caller string, port int) (Route, error) {
	if r, ok := s.routes[routeKey(caller, port)]; ok {
		return r, nil
	}
	if s.Fallback != nil {
		return *s.Fallback, nil
	}
	return Route{}, fmt.Errorf("%w: %s port %d", ErrNotFound, caller, port)
}
