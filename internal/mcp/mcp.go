// Package mcp connects the bridge to external Model Context Protocol tool
// servers using the official Go SDK. The [Hub] dials the configured servers
// at startup and hands their sessions to the tool dispatcher; tool routing
// itself lives there, not here.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport selects how a server connection is established.
type Transport string

const (
	// TransportStdio launches the server as a subprocess speaking MCP on
	// its standard streams.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP connects to a remote MCP endpoint.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP tool server.
type ServerConfig struct {
	// Name identifies the server; agent tool definitions reference it.
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http.
	Command string `yaml:"command"`

	// URL is the MCP endpoint used when Transport is "streamable-http".
	// Ignored for stdio.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

// Hub holds live sessions to the configured MCP servers, keyed by server
// name. Safe for concurrent use.
type Hub struct {
	client *mcpsdk.Client

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession
}

// NewHub returns an empty hub. One SDK client manages all sessions.
func NewHub() *Hub {
	return &Hub{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voicebridge", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Connect dials the server described by cfg and stores its session. An
// existing session under the same name is closed and replaced.
func (h *Hub) Connect(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("mcp: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcp: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp: connect to server %q: %w", cfg.Name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	h.sessions[cfg.Name] = session
	return nil
}

// Session returns the live session for name, if connected.
func (h *Hub) Session(name string) (*mcpsdk.ClientSession, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[name]
	return s, ok
}

// Sessions returns a snapshot of all live sessions keyed by server name.
func (h *Hub) Sessions() map[string]*mcpsdk.ClientSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*mcpsdk.ClientSession, len(h.sessions))
	for name, s := range h.sessions {
		out[name] = s
	}
	return out
}

// Close closes every session. The hub is unusable afterwards.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for name, s := range h.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp: close %q: %w", name, err))
		}
		delete(h.sessions, name)
	}
	return errors.Join(errs...)
}

// splitCommand splits a command line on spaces into executable and args.
// Quoting is not supported; configure wrapper scripts for complex commands.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
