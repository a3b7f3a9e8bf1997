// Package tooling turns upstream function-call events into structured tool
// results. Three dispatch kinds are supported: inline tools the bridge
// fulfils itself (call transfer), HTTP tools forwarded to a tenant endpoint
// with retry, and MCP tools fulfilled over the Model Context Protocol.
//
// The dispatcher is a stateless service shared across sessions; everything
// call-specific arrives through [SessionMeta] and the agent configuration.
package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aivalabs/voicebridge/internal/bus"
	"github.com/aivalabs/voicebridge/internal/directory"
)

// TransferToolName is the inline tool the model invokes to hand the call to
// a human agent queue.
const TransferToolName = "transfer_call"

const (
	defaultHTTPTimeout = 30 * time.Second
	backoffBase        = 100 * time.Millisecond
	backoffCap         = 2 * time.Second
)

// ErrAborted reports that a dispatch was cut short by context cancellation.
// The caller must not forward a result to the model in that case.
var ErrAborted = errors.New("tooling: dispatch aborted")

// Result is the structured outcome of one tool invocation, serialized and
// returned to the model as the function-call output.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`

	// Queue is set on a successful call transfer.
	Queue string `json:"queue,omitempty"`
}

// JSON renders the result for a conversation.item.create payload.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		// Result contains only marshalable fields; this path needs a bug.
		return `{"success":false,"error":"internal"}`
	}
	return string(data)
}

// SessionMeta identifies the session on whose behalf a tool runs.
type SessionMeta struct {
	SessionID    string
	CallerID     string
	TenantID     string
	AgentID      string
	AsteriskPort int
}

// MCPCaller is the slice of an MCP client session the dispatcher needs.
// *mcp.ClientSession from the official SDK satisfies it.
type MCPCaller interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
}

// Dispatcher executes tool calls. Create instances with [New]; the zero
// value has no bus and cannot transfer calls.
type Dispatcher struct {
	pub   bus.Publisher
	httpc *http.Client
	mcp   map[string]MCPCaller
	now   func() time.Time
}

// Option is a functional option for configuring a [Dispatcher].
type Option func(*Dispatcher)

// WithHTTPClient overrides the client used for HTTP tools.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpc = c }
}

// WithMCPServer registers a connected MCP session under the name tool
// definitions reference via their mcp_server field.
func WithMCPServer(name string, session MCPCaller) Option {
	return func(d *Dispatcher) { d.mcp[name] = session }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher publishing transfer events to pub.
func New(pub bus.Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pub:   pub,
		httpc: &http.Client{},
		mcp:   make(map[string]MCPCaller),
		now:   time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch runs the named tool for the session and returns its result.
//
// rawArgs is the JSON-encoded argument string from the function-call event;
// anything that is not a JSON object yields an invalid_arguments result
// without invoking the tool. The returned error is non-nil only when ctx
// was cancelled mid-dispatch; such results must not be forwarded.
func (d *Dispatcher) Dispatch(ctx context.Context, sess SessionMeta, agent directory.AgentConfig, name, rawArgs string) (Result, error) {
	args, ok := parseArguments(rawArgs)
	if !ok {
		slog.Warn("tooling: rejecting malformed tool arguments",
			"session_id", sess.SessionID, "tool", name)
		return Result{Success: false, Error: "invalid_arguments"}, nil
	}

	if name == TransferToolName {
		return d.transfer(ctx, sess, agent, args), nil
	}

	def, ok := agent.Tool(name)
	if !ok {
		return Result{Success: false, Error: "unknown_tool"}, nil
	}

	switch def.Dispatch {
	case directory.DispatchHTTP:
		return d.dispatchHTTP(ctx, sess, def, rawArgs)
	case directory.DispatchMCP:
		return d.dispatchMCP(ctx, sess, def, args)
	case directory.DispatchInline:
		// transfer_call is the only inline tool; anything else declared
		// inline is a provisioning mistake.
		return Result{Success: false, Error: "unknown_tool"}, nil
	default:
		return Result{Success: false, Error: "unknown_dispatch"}, nil
	}
}

// parseArguments decodes the argument string into a JSON object. The model
// sends "{}" for parameter-less tools; an empty string is not valid JSON.
func parseArguments(raw string) (map[string]any, bool) {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, false
	}
	return args, true
}

// transfer publishes the handoff request for the dialplan subscriber. The
// actual call movement is the subscriber's responsibility; a successful
// publish is a successful tool call. The model may name a queue in the
// arguments; the agent's configured queue is the fallback.
func (d *Dispatcher) transfer(ctx context.Context, sess SessionMeta, agent directory.AgentConfig, args map[string]any) Result {
	if d.pub == nil {
		return Result{Success: false, Error: "transfer_unavailable"}
	}

	queue := agent.TransferQueue
	if q, ok := args["queue"].(string); ok && q != "" {
		queue = q
	}

	event := bus.TransferEvent{
		SessionID:       sess.SessionID,
		CallerID:        sess.CallerID,
		TenantID:        sess.TenantID,
		AgentID:         sess.AgentID,
		AsteriskPort:    sess.AsteriskPort,
		TransferToAgent: true,
		TransferQueue:   queue,
		Timestamp:       d.now().UTC().Format(time.RFC3339),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return Result{Success: false, Error: "transfer_failed"}
	}
	if err := d.pub.Publish(ctx, bus.CallChannel, payload); err != nil {
		slog.Error("tooling: transfer publish failed",
			"session_id", sess.SessionID, "queue", queue, "err", err)
		return Result{Success: false, Error: "transfer_failed"}
	}

	slog.Info("tooling: call transfer requested",
		"session_id", sess.SessionID, "queue", queue)
	return Result{
		Success: true,
		Message: "Transferring you to an agent now.",
		Queue:   queue,
	}
}

// dispatchHTTP forwards the arguments to the tool's endpoint. Transport
// errors and 5xx responses are retried with exponential backoff (100 ms
// doubling per attempt, capped at 2 s) up to the configured retry count.
func (d *Dispatcher) dispatchHTTP(ctx context.Context, sess SessionMeta, def directory.ToolDefinition, body string) (Result, error) {
	if def.Endpoint == nil || def.Endpoint.URL == "" {
		return Result{Success: false, Error: "endpoint_missing"}, nil
	}

	method := def.Endpoint.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := defaultHTTPTimeout
	if def.Endpoint.TimeoutMS > 0 {
		timeout = time.Duration(def.Endpoint.TimeoutMS) * time.Millisecond
	}

	var lastErr string
	for attempt := 0; attempt <= def.Endpoint.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return Result{}, fmt.Errorf("%w: %w", ErrAborted, err)
			}
		}

		status, respBody, err := d.doRequest(ctx, method, def, body, timeout)
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
			return Result{}, fmt.Errorf("%w: %w", ErrAborted, context.Canceled)
		case err != nil:
			lastErr = "endpoint_unreachable"
			slog.Warn("tooling: http tool attempt failed",
				"session_id", sess.SessionID, "tool", def.Name,
				"attempt", attempt+1, "err", err)
			continue
		case status >= 500:
			lastErr = fmt.Sprintf("http_%d", status)
			slog.Warn("tooling: http tool returned server error",
				"session_id", sess.SessionID, "tool", def.Name,
				"attempt", attempt+1, "status", status)
			continue
		case status >= 300:
			// Client errors are final; retrying cannot fix the request.
			return Result{Success: false, Error: fmt.Sprintf("http_%d", status)}, nil
		}

		return httpResult(respBody), nil
	}

	return Result{Success: false, Error: lastErr}, nil
}

// doRequest performs one attempt with a per-attempt timeout.
func (d *Dispatcher) doRequest(ctx context.Context, method string, def directory.ToolDefinition, body string, timeout time.Duration) (int, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, def.Endpoint.URL, strings.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("tooling: build request for %q: %w", def.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range def.Endpoint.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("tooling: call %q: %w", def.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("tooling: read %q response: %w", def.Name, err)
	}
	return resp.StatusCode, respBody, nil
}

// httpResult wraps a 2xx response body as a tool result. JSON objects are
// surfaced as the data payload; anything else becomes the message.
func httpResult(body []byte) Result {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err == nil {
		return Result{Success: true, Data: data}
	}
	return Result{Success: true, Message: strings.TrimSpace(string(body))}
}

// sleepBackoff waits 100 ms × 2ⁿ⁻¹ before retry attempt n, capped at 2 s.
func sleepBackoff(ctx context.Context, attempt int) error {
	delay := backoffBase << (attempt - 1)
	if delay > backoffCap {
		delay = backoffCap
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// dispatchMCP routes the call to the registered MCP server session.
func (d *Dispatcher) dispatchMCP(ctx context.Context, sess SessionMeta, def directory.ToolDefinition, args map[string]any) (Result, error) {
	session, ok := d.mcp[def.MCPServer]
	if !ok {
		return Result{Success: false, Error: "mcp_server_unknown"}, nil
	}

	callResult, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      def.Name,
		Arguments: args,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, fmt.Errorf("%w: %w", ErrAborted, context.Canceled)
		}
		slog.Warn("tooling: mcp tool call failed",
			"session_id", sess.SessionID, "tool", def.Name,
			"server", def.MCPServer, "err", err)
		return Result{Success: false, Error: "mcp_call_failed"}, nil
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	text := sb.String()

	if callResult.IsError {
		return Result{Success: false, Error: text}, nil
	}
	return httpResult([]byte(text)), nil
}
