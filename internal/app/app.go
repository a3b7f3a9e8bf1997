// Package app wires all voice bridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the servers and background loops, and Shutdown
// tears everything down in order.
//
// For testing, inject substitutes via functional options (WithDirectory,
// WithBus, WithDialer). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aivalabs/voicebridge/internal/bridge"
	"github.com/aivalabs/voicebridge/internal/bus"
	"github.com/aivalabs/voicebridge/internal/config"
	"github.com/aivalabs/voicebridge/internal/directory"
	dirpostgres "github.com/aivalabs/voicebridge/internal/directory/postgres"
	"github.com/aivalabs/voicebridge/internal/health"
	"github.com/aivalabs/voicebridge/internal/ingress"
	"github.com/aivalabs/voicebridge/internal/mcp"
	"github.com/aivalabs/voicebridge/internal/observe"
	"github.com/aivalabs/voicebridge/internal/tooling"
	"github.com/aivalabs/voicebridge/pkg/realtime"
)

// drainPoll is the cadence at which Shutdown re-checks the registry while
// waiting for live sessions to publish their end events.
const drainPoll = 100 * time.Millisecond

// ControlBus is the slice of [bus.Bus] the app needs: publishing for the
// supervisors and the tool dispatcher, subscription for inbound transfer
// events, a ping for readiness.
type ControlBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PublishJSON(ctx context.Context, channel string, v any) error
	PublishJSONRetry(ctx context.Context, channel string, v any, attempts int) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte))
	Ping(ctx context.Context) error
	Close() error
}

var _ ControlBus = (*bus.Bus)(nil)

// Dialer opens the authenticated upstream socket for one session. Split out
// so tests can run calls against a scripted upstream.
type Dialer func(ctx context.Context, secret realtime.ClientSecret, model string) (bridge.Upstream, error)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	bus        ControlBus
	dir        directory.Directory
	pgStore    *dirpostgres.Store
	hub        *mcp.Hub
	metrics    *observe.Metrics
	dispatcher *tooling.Dispatcher
	registry   *Registry
	ingresses  []*ingress.Server
	httpSrv    *http.Server

	dial Dialer

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDirectory injects a directory instead of building one from config.
func WithDirectory(d directory.Directory) Option {
	return func(a *App) { a.dir = d }
}

// WithBus injects a control bus instead of connecting to Redis.
func WithBus(b ControlBus) Option {
	return func(a *App) { a.bus = b }
}

// WithDialer injects the upstream dialer instead of the realtime client.
func WithDialer(d Dialer) Option {
	return func(a *App) { a.dial = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: bus connection, directory
// construction, MCP server registration, and server setup. Background loops
// (listeners, reaper, subscriptions) start in Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: NewRegistry(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Control bus ───────────────────────────────────────────────────
	if err := a.initBus(); err != nil {
		return nil, fmt.Errorf("app: init bus: %w", err)
	}

	// ── 2. Directory ─────────────────────────────────────────────────────
	if err := a.initDirectory(ctx); err != nil {
		return nil, fmt.Errorf("app: init directory: %w", err)
	}

	// ── 3. MCP tool servers ─────────────────────────────────────────────
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	// ── 4. Metrics + tool dispatcher ─────────────────────────────────────
	a.metrics = observe.DefaultMetrics()
	a.initDispatcher()

	// ── 5. Telephony listeners ───────────────────────────────────────────
	for _, addr := range cfg.Ingress.ListenAddrs {
		a.ingresses = append(a.ingresses, ingress.New(addr, a.startSession))
	}

	// ── 6. HTTP sidecar ─────────────────────────────────────────────────
	a.initHTTP()

	if a.dial == nil {
		a.dial = a.dialUpstream
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBus connects the Redis control bus unless one was injected.
func (a *App) initBus() error {
	if a.bus != nil {
		return nil
	}
	b, err := bus.New(a.cfg.Bus.URL)
	if err != nil {
		return err
	}
	a.bus = b
	a.closers = append(a.closers, b.Close)
	return nil
}

// initDirectory builds the caller → agent resolver: the database directory
// when a DSN is configured, otherwise the static routes from the file.
func (a *App) initDirectory(ctx context.Context) error {
	if a.dir != nil {
		return nil
	}

	if dsn := a.cfg.Directory.PostgresDSN; dsn != "" {
		var opts []dirpostgres.Option
		if a.cfg.Directory.RefreshInterval > 0 {
			opts = append(opts, dirpostgres.WithRefreshInterval(a.cfg.Directory.RefreshInterval))
		}
		store, pool, err := dirpostgres.New(ctx, dsn, opts...)
		if err != nil {
			return err
		}
		a.dir = store
		a.pgStore = store
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		return nil
	}

	static := directory.NewStatic()
	for _, r := range a.cfg.Directory.Routes {
		route := directory.Route{TenantID: r.TenantID, AgentID: r.AgentID, Agent: r.Agent}
		if r.Caller == "" {
			route := route
			static.Fallback = &route
			continue
		}
		static.Add(r.Caller, r.Port, route)
	}
	a.dir = static
	return nil
}

// initMCP connects the configured MCP servers.
func (a *App) initMCP(ctx context.Context) error {
	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}

	a.hub = mcp.NewHub()
	a.closers = append(a.closers, a.hub.Close)

	for _, srv := range a.cfg.MCP.Servers {
		if err := a.hub.Connect(ctx, srv); err != nil {
			return fmt.Errorf("connect mcp server %q: %w", srv.Name, err)
		}
		slog.Info("connected MCP server", "name", srv.Name)
	}
	return nil
}

// initDispatcher builds the tool dispatcher over the bus and MCP sessions.
func (a *App) initDispatcher() {
	topts := []tooling.Option{}
	if a.hub != nil {
		for name, sess := range a.hub.Sessions() {
			topts = append(topts, tooling.WithMCPServer(name, sess))
		}
	}
	a.dispatcher = tooling.New(a.bus, topts...)
}

// initHTTP assembles the metrics/health sidecar server.
func (a *App) initHTTP() {
	checkers := []health.Checker{
		{Name: "bus", Check: a.bus.Ping},
	}
	if a.pgStore != nil {
		checkers = append(checkers, health.Checker{Name: "directory", Check: a.pgStore.Ping})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the listeners and background loops and blocks until ctx is
// cancelled or a server fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range a.ingresses {
		g.Go(func() error { return srv.Run(ctx) })
	}

	g.Go(func() error {
		err := a.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutCtx)
	})

	g.Go(func() error {
		a.registry.RunReaper(ctx, a.cfg.Session.IdleTimeout())
		return nil
	})

	g.Go(func() error {
		a.bus.Subscribe(ctx, bus.CallChannel, a.onBusEvent)
		return nil
	})

	if a.pgStore != nil {
		g.Go(func() error {
			a.pgStore.Run(ctx)
			return nil
		})
	}

	slog.Info("app running",
		"ingress_addrs", a.cfg.Ingress.ListenAddrs,
		"http_addr", a.cfg.Server.ListenAddr)
	return g.Wait()
}

// onBusEvent handles inbound control-bus messages. A transfer event for a
// live session ends the bridge leg: the telephony side owns the call from
// there.
func (a *App) onBusEvent(payload []byte) {
	evt, ok := bus.DecodeTransferEvent(payload)
	if !ok {
		return
	}
	sup, ok := a.registry.Get(evt.SessionID)
	if !ok {
		return
	}
	slog.Info("transfer acknowledged, releasing session",
		"session_id", evt.SessionID, "queue", evt.TransferQueue)
	sup.End(bridge.StatusCompleted)
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// startSession resolves the caller against the directory and launches a
// supervisor for the call. A resolution failure refuses the call.
func (a *App) startSession(ctx context.Context, caller string, port int, out *ingress.Writer) (ingress.Session, error) {
	route, err := a.dir.Resolve(ctx, caller, port)
	if err != nil {
		return nil, fmt.Errorf("app: resolve %s port %d: %w", caller, port, err)
	}

	agent := route.Agent
	if agent.Model == "" {
		agent.Model = a.cfg.Upstream.Model
	}

	cfg := bridge.Config{
		SessionID:    uuid.NewString(),
		CallerID:     caller,
		TenantID:     route.TenantID,
		AgentID:      route.AgentID,
		AsteriskPort: port,
		Agent:        agent,

		RateCard: a.cfg.Billing.RateCard(),
		Margin:   a.cfg.Billing.Margin(),

		TranscriptionModel: a.cfg.Upstream.TranscriptionModel,
		VADThreshold:       a.cfg.Upstream.VADThreshold,
		SilenceDurationMS:  a.cfg.Upstream.SilenceDurationMS,
	}

	deps := bridge.Deps{
		Bootstrap: func(ctx context.Context) (realtime.ClientSecret, error) {
			return realtime.Bootstrap(ctx, nil, "", a.cfg.Upstream.APIKey, agent.Model, agent.Voice)
		},
		Dial: func(ctx context.Context, secret realtime.ClientSecret) (bridge.Upstream, error) {
			return a.dial(ctx, secret, agent.Model)
		},
		Dispatcher: a.dispatcher,
		Events:     a.bus,
		Metrics:    a.metrics,
	}

	sup, err := bridge.New(cfg, out, deps)
	if err != nil {
		return nil, fmt.Errorf("app: start session for %s: %w", caller, err)
	}

	a.registry.Add(sup)
	go sup.Run(ctx)
	go func() {
		<-sup.Done()
		a.registry.Remove(sup.SessionID())
	}()

	slog.Info("session started",
		"session_id", cfg.SessionID, "caller_id", caller,
		"tenant_id", route.TenantID, "agent_id", route.AgentID, "port", port)
	return sup, nil
}

// dialUpstream is the production Dialer over the realtime client.
func (a *App) dialUpstream(ctx context.Context, secret realtime.ClientSecret, model string) (bridge.Upstream, error) {
	c, err := realtime.Connect(ctx, realtime.Config{
		BaseURL: a.cfg.Upstream.BaseURL,
		Model:   model,
		Secret:  secret,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Sessions exposes the live-session registry.
func (a *App) Sessions() *Registry { return a.registry }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends all live sessions, waits for their end events to publish
// (bounded by the context deadline), then tears down subsystems in order.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "live_sessions", a.registry.Len())

		a.registry.EndAll(bridge.StatusShutdown)

	drain:
		for a.registry.Len() > 0 {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "undrained", a.registry.Len())
				shutdownErr = ctx.Err()
				break drain
			case <-time.After(drainPoll):
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
