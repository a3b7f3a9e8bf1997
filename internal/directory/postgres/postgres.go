// Package postgres implements a [directory.Directory] backed by the agent
// provisioning tables of the platform database. Lookups are served from an
// in-memory snapshot that a background loop refreshes on an interval; the
// snapshot is swapped atomically so Resolve never blocks on the database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aivalabs/voicebridge/internal/directory"
)

// defaultRefreshInterval is how often the route snapshot is reloaded.
const defaultRefreshInterval = 30 * time.Second

// routesQuery joins agent provisioning to telephony routing. The agents
// table is owned by the dashboard's CRUD surface; the bridge only reads it.
const routesQuery = `
SELECT r.caller_id, r.asterisk_port, a.tenant_id, a.id,
       a.instructions, a.voice, a.model, a.temperature,
       a.max_response_tokens, a.language, a.transfer_queue, a.tools
FROM   agent_routes r
JOIN   agents a ON a.id = r.agent_id
WHERE  a.enabled
`

// DB is the query interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Store is a database-backed [directory.Directory].
type Store struct {
	db       DB
	interval time.Duration

	snapshot atomic.Pointer[map[string]directory.Route]
}

// Compile-time assertion that Store satisfies directory.Directory.
var _ directory.Directory = (*Store)(nil)

// Option is a functional option for configuring a [Store].
type Option func(*Store)

// WithRefreshInterval overrides the snapshot reload interval.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New connects a pgx pool for dsn and performs the initial snapshot load.
// Call [Store.Run] to keep the snapshot fresh.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("directory: connect: %w", err)
	}

	s := NewWithDB(pool, opts...)
	if err := s.Refresh(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// NewWithDB creates a Store over an existing connection or pool. The
// snapshot starts empty; call [Store.Refresh] before serving lookups.
func NewWithDB(db DB, opts ...Option) *Store {
	s := &Store{db: db, interval: defaultRefreshInterval}
	empty := map[string]directory.Route{}
	s.snapshot.Store(&empty)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Resolve implements [directory.Directory] from the in-memory snapshot.
func (s *Store) Resolve(_ context.Context, caller string, port int) (directory.Route, error) {
	routes := *s.snapshot.Load()
	if r, ok := routes[fmt.Sprintf("%s:%d", caller, port)]; ok {
		return r, nil
	}
	// Port-wide provisioning: a route rows with an empty caller id serves
	// every caller arriving on that port.
	if r, ok := routes[fmt.Sprintf(":%d", port)]; ok {
		return r, nil
	}
	return directory.Route{}, fmt.Errorf("%w: %s port %d", directory.ErrNotFound, caller, port)
}

// Refresh reloads the snapshot from the database and swaps it in atomically.
func (s *Store) Refresh(ctx context.Context) error {
	rows, err := s.db.Query(ctx, routesQuery)
	if err != nil {
		return fmt.Errorf("directory: query routes: %w", err)
	}
	defer rows.Close()

	next := make(map[string]directory.Route)
	for rows.Next() {
		var (
			caller    string
			port      int
			route     directory.Route
			toolsJSON []byte
		)
		if err := rows.Scan(
			&caller, &port, &route.TenantID, &route.AgentID,
			&route.Agent.Instructions, &route.Agent.Voice, &route.Agent.Model,
			&route.Agent.Temperature, &route.Agent.MaxResponseTokens,
			&route.Agent.Language, &route.Agent.TransferQueue, &toolsJSON,
		); err != nil {
			return fmt.Errorf("directory: scan route: %w", err)
		}
		if len(toolsJSON) > 0 {
			if err := json.Unmarshal(toolsJSON, &route.Agent.Tools); err != nil {
				slog.Warn("directory: skipping route with malformed tools",
					"caller", caller, "port", port, "agent", route.AgentID, "err", err)
				continue
			}
		}
		next[fmt.Sprintf("%s:%d", caller, port)] = route
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("directory: iterate routes: %w", err)
	}

	s.snapshot.Store(&next)
	return nil
}

// Run refreshes the snapshot on the configured interval until ctx is
// cancelled. Refresh failures keep serving the previous snapshot.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("directory: snapshot refresh failed", "err", err)
			}
		}
	}
}

// Ping verifies database connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
