package postgres

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aivalabs/voicebridge/internal/directory"
)

// ---------------------------------------------------------------------------
// Test helpers — mock DB types
// ---------------------------------------------------------------------------

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data    [][]any
	idx     int
	err     error
	closed  bool
	scanErr error
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx-1]
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *float64:
			*d = v.(float64)
		case *[]byte:
			*d = v.([]byte)
		default:
			return errors.New("scan: unsupported destination type")
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	pingErr   error
	queries   atomic.Int64
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.queries.Add(1)
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Ping(context.Context) error { return m.pingErr }

// makeRow builds a route row in query column order.
func makeRow(caller string, port int, tenant, agent, model string, tools []byte) []any {
	return []any{
		caller,     // caller_id
		port,       // asterisk_port
		tenant,     // tenant_id
		agent,      // agent id
		"Be kind.", // instructions
		"alloy",    // voice
		model,      // model
		0.8,        // temperature
		4096,       // max_response_tokens
		"en",       // language
		"support",  // transfer_queue
		tools,      // tools
	}
}

// ---------------------------------------------------------------------------
// Resolve tests
// ---------------------------------------------------------------------------

func TestStore_Resolve(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
			return &mockRows{data: [][]any{
				makeRow("+15551234567", 9000, "acme", "agent-1", "gpt-4o-realtime-preview",
					[]byte(`[{"name":"check_balance","dispatch":"http"}]`)),
				makeRow("", 9001, "globex", "agent-2", "gpt-4o-mini-realtime-preview", nil),
			}}, nil
		},
	}

	s := NewWithDB(db)
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() unexpected error: %v", err)
	}

	t.Run("exact match", func(t *testing.T) {
		t.Parallel()
		route, err := s.Resolve(context.Background(), "+15551234567", 9000)
		if err != nil {
			t.Fatalf("Resolve() unexpected error: %v", err)
		}
		if route.TenantID != "acme" || route.AgentID != "agent-1" {
			t.Errorf("Resolve() = %s/%s, want acme/agent-1", route.TenantID, route.AgentID)
		}
		if route.Agent.Model != "gpt-4o-realtime-preview" {
			t.Errorf("Model = %q, want gpt-4o-realtime-preview", route.Agent.Model)
		}
		if len(route.Agent.Tools) != 1 || route.Agent.Tools[0].Name != "check_balance" {
			t.Errorf("Tools = %v, want [check_balance]", route.Agent.Tools)
		}
	})

	t.Run("port-wide route serves any caller", func(t *testing.T) {
		t.Parallel()
		route, err := s.Resolve(context.Background(), "+19998887777", 9001)
		if err != nil {
			t.Fatalf("Resolve() unexpected error: %v", err)
		}
		if route.AgentID != "agent-2" {
			t.Errorf("AgentID = %q, want agent-2", route.AgentID)
		}
	})

	t.Run("unknown caller and port", func(t *testing.T) {
		t.Parallel()
		_, err := s.Resolve(context.Background(), "+10000000000", 9999)
		if !errors.Is(err, directory.ErrNotFound) {
			t.Fatalf("Resolve() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("no wildcard on port", func(t *testing.T) {
		t.Parallel()
		// Port 9000 has no wildcard row, only the exact caller entry.
		_, err := s.Resolve(context.Background(), "+15550000000", 9000)
		if !errors.Is(err, directory.ErrNotFound) {
			t.Fatalf("Resolve() error = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_Refresh(t *testing.T) {
	t.Parallel()

	t.Run("query error keeps previous snapshot", func(t *testing.T) {
		t.Parallel()

		fail := false
		db := &mockDB{
			queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
				if fail {
					return nil, errors.New("connection refused")
				}
				return &mockRows{data: [][]any{
					makeRow("+15551234567", 9000, "acme", "agent-1", "gpt-4o-realtime-preview", nil),
				}}, nil
			},
		}

		s := NewWithDB(db)
		if err := s.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh() unexpected error: %v", err)
		}

		fail = true
		err := s.Refresh(context.Background())
		if err == nil {
			t.Fatal("Refresh() expected error, got nil")
		}
		if !strings.Contains(err.Error(), "directory: query routes:") {
			t.Errorf("error = %q, want prefix 'directory: query routes:'", err.Error())
		}

		// Previous routes still resolve.
		if _, err := s.Resolve(context.Background(), "+15551234567", 9000); err != nil {
			t.Errorf("Resolve() after failed refresh: %v", err)
		}
	})

	t.Run("malformed tools skips row", func(t *testing.T) {
		t.Parallel()

		db := &mockDB{
			queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
				return &mockRows{data: [][]any{
					makeRow("+15551234567", 9000, "acme", "agent-1", "gpt-4o-realtime-preview",
						[]byte(`{not json`)),
					makeRow("+15557654321", 9000, "acme", "agent-2", "gpt-4o-realtime-preview", nil),
				}}, nil
			},
		}

		s := NewWithDB(db)
		if err := s.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh() unexpected error: %v", err)
		}

		if _, err := s.Resolve(context.Background(), "+15551234567", 9000); !errors.Is(err, directory.ErrNotFound) {
			t.Errorf("malformed row should be skipped, got err = %v", err)
		}
		if _, err := s.Resolve(context.Background(), "+15557654321", 9000); err != nil {
			t.Errorf("healthy row should resolve, got err = %v", err)
		}
	})

	t.Run("rows error after iteration", func(t *testing.T) {
		t.Parallel()

		db := &mockDB{
			queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
				return &mockRows{err: errors.New("stream interrupted")}, nil
			},
		}

		s := NewWithDB(db)
		err := s.Refresh(context.Background())
		if err == nil {
			t.Fatal("Refresh() expected error from rows.Err()")
		}
		if !strings.Contains(err.Error(), "directory: iterate routes:") {
			t.Errorf("error = %q, want prefix 'directory: iterate routes:'", err.Error())
		}
	})
}

func TestStore_Run(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	s := NewWithDB(db, WithRefreshInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// Wait until the background loop has refreshed at least once.
	deadline := time.After(time.Second)
	for db.queries.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("Run() never refreshed the snapshot")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}

func TestStore_Ping(t *testing.T) {
	t.Parallel()

	s := NewWithDB(&mockDB{pingErr: errors.New("down")})
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("Ping() expected error, got nil")
	}

	s = NewWithDB(&mockDB{})
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() unexpected error: %v", err)
	}
}
