package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aivalabs/voicebridge/internal/bridge"
)

// reapInterval is how often the reaper sweeps all sessions.
const reapInterval = 30 * time.Second

// Member is the registry's view of a call supervisor.
type Member interface {
	SessionID() string
	State() bridge.State
	LastActivity() time.Time
	End(status string)
}

// Compile-time assertion that the supervisor satisfies Member.
var _ Member = (*bridge.Supervisor)(nil)

// Registry tracks the live call sessions by session id. All methods are
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Member
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Member)}
}

// Add registers a session under its id.
func (r *Registry) Add(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[m.SessionID()] = m
}

// Remove deregisters the session id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the session for id, if registered.
func (r *Registry) Get(id string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.sessions[id]
	return m, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EndAll asks every registered session to terminate with status.
func (r *Registry) EndAll(status string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.sessions {
		m.End(status)
	}
}

// Reap ends sessions whose last activity is older than idle as of now.
// That includes sessions stuck before READY — a hung credential mint or an
// upstream that never announces the session must not live forever. Returns
// how many sessions were asked to end.
func (r *Registry) Reap(now time.Time, idle time.Duration) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reaped := 0
	for _, m := range r.sessions {
		if m.State() == bridge.StateTerminated {
			continue
		}
		if now.Sub(m.LastActivity()) > idle {
			slog.Info("reaping idle session",
				"session_id", m.SessionID(), "last_activity", m.LastActivity())
			m.End(bridge.StatusIdleTimeout)
			reaped++
		}
	}
	return reaped
}

// RunReaper sweeps every [reapInterval] until ctx is cancelled.
func (r *Registry) RunReaper(ctx context.Context, idle time.Duration) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(time.Now(), idle)
		}
	}
}
