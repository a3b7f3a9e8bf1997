package app_test

import (
	"sync"
	"testing"
	"time"

	"github.com/aivalabs/voicebridge/internal/app"
	"github.com/aivalabs/voicebridge/internal/bridge"
)

// fakeMember is a scriptable registry entry.
type fakeMember struct {
	id    string
	state bridge.State
	last  time.Time

	mu    sync.Mutex
	ended []string
	onEnd func(status string)
}

func (f *fakeMember) SessionID() string       { return f.id }
func (f *fakeMember) State() bridge.State     { return f.state }
func (f *fakeMember) LastActivity() time.Time { return f.last }

func (f *fakeMember) End(status string) {
	f.mu.Lock()
	f.ended = append(f.ended, status)
	f.mu.Unlock()
	if f.onEnd != nil {
		f.onEnd(status)
	}
}

func (f *fakeMember) endedWith() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

func TestRegistry_AddGetRemove(t *testing.T) {
	t.Parallel()

	r := app.NewRegistry()
	m := &fakeMember{id: "sess-1", state: bridge.StateReady}

	r.Add(m)
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	got, ok := r.Get("sess-1")
	if !ok {
		t.Fatal("Get(sess-1) not found")
	}
	if got.SessionID() != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", got.SessionID())
	}

	r.Remove("sess-1")
	if _, ok := r.Get("sess-1"); ok {
		t.Error("session still present after Remove")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_EndAll(t *testing.T) {
	t.Parallel()

	r := app.NewRegistry()
	a := &fakeMember{id: "a", state: bridge.StateReady}
	b := &fakeMember{id: "b", state: bridge.StateListening}
	r.Add(a)
	r.Add(b)

	r.EndAll(bridge.StatusShutdown)

	for _, m := range []*fakeMember{a, b} {
		ended := m.endedWith()
		if len(ended) != 1 || ended[0] != bridge.StatusShutdown {
			t.Errorf("session %s ended with %v, want [shutdown]", m.id, ended)
		}
	}
}

func TestRegistry_Reap(t *testing.T) {
	t.Parallel()

	now := time.Now()
	idle := 5 * time.Minute

	stale := &fakeMember{id: "stale", state: bridge.StateReady, last: now.Add(-10 * time.Minute)}
	fresh := &fakeMember{id: "fresh", state: bridge.StateListening, last: now.Add(-time.Minute)}
	terminated := &fakeMember{id: "terminated", state: bridge.StateTerminated, last: now.Add(-10 * time.Minute)}

	r := app.NewRegistry()
	r.Add(stale)
	r.Add(fresh)
	r.Add(terminated)

	if got := r.Reap(now, idle); got != 1 {
		t.Fatalf("Reap() = %d, want 1", got)
	}

	ended := stale.endedWith()
	if len(ended) != 1 || ended[0] != bridge.StatusIdleTimeout {
		t.Errorf("stale session ended with %v, want [idle_timeout]", ended)
	}
	if len(fresh.endedWith()) != 0 {
		t.Error("fresh session should not be reaped")
	}
	if len(terminated.endedWith()) != 0 {
		t.Error("terminated session should not be reaped again")
	}
}

func TestRegistry_ReapCoversStuckHandshake(t *testing.T) {
	t.Parallel()

	now := time.Now()
	idle := 5 * time.Minute

	// Sessions hung before READY age on the same clock: a stalled credential
	// mint or a socket that never sends session.created still times out.
	booting := &fakeMember{id: "booting", state: bridge.StateInit, last: now.Add(-10 * time.Minute)}
	configuring := &fakeMember{id: "configuring", state: bridge.StateConfiguring, last: now.Add(-10 * time.Minute)}

	r := app.NewRegistry()
	r.Add(booting)
	r.Add(configuring)

	if got := r.Reap(now, idle); got != 2 {
		t.Fatalf("Reap() = %d, want 2", got)
	}
	for _, m := range []*fakeMember{booting, configuring} {
		ended := m.endedWith()
		if len(ended) != 1 || ended[0] != bridge.StatusIdleTimeout {
			t.Errorf("session %s ended with %v, want [idle_timeout]", m.id, ended)
		}
	}
}

func TestRegistry_ReapExactBoundary(t *testing.T) {
	t.Parallel()

	now := time.Now()
	idle := 5 * time.Minute

	// Last activity exactly at the threshold is not yet idle.
	edge := &fakeMember{id: "edge", state: bridge.StateReady, last: now.Add(-idle)}

	r := app.NewRegistry()
	r.Add(edge)

	if got := r.Reap(now, idle); got != 0 {
		t.Fatalf("Reap() = %d, want 0", got)
	}
}
