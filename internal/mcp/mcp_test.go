package mcp_test

import (
	"context"
	"strings"
	"testing"

	"github.com/aivalabs/voicebridge/internal/mcp"
)

func TestTransport_IsValid(t *testing.T) {
	cases := []struct {
		transport mcp.Transport
		want      bool
	}{
		{mcp.TransportStdio, true},
		{mcp.TransportStreamableHTTP, true},
		{"", false},
		{"websocket", false},
	}
	for _, tc := range cases {
		if got := tc.transport.IsValid(); got != tc.want {
			t.Errorf("IsValid(%q) = %v, want %v", tc.transport, got, tc.want)
		}
	}
}

func TestHub_ConnectValidation(t *testing.T) {
	h := mcp.NewHub()
	ctx := context.Background()

	cases := []struct {
		name    string
		cfg     mcp.ServerConfig
		wantErr string
	}{
		{
			name:    "missing name",
			cfg:     mcp.ServerConfig{Transport: mcp.TransportStdio, Command: "/bin/true"},
			wantErr: "non-empty name",
		},
		{
			name:    "unknown transport",
			cfg:     mcp.ServerConfig{Name: "crm", Transport: "carrier-pigeon"},
			wantErr: "unknown transport",
		},
		{
			name:    "stdio without command",
			cfg:     mcp.ServerConfig{Name: "crm", Transport: mcp.TransportStdio},
			wantErr: "non-empty command",
		},
		{
			name:    "http without url",
			cfg:     mcp.ServerConfig{Name: "crm", Transport: mcp.TransportStreamableHTTP},
			wantErr: "non-empty url",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.Connect(ctx, tc.cfg)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestHub_SessionUnknown(t *testing.T) {
	h := mcp.NewHub()
	if _, ok := h.Session("nope"); ok {
		t.Error("Session() reported a session that was never connected")
	}
	if n := len(h.Sessions()); n != 0 {
		t.Errorf("Sessions() = %d entries, want 0", n)
	}
}

func TestHub_CloseEmpty(t *testing.T) {
	h := mcp.NewHub()
	if err := h.Close(); err != nil {
		t.Errorf("Close() on empty hub = %v", err)
	}
}
