package config_test

import (
	"strings"
	"testing"

	"github.com/aivalabs/voicebridge/internal/config"
)

func load(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestCompare_NoChange(t *testing.T) {
	a := load(t, validYAML)
	b := load(t, validYAML)
	if d := config.Compare(a, b); !d.Empty() {
		t.Errorf("Compare(identical) = %+v, want empty", d)
	}
}

func TestCompare_LogLevel(t *testing.T) {
	a := load(t, validYAML)
	b := load(t, strings.Replace(validYAML, "log_level: debug", "log_level: warn", 1))

	d := config.Compare(a, b)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("diff = %+v, want log level change to warn", d)
	}
	if d.RestartRequired {
		t.Error("log level change must not require a restart")
	}
}

func TestCompare_Billing(t *testing.T) {
	a := load(t, validYAML)
	b := load(t, validYAML)
	b.Billing.ProfitMarginPercent = 30

	d := config.Compare(a, b)
	if !d.BillingChanged {
		t.Error("margin change not detected")
	}
	if d.RestartRequired {
		t.Error("billing change must not require a restart")
	}
}

func TestCompare_Routes(t *testing.T) {
	a := load(t, validYAML)
	b := load(t, validYAML)
	b.Directory.Routes[0].Agent.Voice = "verse"

	if d := config.Compare(a, b); !d.RoutesChanged {
		t.Error("route change not detected")
	}
}

func TestCompare_RestartRequired(t *testing.T) {
	a := load(t, validYAML)

	b := load(t, validYAML)
	b.Upstream.Model = "gpt-4o-mini-realtime-preview"
	if d := config.Compare(a, b); !d.RestartRequired {
		t.Error("upstream change must require a restart")
	}

	c := load(t, validYAML)
	c.Ingress.ListenAddrs = []string{":9100"}
	if d := config.Compare(a, c); !d.RestartRequired {
		t.Error("ingress change must require a restart")
	}
}
