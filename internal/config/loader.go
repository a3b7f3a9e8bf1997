package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variables honoured by [ApplyEnv]. They win over file values.
const (
	EnvUpstreamAPIKey    = "UPSTREAM_API_KEY"
	EnvUpstreamModel     = "UPSTREAM_MODEL"
	EnvVADThreshold      = "VAD_THRESHOLD"
	EnvSilenceDurationMS = "SILENCE_DURATION_MS"
	EnvProfitMargin      = "PROFIT_MARGIN_PERCENT"
	EnvBusURL            = "BUS_URL"
	EnvDirectoryURL      = "DIRECTORY_URL"
	EnvIdleTimeoutMS     = "IDLE_TIMEOUT_MS"
)

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from the process environment. Malformed
// numeric values are errors, not warnings: a deployment that sets
// PROFIT_MARGIN_PERCENT to garbage must not start with the default.
func ApplyEnv(cfg *Config) error {
	var errs []error

	if v := os.Getenv(EnvUpstreamAPIKey); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv(EnvUpstreamModel); v != "" {
		cfg.Upstream.Model = v
	}
	if v := os.Getenv(EnvBusURL); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv(EnvDirectoryURL); v != "" {
		cfg.Directory.PostgresDSN = v
	}
	if v := os.Getenv(EnvVADThreshold); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not a float", EnvVADThreshold, v))
		} else {
			cfg.Upstream.VADThreshold = f
		}
	}
	if v := os.Getenv(EnvSilenceDurationMS); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not an integer", EnvSilenceDurationMS, v))
		} else {
			cfg.Upstream.SilenceDurationMS = n
		}
	}
	if v := os.Getenv(EnvProfitMargin); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not a float", EnvProfitMargin, v))
		} else {
			cfg.Billing.ProfitMarginPercent = f
		}
	}
	if v := os.Getenv(EnvIdleTimeoutMS); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not an integer", EnvIdleTimeoutMS, v))
		} else {
			cfg.Session.IdleTimeoutMS = n
		}
	}

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if len(cfg.Ingress.ListenAddrs) == 0 {
		errs = append(errs, errors.New("ingress.listen_addrs must name at least one telephony address"))
	}
	if cfg.Upstream.APIKey == "" {
		errs = append(errs, fmt.Errorf("upstream.api_key is required (set %s)", EnvUpstreamAPIKey))
	}
	if cfg.Upstream.VADThreshold < 0 || cfg.Upstream.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("upstream.vad_threshold %.2f is out of range [0, 1]", cfg.Upstream.VADThreshold))
	}
	if cfg.Upstream.SilenceDurationMS < 0 {
		errs = append(errs, fmt.Errorf("upstream.silence_duration_ms %d must not be negative", cfg.Upstream.SilenceDurationMS))
	}
	if cfg.Billing.ProfitMarginPercent < 0 {
		errs = append(errs, fmt.Errorf("billing.profit_margin_percent %.2f must not be negative", cfg.Billing.ProfitMarginPercent))
	}
	if cfg.Session.IdleTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout_ms %d must be positive", cfg.Session.IdleTimeoutMS))
	}
	if cfg.Bus.URL == "" {
		errs = append(errs, fmt.Errorf("bus.url is required (set %s)", EnvBusURL))
	}
	if cfg.Directory.PostgresDSN == "" && len(cfg.Directory.Routes) == 0 {
		errs = append(errs, errors.New("directory needs either postgres_dsn or static routes"))
	}

	seen := make(map[string]int, len(cfg.Directory.Routes))
	for i, r := range cfg.Directory.Routes {
		prefix := fmt.Sprintf("directory.routes[%d]", i)
		if r.Port <= 0 {
			errs = append(errs, fmt.Errorf("%s.port %d must be positive", prefix, r.Port))
		}
		if r.AgentID == "" {
			errs = append(errs, fmt.Errorf("%s.agent_id is required", prefix))
		}
		if r.Agent.Model == "" && cfg.Upstream.Model == "" {
			errs = append(errs, fmt.Errorf("%s.agent.model is required when upstream.model is unset", prefix))
		}
		key := fmt.Sprintf("%s:%d", r.Caller, r.Port)
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s duplicates directory.routes[%d] (caller %q port %d)", prefix, prev, r.Caller, r.Port))
		}
		seen[key] = i

		for j, tool := range r.Agent.Tools {
			tprefix := fmt.Sprintf("%s.agent.tools[%d]", prefix, j)
			if tool.Name == "" {
				errs = append(errs, fmt.Errorf("%s.name is required", tprefix))
			}
			if tool.Dispatch != "" && !tool.Dispatch.IsValid() {
				errs = append(errs, fmt.Errorf("%s.dispatch %q is invalid; valid values: inline, http, mcp", tprefix, tool.Dispatch))
			}
		}
	}

	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
	}

	return errors.Join(errs...)
}
