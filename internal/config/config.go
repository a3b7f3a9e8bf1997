// Package config provides the configuration schema and loader for the voice
// bridge: a YAML file for structure, environment variables for secrets and
// deployment overrides.
package config

import (
	"time"

	"github.com/aivalabs/voicebridge/internal/directory"
	"github.com/aivalabs/voicebridge/internal/mcp"
	"github.com/aivalabs/voicebridge/internal/meter"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [Load] when the file leaves fields unset.
const (
	DefaultListenAddr        = ":8080"
	DefaultVADThreshold      = 0.5
	DefaultSilenceDurationMS = 500
	DefaultMarginPercent     = 20.0
	DefaultIdleTimeoutMS     = 300_000
)

// Config is the root configuration structure, typically loaded from a YAML
// file via [Load] with environment overrides applied on top.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ingress   IngressConfig   `yaml:"ingress"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Bus       BusConfig       `yaml:"bus"`
	Directory DirectoryConfig `yaml:"directory"`
	Billing   BillingConfig   `yaml:"billing"`
	Session   SessionConfig   `yaml:"session"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds the HTTP sidecar (metrics, health) and logging settings.
type ServerConfig struct {
	// ListenAddr is the HTTP address for /metrics, /healthz and /readyz.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// IngressConfig holds the telephony listener addresses. Each address is one
// routing port; a deployment typically binds one port per provisioned trunk.
type IngressConfig struct {
	ListenAddrs []string `yaml:"listen_addrs"`
}

// UpstreamConfig configures the realtime LLM service connection.
type UpstreamConfig struct {
	// APIKey is the long-lived key used to mint ephemeral session tokens.
	// Prefer the UPSTREAM_API_KEY environment variable over the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the service endpoint. Empty uses the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model is the default model id; agents may override it.
	Model string `yaml:"model"`

	// TranscriptionModel enables caller-audio transcription when set.
	TranscriptionModel string `yaml:"transcription_model"`

	// VADThreshold tunes server-side voice activity detection (0..1).
	VADThreshold float64 `yaml:"vad_threshold"`

	// SilenceDurationMS is how long a pause must last to end a caller turn.
	SilenceDurationMS int `yaml:"silence_duration_ms"`
}

// BusConfig configures the control bus connection.
type BusConfig struct {
	// URL is the redis endpoint, e.g. "redis://localhost:6379/0".
	URL string `yaml:"url"`
}

// DirectoryConfig selects the caller → agent resolution source. When
// PostgresDSN is set the database directory is used and Routes are ignored;
// otherwise the static routes serve single-tenant deployments.
type DirectoryConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`

	// RefreshInterval is the database snapshot refresh cadence.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	Routes []StaticRoute `yaml:"routes"`
}

// StaticRoute is one file-provisioned caller → agent binding. An empty
// Caller makes the route port-wide.
type StaticRoute struct {
	Caller   string                `yaml:"caller"`
	Port     int                   `yaml:"port"`
	TenantID string                `yaml:"tenant_id"`
	AgentID  string                `yaml:"agent_id"`
	Agent    directory.AgentConfig `yaml:"agent"`
}

// BillingConfig holds the pricing knobs.
type BillingConfig struct {
	// ProfitMarginPercent is added on top of the base cost (20 = +20%).
	ProfitMarginPercent float64 `yaml:"profit_margin_percent"`

	// Rates overrides or extends the built-in rate card per model id.
	Rates meter.RateCard `yaml:"rates"`
}

// Margin returns the margin as a fraction (0.20 for 20%).
func (b BillingConfig) Margin() float64 {
	return b.ProfitMarginPercent / 100
}

// RateCard returns the built-in card with the configured overrides applied.
func (b BillingConfig) RateCard() meter.RateCard {
	card := meter.DefaultRateCard()
	for model, rates := range b.Rates {
		card[model] = rates
	}
	return card
}

// SessionConfig holds per-session lifecycle settings.
type SessionConfig struct {
	// IdleTimeoutMS is the reaper threshold since last activity.
	IdleTimeoutMS int `yaml:"idle_timeout_ms"`
}

// IdleTimeout returns the reaper threshold as a duration.
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

// MCPConfig lists the Model Context Protocol tool servers to connect to.
type MCPConfig struct {
	Servers []mcp.ServerConfig `yaml:"servers"`
}

// applyDefaults fills unset fields in place.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Upstream.VADThreshold == 0 {
		cfg.Upstream.VADThreshold = DefaultVADThreshold
	}
	if cfg.Upstream.SilenceDurationMS == 0 {
		cfg.Upstream.SilenceDurationMS = DefaultSilenceDurationMS
	}
	if cfg.Billing.ProfitMarginPercent == 0 {
		cfg.Billing.ProfitMarginPercent = DefaultMarginPercent
	}
	if cfg.Session.IdleTimeoutMS == 0 {
		cfg.Session.IdleTimeoutMS = DefaultIdleTimeoutMS
	}
}
