package config

import "reflect"

// Diff describes what changed between two configs. Only changes that are
// safe to apply without a restart are tracked; everything else sets
// RestartRequired so operators get a clear signal in the logs.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BillingChanged covers margin and rate-card edits. Applied to new
	// sessions only; live calls keep the meter they started with.
	BillingChanged bool

	// RoutesChanged covers static directory edits. Applied on the next
	// resolve; live calls keep their agent snapshot.
	RoutesChanged bool

	// RestartRequired is set when listener addresses, upstream credentials,
	// the bus, or the MCP server set changed.
	RestartRequired bool
}

// Empty reports whether nothing relevant changed.
func (d Diff) Empty() bool {
	return d == Diff{}
}

// Compare returns what changed between old and new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Billing.ProfitMarginPercent != new.Billing.ProfitMarginPercent ||
		!reflect.DeepEqual(old.Billing.Rates, new.Billing.Rates) {
		d.BillingChanged = true
	}
	if !reflect.DeepEqual(old.Directory.Routes, new.Directory.Routes) {
		d.RoutesChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Ingress, new.Ingress) ||
		!reflect.DeepEqual(old.Upstream, new.Upstream) ||
		old.Bus != new.Bus ||
		old.Directory.PostgresDSN != new.Directory.PostgresDSN ||
		!reflect.DeepEqual(old.MCP, new.MCP) {
		d.RestartRequired = true
	}

	return d
}
