package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (listen address, broker, storage, decoder model) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AlertsChanged is true when the keyword list or any priority tier
	// changed. The app rebuilds the evaluator and alert tiers on this.
	AlertsChanged bool

	// DeliveryTuningChanged is true when retry/backoff/batch settings
	// changed. The queue itself is not rebuilt; the change applies on
	// restart, but it is surfaced so operators see the pending difference.
	DeliveryTuningChanged bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.AlertsChanged || d.DeliveryTuningChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Alerts.Keywords, new.Alerts.Keywords) ||
		!slices.Equal(old.Alerts.References, new.Alerts.References) ||
		!tiersEqual(old.Alerts.Tiers, new.Alerts.Tiers) {
		d.AlertsChanged = true
	}

	if old.Delivery != new.Delivery {
		d.DeliveryTuningChanged = true
	}

	return d
}

func tiersEqual(a, b TiersConfig) bool {
	return slices.Equal(a.Critical, b.Critical) &&
		slices.Equal(a.High, b.High) &&
		slices.Equal(a.Medium, b.Medium)
}
