package config_test

import (
	"strings"
	"testing"

	"github.com/futurianh1k/edgevoice/internal/config"
)

func loadValid(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("load base config: %v", err)
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	a, b := loadValid(t), loadValid(t)
	d := config.Diff(a, b)
	if d.Any() {
		t.Errorf("identical configs produced diff %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	a, b := loadValid(t), loadValid(t)
	b.Server.LogLevel = config.LogDebug

	d := config.Diff(a, b)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged not set")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q", d.NewLogLevel)
	}
	if !d.Any() {
		t.Error("Any() should be true")
	}
}

func TestDiff_Alerts(t *testing.T) {
	t.Run("keywords", func(t *testing.T) {
		a, b := loadValid(t), loadValid(t)
		b.Alerts.Keywords = append(b.Alerts.Keywords, "불이야")
		if d := config.Diff(a, b); !d.AlertsChanged {
			t.Error("keyword change not detected")
		}
	})

	t.Run("tiers", func(t *testing.T) {
		a, b := loadValid(t), loadValid(t)
		b.Alerts.Tiers.Critical = []string{"mayday"}
		if d := config.Diff(a, b); !d.AlertsChanged {
			t.Error("tier change not detected")
		}
	})

	t.Run("references", func(t *testing.T) {
		a, b := loadValid(t), loadValid(t)
		b.Alerts.References = nil
		if d := config.Diff(a, b); !d.AlertsChanged {
			t.Error("reference change not detected")
		}
	})
}

func TestDiff_DeliveryTuning(t *testing.T) {
	a, b := loadValid(t), loadValid(t)
	b.Delivery.MaxRetries = 5

	d := config.Diff(a, b)
	if !d.DeliveryTuningChanged {
		t.Error("delivery tuning change not detected")
	}
	if d.LogLevelChanged || d.AlertsChanged {
		t.Errorf("unrelated flags set: %+v", d)
	}
}

func TestDiff_RestartOnlyFieldsIgnored(t *testing.T) {
	a, b := loadValid(t), loadValid(t)
	b.Server.ListenAddr = ":9090"
	b.MQTT.BrokerURL = "tcp://other:1883"
	b.Storage.PostgresDSN = ""

	if d := config.Diff(a, b); d.Any() {
		t.Errorf("restart-only fields produced diff %+v", d)
	}
}
