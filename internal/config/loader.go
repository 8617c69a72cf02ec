package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown fields are rejected, so typos fail fast instead of being silently
// ignored. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// VAD
	if cfg.VAD.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("vad.sample_rate %d must not be negative", cfg.VAD.SampleRate))
	}
	if cfg.VAD.WindowMs < 0 {
		errs = append(errs, fmt.Errorf("vad.window_ms %d must not be negative", cfg.VAD.WindowMs))
	}
	if cfg.VAD.SilenceMs < 0 || cfg.VAD.MinSpeechMs < 0 {
		errs = append(errs, errors.New("vad.silence_ms and vad.min_speech_ms must not be negative"))
	}

	// Delivery
	if cfg.Delivery.Capacity < 0 {
		errs = append(errs, fmt.Errorf("delivery.capacity %d must not be negative", cfg.Delivery.Capacity))
	}
	if cfg.Delivery.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("delivery.batch_size %d must not be negative", cfg.Delivery.BatchSize))
	}
	if cfg.Delivery.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("delivery.max_retries %d must not be negative", cfg.Delivery.MaxRetries))
	}
	if cfg.Delivery.Endpoint == "" {
		slog.Warn("delivery.endpoint is empty; recognition events will only reach live subscribers")
	}

	// Liveness
	if cfg.Liveness.SweepIntervalSec < 0 || cfg.Liveness.OfflineThresholdSec < 0 {
		errs = append(errs, errors.New("liveness intervals must not be negative"))
	}
	if cfg.Liveness.SweepIntervalSec > 0 && cfg.Liveness.OfflineThresholdSec > 0 &&
		cfg.Liveness.SweepIntervalSec > cfg.Liveness.OfflineThresholdSec {
		slog.Warn("liveness.sweep_interval_sec exceeds offline_threshold_sec; offline detection will lag",
			"sweep_interval_sec", cfg.Liveness.SweepIntervalSec,
			"offline_threshold_sec", cfg.Liveness.OfflineThresholdSec,
		)
	}

	// Device channel / storage availability
	if cfg.MQTT.BrokerURL == "" {
		slog.Warn("mqtt.broker_url is empty; the device channel is disabled")
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; using the in-memory device repository")
	}

	// Decoder
	if cfg.Decoder.ModelPath == "" {
		errs = append(errs, errors.New("decoder.model_path is required"))
	}

	// Alerts: duplicate keyword detection
	seen := make(map[string]int, len(cfg.Alerts.Keywords))
	for i, kw := range cfg.Alerts.Keywords {
		if kw == "" {
			errs = append(errs, fmt.Errorf("alerts.keywords[%d] is empty", i))
			continue
		}
		if prev, ok := seen[kw]; ok {
			errs = append(errs, fmt.Errorf("alerts.keywords[%d] %q is a duplicate of alerts.keywords[%d]", i, kw, prev))
		}
		seen[kw] = i
	}

	return errors.Join(errs...)
}
