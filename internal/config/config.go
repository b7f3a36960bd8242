// Package config provides YAML configuration loading and validation for the
// tripwire detection server.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for tripwired.
type Config struct {
	// RedisAddr is the address of the Redis instance backing the sliding-
	// window state store and the event/alert stream bus (e.g.
	// "127.0.0.1:6379"). Required.
	RedisAddr string `yaml:"redis_addr"`

	// RuleDir is the directory the rule catalog is loaded from and
	// hot-reloaded against. Required.
	RuleDir string `yaml:"rule_dir"`

	// StreamEventCap and StreamAlertCap bound the approximate length of the
	// raw-event and alert Redis Streams (XADD MAXLEN ~). Default to 5000 and
	// 2000 respectively when omitted or zero.
	StreamEventCap int64 `yaml:"stream_event_cap"`
	StreamAlertCap int64 `yaml:"stream_alert_cap"`

	// PublicHost overrides the host used when reconstructing web-surface
	// alert targets. "" disables the override and the event's own host is
	// used unmodified.
	PublicHost string `yaml:"public_host"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HTTPAddr is the listen address for the REST ingest/query API and the
	// WebSocket fan-out endpoints (e.g. "127.0.0.1:8080"). Defaults to
	// "127.0.0.1:8080" when omitted.
	HTTPAddr string `yaml:"http_addr"`

	// EnableRuleEngine defaults to true when omitted. cmd/tripwired reports
	// its value in the startup log; the pipeline evaluates every ingested
	// event with the rule engine whatever the value is.
	EnableRuleEngine *bool `yaml:"enable_rule_engine"`

	// EnableLegacyDetector is accepted and validated so that deployment
	// files which set it still load. There is no legacy detector in this
	// server and no code reads the field. Defaults to false when omitted.
	EnableLegacyDetector bool `yaml:"enable_legacy_detector"`

	// SuppressLegacyWhenRuleFired is accepted for the same compatibility
	// reason as EnableLegacyDetector; no code reads it.
	SuppressLegacyWhenRuleFired bool `yaml:"suppress_legacy_when_rule_fired"`

	// PostgresDSN is the durable store connection string for historical
	// event/alert queries. Optional: when empty, the server runs without a
	// durable store (dev mode).
	PostgresDSN string `yaml:"postgres_dsn"`

	// JWTPubKeyPath is the path to the PEM-encoded public key used to
	// verify bearer tokens on protected REST endpoints (e.g. rule reload).
	// Optional: when empty, JWT validation is skipped and the /api/v1
	// endpoints are served without authentication (dev mode).
	JWTPubKeyPath string `yaml:"jwt_pubkey_path"`

	// AuditLogPath is the path to the hash-chained append-only audit log
	// file every emitted alert is recorded into. Required.
	AuditLogPath string `yaml:"audit_log_path"`

	// IngestQueuePath is the path to the SQLite at-least-once durable
	// ingest buffer database file. Required.
	IngestQueuePath string `yaml:"ingest_queue_path"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// RuleEngineEnabled reports whether the rule engine should run, defaulting
// to true when the field was omitted from the YAML document.
func (c *Config) RuleEngineEnabled() bool {
	return c.EnableRuleEngine == nil || *c.EnableRuleEngine
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:8080"
	}
	if cfg.StreamEventCap == 0 {
		cfg.StreamEventCap = 5000
	}
	if cfg.StreamAlertCap == 0 {
		cfg.StreamAlertCap = 2000
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.RedisAddr == "" {
		errs = append(errs, errors.New("redis_addr is required"))
	}
	if cfg.RuleDir == "" {
		errs = append(errs, errors.New("rule_dir is required"))
	}
	if cfg.AuditLogPath == "" {
		errs = append(errs, errors.New("audit_log_path is required"))
	}
	if cfg.IngestQueuePath == "" {
		errs = append(errs, errors.New("ingest_queue_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.StreamEventCap < 0 {
		errs = append(errs, fmt.Errorf("stream_event_cap must be >= 0, got %d", cfg.StreamEventCap))
	}
	if cfg.StreamAlertCap < 0 {
		errs = append(errs, fmt.Errorf("stream_alert_cap must be >= 0, got %d", cfg.StreamAlertCap))
	}

	return errors.Join(errs...)
}
