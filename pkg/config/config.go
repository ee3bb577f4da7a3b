package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads Go duration strings ("250ms", "5s") from YAML
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Config is the controller configuration
type Config struct {
	ControllerID string          `yaml:"controller_id"`
	Listen       string          `yaml:"listen"`
	API          APIConfig       `yaml:"api"`
	Handshake    HandshakeConfig `yaml:"handshake"`
	Sync         SyncConfig      `yaml:"sync"`
	Heartbeat    HeartbeatConfig `yaml:"heartbeat"`
	Session      SessionConfig   `yaml:"session"`
	Dispatch     DispatchConfig  `yaml:"dispatch"`
	Protocol     ProtocolConfig  `yaml:"protocol"`
	Registry     RegistryConfig  `yaml:"registry"`
	Storage      StorageConfig   `yaml:"storage"`
	Nodes        []NodeConfig    `yaml:"nodes"`
	Log          LogConfig       `yaml:"log"`
}

// APIConfig configures the operator-facing endpoints
type APIConfig struct {
	Addr       string `yaml:"addr"`
	GRPCHealth string `yaml:"grpc_health_addr"` // Empty disables the gRPC health service
}

type HandshakeConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// SyncConfig tunes the clock synchronizer
type SyncConfig struct {
	Interval       Duration `yaml:"interval"`
	Window         int      `yaml:"window"`
	MinSamples     int      `yaml:"min_samples"`
	MaxAttempts    int      `yaml:"max_attempts"`
	Tolerance      Duration `yaml:"tolerance"`
	OutlierFactor  float64  `yaml:"outlier_factor"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// HeartbeatConfig tunes liveness detection and reconnection
type HeartbeatConfig struct {
	Interval         Duration `yaml:"interval"`
	Timeout          Duration `yaml:"timeout"`
	DegradeThreshold int      `yaml:"threshold"`
	LostThreshold    int      `yaml:"threshold2"`
	ReconnectBase    Duration `yaml:"reconnect_base"`
	ReconnectCap     Duration `yaml:"reconnect_cap"`
}

// SessionConfig tunes the orchestrator
type SessionConfig struct {
	Quorum               float64  `yaml:"quorum"`
	PrepareTimeout       Duration `yaml:"prepare_timeout"`
	StopTimeout          Duration `yaml:"stop_timeout"`
	LeadTime             Duration `yaml:"lead_time"` // Zero derives the lead time from round-trips
	MinLeadTime          Duration `yaml:"min_lead_time"`
	LeadFactor           float64  `yaml:"lead_factor"`
	MaxDuration          Duration `yaml:"max_duration"` // Zero disables the automatic stop
	RequiredCapabilities []string `yaml:"required_capabilities"`
}

// DispatchConfig is the retry policy for session commands
type DispatchConfig struct {
	AttemptTimeout Duration `yaml:"attempt_timeout"`
	RetryBase      Duration `yaml:"retry_base"`
	RetryCap       Duration `yaml:"retry_cap"`
	MaxAttempts    int      `yaml:"max_attempts"`
}

type ProtocolConfig struct {
	ReorderTolerance uint64   `yaml:"reorder_tolerance"`
	WriteTimeout     Duration `yaml:"write_timeout"`
}

type RegistryConfig struct {
	ProtocolErrorLimit int `yaml:"protocol_error_limit"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"` // Empty keeps the archive in memory only
}

// NodeConfig lists a node the controller dials itself
type NodeConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration with every documented default applied
func Default() *Config {
	return &Config{
		Listen: "0.0.0.0:7400",
		API: APIConfig{
			Addr: "127.0.0.1:7480",
		},
		Handshake: HandshakeConfig{
			Timeout: Duration(5 * time.Second),
		},
		Sync: SyncConfig{
			Interval:       Duration(2 * time.Second),
			Window:         8,
			MinSamples:     4,
			MaxAttempts:    16,
			Tolerance:      Duration(10 * time.Millisecond),
			OutlierFactor:  3,
			RequestTimeout: Duration(1 * time.Second),
		},
		Heartbeat: HeartbeatConfig{
			Interval:         Duration(5 * time.Second),
			Timeout:          Duration(2 * time.Second),
			DegradeThreshold: 3,
			LostThreshold:    3,
			ReconnectBase:    Duration(1 * time.Second),
			ReconnectCap:     Duration(30 * time.Second),
		},
		Session: SessionConfig{
			Quorum:         1.0,
			PrepareTimeout: Duration(10 * time.Second),
			StopTimeout:    Duration(5 * time.Second),
			MinLeadTime:    Duration(1 * time.Second),
			LeadFactor:     4,
		},
		Dispatch: DispatchConfig{
			AttemptTimeout: Duration(1 * time.Second),
			RetryBase:      Duration(100 * time.Millisecond),
			RetryCap:       Duration(1 * time.Second),
			MaxAttempts:    3,
		},
		Protocol: ProtocolConfig{
			ReorderTolerance: 16,
			WriteTimeout:     Duration(5 * time.Second),
		},
		Registry: RegistryConfig{
			ProtocolErrorLimit: 5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the controller cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Listen != "", "listen address is required")
	check(c.Handshake.Timeout > 0, "handshake.timeout must be positive")

	check(c.Sync.Interval > 0, "sync.interval must be positive")
	check(c.Sync.Window >= 1, "sync.window must be at least 1")
	check(c.Sync.MinSamples >= 1 && c.Sync.MinSamples <= c.Sync.Window,
		"sync.min_samples must be between 1 and sync.window (%d)", c.Sync.Window)
	check(c.Sync.MaxAttempts >= c.Sync.MinSamples, "sync.max_attempts must be >= sync.min_samples")
	check(c.Sync.Tolerance > 0, "sync.tolerance must be positive")
	check(c.Sync.OutlierFactor >= 1, "sync.outlier_factor must be >= 1")
	check(c.Sync.RequestTimeout > 0, "sync.request_timeout must be positive")

	check(c.Heartbeat.Interval > 0, "heartbeat.interval must be positive")
	check(c.Heartbeat.Timeout > 0 && c.Heartbeat.Timeout <= c.Heartbeat.Interval,
		"heartbeat.timeout must be positive and not exceed heartbeat.interval")
	check(c.Heartbeat.DegradeThreshold >= 1, "heartbeat.threshold must be at least 1")
	check(c.Heartbeat.LostThreshold >= 1, "heartbeat.threshold2 must be at least 1")
	check(c.Heartbeat.ReconnectBase > 0 && c.Heartbeat.ReconnectCap >= c.Heartbeat.ReconnectBase,
		"heartbeat reconnect base must be positive and not exceed the cap")

	check(c.Session.Quorum > 0 && c.Session.Quorum <= 1, "session.quorum must be in (0, 1]")
	check(c.Session.PrepareTimeout > 0, "session.prepare_timeout must be positive")
	check(c.Session.StopTimeout > 0, "session.stop_timeout must be positive")
	check(c.Session.LeadTime >= 0, "session.lead_time must not be negative")
	check(c.Session.MinLeadTime > 0, "session.min_lead_time must be positive")
	check(c.Session.LeadFactor >= 1, "session.lead_factor must be >= 1")
	check(c.Session.MaxDuration >= 0, "session.max_duration must not be negative")

	check(c.Dispatch.AttemptTimeout > 0, "dispatch.attempt_timeout must be positive")
	check(c.Dispatch.RetryBase > 0 && c.Dispatch.RetryCap >= c.Dispatch.RetryBase,
		"dispatch retry base must be positive and not exceed the cap")
	check(c.Dispatch.MaxAttempts >= 1, "dispatch.max_attempts must be at least 1")

	check(c.Registry.ProtocolErrorLimit >= 1, "registry.protocol_error_limit must be at least 1")

	seen := make(map[string]bool)
	for i, n := range c.Nodes {
		check(n.ID != "" && n.Address != "", "nodes[%d] needs id and address", i)
		check(!seen[n.ID], "nodes[%d]: duplicate id %q", i, n.ID)
		seen[n.ID] = true
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
