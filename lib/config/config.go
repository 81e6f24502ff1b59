// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for sentryd.
type Config struct {
	// Identity is this daemon's globally unique identity string.
	// Required — there is no default.
	Identity string `yaml:"identity"`

	// Listen is the address the peer mesh listens on (e.g. ":7913").
	Listen string `yaml:"listen"`

	// Peers maps a remote identity to its last-known reachable address.
	// The discovery engine dials every entry that is not currently
	// connected on each discovery tick.
	Peers map[string]PeerConfig `yaml:"peers"`

	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Delegation DelegationConfig `yaml:"delegation"`
	Export     ExportConfig     `yaml:"export"`
}

// PeerConfig is a statically configured peer address.
type PeerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	// Broker marks this peer as trusted to relay discovery.announce
	// messages about third-party identities. Non-broker peers' announce
	// topics are filtered through AllowedTopics.
	Broker bool `yaml:"broker"`

	// AllowedTopics restricts which topics an untrusted peer's
	// discovery.announce may grant. Matched with principal.MatchPattern
	// semantics; empty means "**" (allow all).
	AllowedTopics []string `yaml:"allowed_topics"`

	// Accepts is this daemon's own knowledge of which service-name
	// globs the peer is willing to execute checks for — a first-class
	// predicate the delegation engine consults when scoring the peer
	// as a candidate, rather than inferring willingness solely from
	// its delegation.assign subscription.
	Accepts []string `yaml:"accepts"`
}

// DiscoveryConfig configures the discovery engine's timers.
type DiscoveryConfig struct {
	// Interval is how often the discovery tick runs: reconnect
	// attempts, TTL eviction, keep-alive re-broadcast.
	Interval string `yaml:"interval"`

	// RegistrationTTL is the maximum silence before a peer directory
	// entry is evicted.
	RegistrationTTL string `yaml:"registration_ttl"`

	// ConnectTimeout bounds a single outbound connection attempt.
	ConnectTimeout string `yaml:"connect_timeout"`
}

// DelegationConfig configures the delegation engine.
type DelegationConfig struct {
	// Accepts is the list of service-name globs this daemon is
	// willing to execute checks for. Matched with principal.MatchPattern
	// semantics (single-segment "*", recursive "**").
	Accepts []string `yaml:"accepts"`

	// AssignTimeout bounds how long a pending assignment waits for a
	// reply before reverting to unassigned.
	AssignTimeout string `yaml:"assign_timeout"`

	// Interval is how often the delegation tick runs.
	Interval string `yaml:"interval"`
}

// ExportConfig configures the status/config exporter's outbound sink.
type ExportConfig struct {
	// SocketAddress and SocketPort address the outbound status sink.
	SocketAddress string `yaml:"socket_address"`
	SocketPort    int    `yaml:"socket_port"`

	// InstanceName identifies this daemon instance to the sink in the
	// HELLO preamble.
	InstanceName string `yaml:"instance_name"`

	StatusInterval        string `yaml:"status_interval"`
	ProgramStatusInterval string `yaml:"program_status_interval"`
	ConfigInterval        string `yaml:"config_interval"`

	// QueueCapacity bounds the number of pre-built records buffered
	// for the sink's I/O fiber before the producer blocks.
	QueueCapacity int `yaml:"queue_capacity"`

	// ReconnectInitialBackoff and ReconnectMaxBackoff bound the sink's
	// exponential reconnect backoff.
	ReconnectInitialBackoff string `yaml:"reconnect_initial_backoff"`
	ReconnectMaxBackoff     string `yaml:"reconnect_max_backoff"`
}

// Default returns the default configuration. These defaults exist
// primarily to ensure every field has a sensible zero-value, not as a
// substitute for the config file — Identity has no default and must
// be set explicitly.
func Default() *Config {
	return &Config{
		Listen: ":7913",
		Peers:  map[string]PeerConfig{},
		Discovery: DiscoveryConfig{
			Interval:        "30s",
			RegistrationTTL: "90s",
			ConnectTimeout:  "10s",
		},
		Delegation: DelegationConfig{
			Accepts:       []string{"**"},
			AssignTimeout: "30s",
			Interval:      "10s",
		},
		Export: ExportConfig{
			SocketAddress:           "127.0.0.1",
			SocketPort:              5668,
			InstanceName:            "i2-default",
			StatusInterval:          "60s",
			ProgramStatusInterval:   "15s",
			ConfigInterval:          "3600s",
			QueueCapacity:           4096,
			ReconnectInitialBackoff: "1s",
			ReconnectMaxBackoff:     "30s",
		},
	}
}

// Load loads configuration from the SENTRYD_CONFIG environment
// variable. There are no fallbacks — if SENTRYD_CONFIG is not set,
// this fails. Use LoadFile for an explicit --config path.
func Load() (*Config, error) {
	configPath := os.Getenv("SENTRYD_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("SENTRYD_CONFIG environment variable not set; " +
			"set it to the path of your sentryd.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, overlaying
// it onto Default(). Expands ${VAR} and ${VAR:-default} patterns in
// string fields that support it, then validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandVariables expands ${HOME}-style references in path-like
// fields. Only the listen address and the export socket address are
// expanded; other fields, including the peer list, are used as written.
func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Export.SocketAddress = expandVars(c.Export.SocketAddress, vars)
	c.Listen = expandVars(c.Listen, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for structural errors and that
// every duration field parses. It does not open any sockets.
func (c *Config) Validate() error {
	var errs []error

	if c.Identity == "" {
		errs = append(errs, fmt.Errorf("identity is required"))
	}
	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}

	durations := map[string]string{
		"discovery.interval":               c.Discovery.Interval,
		"discovery.registration_ttl":       c.Discovery.RegistrationTTL,
		"discovery.connect_timeout":        c.Discovery.ConnectTimeout,
		"delegation.assign_timeout":        c.Delegation.AssignTimeout,
		"delegation.interval":              c.Delegation.Interval,
		"export.status_interval":           c.Export.StatusInterval,
		"export.program_status_interval":   c.Export.ProgramStatusInterval,
		"export.config_interval":           c.Export.ConfigInterval,
		"export.reconnect_initial_backoff": c.Export.ReconnectInitialBackoff,
		"export.reconnect_max_backoff":     c.Export.ReconnectMaxBackoff,
	}
	for field, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}

	if c.Export.SocketPort <= 0 || c.Export.SocketPort > 65535 {
		errs = append(errs, fmt.Errorf("export.socket_port must be 1-65535"))
	}
	if c.Export.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("export.queue_capacity must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration parses a validated duration field. Panics if called on a
// Config that has not passed Validate — production code always loads
// through LoadFile, which validates before returning.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic("config: invalid duration " + s + " (Validate should have caught this): " + err.Error())
	}
	return d
}
