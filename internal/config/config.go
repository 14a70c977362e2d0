// Package config loads and validates the orchestrator configuration
// document. A single file (YAML or JSON) plus GALAXY_-prefixed environment
// variables configure timeouts, the device registry, and the planner
// endpoint.
package config

import (
	"time"
)

// Config is the root configuration document.
type Config struct {
	ConstellationID string `mapstructure:"constellation_id"`

	HeartbeatIntervalMS       int `mapstructure:"heartbeat_interval_ms"`
	HeartbeatExpiryMultiplier int `mapstructure:"heartbeat_expiry_multiplier"`
	ReconnectDelayMS          int `mapstructure:"reconnect_delay_ms"`
	CancelTimeoutMS           int `mapstructure:"cancel_timeout_ms"`
	MaxConcurrentTasks        int `mapstructure:"max_concurrent_tasks"`
	MaxStep                   int `mapstructure:"max_step"`
	StepBudgetMS              int `mapstructure:"step_budget_ms"`
	MaxPlannerRetries         int `mapstructure:"max_planner_retries"`

	Devices []DeviceSpec `mapstructure:"devices"`
	Planner PlannerSpec  `mapstructure:"planner"`

	Server      ServerSpec      `mapstructure:"server"`
	Log         LogSpec         `mapstructure:"log"`
	Persistence PersistenceSpec `mapstructure:"persistence"`

	// Warnings collected while resolving the configuration.
	Warnings []string `mapstructure:"-"`
}

// DeviceSpec describes one entry of the initial device registry.
type DeviceSpec struct {
	DeviceID     string         `mapstructure:"device_id"`
	Endpoint     string         `mapstructure:"endpoint"`
	Capabilities []string       `mapstructure:"capabilities"`
	OS           string         `mapstructure:"os"`
	Metadata     map[string]any `mapstructure:"metadata"`
	AutoConnect  *bool          `mapstructure:"auto_connect"`
	MaxRetries   int            `mapstructure:"max_retries"`
}

// ShouldAutoConnect reports whether the device is connected at startup.
// Defaults to true when unset.
func (d DeviceSpec) ShouldAutoConnect() bool {
	return d.AutoConnect == nil || *d.AutoConnect
}

// PlannerSpec points at the external planner service.
type PlannerSpec struct {
	Endpoint  string `mapstructure:"endpoint"`
	APIKey    string `mapstructure:"api_key"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

// ServerSpec configures the optional inbound HTTP listener. When ListenAddr
// is set, the orchestrator serves the device connect endpoint and Prometheus
// metrics on it; devices behind NAT dial in instead of being dialed.
type ServerSpec struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LogSpec configures the structured logger.
type LogSpec struct {
	Format string `mapstructure:"format"` // text or json
	Debug  bool   `mapstructure:"debug"`
	Quiet  bool   `mapstructure:"quiet"`
}

// PersistenceSpec configures the optional run artifacts.
type PersistenceSpec struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// HeartbeatInterval returns the heartbeat cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// HeartbeatExpiry returns the miss threshold after which a session expires.
func (c *Config) HeartbeatExpiry() time.Duration {
	return time.Duration(c.HeartbeatExpiryMultiplier) * c.HeartbeatInterval()
}

// ReconnectDelay returns the session-loss grace window.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

// CancelTimeout returns how long cancellation waits for acknowledgement.
func (c *Config) CancelTimeout() time.Duration {
	return time.Duration(c.CancelTimeoutMS) * time.Millisecond
}

// StepBudget returns the per-step time budget used for task timeouts.
func (c *Config) StepBudget() time.Duration {
	return time.Duration(c.StepBudgetMS) * time.Millisecond
}

// PlannerTimeout returns the planner call timeout.
func (c *Config) PlannerTimeout() time.Duration {
	if c.Planner.TimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Planner.TimeoutMS) * time.Millisecond
}
