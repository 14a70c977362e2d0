package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Load creates a new configuration by instantiating a Loader with the
// provided options and invoking its Load method.
func Load(opts ...LoaderOption) (*Config, error) {
	loader := NewLoader(opts...)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// Loader reads and merges configuration from the config file and the
// environment. The internal mutex makes Load safe for concurrent use.
type Loader struct {
	lock       sync.Mutex
	configFile string
	warnings   []string
}

// LoaderOption defines a functional option for configuring a Loader.
type LoaderOption func(*Loader)

// WithConfigFile sets an explicit configuration file path.
func WithConfigFile(configFile string) LoaderOption {
	return func(l *Loader) {
		l.configFile = configFile
	}
}

// NewLoader creates a new Loader and applies all given options.
func NewLoader(options ...LoaderOption) *Loader {
	loader := &Loader{}
	for _, option := range options {
		option(loader)
	}
	return loader
}

// Load reads the configuration, applies defaults and validates the result.
func (l *Loader) Load() (*Config, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	v := viper.New()
	l.setDefaults(v)

	v.SetEnvPrefix("GALAXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.validate(&cfg); err != nil {
		return nil, err
	}

	cfg.Warnings = l.warnings
	return &cfg, nil
}

func (l *Loader) setDefaults(v *viper.Viper) {
	v.SetDefault("heartbeat_interval_ms", 10000)
	v.SetDefault("heartbeat_expiry_multiplier", 3)
	v.SetDefault("reconnect_delay_ms", 5000)
	v.SetDefault("cancel_timeout_ms", 5000)
	v.SetDefault("max_concurrent_tasks", 6)
	v.SetDefault("max_step", 15)
	v.SetDefault("step_budget_ms", 60000)
	v.SetDefault("max_planner_retries", 3)
	v.SetDefault("log.format", "text")
	v.SetDefault("persistence.dir", "galaxy_data")
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.ConstellationID == "" {
		cfg.ConstellationID = uuid.NewString()
		l.warnings = append(l.warnings, "constellation_id not set; generated "+cfg.ConstellationID)
	}

	if len(cfg.Devices) == 0 && cfg.Server.ListenAddr == "" {
		return fmt.Errorf("config: at least one device or server.listen_addr is required")
	}
	seen := make(map[string]struct{}, len(cfg.Devices))
	for i, device := range cfg.Devices {
		if device.DeviceID == "" {
			return fmt.Errorf("config: devices[%d]: device_id is required", i)
		}
		if device.Endpoint == "" {
			return fmt.Errorf("config: device %s: endpoint is required", device.DeviceID)
		}
		if _, dup := seen[device.DeviceID]; dup {
			return fmt.Errorf("config: duplicate device_id %s", device.DeviceID)
		}
		seen[device.DeviceID] = struct{}{}
		if device.MaxRetries == 0 {
			cfg.Devices[i].MaxRetries = 5
		}
	}

	if cfg.Planner.Endpoint == "" {
		return fmt.Errorf("config: planner.endpoint is required")
	}

	if cfg.MaxConcurrentTasks < 1 {
		l.warnings = append(l.warnings, "max_concurrent_tasks < 1; using 1")
		cfg.MaxConcurrentTasks = 1
	}
	return nil
}
