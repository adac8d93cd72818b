package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/paneflow/fanout"
	"github.com/jonwraymond/paneflow/observe"
	"github.com/jonwraymond/paneflow/resilience"
	"github.com/jonwraymond/paneflow/secret"
)

// ProviderTypeEcho is the built-in echo adapter.
const ProviderTypeEcho = "echo"

// Config is the server configuration.
type Config struct {
	Listen    string                    `yaml:"listen"`
	Fanout    FanoutConfig              `yaml:"fanout"`
	Circuit   CircuitConfig             `yaml:"circuit"`
	Retry     map[string]RetryConfig    `yaml:"retry"`
	Observe   observe.Config            `yaml:"observe"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// FanoutConfig configures the connection fan-out manager.
type FanoutConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxFailedSends    int           `yaml:"max_failed_sends"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// CircuitConfig configures every provider circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// RetryConfig overrides the built-in retry policy of one error kind. Unset
// fields keep the built-in value.
type RetryConfig struct {
	MaxRetries      *int          `yaml:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	ExponentialBase float64       `yaml:"exponential_base"`
	Jitter          *bool         `yaml:"jitter"`
}

// ProviderConfig configures one provider adapter.
type ProviderConfig struct {
	Type       string        `yaml:"type"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url,omitempty"`
	Models     []string      `yaml:"models"`
	TokenDelay time.Duration `yaml:"token_delay"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Fanout: FanoutConfig{
			HeartbeatInterval: 30 * time.Second,
			CleanupInterval:   300 * time.Second,
			MaxFailedSends:    3,
			WriteTimeout:      10 * time.Second,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
		},
		Observe: observe.Config{
			ServiceName: "paneflow",
			Metrics:     observe.MetricsConfig{Enabled: true, Exporter: "prometheus"},
			Logging:     observe.LoggingConfig{Enabled: true, Level: "info"},
		},
		Providers: defaultProviders(),
	}
}

func defaultProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		ProviderTypeEcho: {Type: ProviderTypeEcho, Models: []string{"echo-1"}},
	}
}

// Load reads the configuration at path over Default and validates it. A
// missing file is not an error. When the file names providers, they
// replace the default provider set.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.Providers = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = defaultProviders()
	}
	for name, p := range cfg.Providers {
		if p.Type == "" {
			p.Type = ProviderTypeEcho
			cfg.Providers[name] = p
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return ErrInvalidListen
	}

	f := c.Fanout
	if f.HeartbeatInterval < 0 || f.CleanupInterval < 0 || f.MaxFailedSends < 0 || f.WriteTimeout < 0 {
		return ErrInvalidFanout
	}
	if c.Circuit.FailureThreshold < 0 || c.Circuit.RecoveryTimeout < 0 {
		return ErrInvalidCircuit
	}

	for name, r := range c.Retry {
		if _, ok := resilience.ParseErrorKind(name); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownErrorKind, name)
		}
		if (r.MaxRetries != nil && *r.MaxRetries < 0) || r.BaseDelay < 0 || r.MaxDelay < 0 || r.ExponentialBase < 0 {
			return fmt.Errorf("%w: %s", ErrInvalidRetry, name)
		}
	}

	if err := c.Observe.Validate(); err != nil {
		return err
	}

	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		if p.Type != ProviderTypeEcho {
			return fmt.Errorf("%w: %s: %q", ErrUnknownProviderType, name, p.Type)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("%w: %s", ErrNoModels, name)
		}
	}
	return nil
}

// ProviderNames returns the configured provider names in sorted order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ManagerConfig returns the fan-out manager configuration.
func (c *Config) ManagerConfig() fanout.ManagerConfig {
	return fanout.ManagerConfig{
		HeartbeatInterval: c.Fanout.HeartbeatInterval,
		CleanupInterval:   c.Fanout.CleanupInterval,
		MaxFailedSends:    c.Fanout.MaxFailedSends,
		SendTimeout:       c.Fanout.WriteTimeout,
	}
}

// BreakerConfig returns the circuit breaker configuration.
func (c *Config) BreakerConfig() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold: c.Circuit.FailureThreshold,
		RecoveryTimeout:  c.Circuit.RecoveryTimeout,
	}
}

// Policies returns the retry policy table with the retry overrides
// applied. Auth and validation kinds keep zero retries whatever the
// override says.
func (c *Config) Policies() (resilience.PolicyTable, error) {
	defaults := resilience.DefaultPolicies()
	overrides := make(map[resilience.ErrorKind]resilience.RetryPolicy, len(c.Retry))
	for name, r := range c.Retry {
		kind, ok := resilience.ParseErrorKind(name)
		if !ok {
			return resilience.PolicyTable{}, fmt.Errorf("%w: %q", ErrUnknownErrorKind, name)
		}
		p := defaults.For(kind)
		if r.MaxRetries != nil {
			p.MaxRetries = *r.MaxRetries
		}
		if r.BaseDelay > 0 {
			p.BaseDelay = r.BaseDelay
		}
		if r.MaxDelay > 0 {
			p.MaxDelay = r.MaxDelay
		}
		if r.ExponentialBase > 0 {
			p.ExponentialBase = r.ExponentialBase
		}
		if r.Jitter != nil {
			p.Jitter = *r.Jitter
		}
		overrides[kind] = p
	}
	return resilience.NewPolicyTable(overrides), nil
}

// ResolveSecrets replaces every provider API key with its resolved value.
func (c *Config) ResolveSecrets(ctx context.Context, r *secret.Resolver) error {
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		if p.APIKey == "" {
			continue
		}
		key, err := r.ResolveValue(ctx, p.APIKey)
		if err != nil {
			return fmt.Errorf("config: provider %s api_key: %w", name, err)
		}
		p.APIKey = key
		c.Providers[name] = p
	}
	return nil
}
