// Package config loads the tunables file: circuit breaker, pool, webhook queue and
// synchronizer settings plus the tools the gateway may call.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/dukex/runbook/pkg/circuitbreaker"
	"github.com/dukex/runbook/pkg/completion"
	"github.com/dukex/runbook/pkg/dispatcher"
	"github.com/dukex/runbook/pkg/integration"
	"github.com/dukex/runbook/pkg/pool"
	"github.com/dukex/runbook/pkg/webhook"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Circuit      CircuitConfig      `yaml:"circuit"`
	Pool         PoolConfig         `yaml:"pool"`
	Webhook      WebhookConfig      `yaml:"webhook"`
	Synchronizer SynchronizerConfig `yaml:"synchronizer"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Tools        []integration.Tool `yaml:"tools"        validate:"dive"`
}

// CircuitConfig holds breaker settings. Types override the default per integration type with
// zero fields inherited; CriticalTypes without an explicit override use the critical profile.
type CircuitConfig struct {
	Default       circuitbreaker.Config            `yaml:"default"`
	Types         map[string]circuitbreaker.Config `yaml:"types"`
	CriticalTypes []string                         `yaml:"critical_types"`
}

type PoolConfig struct {
	Default       pool.Config            `yaml:"default"`
	Types         map[string]pool.Config `yaml:"types"          validate:"dive"`
	PruneInterval time.Duration          `yaml:"prune_interval" validate:"gt=0"`
}

type WebhookConfig struct {
	Queue       webhook.QueueConfig       `yaml:"queue"`
	HostBreaker webhook.HostBreakerConfig `yaml:"host_breaker"`
	Timestamps  bool                      `yaml:"timestamps"`

	// RedisURL enables the redis dead-letter store; dead letters stay in memory when empty.
	RedisURL      string `yaml:"redis_url"       validate:"omitempty,url"`
	DeadLetterKey string `yaml:"dead_letter_key"`
}

type SynchronizerConfig struct {
	MaxWait      time.Duration `yaml:"max_wait"      validate:"gt=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

type DispatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	BatchSize    int           `yaml:"batch_size"    validate:"min=1"`
	ToolWorkers  int           `yaml:"tool_workers"  validate:"min=1"`
	ToolTimeout  time.Duration `yaml:"tool_timeout"  validate:"gt=0"`
}

// Default returns the built-in configuration used when no file is given.
func Default() Config {
	return Config{
		Circuit: CircuitConfig{
			Default: circuitbreaker.DefaultConfig(),
			Types:   map[string]circuitbreaker.Config{},
		},
		Pool: PoolConfig{
			Default:       pool.DefaultConfig(),
			Types:         map[string]pool.Config{},
			PruneInterval: time.Minute,
		},
		Webhook: WebhookConfig{
			Queue:         webhook.DefaultQueueConfig(),
			HostBreaker:   webhook.DefaultHostBreakerConfig(),
			Timestamps:    true,
			DeadLetterKey: webhook.DefaultDeadLetterKey,
		},
		Synchronizer: SynchronizerConfig{
			MaxWait:      completion.DefaultMaxWait,
			PollInterval: completion.DefaultPollInterval,
		},
		Dispatcher: DispatcherConfig{
			PollInterval: dispatcher.DefaultPollInterval,
			BatchSize:    dispatcher.DefaultBatchSize,
			ToolWorkers:  dispatcher.DefaultToolWorkers,
			ToolTimeout:  pool.DefaultRequestTimeout,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path or a missing file yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}

	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	err = Validate(cfg)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks every section. Circuit overrides are checked after inheriting the default.
func Validate(cfg Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	err := validate.Struct(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	for integrationType, override := range cfg.Circuit.Types {
		err := validate.Struct(override.Merge(cfg.Circuit.Default))
		if err != nil {
			return fmt.Errorf("%w: circuit type %s: %w", ErrInvalidConfig, integrationType, err)
		}
	}

	seen := make(map[string]bool, len(cfg.Tools))

	for _, tool := range cfg.Tools {
		if seen[tool.ID] {
			return fmt.Errorf("%w: duplicate tool id %s", ErrInvalidConfig, tool.ID)
		}

		seen[tool.ID] = true
	}

	return nil
}

// CircuitOptions turns the circuit section into manager options.
func (c Config) CircuitOptions() []circuitbreaker.Option {
	opts := []circuitbreaker.Option{circuitbreaker.WithDefaultConfig(c.Circuit.Default)}

	for _, integrationType := range c.Circuit.CriticalTypes {
		if _, ok := c.Circuit.Types[integrationType]; !ok {
			opts = append(opts, circuitbreaker.WithTypeConfig(integrationType, circuitbreaker.CriticalConfig()))
		}
	}

	for integrationType, override := range c.Circuit.Types {
		opts = append(opts, circuitbreaker.WithTypeConfig(integrationType, override))
	}

	return opts
}

// PoolOptions turns the pool section into options for a pool of V.
func PoolOptions[V any](c PoolConfig) []pool.Option[V] {
	opts := []pool.Option[V]{pool.WithDefaultConfig[V](c.Default)}

	for integrationType, override := range c.Types {
		opts = append(opts, pool.WithTypeConfig[V](integrationType, override))
	}

	return opts
}
