package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Routing     RoutingConfig     `yaml:"routing"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Comms       CommsConfig       `yaml:"comms"`
	NATS        NATSConfig        `yaml:"nats"`
	Store       StoreConfig       `yaml:"store"`
	Web         WebConfig         `yaml:"web"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Runner      RunnerConfig      `yaml:"runner"`
	Notify      NotifyConfig      `yaml:"notify"`
	Vault       VaultConfig       `yaml:"vault"`
}

type RoutingConfig struct {
	// Strategy selects the load-balancing strategy: "performance",
	// "round-robin" or "least-connections".
	Strategy            string        `yaml:"strategy"`
	BreakerThreshold    int           `yaml:"breaker_threshold"`
	BreakerCooldown     time.Duration `yaml:"breaker_cooldown"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	DeliveryTimeout     time.Duration `yaml:"delivery_timeout"`
}

type CoordinatorConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `yaml:"task_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	PollInterval       time.Duration `yaml:"poll_interval"`
}

type CommsConfig struct {
	// MaxLatencyMs is the per-dispatch latency budget in milliseconds.
	MaxLatencyMs int `yaml:"max_latency_ms"`
	// TargetThroughput is the expected sustained messages per second.
	TargetThroughput int `yaml:"target_throughput"`
	// ReliabilityTarget is the expected delivery success percentage (0-100].
	ReliabilityTarget float64 `yaml:"reliability_target"`
	// MaxConcurrentDispatches bounds in-flight dispatches through the facade.
	MaxConcurrentDispatches int  `yaml:"max_concurrent_dispatches"`
	DelegationEnabled       bool `yaml:"delegation_enabled"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type RunnerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Image      string `yaml:"image"`
	MaxWorkers int    `yaml:"max_workers"`
}

type NotifyConfig struct {
	TelegramToken string `yaml:"telegram_token"`
	ChatID        int64  `yaml:"chat_id"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		Routing: RoutingConfig{
			Strategy:            "performance",
			BreakerThreshold:    5,
			BreakerCooldown:     30 * time.Second,
			HealthCheckInterval: 15 * time.Second,
			DeliveryTimeout:     10 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			MaxConcurrentTasks: 20,
			TaskTimeout:        5 * time.Minute,
			HeartbeatInterval:  10 * time.Second,
			PollInterval:       250 * time.Millisecond,
		},
		Comms: CommsConfig{
			MaxLatencyMs:            5000,
			TargetThroughput:        100,
			ReliabilityTarget:       99.0,
			MaxConcurrentDispatches: 64,
			DelegationEnabled:       true,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/plexus.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Runner: RunnerConfig{
			Image:      "plexus-worker:latest",
			MaxWorkers: 5,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("PLEXUS_CONFIG")
	if path == "" {
		path = "config/plexus.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PLEXUS_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("PLEXUS_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("PLEXUS_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("PLEXUS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PLEXUS_TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.TelegramToken = v
	}
	if v := os.Getenv("PLEXUS_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("PLEXUS_ROUTING_STRATEGY"); v != "" {
		cfg.Routing.Strategy = v
	}
}

// Validate rejects structurally invalid configuration. Invalid values are
// fatal to startup, not silently clamped.
func (c *Config) Validate() error {
	switch c.Routing.Strategy {
	case "performance", "round-robin", "least-connections":
	default:
		return fmt.Errorf("unknown routing strategy: %q", c.Routing.Strategy)
	}
	if c.Routing.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker_threshold must be positive, got %d", c.Routing.BreakerThreshold)
	}
	if c.Routing.BreakerCooldown <= 0 {
		return fmt.Errorf("breaker_cooldown must be positive, got %s", c.Routing.BreakerCooldown)
	}
	if c.Routing.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be positive, got %s", c.Routing.HealthCheckInterval)
	}
	if c.Coordinator.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive, got %d", c.Coordinator.MaxConcurrentTasks)
	}
	if c.Coordinator.TaskTimeout <= 0 {
		return fmt.Errorf("task_timeout must be positive, got %s", c.Coordinator.TaskTimeout)
	}
	if c.Coordinator.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.Coordinator.HeartbeatInterval)
	}
	if c.Comms.MaxLatencyMs <= 0 {
		return fmt.Errorf("max_latency_ms must be positive, got %d", c.Comms.MaxLatencyMs)
	}
	if c.Comms.TargetThroughput <= 0 {
		return fmt.Errorf("target_throughput must be positive, got %d", c.Comms.TargetThroughput)
	}
	if c.Comms.ReliabilityTarget <= 0 || c.Comms.ReliabilityTarget > 100 {
		return fmt.Errorf("reliability_target must be in (0, 100], got %v", c.Comms.ReliabilityTarget)
	}
	if c.Comms.MaxConcurrentDispatches <= 0 {
		return fmt.Errorf("max_concurrent_dispatches must be positive, got %d", c.Comms.MaxConcurrentDispatches)
	}
	return nil
}
