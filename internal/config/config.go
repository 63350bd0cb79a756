// Package config implements role-based configuration (spec §6): separate
// common/orchestration/worker config files merged by spf13/viper, with
// environment variable overrides. This package owns only the typed view
// the core consumes; validating caller-supplied config files against a
// schema is a collaborator's concern (spec.md Non-goals).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tasker-systems/tasker-core/internal/breaker"
	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/messaging"
)

// Role selects which config file(s) a process loads: every process loads
// "common", then layers its role-specific file on top.
type Role string

const (
	RoleCommon        Role = "common"
	RoleOrchestration Role = "orchestration"
	RoleWorker        Role = "worker"
)

// DeploymentMode controls whether the event coordinator's LISTEN/NOTIFY
// path, the actor ring's poll loop, or both drive readiness discovery
// (spec §6 deployment_mode).
type DeploymentMode string

const (
	ModeHybrid          DeploymentMode = "hybrid"
	ModeEventDrivenOnly DeploymentMode = "event_driven_only"
	ModePollingOnly     DeploymentMode = "polling_only"
)

type PoolConfig struct {
	Min            int           `mapstructure:"min"`
	Max            int           `mapstructure:"max"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
}

type DatabaseConfig struct {
	DSN  string     `mapstructure:"dsn"`
	Pool PoolConfig `mapstructure:"pool"`
}

type MessagingConfig struct {
	Backend  messaging.Backend `mapstructure:"backend"`
	PGMQ     struct{}          `mapstructure:"pgmq"`
	RabbitMQ struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"rabbitmq"`
}

type BackoffConfig struct {
	Base       float64 `mapstructure:"base"`
	Max        float64 `mapstructure:"max"`
	Multiplier float64 `mapstructure:"multiplier"`
	MaxJitter  float64 `mapstructure:"max_jitter"`
}

func (b BackoffConfig) ToRetryPolicy() domain.RetryPolicy {
	if b.Base == 0 && b.Max == 0 && b.Multiplier == 0 {
		return domain.DefaultRetryPolicy()
	}
	return domain.RetryPolicy{Base: b.Base, Max: b.Max, Multiplier: b.Multiplier, MaxJitter: b.MaxJitter}
}

type StalenessConfig struct {
	HeartbeatThreshold time.Duration `mapstructure:"heartbeat_threshold"`
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	TaskStaleThreshold time.Duration `mapstructure:"task_stale_threshold"`
	Slack              time.Duration `mapstructure:"slack"`
}

type CircuitBreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenDuration     time.Duration `mapstructure:"open_duration"`
	HalfOpenProbes   uint32        `mapstructure:"half_open_probes"`
}

func (c CircuitBreakerConfig) ToBreakerConfig() breaker.Config {
	return breaker.Config{FailureThreshold: c.FailureThreshold, OpenDuration: c.OpenDuration, HalfOpenProbes: c.HalfOpenProbes}
}

// Config is the fully-merged typed view of every option in spec §6.
type Config struct {
	Environment        string                          `mapstructure:"environment"`
	DeploymentMode     DeploymentMode                  `mapstructure:"deployment_mode"`
	Database           DatabaseConfig                  `mapstructure:"database"`
	Messaging          MessagingConfig                 `mapstructure:"messaging"`
	Namespaces         []string                        `mapstructure:"namespaces"`
	ChannelCapacity    map[string]int                  `mapstructure:"channels"`
	Backoff            map[string]BackoffConfig        `mapstructure:"backoff"`
	Staleness          StalenessConfig                 `mapstructure:"staleness"`
	CircuitBreaker     map[string]CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	HandlerConcurrency map[string]int64                `mapstructure:"handlers_concurrency"`
	Redis              struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	Neo4j struct {
		URI      string `mapstructure:"uri"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Database string `mapstructure:"database"`
	} `mapstructure:"neo4j"`
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
}

// ChannelCapacityFor returns the configured mailbox capacity for an actor
// name, or def if unset.
func (c Config) ChannelCapacityFor(actor string, def int) int {
	if v, ok := c.ChannelCapacity[actor]; ok && v > 0 {
		return v
	}
	return def
}

// BackoffFor returns the namespace's backoff parameters, falling back to a
// "default" entry, then to domain.DefaultRetryPolicy().
func (c Config) BackoffFor(namespace string) domain.RetryPolicy {
	if b, ok := c.Backoff[namespace]; ok {
		return b.ToRetryPolicy()
	}
	if b, ok := c.Backoff["default"]; ok {
		return b.ToRetryPolicy()
	}
	return domain.DefaultRetryPolicy()
}

// BreakerConfigFor returns the namespace's circuit breaker tuning, falling
// back to breaker.New's own zero-value defaults.
func (c Config) BreakerConfigFor(namespace string) breaker.Config {
	if cb, ok := c.CircuitBreaker[namespace]; ok {
		return cb.ToBreakerConfig()
	}
	if cb, ok := c.CircuitBreaker["default"]; ok {
		return cb.ToBreakerConfig()
	}
	return breaker.Config{}
}

// HandlerConcurrencyFor returns the per-namespace handler semaphore size
// (spec §6 handlers.concurrency.<namespace>), defaulting to def.
func (c Config) HandlerConcurrencyFor(namespace string, def int64) int64 {
	if v, ok := c.HandlerConcurrency[namespace]; ok && v > 0 {
		return v
	}
	return def
}

// Load merges the common config file with the role-specific one, applying
// TASKER_-prefixed environment variable overrides (e.g. TASKER_ENVIRONMENT
// overrides environment; no variable selects a per-environment subtree).
// A non-empty configPath adds a search directory; cmd/orchestrator passes
// TASKER_CONFIG_PATH there.
func Load(role Role, configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TASKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetConfigName("common")
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: reading common config: %w", err)
		}
	}

	if role != RoleCommon && role != "" {
		v.SetConfigName(string(role))
		if err := v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("config: reading %s config: %w", role, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.DeploymentMode == "" {
		cfg.DeploymentMode = ModeHybrid
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("deployment_mode", string(ModeHybrid))
	v.SetDefault("database.pool.min", 2)
	v.SetDefault("database.pool.max", 20)
	v.SetDefault("database.pool.acquire_timeout", "5s")
	v.SetDefault("messaging.backend", string(messaging.BackendPGMQ))
	v.SetDefault("staleness.heartbeat_threshold", "60s")
	v.SetDefault("staleness.check_interval", "15s")
	v.SetDefault("staleness.task_stale_threshold", "10m")
	v.SetDefault("staleness.slack", "10s")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":9090")
}
