// Package config loads the hub and spoke configuration surface from a
// YAML file, environment variables, and built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration object for a hub process. Spoke
// processes read the Spoke and Log sections, and the Market spoke the
// Aggregator section as well.
type Config struct {
	Hub    HubConfig    `mapstructure:"hub"`
	Spoke  SpokeConfig  `mapstructure:"spoke"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Log    LogConfig    `mapstructure:"log"`
}

type HubConfig struct {
	BindAddress         string         `mapstructure:"bind_address"`
	RegistryBindAddress string         `mapstructure:"registry_bind_address"`
	Registry            RegistryConfig `mapstructure:"registry"`
	Router              RouterConfig   `mapstructure:"router"`
	DNS                 DNSConfig      `mapstructure:"dns"`
	Etcd                EtcdConfig     `mapstructure:"etcd"`
}

type RegistryConfig struct {
	ProbeIntervalSeconds    int  `mapstructure:"probe_interval_seconds"`
	ProbeTimeoutSeconds     int  `mapstructure:"probe_timeout_seconds"`
	CriticalAfterProbes     int  `mapstructure:"critical_after_probes"`
	DeregisterAfterSeconds  int  `mapstructure:"deregister_after_seconds"`
	HeartbeatTTLSeconds     int  `mapstructure:"heartbeat_ttl_seconds"`
	DurableMirror           bool `mapstructure:"durable_mirror"`
}

type RouterConfig struct {
	PerInstanceCapacity    int     `mapstructure:"per_instance_capacity"`
	PerCallTimeoutSeconds  int     `mapstructure:"per_call_timeout_seconds"`
	MaxRetries             int     `mapstructure:"max_retries"`
	AcquireDeadlineMillis  int     `mapstructure:"acquire_deadline_millis"`
	BaseBackoffMillis      int     `mapstructure:"base_backoff_millis"`
	MaxBackoffMillis       int     `mapstructure:"max_backoff_millis"`
	Breaker                BreakerConfig `mapstructure:"breaker"`
	MaxInFlight            int     `mapstructure:"max_in_flight"`
	QueueCapacity          int     `mapstructure:"queue_capacity"`
}

type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	CooldownSeconds  int `mapstructure:"cooldown_seconds"`
}

type DNSConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Domain          string `mapstructure:"domain"`
	Port            int    `mapstructure:"port"`
	RecordTTLSeconds int   `mapstructure:"record_ttl_seconds"`
	CacheTTLSeconds  int   `mapstructure:"cache_ttl_seconds"`
}

type EtcdConfig struct {
	Endpoints   []string `mapstructure:"endpoints"`
	DialTimeout string   `mapstructure:"dial_timeout"`
}

type SpokeConfig struct {
	Name                         string `mapstructure:"name"`
	BindAddress                  string `mapstructure:"bind_address"`
	HubAddress                   string `mapstructure:"hub_address"`
	HeartbeatIntervalSeconds     int    `mapstructure:"heartbeat_interval_seconds"`
	StartupRegistrationDeadline  int    `mapstructure:"startup_registration_deadline_seconds"`
	ShutdownGraceSeconds         int    `mapstructure:"shutdown_grace_seconds"`
}

type AggregatorConfig struct {
	CacheMaxEntries int                         `mapstructure:"cache_max_entries"`
	CacheTTLSeconds map[string]int              `mapstructure:"cache_ttl_seconds"`
	ProviderOrder   map[string][]string         `mapstructure:"provider_order"`
	Providers       map[string]ProviderConfig   `mapstructure:"providers"`
	ProviderCooldownSeconds int                 `mapstructure:"provider_cooldown_seconds"`
}

type ProviderConfig struct {
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Credential string          `mapstructure:"credential"`
}

type RateLimitConfig struct {
	Capacity         int `mapstructure:"capacity"`
	RefillPerSecond  int `mapstructure:"refill_per_second"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configPath (if non-empty) plus environment overrides
// under the FINHUB_ prefix, falling back to the defaults below when
// neither is set. With an empty configPath, finhub.yaml is looked up
// in . and ./configs, and not finding it there is not an error — the
// common case for spoke processes running off defaults and env vars.
// A non-empty configPath that cannot be read is an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("finhub")
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("FINHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hub.bind_address", ":8500")
	v.SetDefault("hub.registry_bind_address", ":8501")
	v.SetDefault("hub.registry.probe_interval_seconds", 10)
	v.SetDefault("hub.registry.probe_timeout_seconds", 3)
	v.SetDefault("hub.registry.critical_after_probes", 3)
	v.SetDefault("hub.registry.deregister_after_seconds", 300)
	v.SetDefault("hub.registry.heartbeat_ttl_seconds", 30)
	v.SetDefault("hub.registry.durable_mirror", false)

	v.SetDefault("hub.router.per_instance_capacity", 10)
	v.SetDefault("hub.router.per_call_timeout_seconds", 30)
	v.SetDefault("hub.router.max_retries", 2)
	v.SetDefault("hub.router.acquire_deadline_millis", 100)
	v.SetDefault("hub.router.base_backoff_millis", 100)
	v.SetDefault("hub.router.max_backoff_millis", 5000)
	v.SetDefault("hub.router.breaker.failure_threshold", 5)
	v.SetDefault("hub.router.breaker.cooldown_seconds", 30)
	v.SetDefault("hub.router.max_in_flight", 256)
	v.SetDefault("hub.router.queue_capacity", 1024)

	v.SetDefault("hub.dns.enabled", true)
	v.SetDefault("hub.dns.domain", "finhub.local")
	v.SetDefault("hub.dns.port", 8600)
	v.SetDefault("hub.dns.record_ttl_seconds", 5)
	v.SetDefault("hub.dns.cache_ttl_seconds", 5)

	v.SetDefault("hub.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("hub.etcd.dial_timeout", "5s")

	v.SetDefault("spoke.bind_address", ":9000")
	v.SetDefault("spoke.hub_address", "http://localhost:8501")
	v.SetDefault("spoke.heartbeat_interval_seconds", 10)
	v.SetDefault("spoke.startup_registration_deadline_seconds", 60)
	v.SetDefault("spoke.shutdown_grace_seconds", 30)

	v.SetDefault("aggregator.cache_max_entries", 10000)
	v.SetDefault("aggregator.provider_cooldown_seconds", 60)
	v.SetDefault("aggregator.cache_ttl_seconds", map[string]int{
		"stock_quote":      300,
		"market_news":      900,
		"reference_lookup": 86400,
	})

	v.SetDefault("log.level", "info")
}

// Duration is a small helper so callers don't scatter
// time.Duration(x)*time.Second across the codebase.
func Duration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
