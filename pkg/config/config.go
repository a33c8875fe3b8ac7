package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConsistencyLevel controls conflict checking on state writes
type ConsistencyLevel string

const (
	// ConsistencyStrong checks the stored version before every write and
	// rejects writes that would not advance it
	ConsistencyStrong ConsistencyLevel = "strong"
	// ConsistencyEventual skips the pre-write conflict check
	ConsistencyEventual ConsistencyLevel = "eventual"
)

// Algorithm selects how the router distributes requests
type Algorithm string

const (
	AlgorithmRoundRobin       Algorithm = "round-robin"
	AlgorithmLeastConnections Algorithm = "least-connections"
	AlgorithmWeighted         Algorithm = "weighted-round-robin"
	AlgorithmSessionAffinity  Algorithm = "session-affinity"
)

// RedisConfig holds the backing store connection settings
type RedisConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Password      string `yaml:"password"`
	TLS           bool   `yaml:"tls"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`
}

// StoreConfig holds replicated state store settings
type StoreConfig struct {
	// DefaultTTL applies to entries written without an explicit TTL and
	// bounds the local cache-valid window (half the TTL).
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// FailoverTimeout is how stale a heartbeat may be before the instance
	// is considered failed and evicted.
	FailoverTimeout time.Duration    `yaml:"failover_timeout"`
	Consistency     ConsistencyLevel `yaml:"consistency"`
}

// BreakerConfig holds circuit breaker settings shared by all named breakers
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	MonitorWindow    time.Duration `yaml:"monitor_window"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// ElectionConfig holds leader election timing
type ElectionConfig struct {
	// TimeoutMin/TimeoutMax bound the randomized election timeout.
	TimeoutMin     time.Duration `yaml:"timeout_min"`
	TimeoutMax     time.Duration `yaml:"timeout_max"`
	AssertInterval time.Duration `yaml:"assert_interval"`
	// AllowSelfElection restores the permissive self-fallback when no
	// quorum can be reached. Off by default: a partitioned minority that
	// elects itself risks split leadership.
	AllowSelfElection bool `yaml:"allow_self_election"`
}

// ScalingConfig holds auto-scaling predictor settings
type ScalingConfig struct {
	MinInstances       int           `yaml:"min_instances"`
	MaxInstances       int           `yaml:"max_instances"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold"`
	MaxScaleUp         int           `yaml:"max_scale_up"`
	MaxScaleDown       int           `yaml:"max_scale_down"`
	CooldownPeriod     time.Duration `yaml:"cooldown_period"`
	MinConfidence      float64       `yaml:"min_confidence"`
	WindowSize         int           `yaml:"window_size"`
}

// RouterConfig holds load balancer settings
type RouterConfig struct {
	Algorithm           Algorithm     `yaml:"algorithm"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
	AffinityCookie      string        `yaml:"affinity_cookie"`
	ProxyListen         string        `yaml:"proxy_listen"`
}

// Config holds the full configuration for a coordinator instance
type Config struct {
	// InstanceID identifies this instance cluster-wide. Generated at
	// startup when empty.
	InstanceID string `yaml:"instance_id"`

	// Host and Port are how peers reach this instance's API (health
	// probes and proxied traffic).
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	APIListen string `yaml:"api_listen"`
	Weight    int    `yaml:"weight"`

	Redis    RedisConfig    `yaml:"redis"`
	Store    StoreConfig    `yaml:"store"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Election ElectionConfig `yaml:"election"`
	Scaling  ScalingConfig  `yaml:"scaling"`
	Router   RouterConfig   `yaml:"router"`

	// SharedSecret authenticates peer-to-peer coordination requests.
	SharedSecret string `yaml:"shared_secret"`

	Debug bool `yaml:"debug"`
}

// Default returns a Config with production defaults applied
func Default() *Config {
	return &Config{
		Host:      "localhost",
		Port:      9090,
		APIListen: ":8080",
		Weight:    1,
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Store: StoreConfig{
			DefaultTTL:        60 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			FailoverTimeout:   30 * time.Second,
			Consistency:       ConsistencyStrong,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			MonitorWindow:    60 * time.Second,
			RecoveryTimeout:  30 * time.Second,
			CallTimeout:      5 * time.Second,
		},
		Election: ElectionConfig{
			TimeoutMin:     150 * time.Millisecond,
			TimeoutMax:     300 * time.Millisecond,
			AssertInterval: 50 * time.Millisecond,
		},
		Scaling: ScalingConfig{
			MinInstances:       1,
			MaxInstances:       10,
			ScaleUpThreshold:   0.75,
			ScaleDownThreshold: 0.25,
			MaxScaleUp:         2,
			MaxScaleDown:       1,
			CooldownPeriod:     5 * time.Minute,
			MinConfidence:      0.6,
			WindowSize:         60,
		},
		Router: RouterConfig{
			Algorithm:           AlgorithmRoundRobin,
			HealthCheckInterval: 10 * time.Second,
			HealthCheckTimeout:  2 * time.Second,
			AffinityCookie:      "session-affinity",
			ProxyListen:         ":8000",
		},
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks for configuration that cannot work
func (c *Config) Validate() error {
	if c.Store.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Store.FailoverTimeout <= c.Store.HeartbeatInterval {
		return fmt.Errorf("failover timeout (%v) must exceed heartbeat interval (%v)",
			c.Store.FailoverTimeout, c.Store.HeartbeatInterval)
	}
	if c.Store.Consistency != ConsistencyStrong && c.Store.Consistency != ConsistencyEventual {
		return fmt.Errorf("unknown consistency level: %s", c.Store.Consistency)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}
	if c.Election.TimeoutMin <= 0 || c.Election.TimeoutMax < c.Election.TimeoutMin {
		return fmt.Errorf("invalid election timeout range [%v, %v]",
			c.Election.TimeoutMin, c.Election.TimeoutMax)
	}
	if c.Scaling.MinInstances < 1 || c.Scaling.MaxInstances < c.Scaling.MinInstances {
		return fmt.Errorf("invalid instance bounds [%d, %d]",
			c.Scaling.MinInstances, c.Scaling.MaxInstances)
	}
	if c.Scaling.ScaleDownThreshold >= c.Scaling.ScaleUpThreshold {
		return fmt.Errorf("scale-down threshold (%v) must be below scale-up threshold (%v)",
			c.Scaling.ScaleDownThreshold, c.Scaling.ScaleUpThreshold)
	}
	switch c.Router.Algorithm {
	case AlgorithmRoundRobin, AlgorithmLeastConnections, AlgorithmWeighted, AlgorithmSessionAffinity:
	default:
		return fmt.Errorf("unknown routing algorithm: %s", c.Router.Algorithm)
	}
	return nil
}
