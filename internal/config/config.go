package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main wavefront configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Work item document path
	StorePath string `json:"store_path" mapstructure:"store_path"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Hub (status relay) server and client settings
	Hub HubConfig `json:"hub" mapstructure:"hub"`

	// Coordinator scheduling
	Coordinator CoordinatorConfig `json:"coordinator" mapstructure:"coordinator"`

	// Circuit breakers
	Breaker BreakerConfig `json:"breaker" mapstructure:"breaker"`

	// Resilient channel
	Channel ChannelConfig `json:"channel" mapstructure:"channel"`

	// Health monitor
	Health HealthConfig `json:"health" mapstructure:"health"`

	// Context cache
	Cache CacheConfig `json:"cache" mapstructure:"cache"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// HubConfig holds the relay server address and the URL channels dial
type HubConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
	URL  string `json:"url" mapstructure:"url"` // empty disables status streaming
}

// CoordinatorConfig holds wavefront scheduling settings
type CoordinatorConfig struct {
	AgentTimeoutMs int  `json:"agent_timeout_ms" mapstructure:"agent_timeout_ms"`
	MaxParallel    int  `json:"max_parallel" mapstructure:"max_parallel"` // 0 = whole wavefront at once
	Review         bool `json:"review" mapstructure:"review"`
	Resilient      bool `json:"resilient" mapstructure:"resilient"`
}

// BreakerConfig holds circuit breaker defaults shared by every operation class
type BreakerConfig struct {
	FailureThreshold    int `json:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutMs      int `json:"reset_timeout_ms" mapstructure:"reset_timeout_ms"`
	MaxHalfOpenRequests int `json:"max_half_open_requests" mapstructure:"max_half_open_requests"`
	CallTimeoutMs       int `json:"call_timeout_ms" mapstructure:"call_timeout_ms"`
}

// ChannelConfig holds resilient channel settings
type ChannelConfig struct {
	BackoffBaseMs        int     `json:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	BackoffMaxMs         int     `json:"backoff_max_ms" mapstructure:"backoff_max_ms"`
	MaxReconnectAttempts int     `json:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
	MaxQueueSize         int     `json:"max_queue_size" mapstructure:"max_queue_size"`
	DedupWindowMs        int     `json:"dedup_window_ms" mapstructure:"dedup_window_ms"`
	SendTimeoutMs        int     `json:"send_timeout_ms" mapstructure:"send_timeout_ms"`
	HeartbeatIntervalMs  int     `json:"heartbeat_interval_ms" mapstructure:"heartbeat_interval_ms"`
	MaxMissedHeartbeats  int     `json:"max_missed_heartbeats" mapstructure:"max_missed_heartbeats"`
	FlushBatchSize       int     `json:"flush_batch_size" mapstructure:"flush_batch_size"`
	FlushRatePerSec      float64 `json:"flush_rate_per_sec" mapstructure:"flush_rate_per_sec"`
}

// HealthConfig holds health monitor settings
type HealthConfig struct {
	IntervalMs          int `json:"interval_ms" mapstructure:"interval_ms"`
	CheckTimeoutMs      int `json:"check_timeout_ms" mapstructure:"check_timeout_ms"`
	RecoveryThreshold   int `json:"recovery_threshold" mapstructure:"recovery_threshold"`
	EscalationThreshold int `json:"escalation_threshold" mapstructure:"escalation_threshold"`
	MaxRecoveryAttempts int `json:"max_recovery_attempts" mapstructure:"max_recovery_attempts"`
	MemoryLimitMB       int `json:"memory_limit_mb" mapstructure:"memory_limit_mb"`
	StallTimeoutMs      int `json:"stall_timeout_ms" mapstructure:"stall_timeout_ms"`
}

// CacheConfig holds context cache settings
type CacheConfig struct {
	TTLMs int  `json:"ttl_ms" mapstructure:"ttl_ms"`
	Watch bool `json:"watch" mapstructure:"watch"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Hub: HubConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		Coordinator: CoordinatorConfig{
			AgentTimeoutMs: 10 * 60 * 1000,
			MaxParallel:    0,
			Review:         true,
			Resilient:      true,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			ResetTimeoutMs:      60000,
			MaxHalfOpenRequests: 1,
			CallTimeoutMs:       30000,
		},
		Channel: ChannelConfig{
			BackoffBaseMs:        1000,
			BackoffMaxMs:         30000,
			MaxReconnectAttempts: 10,
			MaxQueueSize:         1000,
			DedupWindowMs:        5 * 60 * 1000,
			SendTimeoutMs:        5000,
			HeartbeatIntervalMs:  30000,
			MaxMissedHeartbeats:  3,
			FlushBatchSize:       10,
			FlushRatePerSec:      100,
		},
		Health: HealthConfig{
			IntervalMs:          30000,
			CheckTimeoutMs:      5000,
			RecoveryThreshold:   3,
			EscalationThreshold: 3,
			MaxRecoveryAttempts: 3,
			MemoryLimitMB:       512,
			StallTimeoutMs:      5 * 60 * 1000,
		},
		Cache: CacheConfig{
			TTLMs: 30 * 60 * 1000,
			Watch: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}
	if err := v.ValidatePort(c.Hub.Port); err != nil {
		return fmt.Errorf("hub: %w", err)
	}
	if c.Hub.URL != "" {
		if err := v.ValidateHubURL(c.Hub.URL); err != nil {
			return fmt.Errorf("hub: %w", err)
		}
	}
	if c.Coordinator.MaxParallel < 0 {
		return fmt.Errorf("coordinator: max_parallel must be >= 0, got %d", c.Coordinator.MaxParallel)
	}
	if err := v.ValidatePositive("coordinator.agent_timeout_ms", c.Coordinator.AgentTimeoutMs); err != nil {
		return err
	}
	if err := v.ValidatePositive("breaker.failure_threshold", c.Breaker.FailureThreshold); err != nil {
		return err
	}
	if err := v.ValidatePositive("breaker.reset_timeout_ms", c.Breaker.ResetTimeoutMs); err != nil {
		return err
	}
	if err := v.ValidatePositive("breaker.max_half_open_requests", c.Breaker.MaxHalfOpenRequests); err != nil {
		return err
	}
	if err := v.ValidateBackoff(c.Channel.BackoffBaseMs, c.Channel.BackoffMaxMs); err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	if err := v.ValidatePositive("channel.max_queue_size", c.Channel.MaxQueueSize); err != nil {
		return err
	}
	if err := v.ValidatePositive("channel.max_missed_heartbeats", c.Channel.MaxMissedHeartbeats); err != nil {
		return err
	}
	if err := v.ValidatePositive("health.interval_ms", c.Health.IntervalMs); err != nil {
		return err
	}
	if err := v.ValidatePositive("health.escalation_threshold", c.Health.EscalationThreshold); err != nil {
		return err
	}
	if err := v.ValidatePositive("health.recovery_threshold", c.Health.RecoveryThreshold); err != nil {
		return err
	}

	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// AgentTimeout returns the per-agent execution timeout
func (c CoordinatorConfig) AgentTimeout() time.Duration { return ms(c.AgentTimeoutMs) }

// ResetTimeout returns the open-state cool down
func (c BreakerConfig) ResetTimeout() time.Duration { return ms(c.ResetTimeoutMs) }

// CallTimeout returns the per-call timeout applied to protected operations
func (c BreakerConfig) CallTimeout() time.Duration { return ms(c.CallTimeoutMs) }

// BackoffBase returns the first reconnect delay
func (c ChannelConfig) BackoffBase() time.Duration { return ms(c.BackoffBaseMs) }

// BackoffMax returns the reconnect delay cap
func (c ChannelConfig) BackoffMax() time.Duration { return ms(c.BackoffMaxMs) }

// DedupWindow returns how long a message id is remembered
func (c ChannelConfig) DedupWindow() time.Duration { return ms(c.DedupWindowMs) }

// SendTimeout returns the per-message send budget
func (c ChannelConfig) SendTimeout() time.Duration { return ms(c.SendTimeoutMs) }

// HeartbeatInterval returns the liveness probe period
func (c ChannelConfig) HeartbeatInterval() time.Duration { return ms(c.HeartbeatIntervalMs) }

// Interval returns the health sampling period
func (c HealthConfig) Interval() time.Duration { return ms(c.IntervalMs) }

// CheckTimeout returns the per-check budget
func (c HealthConfig) CheckTimeout() time.Duration { return ms(c.CheckTimeoutMs) }

// StallTimeout returns how long an agent may go without task progress
func (c HealthConfig) StallTimeout() time.Duration { return ms(c.StallTimeoutMs) }

// TTL returns the context cache entry lifetime
func (c CacheConfig) TTL() time.Duration { return ms(c.TTLMs) }
