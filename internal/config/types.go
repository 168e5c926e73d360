package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("10s") in JSON.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ServerConfig configures the REST API.
type ServerConfig struct {
	Addr      string   `json:"addr"`       // Listen address (e.g., ":5000")
	ClaimWait Duration `json:"claim_wait"` // Long-poll bound for GET /workers/:id/assignment
}

// EngineConfig configures the coordination loop.
type EngineConfig struct {
	HeartbeatTimeout  Duration `json:"heartbeat_timeout"`
	TickInterval      Duration `json:"tick_interval"`
	TaskTimeout       Duration `json:"task_timeout"` // 0 disables
	DefaultMaxRetries int      `json:"default_max_retries"`
	MaxRetriesLimit   int      `json:"max_retries_limit"`
}

// RetryConfig configures the backoff between retry attempts.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
}

// BreakerConfig configures the per-task-type circuit breakers in workers.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `json:"consecutive_failures"` // Failures that trip the breaker
	OpenTimeout         Duration `json:"open_timeout"`         // Time open before a trial request
}

// WorkersConfig configures worker processes.
type WorkersConfig struct {
	Local             int      `json:"local"`              // In-process workers started by taskd
	HeartbeatInterval Duration `json:"heartbeat_interval"` // Must be well below engine.heartbeat_timeout
	SimulationScale   float64  `json:"simulation_scale"`   // Multiplier on simulated work durations
}

// StorageConfig configures durable state.
type StorageConfig struct {
	Path string `json:"path"` // SQLite file; empty keeps state in memory only
}

// AMQPConfig configures the optional assignment broker.
type AMQPConfig struct {
	URL         string `json:"url"` // Empty disables
	QueuePrefix string `json:"queue_prefix"`
}

// RedisConfig configures the optional task read cache.
type RedisConfig struct {
	Addr string   `json:"addr"` // Empty disables
	DB   int      `json:"db"`
	TTL  Duration `json:"ttl"`
}

// Config is the top-level configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Engine  EngineConfig  `json:"engine"`
	Retry   RetryConfig   `json:"retry"`
	Breaker BreakerConfig `json:"breaker"`
	Workers WorkersConfig `json:"workers"`
	Storage StorageConfig `json:"storage"`
	AMQP    AMQPConfig    `json:"amqp"`
	Redis   RedisConfig   `json:"redis"`
}

// Validate reports settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.HeartbeatTimeout <= 0 {
		return fmt.Errorf("engine.heartbeat_timeout must be positive")
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive")
	}
	if c.Engine.TaskTimeout < 0 {
		return fmt.Errorf("engine.task_timeout must not be negative")
	}
	if c.Engine.DefaultMaxRetries < 0 {
		return fmt.Errorf("engine.default_max_retries must not be negative")
	}
	if c.Engine.MaxRetriesLimit > 0 && c.Engine.DefaultMaxRetries > c.Engine.MaxRetriesLimit {
		return fmt.Errorf("engine.default_max_retries %d exceeds engine.max_retries_limit %d",
			c.Engine.DefaultMaxRetries, c.Engine.MaxRetriesLimit)
	}
	if c.Workers.Local < 0 {
		return fmt.Errorf("workers.local must not be negative")
	}
	if c.Workers.HeartbeatInterval <= 0 || c.Workers.HeartbeatInterval >= c.Engine.HeartbeatTimeout {
		return fmt.Errorf("workers.heartbeat_interval must be positive and below engine.heartbeat_timeout")
	}
	if c.Workers.SimulationScale < 0 {
		return fmt.Errorf("workers.simulation_scale must not be negative")
	}
	return nil
}
