package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":5000",
			ClaimWait: Duration(25 * time.Second),
		},
		Engine: EngineConfig{
			HeartbeatTimeout:  Duration(10 * time.Second),
			TickInterval:      Duration(250 * time.Millisecond),
			DefaultMaxRetries: 3,
			MaxRetriesLimit:   10,
		},
		Retry: RetryConfig{
			InitialInterval:     Duration(time.Second),
			MaxInterval:         Duration(time.Minute),
			Multiplier:          2.0,
			RandomizationFactor: 0.2,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         Duration(30 * time.Second),
		},
		Workers: WorkersConfig{
			Local:             3,
			HeartbeatInterval: Duration(2 * time.Second),
			SimulationScale:   1.0,
		},
		Storage: StorageConfig{
			Path: ".taskengine/tasks.db",
		},
		AMQP: AMQPConfig{
			QueuePrefix: "taskengine.assign",
		},
		Redis: RedisConfig{
			TTL: Duration(30 * time.Second),
		},
	}
}
