package config

import "time"

// Scenario defaults applied during normalization.
const (
	defaultMaxCycles   = 20
	defaultTurnTimeout = 120 * time.Second
)

// DefaultConfig returns the built-in defaults. YAML and environment
// overrides are layered on top.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			HTTPPort:        8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stdout"},
		},
		LLM: LLMConfig{
			URL:           "http://localhost:11434",
			HealthTimeout: 5 * time.Second,
		},
		Persistence: PersistenceConfig{
			Backend: "memory",
			Redis: RedisStoreConfig{
				KeyPrefix: "parley:checkpoint:",
			},
		},
	}
}
