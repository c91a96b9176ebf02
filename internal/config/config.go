// Package config provides hierarchical configuration loading for Drover.
// Precedence: defaults < YAML file < environment variables < CLI flags.
package config

import "time"

// Config holds all runtime configuration for the Drover engine.
type Config struct {
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	NATS      NATS      `yaml:"nats"`
	Cache     Cache     `yaml:"cache"`
	Engine    Engine    `yaml:"engine"`
	Sessions  Sessions  `yaml:"sessions"`
	Model     Model     `yaml:"model"`
	Breaker   Breaker   `yaml:"breaker"`
	Telemetry Telemetry `yaml:"telemetry"`
	Secrets   Secrets   `yaml:"secrets"`
	Dirs      Dirs      `yaml:"dirs"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port    string `yaml:"port"`
	BaseURL string `yaml:"base_url"` // advertised in the discovery card
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// NATS holds NATS JetStream configuration. Disabled drops the event
// publisher and the L2 cache tier; the engine runs standalone.
type NATS struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// Cache holds the tiered cache configuration: an in-process L1 plus an
// optional NATS KV L2 shared across replicas.
type Cache struct {
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	L2Bucket    string        `yaml:"l2_bucket"`
	L2TTL       time.Duration `yaml:"l2_ttl"`
}

// Engine holds the execution loop configuration.
type Engine struct {
	MaxIterations  int           `yaml:"max_iterations"`  // default tool-round budget per run
	HookTimeout    time.Duration `yaml:"hook_timeout"`    // per-hook ceiling
	DispatchLimit  int           `yaml:"dispatch_limit"`  // concurrent tool calls across all runs
	CallTimeout    time.Duration `yaml:"call_timeout"`    // per tool invocation
	EventBuffer    int           `yaml:"event_buffer"`    // per-run event channel capacity
	RunHistory     int           `yaml:"run_history"`     // retained run records
	ResyncInterval time.Duration `yaml:"resync_interval"` // scheduler plan reconciliation
	TaskTimeout    time.Duration `yaml:"task_timeout"`    // protocol-surface task ceiling
	Memory         string        `yaml:"memory"`          // noop, buffer, or summarizing
}

// Sessions holds tool-server credential configuration. Tokens maps server
// names to static tokens; CipherKey enables the sealed session cache and
// should come from the environment, not the file.
type Sessions struct {
	CipherKey string            `yaml:"cipher_key"`
	TTL       time.Duration     `yaml:"ttl"`
	Tokens    map[string]string `yaml:"tokens"`
}

// Model selects the model provider and its options.
type Model struct {
	Provider string            `yaml:"provider"`
	Options  map[string]string `yaml:"options"`
}

// Breaker holds the model circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Telemetry holds OTLP exporter configuration.
type Telemetry struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Secrets configures the vault's environment loader.
type Secrets struct {
	EnvPrefix string `yaml:"env_prefix"`
}

// Dirs names the YAML definition directories loaded at startup.
type Dirs struct {
	Agents  string `yaml:"agents"`
	Servers string `yaml:"servers"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:    "8080",
			BaseURL: "http://localhost:8080",
		},
		Logging: Logging{
			Level:   "info",
			Service: "drover",
		},
		NATS: NATS{
			Enabled: false,
			URL:     "nats://localhost:4222",
		},
		Cache: Cache{
			L1MaxSizeMB: 64,
			L2Bucket:    "drover-cache",
			L2TTL:       10 * time.Minute,
		},
		Engine: Engine{
			MaxIterations:  10,
			HookTimeout:    2 * time.Second,
			DispatchLimit:  8,
			CallTimeout:    60 * time.Second,
			EventBuffer:    64,
			RunHistory:     256,
			ResyncInterval: 30 * time.Second,
			TaskTimeout:    10 * time.Minute,
			Memory:         "noop",
		},
		Sessions: Sessions{
			TTL: 30 * time.Minute,
		},
		Model: Model{
			Provider: "scripted",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Telemetry: Telemetry{
			Enabled:  false,
			Endpoint: "localhost:4317",
		},
		Secrets: Secrets{
			EnvPrefix: "DROVER_SECRET_",
		},
		Dirs: Dirs{
			Agents:  "agents",
			Servers: "tool_servers",
		},
	}
}
