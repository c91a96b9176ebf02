package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "drover.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// CLIFlags carries command-line overrides. Nil fields were not given on
// the command line and leave the loaded value untouched.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	NatsURL    *string
}

// ParseFlags parses command-line arguments into CLIFlags. Unknown flags
// are an error.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := flag.NewFlagSet("drover", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	port := fs.String("port", "", "HTTP listen port")
	fs.StringVar(port, "p", "", "HTTP listen port (shorthand)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	natsURL := fs.String("nats-url", "", "NATS server URL")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, err
	}

	var flags CLIFlags
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = configPath
		case "port", "p":
			flags.Port = port
		case "log-level":
			flags.LogLevel = logLevel
		case "nats-url":
			flags.NatsURL = natsURL
		}
	})
	return flags, nil
}

// LoadWithCLI loads configuration with the full hierarchy:
// defaults < YAML < ENV < CLI flags. Returns the resolved YAML path.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if flags.ConfigPath != nil {
		path = *flags.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, path, fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, path, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}

// applyCLI overlays set CLI flags onto cfg.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "DROVER_PORT")
	setString(&cfg.Server.BaseURL, "DROVER_BASE_URL")
	setString(&cfg.Logging.Level, "DROVER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "DROVER_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "DROVER_LOG_ASYNC")
	setBool(&cfg.NATS.Enabled, "DROVER_NATS_ENABLED")
	setString(&cfg.NATS.URL, "NATS_URL")
	setInt64(&cfg.Cache.L1MaxSizeMB, "DROVER_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "DROVER_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "DROVER_CACHE_L2_TTL")
	setInt(&cfg.Engine.MaxIterations, "DROVER_MAX_ITERATIONS")
	setDuration(&cfg.Engine.HookTimeout, "DROVER_HOOK_TIMEOUT")
	setInt(&cfg.Engine.DispatchLimit, "DROVER_DISPATCH_LIMIT")
	setDuration(&cfg.Engine.CallTimeout, "DROVER_CALL_TIMEOUT")
	setInt(&cfg.Engine.EventBuffer, "DROVER_EVENT_BUFFER")
	setInt(&cfg.Engine.RunHistory, "DROVER_RUN_HISTORY")
	setDuration(&cfg.Engine.ResyncInterval, "DROVER_RESYNC_INTERVAL")
	setDuration(&cfg.Engine.TaskTimeout, "DROVER_TASK_TIMEOUT")
	setString(&cfg.Engine.Memory, "DROVER_MEMORY")
	setString(&cfg.Sessions.CipherKey, "DROVER_SESSION_KEY")
	setDuration(&cfg.Sessions.TTL, "DROVER_SESSION_TTL")
	setString(&cfg.Model.Provider, "DROVER_MODEL_PROVIDER")
	setInt(&cfg.Breaker.MaxFailures, "DROVER_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "DROVER_BREAKER_TIMEOUT")
	setBool(&cfg.Telemetry.Enabled, "DROVER_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "DROVER_TELEMETRY_ENDPOINT")
	setString(&cfg.Secrets.EnvPrefix, "DROVER_SECRETS_PREFIX")
	setString(&cfg.Dirs.Agents, "DROVER_AGENTS_DIR")
	setString(&cfg.Dirs.Servers, "DROVER_SERVERS_DIR")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	if cfg.Cache.L1MaxSizeMB < 1 {
		return errors.New("cache.l1_max_size_mb must be >= 1")
	}
	if cfg.Engine.MaxIterations < 1 {
		return errors.New("engine.max_iterations must be >= 1")
	}
	if cfg.Engine.DispatchLimit < 1 {
		return errors.New("engine.dispatch_limit must be >= 1")
	}
	if cfg.Model.Provider == "" {
		return errors.New("model.provider is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

// Holder provides concurrency-safe access to a reloadable Config.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewHolder wraps an already-loaded Config for later reloads from path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{cfg: cfg, path: path}
}

// Get returns the current Config.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Reload re-runs the load hierarchy from the held path. On any error the
// previous Config stays in place.
func (h *Holder) Reload() error {
	cfg, err := LoadFrom(h.path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
