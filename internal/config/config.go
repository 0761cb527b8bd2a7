// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sakif/script-playground/internal/executor"
	"github.com/sakif/script-playground/internal/executor/docker"
	"github.com/sakif/script-playground/internal/executor/jsvm"
)

// Executor backends.
const (
	BackendGoja   = "goja"
	BackendDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Logging  LogConfig
	Auth     AuthConfig
	Executor ExecutorConfig
	Session  SessionConfig
	Docker   DockerConfig
	Storage  StorageConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
}

// AuthConfig holds session token settings. An empty secret disables tokens.
type AuthConfig struct {
	JWTSecret string        `envconfig:"JWT_SECRET"`
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL" default:"24h"`
}

// ExecutorConfig selects the backend and the capabilities granted to every
// execution context.
type ExecutorConfig struct {
	Backend       string        `envconfig:"EXECUTOR" default:"goja"`
	RunTimeout    time.Duration `envconfig:"RUN_TIMEOUT" default:"5s"`
	MaxCallStack  int           `envconfig:"MAX_CALL_STACK" default:"1024"`
	EnableTimers  bool          `envconfig:"ENABLE_TIMERS" default:"true"`
	EnableNetwork bool          `envconfig:"ENABLE_NETWORK" default:"false"`
}

// SessionConfig bounds sessions and submitted code.
type SessionConfig struct {
	MaxSessions   int           `envconfig:"MAX_SESSIONS" default:"64"`
	IdleTTL       time.Duration `envconfig:"SESSION_IDLE_TTL" default:"30m"`
	MaxCodeLength int           `envconfig:"MAX_CODE_LENGTH" default:"100000"`
}

// DockerConfig holds container sandbox settings.
type DockerConfig struct {
	Image       string  `envconfig:"DOCKER_IMAGE" default:"node:22-alpine"`
	MemoryLimit int64   `envconfig:"DOCKER_MEMORY_LIMIT" default:"134217728"`
	CPULimit    float64 `envconfig:"DOCKER_CPU_LIMIT" default:"0.5"`
	PoolSize    int     `envconfig:"DOCKER_POOL_SIZE" default:"3"`
	// Network is the network mode used when ENABLE_NETWORK is set;
	// otherwise containers get none.
	Network string `envconfig:"DOCKER_NETWORK" default:"bridge"`
}

// StorageConfig holds the script store location.
type StorageConfig struct {
	DBPath string `envconfig:"DB_PATH" default:"data/playground.db"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch c.Executor.Backend {
	case BackendGoja, BackendDocker:
	default:
		return fmt.Errorf("config: EXECUTOR must be %q or %q, got %q", BackendGoja, BackendDocker, c.Executor.Backend)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: PORT out of range: %d", c.Server.Port)
	}
	if c.Executor.RunTimeout < 0 {
		return fmt.Errorf("config: RUN_TIMEOUT must not be negative")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("config: JWT_SECRET must be at least 16 characters")
	}
	return nil
}

// LogLevel parses LOG_LEVEL.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.Logging.Level))); err != nil {
		return 0, fmt.Errorf("config: invalid LOG_LEVEL %q", c.Logging.Level)
	}
	return level, nil
}

// Capabilities is the capability set granted to every fresh context.
func (c *Config) Capabilities() executor.Capabilities {
	return executor.Capabilities{
		Timers:  c.Executor.EnableTimers,
		Network: c.Executor.EnableNetwork,
		Timeout: c.Executor.RunTimeout,
	}
}

// JSVM builds the embedded backend's configuration.
func (c *Config) JSVM() jsvm.Config {
	cfg := jsvm.DefaultConfig()
	cfg.Capabilities = c.Capabilities()
	cfg.MaxCallStackSize = c.Executor.MaxCallStack
	return cfg
}

// DockerExecutor builds the container backend's configuration.
func (c *Config) DockerExecutor() docker.Config {
	cfg := docker.DefaultConfig()
	cfg.Image = c.Docker.Image
	cfg.MemoryLimit = c.Docker.MemoryLimit
	cfg.CPULimit = c.Docker.CPULimit
	cfg.PoolSize = c.Docker.PoolSize
	cfg.NetworkMode = c.Docker.Network
	cfg.Capabilities = c.Capabilities()
	return cfg
}
