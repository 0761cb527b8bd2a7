package jsvm

import (
	"time"

	"github.com/sakif/script-playground/internal/executor"
)

// Config holds the configuration for embedded JavaScript contexts.
type Config struct {
	// Capabilities is what a fresh context may do.
	Capabilities executor.Capabilities
	// MaxCallStackSize bounds recursion depth. Zero keeps the engine default.
	MaxCallStackSize int
	// CloseWait is how long Close waits for the context goroutine to exit.
	CloseWait time.Duration
}

// DefaultConfig provides sensible defaults for a browser-like console sandbox.
func DefaultConfig() Config {
	return Config{
		Capabilities:     executor.DefaultCapabilities(),
		MaxCallStackSize: 1024,
		CloseWait:        2 * time.Second,
	}
}
