package docker

import (
	"time"

	"github.com/sakif/script-playground/internal/executor"
)

// Config holds the configuration for container-backed execution contexts.
type Config struct {
	// Image is the Docker image to use. It must provide a `node` binary.
	Image string
	// MemoryLimit is the maximum amount of memory the container can use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs the container can use.
	CPULimit float64
	// PoolSize is the number of pre-warmed containers to maintain.
	PoolSize int
	// Capabilities is what a fresh context may do. Network maps to the
	// container's network mode; Timeout bounds the whole context lifetime.
	Capabilities executor.Capabilities
	// NetworkMode is used when Capabilities.Network is set.
	NetworkMode string
	// MaxFrameSize bounds a single output line read from the container.
	MaxFrameSize int
}

// DefaultConfig provides sensible defaults for a Node.js sandbox.
func DefaultConfig() Config {
	return Config{
		// Use a lightweight node image
		Image: "node:22-alpine",
		// 128 MB memory limit
		MemoryLimit: 128 * 1024 * 1024,
		// 0.5 CPU shares
		CPULimit:     0.5,
		PoolSize:     3,
		Capabilities: executor.DefaultCapabilities(),
		NetworkMode:  "bridge",
		MaxFrameSize: 1 << 20,
	}
}

func (c Config) networkMode() string {
	if c.Capabilities.Network && c.NetworkMode != "" {
		return c.NetworkMode
	}
	return "none"
}

// bootTimeout bounds exec creation and attach.
const bootTimeout = 10 * time.Second
