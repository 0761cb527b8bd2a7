// Command server runs the script playground: the editor page, the session
// API and the script store.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sakif/script-playground/internal/config"
	"github.com/sakif/script-playground/internal/executor"
	"github.com/sakif/script-playground/internal/executor/docker"
	"github.com/sakif/script-playground/internal/executor/jsvm"
	"github.com/sakif/script-playground/internal/server"
)

func main() {
	// run returns instead of exiting so its deferred cleanup, such as
	// removing pooled containers, happens on every path.
	if err := run(os.Stdout); err != nil {
		slog.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if !strings.Contains(cfg.Storage.DBPath, ":memory:") {
		dbDir := filepath.Dir(cfg.Storage.DBPath)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("creating database directory %s: %w", dbDir, err)
		}
	}

	var exec executor.Executor
	switch cfg.Executor.Backend {
	case config.BackendDocker:
		d, err := docker.New(cfg.DockerExecutor(), logger)
		if err != nil {
			return fmt.Errorf("docker executor unavailable: %w", err)
		}
		defer func() {
			if err := d.Close(); err != nil {
				logger.Warn("failed to close docker executor", slog.String("error", err.Error()))
			}
		}()
		exec = d
	default:
		exec = jsvm.New(cfg.JSVM(), logger)
	}

	srv, err := server.New(cfg, exec, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start blocks until SIGINT or SIGTERM.
	return srv.Start()
}
