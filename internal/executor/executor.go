// Package executor defines the execution-context abstraction and the factory
// that keeps at most one context attached at a time.
//
// An execution context is an isolated runtime that receives exactly one run
// request and reports everything it does as output frames on its Outbox. The
// host never calls into a context directly: it posts frames and reads frames.
// Backends live in sub-packages (jsvm for the embedded interpreter, docker
// for a container sandbox).
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sakif/script-playground/internal/transport"
)

// ErrClosed is returned when posting to a context that was destroyed.
var ErrClosed = errors.New("executor: context closed")

// Capabilities is the set of powers granted to a fresh context. Anything not
// listed (host document, navigation, host storage) is never granted.
type Capabilities struct {
	// Timers allows setTimeout/setInterval style scheduling.
	Timers bool
	// Network allows outbound network access. Only backends that can
	// reach a network at all honour it.
	Network bool
	// Timeout bounds how long the context may compute before it is
	// halted. Zero means no bound.
	Timeout time.Duration
}

// DefaultCapabilities grants timers, denies network, and bounds computation
// to five seconds.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Timers:  true,
		Network: false,
		Timeout: 5 * time.Second,
	}
}

// Context is a handle on one live execution context.
type Context interface {
	// ID is the identity of the context on the transport.
	ID() string
	// Ready is closed once the context installed its output interceptors
	// and accepts its run request.
	Ready() <-chan struct{}
	// Post delivers a host frame to the context. It does not block on the
	// context's progress.
	Post(frame []byte) error
	// Close tears the context down and releases its resources.
	Close() error
}

// Executor boots execution contexts.
type Executor interface {
	// Boot starts a fresh context that reports through out. Boot may
	// return before the context is ready.
	Boot(ctx context.Context, out *transport.Outbox) (Context, error)
}

// Factory creates contexts one at a time. It is not safe for concurrent use:
// its owner drives it from a single goroutine.
type Factory struct {
	exec    Executor
	router  *transport.Router
	logger  *slog.Logger
	current Context
}

// NewFactory creates a Factory that opens outboxes on router.
func NewFactory(exec Executor, router *transport.Router, logger *slog.Logger) *Factory {
	return &Factory{
		exec:   exec,
		router: router,
		logger: logger,
	}
}

// Create destroys the current context, if any, then boots a new one.
func (f *Factory) Create(ctx context.Context) (Context, error) {
	f.Destroy()

	out := f.router.Open()
	c, err := f.exec.Boot(ctx, out)
	if err != nil {
		f.router.Close()
		return nil, fmt.Errorf("executor: booting context: %w", err)
	}

	f.current = c
	f.logger.Debug("execution context created", slog.String("context", c.ID()))
	return c, nil
}

// Destroy detaches and closes the current context. Frames the old context
// posts afterwards are unroutable.
func (f *Factory) Destroy() {
	if f.current == nil {
		return
	}

	c := f.current
	f.current = nil
	f.router.Close()

	if err := c.Close(); err != nil {
		f.logger.Warn("failed to close execution context",
			slog.String("context", c.ID()),
			slog.String("error", err.Error()),
		)
		return
	}
	f.logger.Debug("execution context destroyed", slog.String("context", c.ID()))
}

// Current returns the attached context, or nil.
func (f *Factory) Current() Context {
	return f.current
}
