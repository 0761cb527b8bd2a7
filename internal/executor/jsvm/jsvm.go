// Package jsvm runs scripts in an embedded goja runtime.
//
// Every context owns one goja.Runtime and one goroutine that acts as the
// context's event loop. The loop processes macrotasks one at a time (the run
// request, timer callbacks); goja drains promise jobs at the end of each.
// The runtime is built from an empty global scope plus exactly the
// capabilities in Config: a console, optional timers, nothing that reaches
// the host.
package jsvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/sakif/script-playground/internal/executor"
	"github.com/sakif/script-playground/internal/protocol"
	"github.com/sakif/script-playground/internal/transport"
)

var _ executor.Executor = (*Executor)(nil)

// Interrupt reasons.
var (
	errTimedOut  = errors.New("execution timed out")
	errDestroyed = errors.New("context destroyed")
)

// Executor boots goja-backed contexts.
type Executor struct {
	config Config
	logger *slog.Logger
}

// New creates an Executor.
func New(cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		config: cfg,
		logger: logger,
	}
}

// Boot starts a context goroutine. The context is ready once its globals are
// installed, which happens asynchronously.
func (e *Executor) Boot(_ context.Context, out *transport.Outbox) (executor.Context, error) {
	c := newContext(e.config, out, e.logger.With(slog.String("context", out.ID())))
	go c.loop()
	return c, nil
}

type job func() error

// mailbox is an unbounded job queue, so that posting never blocks on a
// context that is busy computing.
type mailbox struct {
	mu     sync.Mutex
	jobs   []job
	notify chan struct{}
}

func (m *mailbox) push(j job) {
	m.mu.Lock()
	m.jobs = append(m.jobs, j)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []job {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := m.jobs
	m.jobs = nil
	return jobs
}

// Context is one embedded execution context.
type Context struct {
	id     string
	out    *transport.Outbox
	config Config
	logger *slog.Logger

	vm      *goja.Runtime
	mailbox mailbox
	ready   chan struct{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	// Owned by the loop goroutine.
	stringify goja.Callable
	function  goja.Value
	timers    map[int64]*timer
	nextTimer int64
	rejected  []*goja.Promise
	ran       bool
	halted    bool
}

func newContext(cfg Config, out *transport.Outbox, logger *slog.Logger) *Context {
	return &Context{
		id:      out.ID(),
		out:     out,
		config:  cfg,
		logger:  logger,
		vm:      goja.New(),
		mailbox: mailbox{notify: make(chan struct{}, 1)},
		ready:   make(chan struct{}),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		timers:  make(map[int64]*timer),
	}
}

// ID implements executor.Context.
func (c *Context) ID() string { return c.id }

// Ready implements executor.Context.
func (c *Context) Ready() <-chan struct{} { return c.ready }

// Post queues a host frame. Only the first well-formed run frame is acted on.
func (c *Context) Post(frame []byte) error {
	select {
	case <-c.quit:
		return executor.ErrClosed
	default:
	}

	frame = append([]byte(nil), frame...)
	c.mailbox.push(func() error { return c.receive(frame) })
	return nil
}

// Close interrupts whatever the context is running, cancels its timers and
// waits briefly for the loop to exit.
func (c *Context) Close() error {
	c.once.Do(func() {
		close(c.quit)
		c.vm.Interrupt(errDestroyed)
	})

	wait := c.config.CloseWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	select {
	case <-c.done:
		return nil
	case <-time.After(wait):
		return fmt.Errorf("jsvm: context %s did not stop within %s", c.id, wait)
	}
}

func (c *Context) loop() {
	defer close(c.done)
	defer c.stopTimers()

	if err := c.boot(); err != nil {
		c.logger.Error("failed to boot execution context", slog.String("error", err.Error()))
		c.emitError(fmt.Sprintf("failed to boot execution context: %v", err))
		return
	}
	close(c.ready)
	if err := c.out.Post(protocol.EncodeReady()); err != nil {
		return
	}

	for {
		select {
		case <-c.quit:
			return
		case <-c.mailbox.notify:
			for _, j := range c.mailbox.drain() {
				select {
				case <-c.quit:
					return
				default:
				}
				c.macrotask(j)
				if c.halted {
					return
				}
			}
		}
	}
}

// macrotask runs one job under the time budget, reports an uncaught error if
// it threw, then reports rejections nobody handled.
func (c *Context) macrotask(j job) {
	var (
		mu       sync.Mutex
		finished bool
		fired    bool
		budget   *time.Timer
	)
	if d := c.config.Capabilities.Timeout; d > 0 {
		budget = time.AfterFunc(d, func() {
			mu.Lock()
			defer mu.Unlock()
			if !finished {
				fired = true
				c.vm.Interrupt(errTimedOut)
			}
		})
	}

	err := c.guard(j)

	if budget != nil {
		mu.Lock()
		finished = true
		timedOut := fired
		mu.Unlock()
		budget.Stop()
		c.settleInterrupt(timedOut, err)
	}

	if err != nil {
		c.uncaught(err)
		if c.halted {
			return
		}
	}
	c.flushRejections()
}

// settleInterrupt clears a budget interrupt the job finished before
// observing, so it cannot halt the next macrotask.
func (c *Context) settleInterrupt(timedOut bool, err error) {
	if !timedOut {
		return
	}
	var interrupted *goja.InterruptedError
	if !errors.As(err, &interrupted) {
		c.vm.ClearInterrupt()
	}
}

func (c *Context) guard(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jsvm: internal error: %v", r)
			c.halted = true
		}
	}()
	return j()
}

func (c *Context) uncaught(err error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if interrupted.Value() == errTimedOut {
			c.emitError(fmt.Sprintf("Error: execution timed out after %s", c.config.Capabilities.Timeout))
		}
		c.halted = true
		return
	}
	c.emitError(c.errorText(err))
}

func (c *Context) flushRejections() {
	if len(c.rejected) == 0 {
		return
	}
	pending := c.rejected
	c.rejected = nil
	for _, p := range pending {
		c.emitError(c.describe(p.Result()))
	}
}

// receive handles a host frame: the first valid run request is compiled as
// a parameterless function and called; everything else is ignored.
func (c *Context) receive(frame []byte) error {
	code, ok := protocol.DecodeRun(frame)
	if !ok {
		c.logger.Debug("ignoring malformed host frame")
		return nil
	}
	if c.ran {
		c.logger.Debug("ignoring repeated run request")
		return nil
	}
	c.ran = true

	obj, err := c.vm.New(c.function, c.vm.ToValue(code))
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(obj)
	if !ok {
		return errors.New("jsvm: compiled script is not callable")
	}
	_, err = fn(goja.Undefined())
	return err
}

func (c *Context) forward(ev protocol.LogEvent) {
	if err := c.out.Post(protocol.EncodeOutput(ev)); err != nil {
		c.logger.Debug("output not routed", slog.String("error", err.Error()))
	}
}

func (c *Context) emitError(text string) {
	c.forward(protocol.LogEvent{
		Kind: protocol.KindError,
		Args: []protocol.Value{protocol.NewValue(text)},
	})
}
