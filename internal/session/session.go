// Package session drives runs. A Session owns one display buffer, at most
// one live execution context and one host loop goroutine; every mutation of
// its state happens on that goroutine in reaction to a discrete event (a
// command from a caller or a frame from the transport).
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sakif/script-playground/internal/executor"
	"github.com/sakif/script-playground/internal/protocol"
	"github.com/sakif/script-playground/internal/render"
	"github.com/sakif/script-playground/internal/transport"
)

// State is a step of the run lifecycle.
type State int32

const (
	Idle State = iota
	Preparing
	AwaitingReady
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case AwaitingReady:
		return "awaiting_ready"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText lets State appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := Idle; st <= Running; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", text)
}

// Update is one change to the display, as seen by subscribers.
type Update struct {
	// Reset means the display was cleared for a new run.
	Reset bool         `json:"reset,omitempty"`
	Line  *render.Line `json:"line,omitempty"`
}

// Config tunes a Session.
type Config struct {
	// BootTimeout bounds how long booting a context may take.
	BootTimeout time.Duration
	// SubscriberBuffer is the number of updates a subscriber may lag
	// behind before it is dropped.
	SubscriberBuffer int
}

// DefaultConfig returns the settings used by the server.
func DefaultConfig() Config {
	return Config{
		BootTimeout:      15 * time.Second,
		SubscriberBuffer: 256,
	}
}

// Session is the Dispatcher for one user: run(code) in, ordered lines out.
type Session struct {
	id       string
	config   Config
	logger   *slog.Logger
	observer Observer

	router     *transport.Router
	factory    *executor.Factory
	deliveries chan transport.Delivery
	commands   chan func()
	closing    chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	state      atomic.Int32
	lastActive atomic.Int64

	// Owned by the loop goroutine.
	buffer   *render.Buffer
	code     string
	sent     bool
	deferred []func()
	subs     map[int]chan Update
	nextSub  int
}

// New starts a session's host loop.
func New(id string, exec executor.Executor, cfg Config, logger *slog.Logger, observer Observer) *Session {
	if observer == nil {
		observer = NopObserver{}
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	logger = logger.With(slog.String("session", id))

	s := &Session{
		id:         id,
		config:     cfg,
		logger:     logger,
		observer:   observer,
		deliveries: make(chan transport.Delivery, 64),
		commands:   make(chan func()),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		buffer:     render.NewBuffer(),
		subs:       make(map[int]chan Update),
	}
	s.router = transport.NewRouter(s.deliveries, s.closing, transport.WithDropObserver(observer.FrameDropped))
	s.factory = executor.NewFactory(exec, s.router, logger)
	s.touch()

	go s.loop()
	return s
}

// ID identifies the session.
func (s *Session) ID() string { return s.id }

// State reports the current lifecycle step.
func (s *Session) State() State { return State(s.state.Load()) }

// LastActive is when a caller last ran code or read the display.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

// Run starts a new run with code. It returns once the run is queued; output
// arrives asynchronously as lines.
func (s *Session) Run(code string) error {
	s.touch()
	return s.do(func() { s.startRun(code) })
}

// Lines returns the display of the current run.
func (s *Session) Lines() ([]render.Line, error) {
	s.touch()
	var lines []render.Line
	err := s.call(func() { lines = s.buffer.Lines() })
	return lines, err
}

// Subscribe returns the current display and a channel of later updates. The
// channel is closed when the session ends, when cancel is called, or when
// the subscriber falls too far behind.
func (s *Session) Subscribe() ([]render.Line, <-chan Update, func(), error) {
	s.touch()
	var (
		lines []render.Line
		id    int
		ch    = make(chan Update, s.config.SubscriberBuffer)
	)
	err := s.call(func() {
		lines = s.buffer.Lines()
		id = s.nextSub
		s.nextSub++
		s.subs[id] = ch
	})
	if err != nil {
		return nil, nil, func() {}, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = s.do(func() { s.unsubscribe(id) })
		})
	}
	return lines, ch, cancel, nil
}

// Teardown destroys the live context, if any, and returns to Idle. The
// display is kept.
func (s *Session) Teardown() error {
	return s.call(s.teardown)
}

// Close ends the session: the context is destroyed and subscribers are
// released. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// do queues fn for the loop without waiting for it to run.
func (s *Session) do(fn func()) error {
	select {
	case s.commands <- fn:
		return nil
	case <-s.closing:
		return ErrClosed
	case <-s.done:
		return ErrClosed
	}
}

// call runs fn on the loop and waits for it.
func (s *Session) call(fn func()) error {
	finished := make(chan struct{})
	if err := s.do(func() { fn(); close(finished) }); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) loop() {
	defer close(s.done)
	defer s.shutdown()

	for {
		// Work deferred by the previous turn runs before anything new.
		if len(s.deferred) > 0 {
			next := s.deferred
			s.deferred = nil
			for _, fn := range next {
				fn()
			}
			continue
		}

		select {
		case fn := <-s.commands:
			fn()
		case d := <-s.deliveries:
			s.deliver(d)
		case <-s.closing:
			return
		}
	}
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("session state changed", slog.String("from", prev.String()), slog.String("to", st.String()))
	}
}

// startRun clears the display, replaces the context and arranges for the
// run request to be sent once the new context is ready.
func (s *Session) startRun(code string) {
	s.setState(Preparing)
	s.buffer.Clear()
	s.broadcast(Update{Reset: true})
	s.code = code
	s.sent = false

	ctx, cancel := context.WithTimeout(context.Background(), s.config.BootTimeout)
	defer cancel()

	start := time.Now()
	c, err := s.factory.Create(ctx)
	if err != nil {
		s.logger.Error("failed to start execution context", slog.String("error", err.Error()))
		s.observer.BootFailed()
		s.setState(Idle)
		s.appendLine(protocol.LogEvent{
			Kind: protocol.KindError,
			Args: []protocol.Value{protocol.TextValue(fmt.Sprintf("failed to start execution context: %v", err))},
		})
		return
	}
	s.observer.ContextBooted(time.Since(start))
	s.setState(AwaitingReady)

	// A context may already be interactive. Give it one more turn, then
	// send; the Ready frame it also posts then finds the request sent.
	select {
	case <-c.Ready():
		id := c.ID()
		s.deferred = append(s.deferred, func() { s.sendRun(id) })
	default:
	}
}

// sendRun posts the pending run request to context id. Whichever readiness
// path gets here first sends; every later call is a no-op.
func (s *Session) sendRun(id string) {
	c := s.factory.Current()
	if s.sent || s.State() != AwaitingReady || c == nil || c.ID() != id {
		return
	}
	s.sent = true

	if err := c.Post(protocol.EncodeRun(s.code)); err != nil {
		s.logger.Warn("failed to send run request", slog.String("context", id), slog.String("error", err.Error()))
		s.appendLine(protocol.LogEvent{
			Kind: protocol.KindError,
			Args: []protocol.Value{protocol.TextValue(fmt.Sprintf("failed to send code to execution context: %v", err))},
		})
		return
	}
	s.setState(Running)
	s.observer.RunStarted()
}

func (s *Session) deliver(d transport.Delivery) {
	msg, ok := s.router.Accept(d)
	if !ok {
		return
	}

	switch m := msg.(type) {
	case protocol.Ready:
		s.sendRun(d.ContextID)
	case protocol.Output:
		s.appendLine(m.Event)
	}
}

func (s *Session) appendLine(ev protocol.LogEvent) {
	line := s.buffer.Append(ev)
	s.observer.EventRendered(line.Kind)
	s.broadcast(Update{Line: &line})
}

func (s *Session) broadcast(u Update) {
	for id, ch := range s.subs {
		select {
		case ch <- u:
		default:
			s.logger.Warn("dropping slow subscriber", slog.Int("subscriber", id))
			s.unsubscribe(id)
		}
	}
}

func (s *Session) unsubscribe(id int) {
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Session) teardown() {
	s.factory.Destroy()
	s.deferred = nil
	s.sent = false
	s.setState(Idle)
}

func (s *Session) shutdown() {
	s.teardown()
	for id := range s.subs {
		s.unsubscribe(id)
	}
	s.logger.Debug("session closed")
}
