// Package transport carries frames from execution contexts to the host.
//
// A context never holds a reference to anything on the host side except its
// Outbox. The Router hands out one Outbox per context and remembers which one
// is current; frames from any other outbox are unroutable. Supersession is
// therefore enforced twice: a detached Outbox refuses to post, and a frame
// that was already queued when its context was superseded is discarded by
// Accept on the host loop.
package transport

import (
	"errors"
	"sync"

	"github.com/rs/xid"

	"github.com/sakif/script-playground/internal/protocol"
)

var (
	// ErrDetached is returned by Post once the outbox's context is superseded
	// or destroyed.
	ErrDetached = errors.New("transport: outbox detached")
	// ErrClosed is returned by Post once the host stopped accepting frames.
	ErrClosed = errors.New("transport: host closed")
)

// Reasons a frame was discarded.
const (
	DropDetached  = "detached"
	DropStale     = "stale"
	DropMalformed = "malformed"
)

// Delivery is a raw frame tagged with the context that posted it.
type Delivery struct {
	ContextID string
	Frame     []byte
}

// Outbox is a context's only route to the host.
type Outbox struct {
	id     string
	router *Router
	done   chan struct{}
	once   sync.Once
}

// ID identifies the context the outbox belongs to.
func (o *Outbox) ID() string {
	return o.id
}

// Post queues a frame for the host. It blocks until the host loop accepts the
// frame, the outbox is detached, or the host closes.
func (o *Outbox) Post(frame []byte) error {
	select {
	case <-o.done:
		o.router.drop(DropDetached)
		return ErrDetached
	default:
	}

	d := Delivery{ContextID: o.id, Frame: append([]byte(nil), frame...)}
	select {
	case o.router.out <- d:
		return nil
	case <-o.done:
		o.router.drop(DropDetached)
		return ErrDetached
	case <-o.router.closed:
		return ErrClosed
	}
}

// Detach makes every later Post fail. Safe to call more than once.
func (o *Outbox) Detach() {
	o.once.Do(func() { close(o.done) })
}

// Detached is closed once the outbox stops routing.
func (o *Outbox) Detached() <-chan struct{} {
	return o.done
}

// Router tracks the current outbox and validates frames on the host side.
type Router struct {
	out    chan<- Delivery
	closed <-chan struct{}
	onDrop func(reason string)

	mu      sync.Mutex
	current *Outbox
}

// Option configures a Router.
type Option func(*Router)

// WithDropObserver registers a callback invoked for every discarded frame.
func WithDropObserver(fn func(reason string)) Option {
	return func(r *Router) {
		r.onDrop = fn
	}
}

// NewRouter creates a router that queues frames onto out until closed is
// closed.
func NewRouter(out chan<- Delivery, closed <-chan struct{}, opts ...Option) *Router {
	r := &Router{
		out:    out,
		closed: closed,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open detaches the current outbox, if any, and returns a fresh one that
// becomes current.
func (r *Router) Open() *Outbox {
	o := &Outbox{
		id:     xid.New().String(),
		router: r,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.current
	r.current = o
	r.mu.Unlock()

	if prev != nil {
		prev.Detach()
	}
	return o
}

// Close detaches the current outbox and leaves no context current.
func (r *Router) Close() {
	r.mu.Lock()
	prev := r.current
	r.current = nil
	r.mu.Unlock()

	if prev != nil {
		prev.Detach()
	}
}

// Current returns the ID of the current context, or "" when none is.
func (r *Router) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.id
}

// Accept validates a delivery on the host loop. It returns false for frames
// from any context other than the current one and for malformed frames;
// such frames have no other effect.
func (r *Router) Accept(d Delivery) (protocol.Message, bool) {
	if cur := r.Current(); cur == "" || cur != d.ContextID {
		r.drop(DropStale)
		return nil, false
	}

	msg, ok := protocol.DecodeHost(d.Frame)
	if !ok {
		r.drop(DropMalformed)
		return nil, false
	}
	return msg, true
}

func (r *Router) drop(reason string) {
	if r.onDrop != nil {
		r.onDrop(reason)
	}
}
