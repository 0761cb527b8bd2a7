package jsvm

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dop251/goja"

	"github.com/sakif/script-playground/internal/protocol"
	"github.com/sakif/script-playground/internal/render"
)

// boot installs the context's globals. It runs on the loop goroutine before
// the context reports ready.
func (c *Context) boot() error {
	if n := c.config.MaxCallStackSize; n > 0 {
		c.vm.SetMaxCallStackSize(n)
	}

	// Captured before any script runs, so scripts cannot swap them out.
	json := c.vm.Get("JSON")
	if json == nil {
		return errors.New("JSON global missing")
	}
	stringify, ok := goja.AssertFunction(json.ToObject(c.vm).Get("stringify"))
	if !ok {
		return errors.New("JSON.stringify is not callable")
	}
	c.stringify = stringify
	c.function = c.vm.Get("Function")

	if err := c.installConsole(); err != nil {
		return fmt.Errorf("installing console: %w", err)
	}

	c.vm.SetPromiseRejectionTracker(c.trackRejection)

	if c.config.Capabilities.Timers {
		if err := c.installTimers(); err != nil {
			return fmt.Errorf("installing timers: %w", err)
		}
	}
	return nil
}

// installConsole injects the output capability: console.log/info/warn/error.
func (c *Context) installConsole() error {
	console := c.vm.NewObject()
	for _, kind := range protocol.Kinds {
		if err := console.Set(string(kind), c.outputFunc(kind)); err != nil {
			return err
		}
	}
	return c.vm.Set("console", console)
}

func (c *Context) outputFunc(kind protocol.Kind) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		ev := protocol.LogEvent{Kind: kind, Args: make([]protocol.Value, len(call.Arguments))}
		for i, arg := range call.Arguments {
			ev.Args[i] = c.copyValue(arg)
		}
		c.echo(ev)
		c.forward(ev)
		return goja.Undefined()
	}
}

// echo is the local effect of an output call. It must never stop the event
// from being forwarded.
func (c *Context) echo(ev protocol.LogEvent) {
	defer func() { _ = recover() }()
	c.logger.Debug("console", slog.String("kind", string(ev.Kind)), slog.String("text", render.Text(ev)))
}

// copyValue detaches an argument from the runtime: JSON when the script's
// own JSON.stringify accepts it, string coercion otherwise.
func (c *Context) copyValue(v goja.Value) (val protocol.Value) {
	defer func() {
		if r := recover(); r != nil {
			val = protocol.TextValue(c.coerce(v))
		}
	}()

	if v == nil || goja.IsUndefined(v) {
		return protocol.TextValue("undefined")
	}
	if text, ok := nonJSONNumber(v); ok {
		return protocol.TextValue(text)
	}

	res, err := c.stringify(goja.Undefined(), v)
	if err != nil || res == nil || goja.IsUndefined(res) {
		return protocol.TextValue(c.coerce(v))
	}
	return protocol.RawValue([]byte(res.String()))
}

// nonJSONNumber spells out the numbers JSON cannot carry: NaN, the
// infinities and negative zero.
func nonJSONNumber(v goja.Value) (string, bool) {
	f, ok := v.Export().(float64)
	if !ok {
		return "", false
	}
	switch {
	case math.IsNaN(f):
		return "NaN", true
	case math.IsInf(f, 1):
		return "Infinity", true
	case math.IsInf(f, -1):
		return "-Infinity", true
	case f == 0 && math.Signbit(f):
		return "-0", true
	}
	return "", false
}

func (c *Context) coerce(v goja.Value) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = "[unprintable value]"
		}
	}()
	if v == nil {
		return "undefined"
	}
	return v.String()
}

// describe renders a thrown value or rejection reason: the stack of an Error
// object, otherwise its string coercion.
func (c *Context) describe(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if stack := c.stack(obj); stack != "" {
			return stack
		}
	}
	return c.coerce(v)
}

func (c *Context) stack(obj *goja.Object) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = ""
		}
	}()
	st := obj.Get("stack")
	if st == nil || goja.IsUndefined(st) || goja.IsNull(st) {
		return ""
	}
	return st.String()
}

func (c *Context) errorText(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return c.describe(ex.Value())
	}
	return err.Error()
}

func (c *Context) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		c.rejected = append(c.rejected, p)
	case goja.PromiseRejectionHandle:
		for i, q := range c.rejected {
			if q == p {
				c.rejected = append(c.rejected[:i], c.rejected[i+1:]...)
				break
			}
		}
	}
}

type timer struct {
	id     int64
	fn     goja.Callable
	args   []goja.Value
	delay  time.Duration
	repeat bool
	t      *time.Timer
}

func (c *Context) installTimers() error {
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"setTimeout":    c.setTimer(false),
		"setInterval":   c.setTimer(true),
		"clearTimeout":  c.clearTimer,
		"clearInterval": c.clearTimer,
	} {
		if err := c.vm.Set(name, fn); err != nil {
			return err
		}
	}

	_, err := c.vm.RunString(`(function (P) {
	globalThis.queueMicrotask = function queueMicrotask(cb) {
		if (typeof cb !== "function") throw new TypeError("callback is not a function");
		P.resolve().then(function () { cb(); });
	};
})(Promise);`)
	return err
}

func (c *Context) setTimer(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(c.vm.NewTypeError("callback is not a function"))
		}

		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		if repeat && delay < time.Millisecond {
			delay = time.Millisecond
		}

		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}

		c.nextTimer++
		t := &timer{id: c.nextTimer, fn: fn, args: args, delay: delay, repeat: repeat}
		c.timers[t.id] = t
		c.arm(t)
		return c.vm.ToValue(t.id)
	}
}

func (c *Context) arm(t *timer) {
	t.t = time.AfterFunc(t.delay, func() {
		select {
		case <-c.quit:
			return
		default:
		}
		c.mailbox.push(func() error { return c.fire(t) })
	})
}

func (c *Context) fire(t *timer) error {
	if _, live := c.timers[t.id]; !live {
		return nil
	}
	if !t.repeat {
		delete(c.timers, t.id)
	}

	_, err := t.fn(goja.Undefined(), t.args...)

	if t.repeat {
		if _, live := c.timers[t.id]; live {
			c.arm(t)
		}
	}
	return err
}

func (c *Context) clearTimer(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if t, ok := c.timers[id]; ok {
		t.t.Stop()
		delete(c.timers, id)
	}
	return goja.Undefined()
}

func (c *Context) stopTimers() {
	for id, t := range c.timers {
		if t.t != nil {
			t.t.Stop()
		}
		delete(c.timers, id)
	}
}
