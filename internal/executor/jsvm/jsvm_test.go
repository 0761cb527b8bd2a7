package jsvm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/script-playground/internal/executor"
	"github.com/sakif/script-playground/internal/protocol"
	"github.com/sakif/script-playground/internal/render"
	"github.com/sakif/script-playground/internal/transport"
)

// quiet is how long collect waits for another frame before deciding the
// context has nothing more to say.
const quiet = 250 * time.Millisecond

type harness struct {
	t          *testing.T
	router     *transport.Router
	deliveries chan transport.Delivery
	ctx        executor.Context
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	deliveries := make(chan transport.Delivery, 64)
	closed := make(chan struct{})
	router := transport.NewRouter(deliveries, closed)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := New(cfg, logger)

	c, err := exec.Boot(context.Background(), router.Open())
	require.NoError(t, err)

	t.Cleanup(func() {
		router.Close()
		_ = c.Close()
		close(closed)
	})

	select {
	case <-c.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("context never became ready")
	}

	return &harness{t: t, router: router, deliveries: deliveries, ctx: c}
}

// collect returns the output events accepted by the router until the
// context stays quiet.
func (h *harness) collect() []protocol.LogEvent {
	h.t.Helper()
	var events []protocol.LogEvent
	for {
		select {
		case d := <-h.deliveries:
			msg, ok := h.router.Accept(d)
			if !ok {
				continue
			}
			if out, isOutput := msg.(protocol.Output); isOutput {
				events = append(events, out.Event)
			}
		case <-time.After(quiet):
			return events
		}
	}
}

func (h *harness) run(code string) []protocol.LogEvent {
	h.t.Helper()
	require.NoError(h.t, h.ctx.Post(protocol.EncodeRun(code)))
	return h.collect()
}

func runScript(t *testing.T, code string) []protocol.LogEvent {
	t.Helper()
	return newHarness(t, DefaultConfig()).run(code)
}

func texts(events []protocol.LogEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Kind) + ": " + render.Text(ev)
	}
	return out
}

func TestContext_PostsReadyFrame(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	select {
	case d := <-h.deliveries:
		msg, ok := h.router.Accept(d)
		require.True(t, ok)
		assert.IsType(t, protocol.Ready{}, msg)
	case <-time.After(time.Second):
		t.Fatal("no ready frame")
	}
}

func TestContext_Output(t *testing.T) {
	tests := []struct {
		name string
		code string
		want []string
	}{
		{name: "hello world", code: `console.log("Hello", "World")`, want: []string{"log: Hello World"}},
		{name: "number", code: `console.log(42)`, want: []string{"log: 42"}},
		{name: "object", code: `console.log({a: 1})`, want: []string{`log: {"a":1}`}},
		{name: "member order", code: `console.log({b: 2, a: [1, "x"]})`, want: []string{`log: {"b":2,"a":[1,"x"]}`}},
		{name: "null and bool", code: `console.log(null, true)`, want: []string{"log: null true"}},
		{
			name: "numbers JSON cannot carry",
			code: `console.log(NaN, Infinity, -Infinity, -0, 0, 1.5, [NaN])`,
			want: []string{"log: NaN Infinity -Infinity -0 0 1.5 [null]"},
		},
		{
			name: "all channels in order",
			code: `console.log("l"); console.info("i"); console.warn("w"); console.error("e")`,
			want: []string{"log: l", "info: i", "warn: w", "error: e"},
		},
		{name: "no arguments", code: `console.log()`, want: []string{"log: "}},
		{name: "undefined", code: `console.log(undefined)`, want: []string{"log: undefined"}},
		{
			name: "cyclic falls back to coercion",
			code: `const a = {}; a.self = a; console.log("c", a, "after")`,
			want: []string{"log: c [object Object] after"},
		},
		{
			name: "throwing toJSON falls back to coercion",
			code: `console.log({toJSON() { throw new Error("no") }, toString() { return "custom" }}, 1)`,
			want: []string{"log: custom 1"},
		},
		{name: "return value is not output", code: `return 42`, want: nil},
		{name: "empty code", code: ``, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := texts(runScript(t, tt.code))
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContext_SynchronousThrow(t *testing.T) {
	events := runScript(t, `throw new Error("x")`)

	require.Len(t, events, 1)
	assert.Equal(t, protocol.KindError, events[0].Kind)
	assert.Contains(t, render.Text(events[0]), "x")
}

func TestContext_ThrowAfterOutput(t *testing.T) {
	got := texts(runScript(t, `console.log("before"); throw "plain"; console.log("never")`))
	assert.Equal(t, []string{"log: before", "error: plain"}, got)
}

func TestContext_SyntaxError(t *testing.T) {
	events := runScript(t, `console.log("unterminated`)

	require.Len(t, events, 1)
	assert.Equal(t, protocol.KindError, events[0].Kind)
	assert.Contains(t, render.Text(events[0]), "SyntaxError")
}

func TestContext_UnhandledRejectionAfterSyncOutput(t *testing.T) {
	events := runScript(t, `Promise.reject(new Error("y")); console.log("sync")`)

	require.Len(t, events, 2)
	assert.Equal(t, "log: sync", texts(events)[0])
	assert.Equal(t, protocol.KindError, events[1].Kind)
	assert.Contains(t, render.Text(events[1]), "y")
}

func TestContext_HandledRejectionIsSilent(t *testing.T) {
	events := runScript(t, `Promise.reject(new Error("handled")).catch(function () {})`)
	assert.Empty(t, events)
}

func TestContext_AsyncFunctionRejection(t *testing.T) {
	events := runScript(t, `(async function () { await null; throw new Error("deep") })()`)

	require.Len(t, events, 1)
	assert.Equal(t, protocol.KindError, events[0].Kind)
	assert.Contains(t, render.Text(events[0]), "deep")
}

func TestContext_Timers(t *testing.T) {
	got := texts(runScript(t, `
		setTimeout(function (a, b) { console.log("later", a + b) }, 20, 1, 2);
		const id = setTimeout(function () { console.log("cancelled") }, 10);
		clearTimeout(id);
		queueMicrotask(function () { console.log("micro") });
		console.log("now");
	`))
	assert.Equal(t, []string{"log: now", "log: micro", "log: later 3"}, got)
}

func TestContext_Interval(t *testing.T) {
	got := texts(runScript(t, `
		let n = 0;
		const id = setInterval(function () {
			n++;
			console.log("tick", n);
			if (n === 3) clearInterval(id);
		}, 5);
	`))
	assert.Equal(t, []string{"log: tick 1", "log: tick 2", "log: tick 3"}, got)
}

func TestContext_ErrorsInTimerCallbacks(t *testing.T) {
	got := texts(runScript(t, `
		setTimeout(function () { throw new Error("from timer") }, 5);
		setTimeout(function () { Promise.reject("late") }, 10);
	`))

	require.Len(t, got, 2)
	assert.Contains(t, got[0], "error: ")
	assert.Contains(t, got[0], "from timer")
	assert.Equal(t, "error: late", got[1])
}

func TestContext_NoHostCapabilities(t *testing.T) {
	got := texts(runScript(t, `console.log(typeof require, typeof process, typeof document, typeof window, typeof localStorage, typeof fetch, typeof XMLHttpRequest)`))
	assert.Equal(t, []string{"log: undefined undefined undefined undefined undefined undefined undefined"}, got)
}

func TestContext_AcceptsExactlyOneRunRequest(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	require.NoError(t, h.ctx.Post([]byte(`{"type":"output","kind":"log","args":[]}`)))
	require.NoError(t, h.ctx.Post([]byte(`not json`)))
	require.NoError(t, h.ctx.Post(protocol.EncodeRun(`console.log("first")`)))
	require.NoError(t, h.ctx.Post(protocol.EncodeRun(`console.log("second")`)))

	assert.Equal(t, []string{"log: first"}, texts(h.collect()))
}

func TestContext_TimeoutHaltsContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capabilities.Timeout = 100 * time.Millisecond
	h := newHarness(t, cfg)

	events := h.run(`setTimeout(function () { console.log("never") }, 300); while (true) {}`)

	require.Len(t, events, 1)
	assert.Equal(t, protocol.KindError, events[0].Kind)
	assert.Contains(t, render.Text(events[0]), "timed out")

	// The halted context keeps nothing scheduled.
	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, h.collect())
}

func TestContext_TimersDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capabilities.Timers = false
	h := newHarness(t, cfg)

	events := h.run(`setTimeout(function () {}, 1)`)

	require.Len(t, events, 1)
	assert.Contains(t, render.Text(events[0]), "ReferenceError")
}

func TestContext_RunawayRecursion(t *testing.T) {
	events := runScript(t, `function f() { return f() } f()`)

	require.Len(t, events, 1)
	assert.Equal(t, protocol.KindError, events[0].Kind)
}

func TestContext_CloseStopsScheduledWork(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.NoError(t, h.ctx.Post(protocol.EncodeRun(`setInterval(function () { console.log("tick") }, 5)`)))

	time.Sleep(30 * time.Millisecond)
	h.router.Close()
	require.NoError(t, h.ctx.Close())

	// Drain whatever was queued before the close; none of it routes.
	for _, ev := range h.collect() {
		t.Errorf("unexpected event after close: %v", ev)
	}
	assert.ErrorIs(t, h.ctx.Post(protocol.EncodeRun("1")), executor.ErrClosed)
}

func TestContext_SettleInterrupt(t *testing.T) {
	interrupted := func() error {
		vm := goja.New()
		vm.Interrupt(errTimedOut)
		_, err := vm.RunString("1")
		return err
	}()
	require.Error(t, interrupted)

	tests := []struct {
		name        string
		timedOut    bool
		err         error
		wantCleared bool
	}{
		{name: "budget never fired", timedOut: false, err: nil, wantCleared: false},
		{name: "fired after a clean return", timedOut: true, err: nil, wantCleared: true},
		{name: "fired after a script error", timedOut: true, err: errors.New("TypeError: x"), wantCleared: true},
		{name: "job was interrupted", timedOut: true, err: interrupted, wantCleared: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Context{vm: goja.New()}
			c.vm.Interrupt(errTimedOut)

			c.settleInterrupt(tt.timedOut, tt.err)

			_, err := c.vm.RunString("1 + 1")
			if tt.wantCleared {
				assert.NoError(t, err)
			} else {
				var ie *goja.InterruptedError
				assert.ErrorAs(t, err, &ie)
			}
		})
	}
}
