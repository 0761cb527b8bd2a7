package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/script-playground/internal/executor"
	"github.com/sakif/script-playground/internal/executor/jsvm"
	"github.com/sakif/script-playground/internal/protocol"
	"github.com/sakif/script-playground/internal/render"
	"github.com/sakif/script-playground/internal/transport"
)

type fakeContext struct {
	out   *transport.Outbox
	ready chan struct{}

	mu     sync.Mutex
	posts  [][]byte
	closed bool
}

func (c *fakeContext) ID() string             { return c.out.ID() }
func (c *fakeContext) Ready() <-chan struct{} { return c.ready }

func (c *fakeContext) Post(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return executor.ErrClosed
	}
	c.posts = append(c.posts, append([]byte(nil), frame...))
	return nil
}

func (c *fakeContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeContext) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeContext) runRequests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var codes []string
	for _, p := range c.posts {
		if code, ok := protocol.DecodeRun(p); ok {
			codes = append(codes, code)
		}
	}
	return codes
}

func (c *fakeContext) markReady() {
	close(c.ready)
}

// emit posts from the context side, as a backend would.
func (c *fakeContext) emit(t *testing.T, frame []byte) error {
	t.Helper()
	return c.out.Post(frame)
}

type fakeExecutor struct {
	mu sync.Mutex
	// readyOnBoot closes Ready before Boot returns.
	readyOnBoot bool
	// readyFrame posts a Ready frame right after boot.
	readyFrame bool
	err        error
	booted     []*fakeContext
}

func (e *fakeExecutor) Boot(_ context.Context, out *transport.Outbox) (executor.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}

	c := &fakeContext{out: out, ready: make(chan struct{})}
	if e.readyOnBoot {
		c.markReady()
	}
	if e.readyFrame {
		go func() { _ = out.Post(protocol.EncodeReady()) }()
	}
	e.booted = append(e.booted, c)
	return c, nil
}

func (e *fakeExecutor) context(i int) *fakeContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.booted) {
		return nil
	}
	return e.booted[i]
}

func (e *fakeExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.booted)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSession(t *testing.T, exec executor.Executor) *Session {
	t.Helper()
	s := New("test", exec, DefaultConfig(), testLogger(), nil)
	t.Cleanup(s.Close)
	return s
}

func outputFrame(kind protocol.Kind, args ...any) []byte {
	ev := protocol.LogEvent{Kind: kind, Args: make([]protocol.Value, len(args))}
	for i, a := range args {
		ev.Args[i] = protocol.NewValue(a)
	}
	return protocol.EncodeOutput(ev)
}

func lineTexts(lines []render.Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l.Kind) + ": " + l.Text
	}
	return out
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state is %s, want %s", s.State(), want)
}

func waitForLines(t *testing.T, s *Session, n int) []render.Line {
	t.Helper()
	var lines []render.Line
	require.Eventually(t, func() bool {
		var err error
		lines, err = s.Lines()
		return err == nil && len(lines) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return lines
}

func TestSession_SendsOnceWhenAlreadyReady(t *testing.T) {
	// The context is interactive at boot and also posts a Ready frame: both
	// readiness paths fire, only one may send.
	exec := &fakeExecutor{readyOnBoot: true, readyFrame: true}
	s := newSession(t, exec)

	require.NoError(t, s.Run(`console.log(1)`))
	waitForState(t, s, Running)

	// Let the Ready frame arrive too.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{`console.log(1)`}, exec.context(0).runRequests())
}

func TestSession_SendsOnceOnReadyFrame(t *testing.T) {
	exec := &fakeExecutor{}
	s := newSession(t, exec)

	require.NoError(t, s.Run(`console.log(2)`))
	waitForState(t, s, AwaitingReady)

	c := exec.context(0)
	assert.Empty(t, c.runRequests(), "nothing is sent before the context is ready")

	require.NoError(t, c.emit(t, protocol.EncodeReady()))
	require.NoError(t, c.emit(t, protocol.EncodeReady()))
	waitForState(t, s, Running)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{`console.log(2)`}, c.runRequests())
}

func TestSession_RendersOutputInOrder(t *testing.T) {
	exec := &fakeExecutor{readyOnBoot: true}
	s := newSession(t, exec)

	require.NoError(t, s.Run(`ignored`))
	waitForState(t, s, Running)

	c := exec.context(0)
	require.NoError(t, c.emit(t, outputFrame(protocol.KindLog, "Hello", "World")))
	require.NoError(t, c.emit(t, outputFrame(protocol.KindWarn, map[string]int{"a": 1})))
	require.NoError(t, c.emit(t, outputFrame(protocol.KindError, 42)))

	lines := waitForLines(t, s, 3)
	assert.Equal(t, []string{"log: Hello World", `warn: {"a":1}`, "error: 42"}, lineTexts(lines))
	assert.Equal(t, []int{1, 2, 3}, []int{lines[0].Seq, lines[1].Seq, lines[2].Seq})
}

func TestSession_IgnoresMalformedFrames(t *testing.T) {
	exec := &fakeExecutor{readyOnBoot: true}
	s := newSession(t, exec)

	require.NoError(t, s.Run(`x`))
	waitForState(t, s, Running)

	c := exec.context(0)
	for _, frame := range []string{
		`not json`,
		`{}`,
		`{"kind":"log","args":[]}`,
		`{"type":"output","kind":"shout","args":[]}`,
		`{"type":"output","kind":"log"}`,
		`{"type":"run","code":"x"}`,
	} {
		require.NoError(t, c.emit(t, []byte(frame)))
	}
	require.NoError(t, c.emit(t, outputFrame(protocol.KindInfo, "valid")))

	waitForLines(t, s, 1)
	time.Sleep(30 * time.Millisecond)
	lines, err := s.Lines()
	require.NoError(t, err)
	assert.Equal(t, []string{"info: valid"}, lineTexts(lines))
	assert.Equal(t, Running, s.State())
}

func TestSession_NoLeakageFromSupersededRun(t *testing.T) {
	exec := &fakeExecutor{readyOnBoot: true}
	s := newSession(t, exec)

	require.NoError(t, s.Run(`first`))
	waitForState(t, s, Running)
	first := exec.context(0)
	require.NoError(t, first.emit(t, outputFrame(protocol.KindLog, "from first")))
	waitForLines(t, s, 1)

	require.NoError(t, s.Run(`second`))
	require.Eventually(t, func() bool { return exec.count() == 2 }, time.Second, 5*time.Millisecond)
	waitForState(t, s, Running)
	second := exec.context(1)

	assert.True(t, first.isClosed(), "superseded context must be destroyed")
	assert.ErrorIs(t, first.emit(t, outputFrame(protocol.KindLog, "late")), transport.ErrDetached)

	// A frame the old context queued before it was detached is still
	// discarded when the loop gets to it.
	s.deliveries <- transport.Delivery{ContextID: first.ID(), Frame: outputFrame(protocol.KindLog, "queued")}

	require.NoError(t, second.emit(t, outputFrame(protocol.KindLog, "from second")))

	waitForLines(t, s, 1)
	time.Sleep(30 * time.Millisecond)
	lines, err := s.Lines()
	require.NoError(t, err)
	assert.Equal(t, []string{"log: from second"}, lineTexts(lines))
}

func TestSession_BootFailure(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("no runtime")}
	s := newSession(t, exec)

	require.NoError(t, s.Run(`console.log(1)`))

	lines := waitForLines(t, s, 1)
	require.Len(t, lines, 1)
	assert.Equal(t, protocol.KindError, lines[0].Kind)
	assert.Contains(t, lines[0].Text, "no runtime")
	assert.Equal(t, Idle, s.State())
}

func TestSession_Teardown(t *testing.T) {
	exec := &fakeExecutor{readyOnBoot: true}
	s := newSession(t, exec)

	require.NoError(t, s.Run(`x`))
	waitForState(t, s, Running)

	require.NoError(t, s.Teardown())
	assert.Equal(t, Idle, s.State())
	assert.True(t, exec.context(0).isClosed())
}

func TestSession_Subscribe(t *testing.T) {
	exec := &fakeExecutor{readyOnBoot: true}
	s := newSession(t, exec)

	snapshot, updates, cancel, err := s.Subscribe()
	require.NoError(t, err)
	defer cancel()
	assert.Empty(t, snapshot)

	require.NoError(t, s.Run(`x`))
	waitForState(t, s, Running)
	require.NoError(t, exec.context(0).emit(t, outputFrame(protocol.KindLog, "hi")))

	next := func() Update {
		select {
		case u := <-updates:
			return u
		case <-time.After(time.Second):
			t.Fatal("no update")
			return Update{}
		}
	}

	assert.True(t, next().Reset)
	u := next()
	require.NotNil(t, u.Line)
	assert.Equal(t, "hi", u.Line.Text)
}

func TestSession_CloseEndsSubscriptions(t *testing.T) {
	s := New("test", &fakeExecutor{}, DefaultConfig(), testLogger(), nil)

	_, updates, _, err := s.Subscribe()
	require.NoError(t, err)

	s.Close()

	_, open := <-updates
	assert.False(t, open)
	assert.ErrorIs(t, s.Run("x"), ErrClosed)
}

func TestSession_WithEmbeddedRuntime(t *testing.T) {
	tests := []struct {
		name string
		code string
		want []string
	}{
		{name: "hello world", code: `console.log("Hello", "World")`, want: []string{"log: Hello World"}},
		{name: "number and object", code: `console.log(42); console.log({a: 1})`, want: []string{"log: 42", `log: {"a":1}`}},
		{
			name: "rejection after sync output",
			code: `Promise.reject(new Error("y")); console.log("sync")`,
			want: []string{"log: sync", "error: Error: y"},
		},
		{name: "empty code", code: ``, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, jsvm.New(jsvm.DefaultConfig(), testLogger()))

			require.NoError(t, s.Run(tt.code))
			waitForState(t, s, Running)
			time.Sleep(200 * time.Millisecond)

			lines, err := s.Lines()
			require.NoError(t, err)
			got := lineTexts(lines)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.Contains(t, got[i], tt.want[i])
			}
		})
	}
}

func TestSession_EmbeddedRuntimeReplacesPendingWork(t *testing.T) {
	s := newSession(t, jsvm.New(jsvm.DefaultConfig(), testLogger()))

	require.NoError(t, s.Run(`setInterval(function () { console.log("old") }, 5)`))
	waitForLines(t, s, 1)

	require.NoError(t, s.Run(`setTimeout(function () { console.log("new") }, 20)`))
	time.Sleep(150 * time.Millisecond)

	lines, err := s.Lines()
	require.NoError(t, err)
	assert.Equal(t, []string{"log: new"}, lineTexts(lines))
}
