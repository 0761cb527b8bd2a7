// Package docker runs execution contexts out of process, as node processes
// inside pooled containers. Frames travel as newline-delimited JSON over the
// exec's stdin and stdout.
package docker

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/script-playground/internal/executor"
	"github.com/sakif/script-playground/internal/protocol"
	"github.com/sakif/script-playground/internal/transport"
)

//go:embed bootstrap.js
var bootstrap string

var _ executor.Executor = (*Executor)(nil)

// Executor boots container-backed contexts.
type Executor struct {
	cli    client.APIClient
	config Config
	logger *slog.Logger
	pool   *Pool
}

// New connects to the Docker daemon, makes sure the image is present and
// starts warming the pool.
func New(cfg Config, logger *slog.Logger) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	logger.Info("ensuring docker image is available", slog.String("image", cfg.Image))
	reader, err := cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to pull image: %w", err)
	}
	// The pull only completes once the progress stream is drained.
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()
	logger.Info("docker image is ready")

	exec := NewWithClient(cli, cfg, logger)
	exec.pool.Start()
	return exec, nil
}

// NewWithClient builds an Executor around an existing client. The pool is
// not started.
func NewWithClient(cli client.APIClient, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		cli:    cli,
		config: cfg,
		logger: logger,
		pool:   NewPool(cli, cfg, logger),
	}
}

// Close shuts down the pool and the docker client.
func (e *Executor) Close() error {
	e.pool.Stop()
	return e.cli.Close()
}

// Boot takes a warm container and starts the bootstrap inside it. The
// context is ready once the bootstrap reports so on stdout.
func (e *Executor) Boot(ctx context.Context, out *transport.Outbox) (executor.Context, error) {
	ctx, cancel := context.WithTimeout(ctx, bootTimeout)
	defer cancel()

	containerID, err := e.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container from pool: %w", err)
	}

	execResp, err := e.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"node", "-e", bootstrap},
	})
	if err != nil {
		e.pool.Discard(containerID)
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	conn, err := e.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		e.pool.Discard(containerID)
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}

	c := &Context{
		id:          out.ID(),
		containerID: containerID,
		out:         out,
		conn:        conn,
		pool:        e.pool,
		logger:      e.logger.With(slog.String("context", out.ID()), slog.String("container", shortID(containerID))),
		ready:       make(chan struct{}),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go c.pump(e.config.MaxFrameSize)

	if d := e.config.Capabilities.Timeout; d > 0 {
		c.deadline = time.AfterFunc(d, func() { c.expire(d) })
	}

	return c, nil
}

// Context is one node process in a dedicated container.
type Context struct {
	id          string
	containerID string
	out         *transport.Outbox
	conn        types.HijackedResponse
	pool        *Pool
	logger      *slog.Logger
	deadline    *time.Timer

	ready     chan struct{}
	readyOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// ID implements executor.Context.
func (c *Context) ID() string { return c.id }

// Ready implements executor.Context.
func (c *Context) Ready() <-chan struct{} { return c.ready }

// Post writes a frame to the process's stdin.
func (c *Context) Post(frame []byte) error {
	select {
	case <-c.quit:
		return executor.ErrClosed
	default:
	}

	line := make([]byte, 0, len(frame)+1)
	line = append(line, frame...)
	line = append(line, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Conn.Write(line); err != nil {
		return fmt.Errorf("docker: writing frame: %w", err)
	}
	return nil
}

// Close cuts the attach stream and discards the container.
func (c *Context) Close() error {
	c.shutdown()

	select {
	case <-c.done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("docker: context %s did not stop", c.id)
	}
}

func (c *Context) shutdown() {
	c.closeOnce.Do(func() {
		close(c.quit)
		if c.deadline != nil {
			c.deadline.Stop()
		}
		c.conn.Close()
		c.pool.Discard(c.containerID)
	})
}

func (c *Context) expire(d time.Duration) {
	select {
	case <-c.quit:
		return
	default:
	}
	_ = c.out.Post(protocol.EncodeOutput(protocol.LogEvent{
		Kind: protocol.KindError,
		Args: []protocol.Value{protocol.TextValue(fmt.Sprintf("Error: execution timed out after %s", d))},
	}))
	c.shutdown()
}

// pump demultiplexes the exec's output. Stdout carries frames, one per line;
// stderr is the console's local effect and goes to the debug log. A frame
// longer than maxFrame is replaced by one error line and reading goes on.
func (c *Context) pump(maxFrame int) {
	defer close(c.done)

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, logWriter{c.logger}, c.conn.Reader)
		pw.CloseWithError(err)
	}()
	defer pr.Close()

	if maxFrame <= 0 {
		maxFrame = 1 << 20
	}
	frames := newFrameReader(pr, maxFrame)

	for {
		line, tooLong, err := frames.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("container output stream ended", slog.String("error", err.Error()))
			}
			return
		}
		if tooLong {
			c.logger.Warn("dropping oversized frame", slog.Int("limit", maxFrame))
			line = protocol.EncodeOutput(protocol.LogEvent{
				Kind: protocol.KindError,
				Args: []protocol.Value{protocol.TextValue(fmt.Sprintf("Error: output line exceeds %d bytes and was dropped", maxFrame))},
			})
		}
		if msg, ok := protocol.DecodeHost(line); ok {
			if _, isReady := msg.(protocol.Ready); isReady {
				c.readyOnce.Do(func() { close(c.ready) })
			}
		}
		if err := c.out.Post(line); err != nil {
			c.logger.Debug("frame not routed", slog.String("error", err.Error()))
			return
		}
	}
}

// frameReader splits a stream into newline-terminated frames without ever
// holding more than max bytes of one.
type frameReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func newFrameReader(r io.Reader, max int) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// next returns the next frame without its line terminator. When the frame
// is longer than max, its bytes are skipped and tooLong is set instead. A
// final unterminated frame is returned before io.EOF.
func (f *frameReader) next() (frame []byte, tooLong bool, err error) {
	f.buf = f.buf[:0]
	for {
		chunk, rerr := f.r.ReadSlice('\n')
		if !tooLong {
			if len(f.buf)+len(chunk) > f.max+1 {
				tooLong = true
				f.buf = f.buf[:0]
			} else {
				f.buf = append(f.buf, chunk...)
			}
		}

		switch {
		case errors.Is(rerr, bufio.ErrBufferFull):
			continue
		case rerr == nil:
			return f.frame(tooLong)
		default:
			if tooLong || len(f.buf) > 0 {
				return f.frame(tooLong)
			}
			return nil, false, rerr
		}
	}
}

func (f *frameReader) frame(tooLong bool) ([]byte, bool, error) {
	if tooLong {
		return nil, true, nil
	}
	line := bytes.TrimRight(f.buf, "\r\n")
	if len(line) > f.max {
		return nil, true, nil
	}
	return line, false, nil
}

type logWriter struct {
	logger *slog.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Debug("console", slog.String("stderr", string(p)))
	return len(p), nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
