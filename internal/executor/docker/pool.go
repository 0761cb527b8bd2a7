package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Pool keeps pre-warmed containers so that booting a context does not pay
// for container creation. Containers are single-use: a context that is done
// with one discards it, and the manager replaces it.
type Pool struct {
	cli    client.APIClient
	config Config
	logger *slog.Logger

	ready     chan string
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPool initializes a pool; nothing is created until Start.
func NewPool(cli client.APIClient, cfg Config, logger *slog.Logger) *Pool {
	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}
	return &Pool{
		cli:    cli,
		config: cfg,
		logger: logger,
		ready:  make(chan string, size),
		done:   make(chan struct{}),
	}
}

// Start begins filling the pool in the background.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting docker container pool", slog.Int("poolSize", cap(p.ready)))
		p.wg.Add(1)
		go p.fill()
	})
}

// Stop shuts down the manager and removes every container still pooled.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("shutting down docker container pool")
		close(p.done)
		p.wg.Wait()

		for {
			select {
			case id := <-p.ready:
				p.remove(id)
			default:
				return
			}
		}
	})
}

// Take hands a warm container to the caller, who then owns it and must
// Discard it. It blocks until one is available or ctx is done.
func (p *Pool) Take(ctx context.Context) (string, error) {
	select {
	case id := <-p.ready:
		return id, nil
	case <-p.done:
		return "", fmt.Errorf("docker: pool stopped")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Discard removes a container taken from the pool, in the background.
func (p *Pool) Discard(id string) {
	go p.remove(id)
}

// Available reports how many warm containers are waiting.
func (p *Pool) Available() int {
	return len(p.ready)
}

// fill keeps the pool at capacity. Sending on the buffered channel blocks
// while the pool is full, so no polling is needed.
func (p *Pool) fill() {
	defer p.wg.Done()

	for {
		id, err := p.create()
		if err != nil {
			p.logger.Error("failed to create pre-warmed container", slog.String("error", err.Error()))
			select {
			case <-p.done:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		select {
		case p.ready <- id:
		case <-p.done:
			p.remove(id)
			return
		}
	}
}

// create starts an idle container. Each context later execs its own node
// process inside it.
func (p *Pool) create() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.config.networkMode()),
		Resources: container.Resources{
			Memory:   p.config.MemoryLimit,
			NanoCPUs: int64(p.config.CPULimit * 1e9),
		},
		ReadonlyRootfs: true,
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image: p.config.Image,
		Cmd:   []string{"sleep", "infinity"},
		User:  "nobody",
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("docker: creating container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(resp.ID)
		return "", fmt.Errorf("docker: starting container: %w", err)
	}

	return resp.ID, nil
}

func (p *Pool) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Error("failed to remove container", slog.String("id", id), slog.String("error", err.Error()))
	}
}
