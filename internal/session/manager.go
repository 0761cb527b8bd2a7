package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/script-playground/internal/apperror"
	"github.com/sakif/script-playground/internal/executor"
)

// ErrClosed is returned by operations on a session that has ended.
var ErrClosed = errors.New("session: closed")

// ManagerConfig bounds how many sessions live at once and for how long an
// unused one is kept.
type ManagerConfig struct {
	MaxSessions int
	IdleTTL     time.Duration
	// SweepInterval is how often idle sessions are looked for. Defaults
	// to a quarter of IdleTTL.
	SweepInterval time.Duration
	Session       Config
}

// Manager owns every live session of the server.
type Manager struct {
	exec     executor.Executor
	config   ManagerConfig
	logger   *slog.Logger
	observer Observer

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a Manager and starts its idle sweeper when IdleTTL is
// positive.
func NewManager(exec executor.Executor, cfg ManagerConfig, logger *slog.Logger, observer Observer) *Manager {
	if observer == nil {
		observer = NopObserver{}
	}
	m := &Manager{
		exec:     exec,
		config:   cfg,
		logger:   logger,
		observer: observer,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}

	if cfg.IdleTTL > 0 {
		interval := cfg.SweepInterval
		if interval <= 0 {
			interval = cfg.IdleTTL / 4
		}
		m.wg.Add(1)
		go m.sweep(interval)
	}
	return m
}

// Create starts a new session.
func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, apperror.Unavailable("server is shutting down")
	}
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		return nil, apperror.Unavailable("too many active sessions, try again later")
	}

	id := xid.New().String()
	s := New(id, m.exec, m.config.Session, m.logger, m.observer)
	m.sessions[id] = s
	m.observer.SessionOpened()

	m.logger.Info("session created", slog.String("session", id), slog.Int("active", len(m.sessions)))
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, apperror.NotFound("session", id)
	}
	return s, nil
}

// Delete closes and forgets a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return apperror.NotFound("session", id)
	}
	m.end(s, "deleted")
	return nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close ends every session and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()

	for _, s := range all {
		m.end(s, "shutdown")
	}
}

func (m *Manager) end(s *Session, reason string) {
	s.Close()
	m.observer.SessionClosed()
	m.logger.Info("session ended", slog.String("session", s.ID()), slog.String("reason", reason))
}

func (m *Manager) sweep(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.evictIdle(now)
		}
	}
}

func (m *Manager) evictIdle(now time.Time) {
	var idle []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActive()) >= m.config.IdleTTL {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.end(s, "idle")
	}
}
