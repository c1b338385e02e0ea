package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/polis-flow/pkg/domain"
)

// ErrSessionNotFound is returned for unknown or expired session ids.
var ErrSessionNotFound = errors.New("session not found")

type entry struct {
	session  *Session
	lastSeen time.Time
	// kept sessions are never expired
	kept bool
}

// Manager creates sessions and expires idle ones.
type Manager struct {
	sessions map[string]*entry
	mu       sync.RWMutex
	defaults []Option
	now      func() time.Time
	logger   *slog.Logger
}

// NewManager creates a manager. defaults are applied to every session before the per-call
// options.
func NewManager(logger *slog.Logger, defaults ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*entry),
		defaults: defaults,
		now:      time.Now,
		logger:   logger,
	}
}

// Create starts a new session with a random id.
func (m *Manager) Create(opts ...Option) (*Session, error) {
	id := uuid.New().String()
	all := append([]Option{WithLogger(m.logger)}, m.defaults...)
	sess, err := New(id, append(all, opts...)...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &entry{session: sess, lastSeen: m.now()}
	return sess, nil
}

// Get returns a session and marks it as recently used.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.lastSeen = m.now()
	return e.session, nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Keep exempts a session from idle expiry, for sessions owned by a long-lived caller.
func (m *Manager) Keep(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.kept = true
	return nil
}

// Delete drops a session and flushes its audit sinks. Running executions keep running
// until they finish.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		e.session.Close()
	}
}

// Close drops every session and flushes their audit sinks.
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()
	for _, e := range all {
		e.session.Close()
	}
}

// StartCleanup runs a ticker to remove expired sessions
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanup(ttl)
			}
		}
	}()
}

// cleanup expires sessions idle for longer than ttl. Sessions with a running execution are
// never expired.
func (m *Manager) cleanup(ttl time.Duration) int {
	m.mu.Lock()
	now := m.now()
	var expired []*Session
	for id, e := range m.sessions {
		if e.kept || now.Sub(e.lastSeen) <= ttl || e.session.Busy() {
			continue
		}
		e.session.Audit().Log(domain.AuditInfo, domain.EventSessionExpired, map[string]any{
			"idle": now.Sub(e.lastSeen).String(),
		})
		delete(m.sessions, id)
		expired = append(expired, e.session)
	}
	m.mu.Unlock()

	// closing waits for the audit sinks, so it happens outside the lock
	for _, sess := range expired {
		sess.Close()
	}
	if len(expired) > 0 {
		m.logger.Info("expired idle sessions", "count", len(expired))
	}
	return len(expired)
}
