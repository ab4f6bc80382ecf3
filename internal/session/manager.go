package session

import (
	"context"
	"log/slog"
	"sync"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/instrumentation"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/google/uuid"
)

// Manager resolves session ids. Sessions share no state through it.
type Manager struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	metrics *instrumentation.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a manager. A nil metrics uses no-op instruments.
func NewManager(cfg Config, h Handler, logger *slog.Logger, metrics *instrumentation.Metrics) *Manager {
	if metrics == nil {
		metrics = instrumentation.Noop()
	}

	return &Manager{
		cfg:      cfg.withDefaults(),
		handler:  h,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// Config returns the effective session settings.
func (m *Manager) Config() Config {
	return m.cfg
}

// Open registers a new session bound to the validated token.
func (m *Manager) Open(at *models.AccessToken, transport string) (*Session, error) {
	s := newSession(uuid.NewString(), at, transport, m.cfg, m.handler, m.logger, m.metrics)
	s.onClose = m.remove

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, apperrors.ErrSessionClosed
	}

	m.sessions[s.id] = s

	return s, nil
}

// Get returns the open session with id owned by clientID. A session of
// another client is reported as not found.
func (m *Manager) Get(id, clientID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()

	if !ok || s.ClientID() != clientID || s.State() == StateClosed {
		return nil, apperrors.ErrSessionNotFound
	}

	return s, nil
}

// Close closes the session with id owned by clientID.
func (m *Manager) Close(id, clientID, reason string) error {
	s, err := m.Get(id, clientID)
	if err != nil {
		return err
	}

	s.Close(reason)

	return nil
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions)
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
}

// Shutdown closes every session and refuses new ones, then waits for
// in-flight dispatches until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true

	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		s.Close(ReasonShutdown)
	}

	for _, s := range open {
		if err := s.Wait(ctx); err != nil {
			m.logger.Warn("shutdown: dispatches still running", slog.String("session_id", s.id))
			return err
		}
	}

	if len(open) > 0 {
		m.logger.Info("sessions closed", slog.Int("count", len(open)))
	}

	return nil
}
