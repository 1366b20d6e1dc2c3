package session

import (
	"context"
	"sync"
	"time"

	"github.com/ponytojas/go-serial-sensors/internal/ingest"
	"github.com/ponytojas/go-serial-sensors/internal/metrics"
	"github.com/ponytojas/go-serial-sensors/internal/serialport"
)

// Manager keeps at most one active session. Every Connect starts a fresh
// session; a failed or closed one is never reused.
type Manager struct {
	provider serialport.Provider
	sink     ingest.Sink
	cfg      Config
	metrics  *metrics.Metrics

	mu      sync.Mutex
	current *Session
}

// NewManager creates a manager that builds sessions from the given parts
func NewManager(provider serialport.Provider, sink ingest.Sink, cfg Config, m *metrics.Metrics) *Manager {
	return &Manager{
		provider: provider,
		sink:     sink,
		cfg:      cfg,
		metrics:  m,
	}
}

// Connect starts a new session unless the current one has not finished.
// A session still idle counts as busy: it was handed out by a Connect that
// has not reached Opening yet.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.current != nil && !m.current.State().Terminal() {
		m.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	s := New(m.provider, m.sink, m.cfg, m.metrics)
	m.current = s
	m.mu.Unlock()

	if err := s.Connect(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Disconnect stops the active session
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()

	if s == nil || !s.State().Active() {
		return ErrNotConnected
	}
	return s.Disconnect()
}

// Current returns the latest session, nil if none was started
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Status describes the latest session for API consumers
type Status struct {
	Connected bool      `json:"connected"`
	State     string    `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Port      string    `json:"port,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Status reports the state of the latest session
func (m *Manager) Status() Status {
	s := m.Current()
	if s == nil {
		return Status{State: StateIdle.String()}
	}

	state := s.State()
	st := Status{
		Connected: state == StateReading,
		State:     state.String(),
		SessionID: s.ID(),
		Port:      s.Port(),
		StartedAt: s.StartedAt(),
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// Shutdown stops the active session, if any
func (m *Manager) Shutdown() {
	_ = m.Disconnect()
}
