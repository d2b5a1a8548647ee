package session

import (
	"context"
	"sync"

	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/geo"
)

// Manager owns one Session per domain and partner.
type Manager struct {
	ctx  context.Context
	deps *Deps

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager validates deps and creates a manager whose sessions live until
// ctx is done or Close is called.
func NewManager(ctx context.Context, deps Deps) (*Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	return &Manager{ctx: ctx, deps: &deps, sessions: make(map[string]*Session)}, nil
}

func sessionKey(d fsm.Domain, partnerID string) string {
	return d.Name + ":" + partnerID
}

// Get returns the partner's session, creating it and re-attaching a
// persisted active job on first use.
func (m *Manager) Get(ctx context.Context, d fsm.Domain, partnerID string) *Session {
	key := sessionKey(d, partnerID)
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = newSession(m.ctx, m.deps, d, partnerID)
		m.sessions[key] = s
	}
	m.mu.Unlock()
	if !ok {
		if err := s.Resume(ctx); err != nil {
			m.deps.Logger.Errorf("session: resume %s failed: %v", key, err)
		}
	}
	return s
}

// Lookup returns an existing session without creating one.
func (m *Manager) Lookup(d fsm.Domain, partnerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(d, partnerID)]
	return s, ok
}

// Close stops all sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// UpdateLocation forwards a live position to the partner's session.
func (m *Manager) UpdateLocation(ctx context.Context, d fsm.Domain, partnerID string, pos geo.Point) error {
	return m.Get(ctx, d, partnerID).UpdateLocation(ctx, pos)
}

// Snapshot returns the state of an existing session.
func (m *Manager) Snapshot(d fsm.Domain, partnerID string) (State, bool) {
	s, ok := m.Lookup(d, partnerID)
	if !ok {
		return State{}, false
	}
	return s.State(), true
}
