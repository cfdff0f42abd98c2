package exchange

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Manager owns a set of sessions, starts and stops them together and
// reports their states to the health surface.
type Manager struct {
	sessions []*Session
	log      zerolog.Logger
}

// NewManager creates an empty session manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log}
}

// Add registers a session. Not safe to call after StartAll.
func (m *Manager) Add(s *Session) {
	m.sessions = append(m.sessions, s)
}

// Sessions returns the registered sessions in registration order.
func (m *Manager) Sessions() []*Session { return m.sessions }

// StartAll starts every session. Transient first-connect failures retry in
// the background; a protocol-fatal failure aborts startup.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, s := range m.sessions {
		if err := s.Start(ctx); err != nil {
			m.log.Error().Err(err).Str("session", s.Describe()).Msg("Session failed to start")
			return err
		}
		m.log.Info().Str("session", s.Describe()).Msg("Session started")
	}
	return nil
}

// StopAll stops sessions in reverse registration order.
func (m *Manager) StopAll() {
	for i := len(m.sessions) - 1; i >= 0; i-- {
		s := m.sessions[i]
		if err := s.Stop(); err != nil {
			m.log.Error().Err(err).Str("session", s.Describe()).Msg("Error stopping session")
		}
	}
}

// States maps session descriptors to lifecycle states.
func (m *Manager) States() map[string]string {
	out := make(map[string]string, len(m.sessions))
	for _, s := range m.sessions {
		out[s.Describe()] = s.State().String()
	}
	return out
}

// Monitor logs sessions that have gone silent. Sessions reconnect on their
// own through read deadlines; the monitor only surfaces staleness.
func (m *Manager) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range m.sessions {
				if s.State() != StateStreaming {
					continue
				}
				silent := time.Since(s.LastMessageTime())
				if silent > s.cfg.HeartbeatTimeout {
					m.log.Warn().
						Str("session", s.Describe()).
						Dur("silent", silent).
						Msg("Session stale, awaiting reconnect")
				}
			}
		}
	}
}
