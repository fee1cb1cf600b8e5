package sshsession

import (
	"fmt"
	"log"
	"time"

	"github.com/chardonnay/korTTY/internal/errs"
)

// Reconnection backoff configuration. Package-level vars so tests can override.
var (
	reconnectInitialBackoff = 1 * time.Second
	reconnectMaxBackoff     = 16 * time.Second
)

// Reconnect replaces the session's transport with a fresh one opened from
// the same profile. It is valid from Active and Errored and returns once the
// session is Reconnecting; the outcome is reported through state changes.
func (m *Manager) Reconnect(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return m.startReconnect(s, "reconnect requested")
}

func (m *Manager) startReconnect(s *session, reason string) error {
	m.mu.Lock()
	if s.state != StateActive && s.state != StateErrored {
		state := s.state
		m.mu.Unlock()
		return fmt.Errorf("reconnect: session %s is %s: %w", s.id, state, ErrInvalidState)
	}
	if s.conn != nil {
		// The old generation stays open until it is replaced, but nothing
		// it still produces reaches the session.
		s.conn.out.live.Store(false)
	}
	m.transitionLocked(s, StateReconnecting, reason, nil)
	m.mu.Unlock()
	m.flush()

	m.emitEvent(s, EventReconnecting, reason)
	go m.reconnectLoop(s)
	return nil
}

func (m *Manager) retries(s *session) int {
	if s.profile.RetryCount > 0 {
		return s.profile.RetryCount
	}
	return m.opts.ReconnectRetries
}

// reconnectLoop builds a new connection with exponential backoff
// (1s -> 2s -> 4s -> 8s -> 16s cap) and swaps it in. Auth failures are not
// retried.
func (m *Manager) reconnectLoop(s *session) {
	maxRetries := m.retries(s)
	backoff := reconnectInitialBackoff
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if s.ctx.Err() != nil {
			return
		}
		attempts = attempt
		log.Printf("[session-mgr] session %s: reconnect attempt %d/%d to %s", s.id, attempt, maxRetries, s.profile.Address())

		c, err := m.build(s)
		if err == nil {
			m.swap(s, c, attempt)
			return
		}
		lastErr = err
		log.Printf("[session-mgr] session %s: reconnect attempt %d failed: %v", s.id, attempt, err)
		if errs.Is(err, errs.KindAuth) {
			break
		}

		if attempt < maxRetries {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectMaxBackoff {
				backoff = reconnectMaxBackoff
			}
		}
	}

	m.mu.Lock()
	if s.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	cause := errs.CauseOf(lastErr)
	m.transitionLocked(s, StateErrored, fmt.Sprintf("reconnect failed after %d attempt(s)", attempts), &cause)
	old := s.conn
	s.conn = nil
	m.mu.Unlock()
	m.flush()

	if old != nil {
		old.close()
	}
	m.emitEvent(s, EventReconnectFailed, fmt.Sprintf("gave up after %d attempt(s): %s", attempts, cause))
}

// swap makes c current and closes the previous connection afterwards, so
// the session never has two current transports.
func (m *Manager) swap(s *session, c *connection, attempts int) {
	m.mu.Lock()
	if s.state != StateReconnecting {
		// Disconnected while the new connection was being built.
		m.mu.Unlock()
		c.close()
		return
	}
	old := s.conn
	s.reconnects++
	outcome := m.activateLocked(s, c, fmt.Sprintf("reconnected after %d attempt(s)", attempts))
	m.mu.Unlock()
	m.flush()

	if old != nil {
		old.close()
	}
	log.Printf("[session-mgr] session %s: now on transport %s", s.id, c.transport.ID())
	m.emitEvent(s, EventReconnected, fmt.Sprintf("transport %s after %d attempt(s)", c.transport.ID(), attempts))
	m.finishEnd(s, outcome)
}
