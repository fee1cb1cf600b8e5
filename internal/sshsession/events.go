package sshsession

import (
	"log"
	"time"

	"github.com/chardonnay/korTTY/internal/logutil"
	"github.com/chardonnay/korTTY/internal/profile"
)

// EventType identifies the type of session event.
type EventType string

const (
	EventConnecting      EventType = "connecting"
	EventConnected       EventType = "connected"
	EventConnectFailed   EventType = "connect_failed"
	EventConnectionLost  EventType = "connection_lost"
	EventShellExited     EventType = "shell_exited"
	EventInputDiscarded  EventType = "input_discarded"
	EventReconnecting    EventType = "reconnecting"
	EventReconnected     EventType = "reconnected"
	EventReconnectFailed EventType = "reconnect_failed"
	EventDisconnected    EventType = "disconnected"
	EventTunnelFailed    EventType = "tunnel_failed"
	EventTransferOpened  EventType = "transfer_opened"
)

// Event is one entry in a session's event log.
type Event struct {
	SessionID string    `json:"session_id"`
	Profile   string    `json:"profile"`
	Type      EventType `json:"type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// Auditor persists session events. Calls happen outside the registry lock.
type Auditor interface {
	SessionEvent(ev Event, p *profile.Profile)
}

// maxEventsPerSession limits the number of stored events per session.
const maxEventsPerSession = 100

// emitEvent records an event in the session's ring buffer, logs it and
// hands it to the auditor. The caller must not hold m.mu.
func (m *Manager) emitEvent(s *session, eventType EventType, details string) {
	ev := Event{
		SessionID: s.id,
		Profile:   s.profile.DisplayName(),
		Type:      eventType,
		Details:   details,
		Timestamp: time.Now(),
	}

	m.eventsMu.Lock()
	events := append(s.events, ev)
	if len(events) > maxEventsPerSession {
		events = events[len(events)-maxEventsPerSession:]
	}
	s.events = events
	m.eventsMu.Unlock()

	log.Printf("[session-mgr] event %s/%s: %s", logutil.SanitizeForLog(ev.Profile), eventType, details)
	if m.opts.Auditor != nil {
		m.opts.Auditor.SessionEvent(ev, s.profile)
	}
}

// Events returns the stored events for a session, oldest first.
func (m *Manager) Events(id string) ([]Event, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	result := make([]Event, len(s.events))
	copy(result, s.events)
	return result, nil
}
