package sshsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chardonnay/korTTY/internal/errs"
	"github.com/chardonnay/korTTY/internal/logutil"
	"github.com/chardonnay/korTTY/internal/profile"
	"github.com/chardonnay/korTTY/internal/sshfiles"
	"github.com/chardonnay/korTTY/internal/sshterminal"
	"github.com/chardonnay/korTTY/internal/sshtransport"
	"github.com/chardonnay/korTTY/internal/sshtunnel"
	"github.com/chardonnay/korTTY/internal/termbridge"
	"github.com/chardonnay/korTTY/internal/termlog"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidState = errors.New("invalid session state")
)

const (
	defaultScrollbackBytes  = 1 << 20
	defaultReconnectRetries = 4
)

// Dialer opens authenticated transports. *sshtransport.Dialer implements it.
type Dialer interface {
	Open(ctx context.Context, p *profile.Profile) (*sshtransport.Transport, error)
}

// Options configures a Manager.
type Options struct {
	Dialer Dialer
	// ScrollbackBytes bounds the output history kept per session.
	ScrollbackBytes int
	// AutoReconnect starts a reconnect as soon as a transport is lost.
	AutoReconnect bool
	// ReconnectRetries is used when the profile does not set RetryCount.
	ReconnectRetries int
	Auditor          Auditor
	// TermLogDir is where terminal logs go when a profile enables logging
	// without naming a file.
	TermLogDir   string
	TermLogMaxMB int
	// NewInterpreter creates the terminal interpreter for a session. It may
	// be nil, in which case output only reaches the scrollback, the terminal
	// log and attached viewers.
	NewInterpreter func(sessionID string) termbridge.Interpreter
}

// Stats summarises the registry.
type Stats struct {
	Sessions          int           `json:"sessions"`
	ByState           map[State]int `json:"by_state"`
	BufferedBytes     int           `json:"buffered_bytes"`
	ActiveConnections []string      `json:"active_connections"`
}

// Manager is the process-wide session registry and the only place session
// lifecycle state changes. One mutex guards the registry and every
// transition.
type Manager struct {
	opts Options

	mu        sync.Mutex
	sessions  map[string]*session
	listeners []StateListener
	pending   []Change

	// notifyMu is held while listeners run.
	notifyMu sync.Mutex
	eventsMu sync.Mutex
}

// NewManager creates a Manager. opts.Dialer is required.
func NewManager(opts Options) *Manager {
	if opts.ScrollbackBytes <= 0 {
		opts.ScrollbackBytes = defaultScrollbackBytes
	}
	if opts.ReconnectRetries <= 0 {
		opts.ReconnectRetries = defaultReconnectRetries
	}
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

// OnStateChange registers a listener for every transition of every session.
func (m *Manager) OnStateChange(fn StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// transitionLocked applies one edge of the state machine and queues the
// change for listeners. Caller holds m.mu and calls m.flush after unlocking.
func (m *Manager) transitionLocked(s *session, to State, reason string, cause *errs.Cause) bool {
	from := s.state
	if !CanTransition(from, to) {
		log.Printf("[session-mgr] session %s: refusing transition %s -> %s (%s)", s.id, from, to, reason)
		return false
	}
	s.state = to
	switch {
	case cause != nil:
		s.cause = cause
	case to == StateActive || to == StateReconnecting:
		s.cause = nil
	}

	tr := Transition{From: from, To: to, Reason: reason, Cause: cause, Timestamp: time.Now()}
	transitions := append(s.transitions, tr)
	if len(transitions) > maxTransitionsPerSession {
		transitions = transitions[len(transitions)-maxTransitionsPerSession:]
	}
	s.transitions = transitions

	close(s.changed)
	s.changed = make(chan struct{})

	m.pending = append(m.pending, Change{SessionID: s.id, Transition: tr})
	log.Printf("[session-mgr] session %s: %s -> %s (%s)", s.id, from, to, logutil.SanitizeForLog(reason))
	return true
}

// flush delivers queued changes in transition order. Whoever holds notifyMu
// drains the queue; a change queued meanwhile, including one made by a
// listener, is picked up by that holder's loop.
func (m *Manager) flush() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			batch := m.pending
			m.pending = nil
			listeners := make([]StateListener, len(m.listeners))
			copy(listeners, m.listeners)
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, c := range batch {
				for _, fn := range listeners {
					fn(c)
				}
			}
		}
		m.notifyMu.Unlock()

		m.mu.Lock()
		empty := len(m.pending) == 0
		m.mu.Unlock()
		if empty {
			return
		}
	}
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// Connect registers a session for p and starts connecting it in the
// background. The profile is copied; later changes to p do not affect the
// session.
func (m *Manager) Connect(p *profile.Profile) (string, error) {
	if p == nil {
		return "", errors.New("connect: nil profile")
	}
	prof := p.Clone()
	prof.ApplyDefaults()
	if err := prof.Validate(); err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}

	s := m.newSession(prof)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.transitionLocked(s, StateConnecting, "connect "+prof.Address(), nil)
	m.mu.Unlock()
	m.flush()

	m.emitEvent(s, EventConnecting, prof.Address())
	go m.establish(s)
	return s.id, nil
}

func (m *Manager) newSession(p *profile.Profile) *session {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        id,
		profile:   p,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		cols:      p.Cols,
		rows:      p.Rows,
		changed:   make(chan struct{}),
	}
	s.hub = newOutputHub(id, m.opts.ScrollbackBytes, m.openTermLog(p))
	if m.opts.NewInterpreter != nil {
		s.interp = m.opts.NewInterpreter(id)
	}
	return s
}

func (m *Manager) openTermLog(p *profile.Profile) *termlog.Logger {
	if !p.Log.Enabled {
		return nil
	}
	path := p.Log.Path
	if path == "" {
		if m.opts.TermLogDir == "" {
			log.Printf("[session-mgr] terminal log for %s enabled but no path configured", logutil.SanitizeForLog(p.DisplayName()))
			return nil
		}
		path = termlog.PathFor(m.opts.TermLogDir, p)
	}
	maxMB := p.Log.MaxSizeMB
	if maxMB <= 0 {
		maxMB = m.opts.TermLogMaxMB
	}
	l, err := termlog.Open(termlog.Options{
		Path:       path,
		Format:     p.Log.Format,
		MaxBytes:   int64(maxMB) << 20,
		Connection: p.DisplayName(),
		Cols:       p.Cols,
		Rows:       p.Rows,
	})
	if err != nil {
		log.Printf("[session-mgr] terminal log for %s: %v", logutil.SanitizeForLog(p.DisplayName()), err)
		return nil
	}
	return l
}

// build opens a transport, a PTY channel, the profile's tunnels and a bridge.
// The returned connection is not yet current for the session.
func (m *Manager) build(s *session) (*connection, error) {
	t, err := m.opts.Dialer.Open(s.ctx, s.profile)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	cols, rows := s.cols, s.rows
	m.mu.Unlock()

	pty, err := sshterminal.Open(s.ctx, t, s.profile.TermType, cols, rows)
	if err != nil {
		t.Close()
		return nil, err
	}

	c := &connection{
		transport: t,
		pty:       pty,
		out:       &connOutput{interp: s.interp, hub: s.hub},
	}
	c.out.live.Store(true)

	tunnels, err := sshtunnel.OpenAll(t, s.profile.Tunnels)
	c.tunnels = tunnels
	if err != nil {
		m.emitEvent(s, EventTunnelFailed, err.Error())
	}

	c.bridge = termbridge.Attach(pty, termbridge.Options{
		SessionID:   s.id,
		Interpreter: c.out,
		OnEnd: func(end sshterminal.OutputFrame) {
			m.connectionEnded(s, c, end)
		},
		OnInputError: func(d termbridge.InputDiscarded, err error) {
			m.inputFailed(s, c, d, err)
		},
	})
	return c, nil
}

// establish drives Connecting to Active or Errored.
func (m *Manager) establish(s *session) {
	c, err := m.build(s)

	m.mu.Lock()
	if s.state != StateConnecting {
		// Disconnected while connecting.
		m.mu.Unlock()
		if c != nil {
			c.close()
		}
		return
	}
	if err != nil {
		cause := errs.CauseOf(err)
		m.transitionLocked(s, StateErrored, "connect failed", &cause)
		m.mu.Unlock()
		m.flush()
		log.Printf("[session-mgr] session %s: connect to %s failed: %v", s.id, s.profile.Address(), err)
		m.emitEvent(s, EventConnectFailed, cause.String())
		return
	}
	outcome := m.activateLocked(s, c, "connected")
	m.mu.Unlock()
	m.flush()

	res := c.transport.AuthResult()
	m.emitEvent(s, EventConnected, fmt.Sprintf("transport %s via %s (%s)", c.transport.ID(), res.Method, res.Candidate))
	m.finishEnd(s, outcome)
}

// activateLocked makes c the session's current connection and moves the
// session to Active. If c already ended while it was being built, the
// session goes straight on to Errored. Caller holds m.mu.
func (m *Manager) activateLocked(s *session, c *connection, reason string) *endOutcome {
	s.conn = c
	s.connectedAt = time.Now()
	m.transitionLocked(s, StateActive, reason, nil)
	if c.end != nil {
		return m.endLocked(s, c)
	}
	return nil
}

// endOutcome is what to report after a connection ended.
type endOutcome struct {
	event     EventType
	details   string
	reconnect bool
}

// endLocked moves an Active session whose current connection ended to
// Errored. Caller holds m.mu.
func (m *Manager) endLocked(s *session, c *connection) *endOutcome {
	end := *c.end
	var cause errs.Cause
	out := &endOutcome{}
	switch end.Reason {
	case sshterminal.EndTransport:
		err := end.Err
		if err == nil {
			err = errs.Network("transport", errors.New("connection lost"))
		}
		cause = errs.CauseOf(err)
		out.event = EventConnectionLost
		out.reconnect = m.opts.AutoReconnect
	case sshterminal.EndExit:
		cause = errs.CauseOf(errs.Channelf("shell", "remote shell exited with status %d", end.ExitStatus))
		out.event = EventShellExited
	case sshterminal.EndSignal:
		cause = errs.CauseOf(errs.Channel("shell", end.Err))
		out.event = EventShellExited
	case sshterminal.EndEOF:
		cause = errs.CauseOf(errs.Channelf("shell", "remote shell closed the channel"))
		out.event = EventShellExited
	default:
		cause = errs.CauseOf(errs.Channelf("shell", "channel closed"))
		out.event = EventShellExited
	}
	out.details = cause.String()
	if !m.transitionLocked(s, StateErrored, string(end.Reason), &cause) {
		return nil
	}
	return out
}

func (m *Manager) finishEnd(s *session, out *endOutcome) {
	if out == nil {
		return
	}
	m.emitEvent(s, out.event, out.details)
	if out.reconnect {
		if err := m.startReconnect(s, "auto-reconnect after connection loss"); err != nil {
			log.Printf("[session-mgr] session %s: auto-reconnect not started: %v", s.id, err)
		}
	}
}

// connectionEnded handles the bridge's end notice. Notices from a
// connection that is no longer current are ignored.
func (m *Manager) connectionEnded(s *session, c *connection, end sshterminal.OutputFrame) {
	m.mu.Lock()
	c.end = &end
	if s.conn != c || s.state != StateActive {
		m.mu.Unlock()
		return
	}
	outcome := m.endLocked(s, c)
	m.mu.Unlock()
	m.flush()
	m.finishEnd(s, outcome)
}

// inputFailed handles a failed write on the current connection.
func (m *Manager) inputFailed(s *session, c *connection, d termbridge.InputDiscarded, err error) {
	cause := errs.CauseOf(err)
	m.mu.Lock()
	if s.conn != c || s.state != StateActive {
		m.mu.Unlock()
		return
	}
	ok := m.transitionLocked(s, StateErrored, "input write failed", &cause)
	m.mu.Unlock()
	m.flush()
	if ok {
		m.emitEvent(s, EventInputDiscarded, fmt.Sprintf("discarded %d events (%d bytes): %s", d.Events, d.Bytes, cause.Detail))
	}
}

// activeBridge returns the bridge of an Active session.
func (m *Manager) activeBridge(id, op string) (*session, *termbridge.Bridge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil, fmt.Errorf("%s: session %s: %w", op, id, ErrNotFound)
	}
	if s.state != StateActive || s.conn == nil {
		return nil, nil, fmt.Errorf("%s: session %s is %s: %w", op, id, s.state, ErrInvalidState)
	}
	return s, s.conn.bridge, nil
}

// Input queues a keystroke, paste or resize for the session. It does not
// wait for the bytes to reach the network.
func (m *Manager) Input(ev termbridge.InputEvent) error {
	if ev.Kind == termbridge.InputResize {
		return m.Resize(ev.SessionID, ev.Cols, ev.Rows)
	}
	s, b, err := m.activeBridge(ev.SessionID, "input")
	if err != nil {
		return err
	}
	if err := b.Submit(ev); err != nil {
		return err
	}
	s.hub.touch()
	return nil
}

// Resize changes the terminal size of an Active session. The window change
// is queued behind any input submitted before it.
func (m *Manager) Resize(id string, cols, rows int) error {
	if err := sshterminal.ValidateSize(cols, rows); err != nil {
		return errs.Channel("resize", err)
	}
	s, b, err := m.activeBridge(id, "resize")
	if err != nil {
		return err
	}
	ev := termbridge.Resize(cols, rows)
	ev.SessionID = id
	if err := b.Submit(ev); err != nil {
		return err
	}
	m.mu.Lock()
	s.cols, s.rows = cols, rows
	m.mu.Unlock()
	s.hub.touch()
	return nil
}

// Disconnect closes the session and removes it from the registry. It is
// idempotent: an unknown or already closed session is not an error.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, id)
	m.transitionLocked(s, StateClosed, "disconnect", nil)
	c := s.conn
	s.conn = nil
	m.mu.Unlock()

	// Cancelling aborts a handshake or reconnect in flight; closing the
	// transport unblocks any read or write still pending.
	s.cancel()
	if c != nil {
		c.close()
	}
	s.hub.close()
	m.flush()
	m.emitEvent(s, EventDisconnected, "")
	return nil
}

// CloseAll disconnects every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
	if len(ids) > 0 {
		log.Printf("[session-mgr] closed all %d session(s)", len(ids))
	}
}

// SweepIdle disconnects Active and Errored sessions that have seen neither
// input nor output for maxIdle. It returns how many were closed.
func (m *Manager) SweepIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var idle []*session
	for _, s := range m.sessions {
		if (s.state == StateActive || s.state == StateErrored) && s.hub.idleSince().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		log.Printf("[session-mgr] closing idle session %s (idle since %s)", s.id, s.hub.idleSince().Format(time.RFC3339))
		m.Disconnect(s.id)
	}
	return len(idle)
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return snapshotLocked(s), nil
}

// List returns snapshots of all sessions, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	result := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, snapshotLocked(s))
	}
	m.mu.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// Wait blocks until the session reaches Active, Errored or Closed, or ctx
// ends. A session that is disconnected while waiting reports Closed.
func (m *Manager) Wait(ctx context.Context, id string) (State, error) {
	s, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	for {
		m.mu.Lock()
		state, changed := s.state, s.changed
		m.mu.Unlock()
		if state.Settled() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-changed:
		}
	}
}

// Transitions returns the recorded state changes of a session, oldest first.
func (m *Manager) Transitions(id string) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	result := make([]Transition, len(s.transitions))
	copy(result, s.transitions)
	return result, nil
}

// History returns the buffered output of a session.
func (m *Manager) History(id string) ([]byte, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.hub.scrollback.Snapshot(), nil
}

// Attach streams session output to w, starting with the buffered history.
// ended is closed when the session is disconnected. Writes to w happen on
// the output path and must not block.
func (m *Manager) Attach(id string, w io.Writer) (detach func(), ended <-chan struct{}, err error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	detach, ok := s.hub.subscribe(w)
	if !ok {
		return nil, nil, fmt.Errorf("attach: session %s: %w", id, ErrNotFound)
	}
	return detach, s.hub.done, nil
}

// OpenTransfer opens an SFTP client on the session's current transport. The
// client is independent of the shell: closing it or a failed transfer does
// not change the session's state.
func (m *Manager) OpenTransfer(id string) (*sshfiles.Client, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("open transfer: session %s: %w", id, ErrNotFound)
	}
	if s.state != StateActive || s.conn == nil {
		state := s.state
		m.mu.Unlock()
		return nil, fmt.Errorf("open transfer: session %s is %s: %w", id, state, ErrInvalidState)
	}
	t := s.conn.transport
	m.mu.Unlock()

	client, err := sshfiles.OpenTransfer(t)
	if err != nil {
		return nil, err
	}
	m.emitEvent(s, EventTransferOpened, "channel "+client.ChannelID())
	return client, nil
}

// Stats summarises all sessions.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Sessions:          len(m.sessions),
		ByState:           make(map[State]int),
		ActiveConnections: []string{},
	}
	for _, s := range m.sessions {
		st.ByState[s.state]++
		st.BufferedBytes += s.hub.scrollback.Len()
		if s.state == StateActive {
			st.ActiveConnections = append(st.ActiveConnections, s.profile.DisplayName())
		}
	}
	sort.Strings(st.ActiveConnections)
	return st
}
