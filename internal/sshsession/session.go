package sshsession

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chardonnay/korTTY/internal/errs"
	"github.com/chardonnay/korTTY/internal/profile"
	"github.com/chardonnay/korTTY/internal/sshterminal"
	"github.com/chardonnay/korTTY/internal/sshtransport"
	"github.com/chardonnay/korTTY/internal/sshtunnel"
	"github.com/chardonnay/korTTY/internal/termbridge"
	"github.com/chardonnay/korTTY/internal/termlog"
)

// session is one registry entry. Fields marked "m.mu" are only touched with
// the manager lock held.
type session struct {
	id        string
	profile   *profile.Profile
	createdAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	hub       *outputHub
	interp    termbridge.Interpreter

	// m.mu
	state       State
	cause       *errs.Cause
	cols, rows  int
	conn        *connection
	connectedAt time.Time
	reconnects  int
	transitions []Transition
	changed     chan struct{}

	// m.eventsMu
	events []Event
}

// connection is one generation of transport + PTY + bridge. A reconnect
// builds a new one and swaps it in; the old one is closed afterwards.
type connection struct {
	transport *sshtransport.Transport
	pty       *sshterminal.PTY
	bridge    *termbridge.Bridge
	tunnels   []*sshtunnel.Tunnel
	out       *connOutput

	// end is set by the bridge's end notice. Guarded by m.mu.
	end *sshterminal.OutputFrame
}

func (c *connection) close() {
	c.out.live.Store(false)
	if c.bridge != nil {
		c.bridge.Close()
	}
	c.pty.Close()
	c.transport.Close()
}

// connOutput is the interpreter the bridge of one connection feeds. Once
// the connection stops being current its output is dropped, so a stale
// generation never reaches the screen or the scrollback.
type connOutput struct {
	live   atomic.Bool
	interp termbridge.Interpreter
	hub    *outputHub
}

func (o *connOutput) Feed(p []byte) {
	if !o.live.Load() {
		return
	}
	if o.interp != nil {
		o.interp.Feed(p)
	}
	o.hub.Write(p)
}

func (o *connOutput) Resumable() bool {
	r, ok := o.interp.(termbridge.Resumable)
	return ok && r.Resumable()
}

// outputHub outlives connections: it holds the scrollback, the terminal log
// and attached viewers for the whole session.
type outputHub struct {
	sessionID string

	mu         sync.Mutex
	scrollback *sshterminal.ScrollbackBuffer
	logger     *termlog.Logger
	viewers    map[int]io.Writer
	nextViewer int
	closed     bool
	done       chan struct{}

	// Read without mu, which is held while viewers write.
	lastActivity atomic.Int64
	viewerCount  atomic.Int32
}

func newOutputHub(sessionID string, scrollbackBytes int, logger *termlog.Logger) *outputHub {
	h := &outputHub{
		sessionID:  sessionID,
		scrollback: sshterminal.NewScrollbackBuffer(scrollbackBytes),
		logger:     logger,
		viewers:    make(map[int]io.Writer),
		done:       make(chan struct{}),
	}
	h.touch()
	return h
}

func (h *outputHub) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return len(p), nil
	}
	h.touch()
	h.scrollback.Write(p)
	if h.logger != nil {
		if _, err := h.logger.Write(p); err != nil {
			log.Printf("[session-mgr] terminal log for session %s failed, disabling: %v", h.sessionID, err)
			h.logger.Close()
			h.logger = nil
		}
	}
	for id, w := range h.viewers {
		if _, err := w.Write(p); err != nil {
			log.Printf("[session-mgr] dropping viewer %d of session %s: %v", id, h.sessionID, err)
			delete(h.viewers, id)
			h.viewerCount.Store(int32(len(h.viewers)))
		}
	}
	return len(p), nil
}

func (h *outputHub) touch() {
	h.lastActivity.Store(time.Now().UnixNano())
}

func (h *outputHub) idleSince() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

// subscribe replays the scrollback into w and registers it for live output
// in one step, so w sees every byte exactly once.
func (h *outputHub) subscribe(w io.Writer) (detach func(), ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	if history := h.scrollback.Snapshot(); len(history) > 0 {
		if _, err := w.Write(history); err != nil {
			return nil, false
		}
	}
	id := h.nextViewer
	h.nextViewer++
	h.viewers[id] = w
	h.viewerCount.Store(int32(len(h.viewers)))
	return func() {
		h.mu.Lock()
		delete(h.viewers, id)
		h.viewerCount.Store(int32(len(h.viewers)))
		h.mu.Unlock()
	}, true
}

func (h *outputHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.scrollback.Close()
	if h.logger != nil {
		if err := h.logger.Close(); err != nil {
			log.Printf("[session-mgr] closing terminal log for session %s: %v", h.sessionID, err)
		}
		h.logger = nil
	}
	h.viewers = nil
	h.viewerCount.Store(0)
	close(h.done)
}

// Snapshot is a read-only view of a session for the UI layer.
type Snapshot struct {
	ID            string           `json:"id"`
	Profile       string           `json:"profile"`
	Host          string           `json:"host"`
	Port          int              `json:"port"`
	User          string           `json:"user"`
	State         State            `json:"state"`
	Cause         *errs.Cause      `json:"cause,omitempty"`
	Cols          int              `json:"cols"`
	Rows          int              `json:"rows"`
	TransportID   string           `json:"transport_id,omitempty"`
	AuthMethod    string           `json:"auth_method,omitempty"`
	AuthCandidate string           `json:"auth_candidate,omitempty"`
	Tunnels       int              `json:"tunnels"`
	Viewers       int              `json:"viewers"`
	CreatedAt     time.Time        `json:"created_at"`
	ConnectedAt   time.Time        `json:"connected_at"`
	LastActivity  time.Time        `json:"last_activity"`
	Reconnects    int              `json:"reconnects"`
	Bridge        termbridge.Stats `json:"bridge"`
	BufferedBytes int              `json:"buffered_bytes"`
}

// snapshotLocked builds a Snapshot. Caller holds m.mu. Nothing here waits
// for output to reach viewers.
func snapshotLocked(s *session) Snapshot {
	snap := Snapshot{
		ID:            s.id,
		Profile:       s.profile.DisplayName(),
		Host:          s.profile.Host,
		Port:          s.profile.Port,
		User:          s.profile.Username,
		State:         s.state,
		Cols:          s.cols,
		Rows:          s.rows,
		CreatedAt:     s.createdAt,
		ConnectedAt:   s.connectedAt,
		LastActivity:  s.hub.idleSince(),
		Reconnects:    s.reconnects,
		BufferedBytes: s.hub.scrollback.Len(),
		Viewers:       int(s.hub.viewerCount.Load()),
	}
	if s.cause != nil {
		c := *s.cause
		snap.Cause = &c
	}
	if c := s.conn; c != nil {
		res := c.transport.AuthResult()
		snap.TransportID = c.transport.ID()
		snap.AuthMethod = string(res.Method)
		snap.AuthCandidate = res.Candidate
		snap.Tunnels = len(c.tunnels)
		snap.Bridge = c.bridge.Stats()
	}
	return snap
}
