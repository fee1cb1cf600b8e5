package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/chardonnay/korTTY/internal/sshsession"
	"github.com/chardonnay/korTTY/internal/termbridge"
)

// attachRateLimit is the maximum number of input messages per second per
// WebSocket connection. Messages beyond this rate are dropped.
const attachRateLimit = 200

// attachRateBurst lets a paste through before rate limiting kicks in.
const attachRateBurst = 200

// maxInputMessageSize bounds one input message.
const maxInputMessageSize = 64 * 1024

// outputQueueLen is how many output chunks may wait for a slow client
// before the viewer is dropped.
const outputQueueLen = 256

var errViewerTooSlow = errors.New("viewer too slow")

// controlMsg is a JSON text message from the client.
type controlMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Data string `json:"data,omitempty"`
	Key  string `json:"key,omitempty"`
	Rune string `json:"rune,omitempty"`
	Ctrl bool   `json:"ctrl,omitempty"`
	Alt  bool   `json:"alt,omitempty"`
	// Shift only applies to named keys.
	Shift bool `json:"shift,omitempty"`
}

// tokenBucket implements a simple token bucket rate limiter for input
// messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	refill := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.refillRate))
	if refill > 0 {
		tb.tokens += refill
		tb.lastRefill = now
	}
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

// wsOutputWriter queues session output for one WebSocket. Session output is
// written while the session's output path is locked, so Write never blocks:
// when the queue is full the viewer is dropped.
type wsOutputWriter struct {
	queue chan []byte
}

func (w *wsOutputWriter) Write(p []byte) (int, error) {
	select {
	case w.queue <- append([]byte(nil), p...):
		return len(p), nil
	default:
		return 0, errViewerTooSlow
	}
}

// pump writes queued output to conn until ctx ends.
func (w *wsOutputWriter) pump(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-w.queue:
			if err := conn.Write(ctx, websocket.MessageBinary, p); err != nil {
				return err
			}
		}
	}
}

// attach streams a session over a WebSocket. The client first receives a
// session_info text message, then the scrollback and live output as binary
// messages. Binary messages from the client are typed input; text messages
// are JSON control messages (resize, paste, key).
func (s *Server) attach(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.mgr.Get(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		log.Printf("[monitor] failed to accept attach websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxInputMessageSize + 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	info, _ := json.Marshal(map[string]interface{}{
		"type":       "session_info",
		"session_id": id,
		"state":      snap.State,
		"cols":       snap.Cols,
		"rows":       snap.Rows,
	})
	if err := conn.Write(ctx, websocket.MessageText, info); err != nil {
		return
	}

	out := &wsOutputWriter{queue: make(chan []byte, outputQueueLen)}
	detach, ended, err := s.mgr.Attach(id, out)
	if err != nil {
		conn.Close(4004, "Session not found")
		return
	}
	defer detach()
	log.Printf("[monitor] viewer attached to session %s", id)
	defer log.Printf("[monitor] viewer detached from session %s", id)

	go func() {
		defer cancel()
		if err := out.pump(ctx, conn); err != nil && ctx.Err() == nil {
			log.Printf("[monitor] output to viewer of session %s failed: %v", id, err)
		}
	}()
	go func() {
		select {
		case <-ended:
			conn.Close(websocket.StatusNormalClosure, "Session closed")
			cancel()
		case <-ctx.Done():
		}
	}()

	limiter := newTokenBucket(attachRateBurst, attachRateLimit)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.allow() {
			continue
		}
		if len(data) > maxInputMessageSize {
			log.Printf("[monitor] input message too large: session=%s size=%d limit=%d", id, len(data), maxInputMessageSize)
			continue
		}

		var ev termbridge.InputEvent
		if msgType == websocket.MessageBinary {
			ev = termbridge.Text(data)
		} else {
			var msg controlMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			var ok bool
			if ev, ok = controlEvent(msg); !ok {
				continue
			}
		}
		ev.SessionID = id
		if err := s.mgr.Input(ev); err != nil {
			if errors.Is(err, sshsession.ErrNotFound) {
				return
			}
			// Input outside Active is refused; the viewer stays attached and
			// sees the session's state through the status API.
			log.Printf("[monitor] input for session %s refused: %v", id, err)
		}
	}
}

func controlEvent(msg controlMsg) (termbridge.InputEvent, bool) {
	var mods termbridge.Modifier
	if msg.Ctrl {
		mods |= termbridge.ModCtrl
	}
	if msg.Alt {
		mods |= termbridge.ModAlt
	}
	if msg.Shift {
		mods |= termbridge.ModShift
	}

	switch msg.Type {
	case "resize":
		return termbridge.Resize(msg.Cols, msg.Rows), true
	case "paste":
		return termbridge.Paste(msg.Data), true
	case "key":
		if msg.Rune != "" {
			r, _ := utf8.DecodeRuneInString(msg.Rune)
			return termbridge.PressRune(r, mods), true
		}
		k, ok := termbridge.ParseKey(msg.Key)
		if !ok {
			return termbridge.InputEvent{}, false
		}
		return termbridge.Press(k, mods), true
	}
	return termbridge.InputEvent{}, false
}
