package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"

	"github.com/chardonnay/korTTY/internal/errs"
	"github.com/chardonnay/korTTY/internal/logging"
	"github.com/chardonnay/korTTY/internal/sshsession"
	"github.com/chardonnay/korTTY/internal/termbridge"
)

// detachKey (Ctrl-]) ends the local terminal session.
const detachKey = 0x1d

// runTerminal connects the local terminal to session id until the session
// closes, the user presses the detach key or ctx is cancelled.
func runTerminal(ctx context.Context, mgr *sshsession.Manager, id string) error {
	fd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(fd)
	if interactive {
		if cols, rows, err := term.GetSize(fd); err == nil {
			if err := mgr.Resize(id, cols, rows); err != nil {
				log.Printf("Initial resize: %v", err)
			}
		}
		old, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		defer term.Restore(fd, old)
		logging.FileOnly()
	}

	states := newStateWatch()
	mgr.OnStateChange(func(c sshsession.Change) {
		if c.SessionID == id {
			states.put(c)
		}
	})

	detach, ended, err := mgr.Attach(id, os.Stdout)
	if err != nil {
		return err
	}
	defer detach()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	input := make(chan []byte)
	go readInput(os.Stdin, input)

	var errored bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			return nil
		case <-states.ready:
			c, ok := states.take()
			if !ok {
				continue
			}
			switch c.To {
			case sshsession.StateClosed:
				return nil
			case sshsession.StateErrored:
				errored = true
				notice("session error: %s. Press r to reconnect or Ctrl-] to quit.", causeOf(c))
			case sshsession.StateReconnecting:
				notice("reconnecting...")
			case sshsession.StateActive:
				errored = false
			}
		case <-winch:
			if !interactive {
				continue
			}
			if cols, rows, err := term.GetSize(fd); err == nil {
				if err := mgr.Resize(id, cols, rows); err != nil && !errors.Is(err, sshsession.ErrInvalidState) {
					log.Printf("Resize: %v", err)
				}
			}
		case data, ok := <-input:
			if !ok {
				return nil
			}
			data, quit := splitDetach(data)
			if errored {
				if bytes.IndexByte(data, 'r') >= 0 {
					if err := mgr.Reconnect(id); err != nil {
						notice("reconnect: %v", err)
					}
				}
			} else if len(data) > 0 {
				ev := termbridge.Text(data)
				ev.SessionID = id
				if err := mgr.Input(ev); err != nil {
					log.Printf("Input: %v", err)
				}
			}
			if quit {
				return nil
			}
		}
	}
}

// stateWatch keeps the latest state change of one session. A burst of
// changes collapses into the last one, so the final state is never lost.
type stateWatch struct {
	mu     sync.Mutex
	latest sshsession.Change
	has    bool
	ready  chan struct{}
}

func newStateWatch() *stateWatch {
	return &stateWatch{ready: make(chan struct{}, 1)}
}

func (w *stateWatch) put(c sshsession.Change) {
	w.mu.Lock()
	w.latest = c
	w.has = true
	w.mu.Unlock()
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// take returns the latest change once.
func (w *stateWatch) take() (sshsession.Change, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.latest, w.has
	w.has = false
	return c, ok
}

// splitDetach cuts data at the detach key. quit reports whether the key was
// present; the bytes before it are still sent.
func splitDetach(data []byte) (rest []byte, quit bool) {
	if i := bytes.IndexByte(data, detachKey); i >= 0 {
		return data[:i], true
	}
	return data, false
}

func readInput(f *os.File, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out <- data
		}
		if err != nil {
			return
		}
	}
}

func causeOf(c sshsession.Change) string {
	if c.Cause != nil {
		return c.Cause.String()
	}
	if c.Reason != "" {
		return c.Reason
	}
	return string(errs.KindInternal)
}

// notice prints a local status line. The terminal is in raw mode, so lines
// end in CRLF.
func notice(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\r\n[kortty] "+format+"\r\n", args...)
}
