// Package sshtransport owns authenticated SSH connections.
//
// A Transport wraps one *ssh.Client and tracks the Channels opened on it.
// Closing or losing the transport closes every child channel and anything
// registered with OnClose, and interrupts in-flight reads and writes by
// closing the network connection underneath.
package sshtransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/chardonnay/korTTY/internal/errs"
	"github.com/chardonnay/korTTY/internal/sshauth"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

var (
	ErrClosed   = errors.New("transport closed")
	ErrSFTPBusy = errors.New("an sftp channel is already open on this transport")
)

// Transport is one authenticated SSH connection.
type Transport struct {
	id        string
	addr      string
	user      string
	createdAt time.Time

	client *ssh.Client
	jump   *ssh.Client
	auth   sshauth.Result

	mu       sync.Mutex
	state    State
	err      error
	channels map[string]*Channel
	sftpOpen bool
	closers  []func()
	cancel   context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	notify   func(StateChange)
}

func newTransport(addr, user string, notify func(StateChange)) *Transport {
	return &Transport{
		id:        uuid.New().String(),
		addr:      addr,
		user:      user,
		createdAt: time.Now(),
		state:     StateConnecting,
		channels:  make(map[string]*Channel),
		done:      make(chan struct{}),
		notify:    notify,
	}
}

// ID uniquely identifies this transport. A reconnect always yields a new ID.
func (t *Transport) ID() string { return t.id }

// Addr is the target host:port.
func (t *Transport) Addr() string { return t.addr }

func (t *Transport) User() string { return t.user }

func (t *Transport) CreatedAt() time.Time { return t.createdAt }

// AuthResult reports which credential authenticated the transport.
func (t *Transport) AuthResult() sshauth.Result { return t.auth }

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns why the transport left the authenticated state, or nil.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the transport is no longer usable, whether it was
// closed locally or lost.
func (t *Transport) Done() <-chan struct{} { return t.done }

// ServerVersion returns the remote SSH version string.
func (t *Transport) ServerVersion() string {
	if t.client == nil {
		return ""
	}
	return string(t.client.ServerVersion())
}

// OpenChannels returns the number of channels currently open.
func (t *Transport) OpenChannels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

func (t *Transport) setState(to State, reason string) {
	t.mu.Lock()
	from := t.state
	t.state = to
	t.mu.Unlock()
	t.emit(from, to, reason)
}

func (t *Transport) emit(from, to State, reason string) {
	if t.notify == nil || from == to {
		return
	}
	t.notify(StateChange{
		TransportID: t.id,
		From:        from,
		To:          to,
		Reason:      reason,
		Timestamp:   time.Now(),
	})
}

// attach installs the authenticated client and starts the watchers.
func (t *Transport) attach(client, jump *ssh.Client, res sshauth.Result, keepalive time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.client = client
	t.jump = jump
	t.auth = res
	t.cancel = cancel
	t.mu.Unlock()

	t.setState(StateAuthenticated, fmt.Sprintf("authenticated via %s", res.Method))

	go t.watch()
	if keepalive > 0 {
		go t.keepalive(ctx, keepalive)
	}
}

// fail marks a transport that never authenticated.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.setState(StateFailed, err.Error())
	t.closeDone()
}

func (t *Transport) closeDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// watch waits for the connection to end and records remote loss.
func (t *Transport) watch() {
	err := t.client.Wait()
	if err == nil {
		err = io.EOF
	}
	t.shutdown(StateFailed, errs.Network("connection lost", err))
}

func (t *Transport) keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := make(chan error, 1)
			go func() {
				_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
				result <- err
			}()
			var err error
			select {
			case err = <-result:
			case <-time.After(interval):
				err = fmt.Errorf("no reply within %s", interval)
			case <-ctx.Done():
				return
			}
			if err != nil {
				log.Printf("[transport] keepalive failed for %s (%s): %v", t.addr, t.id, err)
				t.shutdown(StateFailed, errs.Network("keepalive", err))
				return
			}
		}
	}
}

// Close shuts the transport down, closing every child channel first. It is
// idempotent.
func (t *Transport) Close() error {
	t.shutdown(StateClosed, nil)
	return nil
}

// shutdown moves the transport to a terminal state and releases everything
// it owns. Losing an already-closed transport is a no-op; closing a failed
// one releases what is left and records Closed.
func (t *Transport) shutdown(to State, cause error) {
	t.mu.Lock()
	from := t.state
	if from == StateClosed || (from == StateFailed && to == StateFailed) {
		t.mu.Unlock()
		return
	}
	t.state = to
	if cause != nil && t.err == nil {
		t.err = cause
	}
	channels := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		channels = append(channels, ch)
	}
	closers := t.closers
	t.closers = nil
	cancel := t.cancel
	client, jump := t.client, t.jump
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range channels {
		ch.Close()
	}
	for _, fn := range closers {
		fn()
	}
	if client != nil {
		client.Close()
	}
	if jump != nil {
		jump.Close()
	}
	t.closeDone()

	reason := "closed"
	if cause != nil {
		reason = cause.Error()
		log.Printf("[transport] %s (%s) lost: %v", t.addr, t.id, cause)
	} else {
		log.Printf("[transport] %s (%s) closed", t.addr, t.id)
	}
	t.emit(from, to, reason)
}

// OnClose registers fn to run when the transport closes or is lost. If the
// transport is already down fn runs immediately.
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	if t.state == StateAuthenticated || t.state == StateConnecting {
		t.closers = append(t.closers, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn()
}

func (t *Transport) usableClient() (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateAuthenticated {
		return nil, ErrClosed
	}
	return t.client, nil
}

// DialContext opens a direct-tcpip connection through the transport.
func (t *Transport) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := t.usableClient()
	if err != nil {
		return nil, err
	}
	return client.DialContext(ctx, network, addr)
}

// Listen asks the server to forward connections on addr back to us.
func (t *Transport) Listen(network, addr string) (net.Listener, error) {
	client, err := t.usableClient()
	if err != nil {
		return nil, err
	}
	return client.Listen(network, addr)
}
