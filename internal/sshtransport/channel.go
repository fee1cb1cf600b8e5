package sshtransport

import (
	"fmt"
	"log"
	"sync"

	"github.com/chardonnay/korTTY/internal/errs"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// ChannelKind is what a channel is used for.
type ChannelKind string

const (
	ChannelShell ChannelKind = "shell"
	ChannelSFTP  ChannelKind = "sftp"
)

// Channel is one session channel on a Transport. Its lifetime is bounded by
// the transport's: when the transport goes down the channel is closed.
type Channel struct {
	id        string
	kind      ChannelKind
	session   *ssh.Session
	transport *Transport

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) Kind() ChannelKind { return c.kind }

// Transport is the parent transport. The channel does not own it.
func (c *Channel) Transport() *Transport { return c.transport }

// Session exposes the underlying session for PTY and subsystem requests.
func (c *Channel) Session() *ssh.Session { return c.session }

// Done is closed when the channel has been closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Close closes the channel and detaches it from its transport. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.session.Close()
		c.transport.removeChannel(c)
		close(c.done)
	})
	return nil
}

// OpenChannel opens a new session channel of the given kind. At most one
// sftp channel may be open at a time.
func (t *Transport) OpenChannel(kind ChannelKind) (*Channel, error) {
	op := fmt.Sprintf("open %s channel", kind)

	t.mu.Lock()
	if t.state != StateAuthenticated {
		t.mu.Unlock()
		return nil, errs.Channel(op, ErrClosed)
	}
	if kind == ChannelSFTP {
		if t.sftpOpen {
			t.mu.Unlock()
			return nil, errs.Channel(op, ErrSFTPBusy)
		}
		t.sftpOpen = true
	}
	client := t.client
	t.mu.Unlock()

	session, err := client.NewSession()
	if err != nil {
		t.releaseSFTP(kind)
		return nil, errs.Channel(op, err)
	}

	ch := &Channel{
		id:        uuid.New().String(),
		kind:      kind,
		session:   session,
		transport: t,
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if t.state != StateAuthenticated {
		t.mu.Unlock()
		session.Close()
		t.releaseSFTP(kind)
		return nil, errs.Channel(op, ErrClosed)
	}
	t.channels[ch.id] = ch
	t.mu.Unlock()

	log.Printf("[transport] opened %s channel %s on %s", kind, ch.id, t.id)
	return ch, nil
}

func (t *Transport) releaseSFTP(kind ChannelKind) {
	if kind != ChannelSFTP {
		return
	}
	t.mu.Lock()
	t.sftpOpen = false
	t.mu.Unlock()
}

func (t *Transport) removeChannel(c *Channel) {
	t.mu.Lock()
	if _, ok := t.channels[c.id]; ok {
		delete(t.channels, c.id)
		if c.kind == ChannelSFTP {
			t.sftpOpen = false
		}
	}
	t.mu.Unlock()
}
