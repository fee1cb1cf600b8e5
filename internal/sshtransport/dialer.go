package sshtransport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/chardonnay/korTTY/internal/credstore"
	"github.com/chardonnay/korTTY/internal/errs"
	"github.com/chardonnay/korTTY/internal/logutil"
	"github.com/chardonnay/korTTY/internal/profile"
	"github.com/chardonnay/korTTY/internal/sshauth"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultConnectTimeout    = 15 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	clientVersion            = "SSH-2.0-korTTY"
)

// Options configures a Dialer. Profile values override the timeouts.
type Options struct {
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	HostKeyCallback   ssh.HostKeyCallback
	Secrets           credstore.Provider
	// Limiter throttles attempts per target when set.
	Limiter *AttemptLimiter
}

// Dialer opens transports for connection profiles.
type Dialer struct {
	opts Options

	mu        sync.RWMutex
	listeners []StateListener
}

func NewDialer(opts Options) *Dialer {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return &Dialer{opts: opts}
}

// OnStateChange registers a listener for state changes of every transport
// this dialer opens.
func (d *Dialer) OnStateChange(fn StateListener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

func (d *Dialer) emit(c StateChange) {
	d.mu.RLock()
	listeners := make([]StateListener, len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.RUnlock()
	for _, fn := range listeners {
		fn(c)
	}
}

// Open connects to the profile's host, authenticates and returns an
// Authenticated transport. Connection and handshake problems are
// errs.KindNetwork; exhausted credentials are errs.KindAuth wrapping
// *sshauth.AuthFailed.
func (d *Dialer) Open(ctx context.Context, p *profile.Profile) (*Transport, error) {
	lim := d.opts.Limiter
	if lim == nil {
		return d.open(ctx, p)
	}
	target := p.Username + "@" + p.Address()
	if err := lim.Allow(target); err != nil {
		return nil, err
	}
	t, err := d.open(ctx, p)
	lim.Record(target, err)
	return t, err
}

func (d *Dialer) open(ctx context.Context, p *profile.Profile) (*Transport, error) {
	timeout := d.opts.ConnectTimeout
	if p.ConnectTimeout > 0 {
		timeout = p.ConnectTimeout
	}
	keepalive := d.opts.KeepaliveInterval
	if p.KeepaliveInterval > 0 {
		keepalive = p.KeepaliveInterval
	}

	addr := p.Address()
	t := newTransport(addr, p.Username, d.emit)
	log.Printf("[transport] connecting to %s as %s (%s)", logutil.SanitizeForLog(addr), logutil.SanitizeForLog(p.Username), t.id)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var jump *ssh.Client
	if p.Jump != nil {
		var err error
		jump, err = d.openJump(dialCtx, p.Jump)
		if err != nil {
			t.fail(err)
			return nil, err
		}
	}

	conn, err := d.dialTCP(dialCtx, jump, addr)
	if err != nil {
		if jump != nil {
			jump.Close()
		}
		nerr := errs.Network("dial "+addr, err)
		t.fail(nerr)
		return nil, nerr
	}

	client, res, err := d.handshake(dialCtx, conn, addr, p.Username, p.Credentials)
	if err != nil {
		if jump != nil {
			jump.Close()
		}
		t.fail(err)
		return nil, err
	}

	t.attach(client, jump, res, keepalive)
	log.Printf("[transport] connected to %s (%s) via %s", logutil.SanitizeForLog(addr), t.id, res.Method)
	return t, nil
}

func (d *Dialer) dialTCP(ctx context.Context, jump *ssh.Client, addr string) (net.Conn, error) {
	if jump != nil {
		return jump.DialContext(ctx, "tcp", addr)
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", addr)
}

func (d *Dialer) openJump(ctx context.Context, j *profile.JumpHost) (*ssh.Client, error) {
	addr := j.Address()
	log.Printf("[transport] connecting to jump host %s", logutil.SanitizeForLog(addr))
	conn, err := d.dialTCP(ctx, nil, addr)
	if err != nil {
		return nil, errs.Network("dial jump host "+addr, err)
	}
	client, _, err := d.handshake(ctx, conn, addr, j.Username, j.Credentials)
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			e.Op = "jump host " + e.Op
		}
		return nil, err
	}
	return client, nil
}

// handshake runs the SSH handshake on conn. The connection is closed on
// failure or when ctx ends before the handshake completes.
func (d *Dialer) handshake(ctx context.Context, conn net.Conn, addr, user string, creds []profile.Credential) (*ssh.Client, sshauth.Result, error) {
	candidates, cleanup := sshauth.BuildCandidates(creds, d.opts.Secrets)
	defer cleanup()
	neg := sshauth.New(user, candidates)

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            neg.AuthMethods(),
		HostKeyCallback: d.opts.HostKeyCallback,
		ClientVersion:   clientVersion,
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	interrupted := !stop()
	if err != nil {
		conn.Close()
		return nil, sshauth.Result{}, d.classify(ctx, neg, err)
	}
	if interrupted {
		sshConn.Close()
		return nil, sshauth.Result{}, errs.Network("handshake", ctx.Err())
	}
	conn.SetDeadline(time.Time{})

	res, _ := neg.Outcome(nil)
	return ssh.NewClient(sshConn, chans, reqs), res, nil
}

func (d *Dialer) classify(ctx context.Context, neg *sshauth.Negotiator, err error) error {
	var mismatch *HostKeyMismatchError
	var unknown *UnknownHostError
	switch {
	case errors.As(err, &mismatch):
		return &errs.Error{Kind: errs.KindNetwork, Op: "verify host key", Detail: mismatch.Suggestion(), Err: mismatch}
	case errors.As(err, &unknown):
		return errs.Network("verify host key", unknown)
	case sshauth.IsAuthFailure(err):
		_, failed := neg.Outcome(err)
		return errs.Auth("authenticate", failed)
	case ctx.Err() != nil:
		return errs.Network("handshake", fmt.Errorf("%w: %v", ctx.Err(), err))
	default:
		return errs.Network("handshake", err)
	}
}
