package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chardonnay/korTTY/internal/profile"
	"github.com/chardonnay/korTTY/internal/sshtransport"
)

const (
	defaultBindHost = "127.0.0.1"
	dialTimeout     = 10 * time.Second
)

var ErrDynamicUnsupported = errors.New("dynamic forwarding is not supported")

// Stats are the traffic counters of one tunnel.
type Stats struct {
	Connections int64 `json:"connections"`
	BytesIn     int64 `json:"bytes_in"`
	BytesOut    int64 `json:"bytes_out"`
}

// Tunnel is a running port forward bound to one transport.
type Tunnel struct {
	Config profile.Tunnel
	// ListenAddr is the address actually bound: local for -L, remote for -R.
	ListenAddr string
	StartedAt  time.Time

	transportID string
	listener    net.Listener
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu     sync.Mutex
	closed bool

	conns    atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// Validate checks a tunnel definition before anything is bound.
func Validate(cfg profile.Tunnel) error {
	switch cfg.Type {
	case profile.TunnelLocal, profile.TunnelRemote:
	case profile.TunnelDynamic:
		return ErrDynamicUnsupported
	default:
		return fmt.Errorf("unknown tunnel type %q", cfg.Type)
	}
	if cfg.LocalPort < 0 || cfg.LocalPort > 65535 {
		return fmt.Errorf("local port %d out of range", cfg.LocalPort)
	}
	if cfg.RemotePort <= 0 || cfg.RemotePort > 65535 {
		return fmt.Errorf("remote port %d out of range", cfg.RemotePort)
	}
	return nil
}

// Open starts a forward over t. The tunnel closes with the transport.
func Open(t *sshtransport.Transport, cfg profile.Tunnel) (*Tunnel, error) {
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate tunnel: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tun := &Tunnel{
		Config:      cfg,
		StartedAt:   time.Now(),
		transportID: t.ID(),
		cancel:      cancel,
	}

	var err error
	switch cfg.Type {
	case profile.TunnelLocal:
		tun.listener, err = net.Listen("tcp", joinHostPort(cfg.LocalHost, cfg.LocalPort))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("listen on local port: %w", err)
		}
		target := joinHostPort(cfg.RemoteHost, cfg.RemotePort)
		tun.start(ctx, func(ctx context.Context) (net.Conn, error) {
			dctx, dcancel := context.WithTimeout(ctx, dialTimeout)
			defer dcancel()
			return t.DialContext(dctx, "tcp", target)
		})
	case profile.TunnelRemote:
		tun.listener, err = t.Listen("tcp", joinHostPort(cfg.RemoteHost, cfg.RemotePort))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("request remote forward: %w", err)
		}
		target := joinHostPort(cfg.LocalHost, cfg.LocalPort)
		tun.start(ctx, func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			dctx, dcancel := context.WithTimeout(ctx, dialTimeout)
			defer dcancel()
			return d.DialContext(dctx, "tcp", target)
		})
	}
	tun.ListenAddr = tun.listener.Addr().String()

	t.OnClose(func() { tun.Close() })
	log.Printf("[tunnel] %s forward %s -> %s on transport %s", cfg.Type, tun.ListenAddr, tun.targetAddr(), t.ID())
	return tun, nil
}

// OpenAll starts every enabled tunnel. A failed forward does not stop the
// others; its error is returned alongside the tunnels that did start.
func OpenAll(t *sshtransport.Transport, cfgs []profile.Tunnel) ([]*Tunnel, error) {
	var tunnels []*Tunnel
	var failures []error
	for i, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		tun, err := Open(t, cfg)
		if err != nil {
			log.Printf("[tunnel] forward %d on transport %s failed: %v", i, t.ID(), err)
			failures = append(failures, fmt.Errorf("tunnel %d: %w", i, err))
			continue
		}
		tunnels = append(tunnels, tun)
	}
	return tunnels, errors.Join(failures...)
}

func (t *Tunnel) targetAddr() string {
	if t.Config.Type == profile.TunnelLocal {
		return joinHostPort(t.Config.RemoteHost, t.Config.RemotePort)
	}
	return joinHostPort(t.Config.LocalHost, t.Config.LocalPort)
}

// start accepts until the listener closes. Closing the listener is what
// unblocks Accept, so no deadline polling is needed.
func (t *Tunnel) start(ctx context.Context, dial func(context.Context) (net.Conn, error)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			conn, err := t.listener.Accept()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[tunnel] accept on %s stopped: %v", t.ListenAddr, err)
				}
				return
			}
			t.conns.Add(1)
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				peer, err := dial(ctx)
				if err != nil {
					log.Printf("[tunnel] dial %s failed: %v", t.targetAddr(), err)
					conn.Close()
					return
				}
				t.bidirectionalCopy(ctx, conn, peer)
			}()
		}
	}()
}

// Close shuts down the tunnel and every connection it carries. Idempotent.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	// A remote listener's Close waits for the server to acknowledge the
	// cancel request, which never comes on a dead connection. Accept is
	// released before that request is sent.
	closeErr := make(chan error, 1)
	go func() { closeErr <- t.listener.Close() }()
	t.wg.Wait()
	log.Printf("[tunnel] closed %s forward %s (transport %s)", t.Config.Type, t.ListenAddr, t.transportID)

	select {
	case err := <-closeErr:
		return err
	default:
		return nil
	}
}

// IsClosed returns whether the tunnel has been closed.
func (t *Tunnel) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Tunnel) Stats() Stats {
	return Stats{
		Connections: t.conns.Load(),
		BytesIn:     t.bytesIn.Load(),
		BytesOut:    t.bytesOut.Load(),
	}
}

// bidirectionalCopy pipes data between the accepted connection and its peer
// until one side closes or the tunnel is cancelled.
func (t *Tunnel) bidirectionalCopy(ctx context.Context, accepted, peer net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn, counter *atomic.Int64) {
		defer func() { done <- struct{}{} }()
		n, _ := io.Copy(dst, src)
		counter.Add(n)
	}
	go cp(peer, accepted, &t.bytesOut)
	go cp(accepted, peer, &t.bytesIn)

	select {
	case <-done:
	case <-ctx.Done():
	}
	accepted.Close()
	peer.Close()
	<-done
}

func joinHostPort(host string, port int) string {
	if host == "" {
		host = defaultBindHost
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
