package sshtransport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/chardonnay/korTTY/internal/credstore"
	"github.com/chardonnay/korTTY/internal/errs"
	"github.com/chardonnay/korTTY/internal/profile"
	"github.com/chardonnay/korTTY/internal/sshauth"
	"github.com/chardonnay/korTTY/internal/sshtest"
)

func testVault(t *testing.T) *credstore.Vault {
	t.Helper()
	v, err := credstore.NewVault(nil)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	v.Put("alice", "secret")
	v.Put("wrong", "not-the-password")
	return v
}

func testProfile(srv *sshtest.Server, ref string) *profile.Profile {
	host, port := srv.Host()
	p := &profile.Profile{
		Name:        "test",
		Host:        host,
		Port:        port,
		Username:    "alice",
		Credentials: []profile.Credential{{Kind: profile.CredPassword, Label: "password", SecretRef: ref}},
	}
	p.ApplyDefaults()
	return p
}

func newTestServer(t *testing.T) *sshtest.Server {
	return sshtest.Start(t, sshtest.Options{Passwords: map[string]string{"alice": "secret"}})
}

func openTransport(t *testing.T, srv *sshtest.Server) *Transport {
	t.Helper()
	d := NewDialer(Options{Secrets: testVault(t)})
	tr, err := d.Open(context.Background(), testProfile(srv, "alice"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func waitDone(t *testing.T, tr *Transport) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not finish")
	}
}

func TestDialer_Open_Password(t *testing.T) {
	srv := newTestServer(t)
	d := NewDialer(Options{Secrets: testVault(t)})

	var mu sync.Mutex
	var changes []StateChange
	d.OnStateChange(func(c StateChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	tr, err := d.Open(context.Background(), testProfile(srv, "alice"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	if tr.State() != StateAuthenticated {
		t.Errorf("State = %s", tr.State())
	}
	if res := tr.AuthResult(); res.Method != sshauth.MethodPassword || res.Candidate != "password" {
		t.Errorf("AuthResult = %+v", res)
	}
	if tr.ID() == "" {
		t.Error("empty transport ID")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 || changes[0].From != StateConnecting || changes[0].To != StateAuthenticated {
		t.Errorf("changes = %+v", changes)
	}
	if changes[0].TransportID != tr.ID() {
		t.Error("state change carries wrong transport ID")
	}
}

func TestDialer_Open_WrongPassword(t *testing.T) {
	srv := newTestServer(t)
	d := NewDialer(Options{Secrets: testVault(t)})

	_, err := d.Open(context.Background(), testProfile(srv, "wrong"))
	if err == nil {
		t.Fatal("expected error")
	}
	if errs.KindOf(err) != errs.KindAuth {
		t.Errorf("KindOf = %s (%v)", errs.KindOf(err), err)
	}
	var failed *sshauth.AuthFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected *sshauth.AuthFailed in chain: %v", err)
	}
	if failed.AttemptedCount != 1 {
		t.Errorf("AttemptedCount = %d", failed.AttemptedCount)
	}
	if c := errs.CauseOf(err); c.AttemptedCount != 1 || c.Reason != string(sshauth.ReasonWrongCredential) {
		t.Errorf("cause = %+v", c)
	}
}

func TestDialer_Open_Refused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	d := NewDialer(Options{})
	p := &profile.Profile{Host: "127.0.0.1", Port: addr.Port, Username: "alice",
		Credentials: []profile.Credential{{Kind: profile.CredPassword, SecretRef: "x"}}}
	_, err = d.Open(context.Background(), p)
	if errs.KindOf(err) != errs.KindNetwork {
		t.Errorf("KindOf = %s (%v)", errs.KindOf(err), err)
	}
}

func TestDialer_Open_HandshakeTimeout(t *testing.T) {
	// A listener that accepts but never speaks SSH.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	p := &profile.Profile{Host: "127.0.0.1", Port: addr.Port, Username: "alice",
		ConnectTimeout: 200 * time.Millisecond,
		Credentials:    []profile.Credential{{Kind: profile.CredPassword, SecretRef: "x"}}}

	start := time.Now()
	_, err = NewDialer(Options{}).Open(context.Background(), p)
	if errs.KindOf(err) != errs.KindNetwork {
		t.Errorf("KindOf = %s (%v)", errs.KindOf(err), err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("handshake timeout took %v", elapsed)
	}
}

func TestTransport_CloseCascadesAndIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	tr := openTransport(t, srv)

	shell, err := tr.OpenChannel(ChannelShell)
	if err != nil {
		t.Fatalf("open shell: %v", err)
	}
	sftpCh, err := tr.OpenChannel(ChannelSFTP)
	if err != nil {
		t.Fatalf("open sftp: %v", err)
	}
	if tr.OpenChannels() != 2 {
		t.Errorf("OpenChannels = %d", tr.OpenChannels())
	}
	if shell.Transport() != tr {
		t.Error("channel back-reference wrong")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	waitDone(t, tr)
	for _, ch := range []*Channel{shell, sftpCh} {
		select {
		case <-ch.Done():
		default:
			t.Errorf("%s channel not closed", ch.Kind())
		}
	}
	if tr.OpenChannels() != 0 {
		t.Errorf("OpenChannels after close = %d", tr.OpenChannels())
	}
	if tr.State() != StateClosed {
		t.Errorf("State = %s", tr.State())
	}
	if _, err := tr.OpenChannel(ChannelShell); !errors.Is(err, ErrClosed) {
		t.Errorf("OpenChannel after close: %v", err)
	}
}

func TestTransport_SingleSFTPChannel(t *testing.T) {
	srv := newTestServer(t)
	tr := openTransport(t, srv)

	first, err := tr.OpenChannel(ChannelSFTP)
	if err != nil {
		t.Fatalf("open sftp: %v", err)
	}
	if _, err := tr.OpenChannel(ChannelSFTP); !errors.Is(err, ErrSFTPBusy) {
		t.Errorf("second sftp channel: %v", err)
	}
	if errs.KindOf(func() error { _, err := tr.OpenChannel(ChannelSFTP); return err }()) != errs.KindChannel {
		t.Error("busy error should be a channel error")
	}

	first.Close()
	second, err := tr.OpenChannel(ChannelSFTP)
	if err != nil {
		t.Fatalf("sftp after close: %v", err)
	}
	second.Close()
}

func TestTransport_RemoteDrop(t *testing.T) {
	srv := newTestServer(t)
	tr := openTransport(t, srv)
	ch, err := tr.OpenChannel(ChannelShell)
	if err != nil {
		t.Fatal(err)
	}

	srv.DropAll()
	waitDone(t, tr)

	if tr.State() != StateFailed {
		t.Errorf("State = %s, want failed", tr.State())
	}
	if errs.KindOf(tr.Err()) != errs.KindNetwork {
		t.Errorf("Err = %v", tr.Err())
	}
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Error("child channel not closed after transport loss")
	}

	tr.Close()
	if tr.State() != StateClosed {
		t.Errorf("State after Close = %s", tr.State())
	}
}

func TestTransport_OnClose(t *testing.T) {
	srv := newTestServer(t)
	tr := openTransport(t, srv)

	ran := make(chan struct{}, 2)
	tr.OnClose(func() { ran <- struct{}{} })
	tr.Close()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("OnClose hook not run")
	}

	tr.OnClose(func() { ran <- struct{}{} })
	select {
	case <-ran:
	default:
		t.Error("OnClose after close should run immediately")
	}
}

func TestTransport_KeepaliveKeepsConnection(t *testing.T) {
	srv := newTestServer(t)
	p := testProfile(srv, "alice")
	p.KeepaliveInterval = 50 * time.Millisecond

	tr, err := NewDialer(Options{Secrets: testVault(t)}).Open(context.Background(), p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	time.Sleep(300 * time.Millisecond)
	if tr.State() != StateAuthenticated {
		t.Errorf("State = %s after keepalives", tr.State())
	}
}

func TestDialer_JumpHost(t *testing.T) {
	jumpSrv := sshtest.Start(t, sshtest.Options{Passwords: map[string]string{"hop": "hop-secret"}})
	target := newTestServer(t)

	vault := testVault(t)
	vault.Put("hop", "hop-secret")

	p := testProfile(target, "alice")
	jh, jp := jumpSrv.Host()
	p.Jump = &profile.JumpHost{
		Host:        jh,
		Port:        jp,
		Username:    "hop",
		Credentials: []profile.Credential{{Kind: profile.CredPassword, SecretRef: "hop"}},
	}

	tr, err := NewDialer(Options{Secrets: vault}).Open(context.Background(), p)
	if err != nil {
		t.Fatalf("Open via jump host: %v", err)
	}
	if jumpSrv.Connections() != 1 || target.Connections() != 1 {
		t.Errorf("connections: jump=%d target=%d", jumpSrv.Connections(), target.Connections())
	}

	tr.Close()
	deadline := time.Now().Add(5 * time.Second)
	for jumpSrv.Connections() != 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if jumpSrv.Connections() != 0 {
		t.Error("jump connection not closed with transport")
	}
}

func TestDialer_JumpHostAuthFailure(t *testing.T) {
	jumpSrv := sshtest.Start(t, sshtest.Options{Passwords: map[string]string{"hop": "hop-secret"}})
	target := newTestServer(t)

	p := testProfile(target, "alice")
	jh, jp := jumpSrv.Host()
	p.Jump = &profile.JumpHost{Host: jh, Port: jp, Username: "hop",
		Credentials: []profile.Credential{{Kind: profile.CredPassword, SecretRef: "wrong"}}}

	_, err := NewDialer(Options{Secrets: testVault(t)}).Open(context.Background(), p)
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.KindAuth || e.Op != "jump host authenticate" {
		t.Errorf("err = %v", err)
	}
}
