// Package sshtest runs an in-process SSH server for package tests.
//
// The server authenticates with passwords, public keys and
// keyboard-interactive challenges, serves PTY shells that echo their input,
// the sftp subsystem, and local/remote port forwards. DropAll simulates a
// network failure by closing every server-side connection.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Options configures a Server. Zero values disable the corresponding auth
// method.
type Options struct {
	// Passwords maps user name to password for password and
	// keyboard-interactive auth.
	Passwords map[string]string
	// AuthorizedKeys are accepted for any user.
	AuthorizedKeys []ssh.PublicKey
	// KeyboardInteractive enables the keyboard-interactive method using
	// Passwords as the expected answers.
	KeyboardInteractive bool
	// DisablePassword turns off the "password" method even when Passwords
	// is set, so only keyboard-interactive can use them.
	DisablePassword bool
	// Banner is written to every shell before the echo loop starts.
	Banner string
}

// AuthAttempt records one authentication callback on the server.
type AuthAttempt struct {
	User    string
	Method  string
	Success bool
}

// Size is a window size reported by the client.
type Size struct {
	Cols, Rows uint32
}

// Server is a running test server.
type Server struct {
	Addr    string
	HostKey ssh.PublicKey

	config   *ssh.ServerConfig
	listener net.Listener
	opts     Options

	mu       sync.Mutex
	conns    map[*ssh.ServerConn]struct{}
	attempts []AuthAttempt
	ptyTerms []string
	resizes  []Size
	closed   bool
	wg       sync.WaitGroup
}

// Start launches a server on 127.0.0.1 and registers cleanup with t.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	s := &Server{
		HostKey: hostSigner.PublicKey(),
		opts:    opts,
		conns:   make(map[*ssh.ServerConn]struct{}),
	}

	s.config = &ssh.ServerConfig{}
	if len(opts.Passwords) > 0 && !opts.DisablePassword {
		s.config.PasswordCallback = func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			want, ok := opts.Passwords[meta.User()]
			okPass := ok && want == string(pass)
			s.record(meta.User(), "password", okPass)
			if !okPass {
				return nil, fmt.Errorf("password rejected for %q", meta.User())
			}
			return &ssh.Permissions{}, nil
		}
	}
	if len(opts.AuthorizedKeys) > 0 {
		s.config.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range opts.AuthorizedKeys {
				if ssh.FingerprintSHA256(k) == ssh.FingerprintSHA256(key) {
					s.record(meta.User(), "publickey", true)
					return &ssh.Permissions{}, nil
				}
			}
			s.record(meta.User(), "publickey", false)
			return nil, fmt.Errorf("unknown public key")
		}
	}
	if opts.KeyboardInteractive {
		s.config.KeyboardInteractiveCallback = func(meta ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := client(meta.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			want, ok := opts.Passwords[meta.User()]
			okAns := ok && len(answers) == 1 && answers[0] == want
			s.record(meta.User(), "keyboard-interactive", okAns)
			if !okAns {
				return nil, fmt.Errorf("keyboard-interactive rejected")
			}
			return &ssh.Permissions{}, nil
		}
	}
	s.config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.Addr = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listening host and port.
func (s *Server) Host() (string, int) {
	host, port, _ := net.SplitHostPort(s.Addr)
	n, _ := strconv.Atoi(port)
	return host, n
}

func (s *Server) record(user, method string, ok bool) {
	s.mu.Lock()
	s.attempts = append(s.attempts, AuthAttempt{User: user, Method: method, Success: ok})
	s.mu.Unlock()
}

// Attempts returns every auth callback the server has seen.
func (s *Server) Attempts() []AuthAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuthAttempt(nil), s.attempts...)
}

// Resizes returns the window-change requests received so far.
func (s *Server) Resizes() []Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Size(nil), s.resizes...)
}

// PTYTerms returns the TERM values of every pty-req.
func (s *Server) PTYTerms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ptyTerms...)
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropAll closes every client connection without closing the listener.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.listener.Close()
	s.DropAll()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(netConn)
		}()
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	s.mu.Lock()
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
		sshConn.Close()
	}()

	go s.handleGlobalRequests(sshConn, reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, requests)
		case "direct-tcpip":
			go handleDirectTCPIP(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			term := ""
			if len(req.Payload) >= 4 {
				n := binary.BigEndian.Uint32(req.Payload[0:4])
				if int(n) <= len(req.Payload)-4 {
					term = string(req.Payload[4 : 4+n])
				}
			}
			s.mu.Lock()
			s.ptyTerms = append(s.ptyTerms, term)
			s.mu.Unlock()
			reply(req, true)

		case "window-change":
			if len(req.Payload) >= 8 {
				size := Size{
					Cols: binary.BigEndian.Uint32(req.Payload[0:4]),
					Rows: binary.BigEndian.Uint32(req.Payload[4:8]),
				}
				s.mu.Lock()
				s.resizes = append(s.resizes, size)
				s.mu.Unlock()
				fmt.Fprintf(ch, "resize:%dx%d\r\n", size.Cols, size.Rows)
			}
			reply(req, true)

		case "shell":
			reply(req, true)
			if s.opts.Banner != "" {
				io.WriteString(ch, s.opts.Banner)
			}
			go runEchoShell(ch)

		case "subsystem":
			if len(req.Payload) < 4 || string(req.Payload[4:]) != "sftp" {
				reply(req, false)
				continue
			}
			reply(req, true)
			go serveSFTP(ch)

		case "env":
			reply(req, true)

		default:
			reply(req, false)
		}
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}

// runEchoShell echoes input and interprets a few line commands:
//
//	exit N      send exit-status N and close
//	kill SIG    send exit-signal SIG and close
//	err TEXT    write TEXT to stderr
//	say TEXT    write TEXT followed by CRLF
func runEchoShell(ch ssh.Channel) {
	buf := make([]byte, 4096)
	var line []byte
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			ch.Write(buf[:n])
			for _, b := range buf[:n] {
				if b != '\r' && b != '\n' {
					line = append(line, b)
					continue
				}
				cmd := string(line)
				line = line[:0]
				switch {
				case strings.HasPrefix(cmd, "exit "):
					code, _ := strconv.Atoi(strings.TrimSpace(cmd[5:]))
					ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
					ch.Close()
					return
				case strings.HasPrefix(cmd, "kill "):
					ch.SendRequest("exit-signal", false, ssh.Marshal(struct {
						Signal     string
						CoreDumped bool
						Error      string
						Lang       string
					}{Signal: strings.TrimSpace(cmd[5:])}))
					ch.Close()
					return
				case strings.HasPrefix(cmd, "err "):
					io.WriteString(ch.Stderr(), cmd[4:])
				case strings.HasPrefix(cmd, "say "):
					io.WriteString(ch, cmd[4:]+"\r\n")
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func serveSFTP(ch ssh.Channel) {
	server, err := sftp.NewServer(ch)
	if err != nil {
		ch.Close()
		return
	}
	server.Serve()
	server.Close()
}

type directTCPIP struct {
	Host     string
	Port     uint32
	OrigHost string
	OrigPort uint32
}

func handleDirectTCPIP(newChan ssh.NewChannel) {
	var payload directTCPIP
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.DialTimeout("tcp", net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port))), 5*time.Second)
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newChan.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	pipe(ch, target)
}

type tcpipForward struct {
	Host string
	Port uint32
}

type forwardedTCPIP struct {
	Host     string
	Port     uint32
	OrigHost string
	OrigPort uint32
}

func (s *Server) handleGlobalRequests(conn *ssh.ServerConn, reqs <-chan *ssh.Request) {
	var listeners []net.Listener
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()
	for req := range reqs {
		switch req.Type {
		case "keepalive@openssh.com":
			reply(req, true)
		case "tcpip-forward":
			var fwd tcpipForward
			if err := ssh.Unmarshal(req.Payload, &fwd); err != nil {
				reply(req, false)
				continue
			}
			l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(fwd.Port))))
			if err != nil {
				reply(req, false)
				continue
			}
			listeners = append(listeners, l)
			port := uint32(l.Addr().(*net.TCPAddr).Port)
			if req.WantReply {
				req.Reply(true, ssh.Marshal(struct{ Port uint32 }{port}))
			}
			go acceptForwarded(conn, l, fwd.Host, port)
		case "cancel-tcpip-forward":
			reply(req, true)
		default:
			reply(req, false)
		}
	}
}

func acceptForwarded(conn *ssh.ServerConn, l net.Listener, host string, port uint32) {
	for {
		c, err := l.Accept()
		if err != nil {
			return
		}
		origin := c.RemoteAddr().(*net.TCPAddr)
		payload := ssh.Marshal(forwardedTCPIP{
			Host:     host,
			Port:     port,
			OrigHost: origin.IP.String(),
			OrigPort: uint32(origin.Port),
		})
		ch, reqs, err := conn.OpenChannel("forwarded-tcpip", payload)
		if err != nil {
			c.Close()
			continue
		}
		go ssh.DiscardRequests(reqs)
		go pipe(ch, c)
	}
}

func pipe(ch ssh.Channel, c net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(ch, c)
		ch.CloseWrite()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(c, ch)
		if tc, ok := c.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
	ch.Close()
	c.Close()
}
