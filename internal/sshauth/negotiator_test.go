package sshauth

import (
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/chardonnay/korTTY/internal/credstore"
	"github.com/chardonnay/korTTY/internal/profile"
	"github.com/chardonnay/korTTY/internal/sshtest"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

func dial(t *testing.T, srv *sshtest.Server, user string, n *Negotiator) error {
	t.Helper()
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            n.AuthMethods(),
		HostKeyCallback: ssh.FixedHostKey(srv.HostKey),
		Timeout:         5 * time.Second,
	}
	client, err := ssh.Dial("tcp", srv.Addr, cfg)
	if err == nil {
		client.Close()
	}
	return err
}

func TestNegotiator_BadPasswordThenKey(t *testing.T) {
	signer := sshtest.NewSigner(t)
	srv := sshtest.Start(t, sshtest.Options{
		Passwords:      map[string]string{"alice": "right"},
		AuthorizedKeys: []ssh.PublicKey{signer.PublicKey()},
	})

	n := New("alice", []Candidate{
		Password("password", "wrong"),
		PublicKey("id_ed25519", signer),
	})
	err := dial(t, srv, "alice", n)
	res, outErr := n.Outcome(err)
	if outErr != nil {
		t.Fatalf("Outcome: %v (handshake: %v)", outErr, err)
	}
	if res.Method != MethodPublicKey || res.Candidate != "id_ed25519" {
		t.Errorf("succeeded via %s/%s, want publickey/id_ed25519", res.Method, res.Candidate)
	}
	if res.AttemptedCount != 2 {
		t.Errorf("AttemptedCount = %d, want 2", res.AttemptedCount)
	}

	var pwAttempts int
	for _, a := range srv.Attempts() {
		if a.Method == "password" {
			pwAttempts++
			if a.Success {
				t.Error("password attempt reported as success")
			}
		}
	}
	if pwAttempts != 1 {
		t.Errorf("password tried %d times, want 1", pwAttempts)
	}
}

func TestNegotiator_WrongPasswordOnly(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Passwords: map[string]string{"alice": "right"}})

	n := New("alice", []Candidate{Password("password", "hunter2")})
	err := dial(t, srv, "alice", n)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if !IsAuthFailure(err) {
		t.Errorf("IsAuthFailure(%v) = false", err)
	}

	_, outErr := n.Outcome(err)
	var failed *AuthFailed
	if !errors.As(outErr, &failed) {
		t.Fatalf("expected *AuthFailed, got %v", outErr)
	}
	if failed.AttemptedCount != 1 || failed.Reason != ReasonWrongCredential {
		t.Errorf("failed = %+v", failed)
	}
	if strings.Contains(failed.Error(), "hunter2") {
		t.Error("secret leaked into error message")
	}
}

func TestIsAuthFailure_HandshakeWording(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Passwords: map[string]string{"alice": "right"}})
	keyOnly := sshtest.Start(t, sshtest.Options{AuthorizedKeys: []ssh.PublicKey{sshtest.NewSigner(t).PublicKey()}})

	tests := []struct {
		name  string
		srv   *sshtest.Server
		cands []Candidate
	}{
		{"wrong password", srv, []Candidate{Password("password", "wrong")}},
		{"method not offered", keyOnly, []Candidate{Password("password", "right")}},
		{"no candidates", srv, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dial(t, tt.srv, "alice", New("alice", tt.cands))
			if err == nil {
				t.Fatal("expected handshake failure")
			}
			// A failure here means x/crypto changed its wording and
			// IsAuthFailure needs new strings.
			msg := err.Error()
			if !strings.Contains(msg, unableToAuthenticate) || !strings.Contains(msg, noMethodsRemain) {
				t.Errorf("handshake error %q no longer carries the auth failure text", msg)
			}
			if !IsAuthFailure(err) {
				t.Errorf("IsAuthFailure(%v) = false", err)
			}
		})
	}

	badHost := &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.Password("right")},
		HostKeyCallback: ssh.FixedHostKey(keyOnly.HostKey),
		Timeout:         5 * time.Second,
	}
	_, err := ssh.Dial("tcp", srv.Addr, badHost)
	if err == nil {
		t.Fatal("expected host key failure")
	}
	if IsAuthFailure(err) {
		t.Errorf("IsAuthFailure(%v) = true for a host key mismatch", err)
	}
}

func TestNegotiator_SecondPasswordSucceeds(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Passwords: map[string]string{"alice": "right"}})

	n := New("alice", []Candidate{
		Password("old", "stale"),
		Password("current", "right"),
	})
	res, err := n.Outcome(dial(t, srv, "alice", n))
	if err != nil {
		t.Fatalf("Outcome: %v", err)
	}
	if res.Candidate != "current" || res.Method != MethodPassword || res.AttemptedCount != 2 {
		t.Errorf("res = %+v", res)
	}
}

func TestNegotiator_MethodRejected(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{AuthorizedKeys: []ssh.PublicKey{sshtest.NewSigner(t).PublicKey()}})

	n := New("alice", []Candidate{Password("password", "whatever")})
	_, err := n.Outcome(dial(t, srv, "alice", n))
	var failed *AuthFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected *AuthFailed, got %v", err)
	}
	if failed.Reason != ReasonMethodRejected || failed.AttemptedCount != 0 {
		t.Errorf("failed = %+v", failed)
	}
}

func TestNegotiator_KeyboardInteractive(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{
		Passwords:           map[string]string{"bob": "otp"},
		KeyboardInteractive: true,
		DisablePassword:     true,
	})

	n := New("bob", []Candidate{KeyboardInteractive("otp", "otp")})
	res, err := n.Outcome(dial(t, srv, "bob", n))
	if err != nil {
		t.Fatalf("Outcome: %v", err)
	}
	if res.Method != MethodKeyboardInteractive {
		t.Errorf("Method = %s", res.Method)
	}
}

func TestNegotiator_UnknownKeyThenPassword(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Passwords: map[string]string{"alice": "right"}})

	// Password candidates are listed first, so the password is used before
	// the (unknown) key is ever offered.
	n := New("alice", []Candidate{
		Password("password", "right"),
		PublicKey("stray", sshtest.NewSigner(t)),
	})
	res, err := n.Outcome(dial(t, srv, "alice", n))
	if err != nil {
		t.Fatalf("Outcome: %v", err)
	}
	if res.Method != MethodPassword || res.AttemptedCount != 1 {
		t.Errorf("res = %+v", res)
	}
}

func TestBuildCandidates_OrderAndPassphrase(t *testing.T) {
	lockedPath, _ := sshtest.WriteKey(t, "secret phrase")
	openPath, _ := sshtest.WriteKey(t, "")

	vault, err := credstore.NewVault(nil)
	if err != nil {
		t.Fatal(err)
	}
	vault.Put("pw", "pass")

	creds := []profile.Credential{
		{Kind: profile.CredPublicKey, Label: "locked", KeyPath: lockedPath},
		{Kind: profile.CredPublicKey, Label: "open", KeyPath: openPath},
		{Kind: profile.CredPassword, Label: "pw", SecretRef: "pw"},
		{Kind: profile.CredPassword, Label: "missing", SecretRef: "nope"},
	}
	cands, cleanup := BuildCandidates(creds, vault)
	defer cleanup()

	if len(cands) != 4 {
		t.Fatalf("got %d candidates", len(cands))
	}
	if cands[0].Label != "pw" || cands[0].Method != MethodPassword || !cands[0].Usable() {
		t.Errorf("cands[0] = %v", cands[0])
	}
	if cands[1].Label != "missing" || cands[1].SkipReason() != ReasonUnavailable {
		t.Errorf("cands[1] = %v reason=%s", cands[1], cands[1].SkipReason())
	}
	if cands[2].Label != "locked" || cands[2].SkipReason() != ReasonPassphraseRequired {
		t.Errorf("cands[2] = %v reason=%s", cands[2], cands[2].SkipReason())
	}
	if !strings.HasPrefix(cands[3].Label, "open") || !cands[3].Usable() {
		t.Errorf("cands[3] = %v", cands[3])
	}
}

func TestBuildCandidates_PassphraseFromStore(t *testing.T) {
	path, pub := sshtest.WriteKey(t, "secret phrase")
	vault, _ := credstore.NewVault(nil)
	vault.Put("kp", "secret phrase")

	srv := sshtest.Start(t, sshtest.Options{AuthorizedKeys: []ssh.PublicKey{pub}})
	cands, cleanup := BuildCandidates([]profile.Credential{
		{Kind: profile.CredPublicKey, KeyPath: path, PassphraseRef: "kp"},
	}, vault)
	defer cleanup()

	n := New("alice", cands)
	if _, err := n.Outcome(dial(t, srv, "alice", n)); err != nil {
		t.Fatalf("Outcome: %v", err)
	}
}

func TestOutcome_OnlyLockedKeys(t *testing.T) {
	path, pub := sshtest.WriteKey(t, "secret phrase")
	srv := sshtest.Start(t, sshtest.Options{AuthorizedKeys: []ssh.PublicKey{pub}})

	cands, cleanup := BuildCandidates([]profile.Credential{{Kind: profile.CredPublicKey, KeyPath: path}}, nil)
	defer cleanup()

	n := New("alice", cands)
	if len(n.AuthMethods()) != 0 {
		t.Fatal("locked key must not be offered")
	}
	_, err := n.Outcome(dial(t, srv, "alice", n))
	var failed *AuthFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected *AuthFailed, got %v", err)
	}
	if failed.Reason != ReasonPassphraseRequired || failed.AttemptedCount != 0 {
		t.Errorf("failed = %+v", failed)
	}
}

func TestBuildCandidates_Agent(t *testing.T) {
	keyPath, pub := sshtest.WriteKey(t, "")
	data, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	keyring := agent.NewKeyring()
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := keyring.Add(agent.AddedKey{PrivateKey: raw, Comment: "laptop"}); err != nil {
		t.Fatal(err)
	}

	orig := AgentDialer
	AgentDialer = func() (net.Conn, error) {
		c1, c2 := net.Pipe()
		go agent.ServeAgent(keyring, c2)
		return c1, nil
	}
	t.Cleanup(func() { AgentDialer = orig })

	srv := sshtest.Start(t, sshtest.Options{AuthorizedKeys: []ssh.PublicKey{pub}})
	cands, cleanup := BuildCandidates([]profile.Credential{{Kind: profile.CredAgent}}, nil)
	defer cleanup()

	if len(cands) != 1 || cands[0].Label != "agent:laptop" {
		t.Fatalf("cands = %v", cands)
	}
	n := New("alice", cands)
	res, err := n.Outcome(dial(t, srv, "alice", n))
	if err != nil {
		t.Fatalf("Outcome: %v", err)
	}
	if res.Candidate != "agent:laptop" {
		t.Errorf("Candidate = %q", res.Candidate)
	}
}

func TestBuildCandidates_AgentUnavailable(t *testing.T) {
	orig := AgentDialer
	AgentDialer = func() (net.Conn, error) { return nil, errors.New("no agent") }
	t.Cleanup(func() { AgentDialer = orig })

	cands, cleanup := BuildCandidates([]profile.Credential{{Kind: profile.CredAgent}}, nil)
	defer cleanup()
	if len(cands) != 1 || cands[0].Usable() {
		t.Errorf("cands = %v", cands)
	}
}

func TestCandidate_StringHasNoSecret(t *testing.T) {
	c := Password("prod", "hunter2")
	if strings.Contains(c.String(), "hunter2") {
		t.Errorf("String() leaks secret: %q", c.String())
	}
}
