package sshtransport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chardonnay/korTTY/internal/errs"
	"github.com/chardonnay/korTTY/internal/sshtest"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func dialWithPolicy(t *testing.T, srv *sshtest.Server, policy HostKeyPolicy) (*Transport, error) {
	t.Helper()
	cb, err := policy.Callback()
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	tr, err := NewDialer(Options{Secrets: testVault(t), HostKeyCallback: cb}).Open(context.Background(), testProfile(srv, "alice"))
	if tr != nil {
		t.Cleanup(func() { tr.Close() })
	}
	return tr, err
}

func TestHostKeyPolicy_UnknownHostRejected(t *testing.T) {
	srv := newTestServer(t)
	path := filepath.Join(t.TempDir(), ".ssh", "known_hosts")

	_, err := dialWithPolicy(t, srv, HostKeyPolicy{KnownHostsPath: path, Strict: true})
	var unknown *UnknownHostError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownHostError, got %v", err)
	}
	if errs.KindOf(err) != errs.KindNetwork {
		t.Errorf("KindOf = %s", errs.KindOf(err))
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Errorf("known_hosts not created: %v", statErr)
	}
}

func TestHostKeyPolicy_AcceptNewRecordsKey(t *testing.T) {
	srv := newTestServer(t)
	path := filepath.Join(t.TempDir(), "known_hosts")
	policy := HostKeyPolicy{KnownHostsPath: path, Strict: true, AcceptNew: true}

	if _, err := dialWithPolicy(t, srv, policy); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), strings.TrimSpace(string(ssh.MarshalAuthorizedKey(srv.HostKey)))) {
		t.Errorf("known_hosts missing host key: %q", data)
	}

	// A fresh policy reads the recorded entry from disk.
	if _, err := dialWithPolicy(t, srv, HostKeyPolicy{KnownHostsPath: path, Strict: true}); err != nil {
		t.Fatalf("second connect: %v", err)
	}
}

func TestHostKeyPolicy_Mismatch(t *testing.T) {
	srv := newTestServer(t)
	path := filepath.Join(t.TempDir(), "known_hosts")

	other := sshtest.NewSigner(t).PublicKey()
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.Addr)}, other)
	if err := os.WriteFile(path, []byte(line+"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := dialWithPolicy(t, srv, HostKeyPolicy{KnownHostsPath: path, Strict: true, AcceptNew: true})
	var mismatch *HostKeyMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected HostKeyMismatchError, got %v", err)
	}
	if !strings.Contains(mismatch.Suggestion(), "ssh-keygen -R") {
		t.Errorf("Suggestion = %q", mismatch.Suggestion())
	}
}

func TestHostKeyPolicy_NotStrict(t *testing.T) {
	srv := newTestServer(t)
	if _, err := dialWithPolicy(t, srv, HostKeyPolicy{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
}
