package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/chardonnay/korTTY/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// NewSigner returns a fresh ED25519 signer.
func NewSigner(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

// WriteKey generates an ED25519 key pair, writes the private key under a
// temp dir and returns its path and public key. A non-empty passphrase
// encrypts the file.
func WriteKey(t testing.TB, passphrase string) (string, ssh.PublicKey) {
	t.Helper()
	pubBytes, privPEM, err := sshkeys.GenerateKeyPair("test", passphrase)
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	pub, err := sshkeys.ParseAuthorizedKey(pubBytes)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, privPEM, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path, pub
}
