package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrPassphraseRequired is returned for an encrypted key loaded without
	// a passphrase.
	ErrPassphraseRequired = errors.New("private key is encrypted: passphrase required")
	// ErrBadPassphrase is returned when the passphrase does not decrypt the key.
	ErrBadPassphrase = errors.New("private key passphrase is incorrect")
)

// GenerateKeyPair generates an ED25519 key pair and returns the PEM-encoded
// private key and OpenSSH-format public key. A non-empty passphrase
// produces an encrypted OpenSSH private key.
func GenerateKeyPair(comment, passphrase string) (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, comment, []byte(passphrase))
		if err != nil {
			return nil, nil, fmt.Errorf("marshal encrypted private key: %w", err)
		}
	} else {
		privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal private key: %w", err)
		}
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}
	}
	privateKeyPEM = pem.EncodeToMemory(block)

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)
	if comment != "" {
		publicKey = []byte(strings.TrimSpace(string(publicKey)) + " " + comment + "\n")
	}
	return publicKey, privateKeyPEM, nil
}

// SaveKeyPair writes privateKey to path and publicKey to path + ".pub".
func SaveKeyPair(path string, privateKey, publicKey []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("write private key: %s already exists", path)
	}
	if err := os.WriteFile(path, privateKey, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(path+".pub", publicKey, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	log.Printf("[sshkeys] key pair saved to %s", path)
	return nil
}

// LoadSigner reads the private key at path.
func LoadSigner(path, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ParsePrivateKey(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return signer, nil
}

// ParsePrivateKey parses a PEM-encoded private key into an ssh.Signer.
func ParsePrivateKey(privateKeyPEM []byte, passphrase string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(privateKeyPEM, []byte(passphrase))
	if err != nil {
		if errors.Is(err, x509.IncorrectPasswordError) || strings.Contains(err.Error(), "decryption password incorrect") {
			return nil, ErrBadPassphrase
		}
		return nil, fmt.Errorf("parse encrypted private key: %w", err)
	}
	return signer, nil
}

// Fingerprint returns the SHA256 fingerprint of a public key in the
// "SHA256:..." form printed by ssh-keygen.
func Fingerprint(pub ssh.PublicKey) string {
	return ssh.FingerprintSHA256(pub)
}

// ParseAuthorizedKey parses one authorized_keys line.
func ParseAuthorizedKey(line []byte) (ssh.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey(line)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}
