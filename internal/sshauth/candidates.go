package sshauth

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/chardonnay/korTTY/internal/credstore"
	"github.com/chardonnay/korTTY/internal/logutil"
	"github.com/chardonnay/korTTY/internal/profile"
	"github.com/chardonnay/korTTY/internal/sshkeys"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentDialer opens a connection to an ssh-agent. Overridable for tests.
var AgentDialer = func() (net.Conn, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}
	return net.Dial("unix", socket)
}

// BuildCandidates turns profile credentials into candidates, resolving
// secrets through secrets on demand. Password-type credentials come first,
// then key credentials, each group in the user's order. The returned
// cleanup closes any agent connection and must be called after the
// handshake.
func BuildCandidates(creds []profile.Credential, secrets credstore.Provider) ([]Candidate, func()) {
	var (
		passwords []Candidate
		keys      []Candidate
		closers   []func()
	)

	for _, cred := range creds {
		label := cred.Name()
		switch cred.Kind {
		case profile.CredPassword, profile.CredKeyboardInteractive:
			method := MethodPassword
			if cred.Kind == profile.CredKeyboardInteractive {
				method = MethodKeyboardInteractive
			}
			secret, err := lookup(secrets, cred.SecretRef)
			if err != nil {
				log.Printf("[auth] credential %s unavailable: %v", logutil.SanitizeForLog(label), err)
				passwords = append(passwords, Skipped(label, method, ReasonUnavailable, err))
				continue
			}
			if method == MethodPassword {
				passwords = append(passwords, Password(label, secret))
			} else {
				passwords = append(passwords, KeyboardInteractive(label, secret))
			}

		case profile.CredPublicKey:
			keys = append(keys, keyCandidate(cred, secrets))

		case profile.CredAgent:
			cands, closeFn := agentCandidates(label)
			keys = append(keys, cands...)
			if closeFn != nil {
				closers = append(closers, closeFn)
			}
		}
	}

	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}
	return append(passwords, keys...), cleanup
}

func lookup(secrets credstore.Provider, ref string) (string, error) {
	if secrets == nil {
		return "", fmt.Errorf("%w: %s", credstore.ErrNotFound, ref)
	}
	return secrets.Secret(ref)
}

func keyCandidate(cred profile.Credential, secrets credstore.Provider) Candidate {
	label := cred.Name()
	passphrase := ""
	if cred.PassphraseRef != "" {
		p, err := lookup(secrets, cred.PassphraseRef)
		if err != nil && !errors.Is(err, credstore.ErrNotFound) {
			return Skipped(label, MethodPublicKey, ReasonUnavailable, err)
		}
		passphrase = p
	}
	signer, err := sshkeys.LoadSigner(cred.KeyPath, passphrase)
	switch {
	case errors.Is(err, sshkeys.ErrPassphraseRequired):
		log.Printf("[auth] key %s needs a passphrase", logutil.SanitizeForLog(label))
		return Skipped(label, MethodPublicKey, ReasonPassphraseRequired, err)
	case errors.Is(err, sshkeys.ErrBadPassphrase):
		log.Printf("[auth] key %s: passphrase rejected", logutil.SanitizeForLog(label))
		return Skipped(label, MethodPublicKey, ReasonBadPassphrase, err)
	case err != nil:
		log.Printf("[auth] key %s unusable: %v", logutil.SanitizeForLog(label), err)
		return Skipped(label, MethodPublicKey, ReasonUnavailable, err)
	}
	return PublicKey(label+" "+signer.PublicKey().Type(), signer)
}

func agentCandidates(label string) ([]Candidate, func()) {
	conn, err := AgentDialer()
	if err != nil {
		return []Candidate{Skipped(label, MethodPublicKey, ReasonUnavailable, err)}, nil
	}
	client := agent.NewClient(conn)
	keys, err := client.List()
	if err != nil {
		conn.Close()
		return []Candidate{Skipped(label, MethodPublicKey, ReasonUnavailable, err)}, nil
	}
	signers, err := client.Signers()
	if err != nil || len(signers) != len(keys) {
		conn.Close()
		if err == nil {
			err = errors.New("agent key list changed")
		}
		return []Candidate{Skipped(label, MethodPublicKey, ReasonUnavailable, err)}, nil
	}
	if len(signers) == 0 {
		conn.Close()
		return []Candidate{Skipped(label, MethodPublicKey, ReasonUnavailable, errors.New("agent holds no keys"))}, nil
	}
	cands := make([]Candidate, 0, len(signers))
	for i, s := range signers {
		cands = append(cands, PublicKey(agentLabel(keys[i], s), s))
	}
	return cands, func() { conn.Close() }
}

func agentLabel(key *agent.Key, s ssh.Signer) string {
	if key.Comment != "" {
		return "agent:" + key.Comment
	}
	return "agent:" + ssh.FingerprintSHA256(s.PublicKey())
}
