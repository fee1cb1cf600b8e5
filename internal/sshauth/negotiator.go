// Package sshauth negotiates user authentication for an SSH handshake.
//
// A Negotiator holds an ordered list of credential candidates and exposes
// them to golang.org/x/crypto/ssh as auth methods. Each candidate is offered
// to the server at most once. After the handshake, Outcome reports which
// candidate succeeded, or an *AuthFailed explaining why none did.
package sshauth

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/chardonnay/korTTY/internal/logutil"
	"golang.org/x/crypto/ssh"
)

// Method is an SSH user-auth method name.
type Method string

const (
	MethodNone                Method = "none"
	MethodPassword            Method = "password"
	MethodKeyboardInteractive Method = "keyboard-interactive"
	MethodPublicKey           Method = "publickey"
)

// FailureReason tells the UI what to prompt for after a failed handshake.
type FailureReason string

const (
	// ReasonWrongCredential: at least one candidate reached the server and
	// was refused.
	ReasonWrongCredential FailureReason = "wrong_credential"
	// ReasonMethodRejected: the server accepts none of the methods the
	// candidates use.
	ReasonMethodRejected FailureReason = "method_rejected"
	// ReasonPassphraseRequired: the only usable keys are encrypted and no
	// passphrase was available.
	ReasonPassphraseRequired FailureReason = "passphrase_required"
	// ReasonBadPassphrase: a key passphrase did not decrypt the key.
	ReasonBadPassphrase FailureReason = "bad_passphrase"
	// ReasonUnavailable: secret material could not be obtained.
	ReasonUnavailable FailureReason = "unavailable"
	// ReasonNoCandidates: nothing to try.
	ReasonNoCandidates FailureReason = "no_candidates"
)

// Candidate is one credential to try. Secret material stays unexported and
// never appears in String or in errors.
type Candidate struct {
	Label  string
	Method Method

	password string
	signer   ssh.Signer

	skipReason FailureReason
	skipErr    error
}

func Password(label, password string) Candidate {
	return Candidate{Label: label, Method: MethodPassword, password: password}
}

func KeyboardInteractive(label, password string) Candidate {
	return Candidate{Label: label, Method: MethodKeyboardInteractive, password: password}
}

func PublicKey(label string, signer ssh.Signer) Candidate {
	return Candidate{Label: label, Method: MethodPublicKey, signer: signer}
}

// Skipped records a candidate that could not be prepared, e.g. an encrypted
// key without passphrase. It is never offered to the server.
func Skipped(label string, method Method, reason FailureReason, err error) Candidate {
	return Candidate{Label: label, Method: method, skipReason: reason, skipErr: err}
}

// Usable reports whether the candidate can be offered to a server.
func (c Candidate) Usable() bool { return c.skipReason == "" }

// SkipReason is empty for usable candidates.
func (c Candidate) SkipReason() FailureReason { return c.skipReason }

func (c Candidate) String() string {
	return fmt.Sprintf("%s (%s)", c.Label, c.Method)
}

// Result describes a successful negotiation.
type Result struct {
	Candidate      string `json:"candidate"`
	Method         Method `json:"method"`
	AttemptedCount int    `json:"attempted_count"`
}

// AuthFailed is returned when every candidate has been exhausted.
type AuthFailed struct {
	AttemptedCount int
	Reason         FailureReason
	Attempted      []string
	Skipped        []string
}

func (e *AuthFailed) Error() string {
	msg := fmt.Sprintf("authentication failed (%s): %d credential(s) attempted", e.Reason, e.AttemptedCount)
	if len(e.Attempted) > 0 {
		msg += " [" + strings.Join(e.Attempted, ", ") + "]"
	}
	if len(e.Skipped) > 0 {
		msg += ", skipped [" + strings.Join(e.Skipped, ", ") + "]"
	}
	return msg
}

func (e *AuthFailed) AuthAttempts() int { return e.AttemptedCount }

func (e *AuthFailed) AuthReason() string { return string(e.Reason) }

// Negotiator drives one handshake. It is not reusable across handshakes.
type Negotiator struct {
	user       string
	candidates []Candidate

	mu        sync.Mutex
	attempted []int
	seen      map[int]bool
	last      int
	nextPass  int
	nextKbd   int
}

// New creates a negotiator for user over candidates in the given order.
func New(user string, candidates []Candidate) *Negotiator {
	return &Negotiator{
		user:       user,
		candidates: candidates,
		seen:       make(map[int]bool),
		last:       -1,
	}
}

// Candidates returns the candidate list.
func (n *Negotiator) Candidates() []Candidate {
	return append([]Candidate(nil), n.candidates...)
}

// AuthMethods returns ssh auth methods covering every usable candidate.
// Methods appear in the order their first candidate appears, which is the
// order the ssh client offers them in.
func (n *Negotiator) AuthMethods() []ssh.AuthMethod {
	var (
		methods  []ssh.AuthMethod
		added    = make(map[Method]bool)
		counts   = make(map[Method]int)
		keyIdxes []int
	)
	for i, c := range n.candidates {
		if c.Usable() {
			counts[c.Method]++
			if c.Method == MethodPublicKey {
				keyIdxes = append(keyIdxes, i)
			}
		}
	}
	for _, c := range n.candidates {
		if !c.Usable() || added[c.Method] {
			continue
		}
		added[c.Method] = true
		switch c.Method {
		case MethodPassword:
			methods = append(methods, ssh.RetryableAuthMethod(ssh.PasswordCallback(n.nextPassword), counts[MethodPassword]))
		case MethodKeyboardInteractive:
			methods = append(methods, ssh.RetryableAuthMethod(ssh.KeyboardInteractive(n.challenge), counts[MethodKeyboardInteractive]))
		case MethodPublicKey:
			signers := make([]ssh.Signer, 0, len(keyIdxes))
			for _, idx := range keyIdxes {
				signers = append(signers, &recordingSigner{Signer: n.candidates[idx].signer, n: n, idx: idx})
			}
			methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
				return signers, nil
			}))
		}
	}
	return methods
}

// markAttempt records that candidate idx was offered to the server. When
// final is true the candidate has produced its proof (password sent,
// signature made) and becomes the success candidate if the server accepts.
func (n *Negotiator) markAttempt(idx int, final bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.seen[idx] {
		n.seen[idx] = true
		n.attempted = append(n.attempted, idx)
		c := n.candidates[idx]
		log.Printf("[auth] trying %s for user %s", logutil.SanitizeForLog(c.String()), logutil.SanitizeForLog(n.user))
	}
	if final {
		n.last = idx
	}
}

// nextOf returns the index of the next usable candidate of method m after
// position *cursor, advancing the cursor.
func (n *Negotiator) nextOf(m Method, cursor *int) (int, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ; *cursor < len(n.candidates); *cursor++ {
		c := n.candidates[*cursor]
		if c.Method == m && c.Usable() {
			idx := *cursor
			*cursor++
			return idx, true
		}
	}
	return 0, false
}

func (n *Negotiator) nextPassword() (string, error) {
	idx, ok := n.nextOf(MethodPassword, &n.nextPass)
	if !ok {
		return "", fmt.Errorf("no password candidates left")
	}
	n.markAttempt(idx, true)
	return n.candidates[idx].password, nil
}

func (n *Negotiator) challenge(name, instruction string, questions []string, echos []bool) ([]string, error) {
	if len(questions) == 0 {
		return nil, nil
	}
	idx, ok := n.nextOf(MethodKeyboardInteractive, &n.nextKbd)
	if !ok {
		return nil, fmt.Errorf("no keyboard-interactive candidates left")
	}
	n.markAttempt(idx, true)
	answers := make([]string, len(questions))
	for i := range answers {
		answers[i] = n.candidates[idx].password
	}
	return answers, nil
}

// AttemptedCount returns how many distinct candidates reached the server.
func (n *Negotiator) AttemptedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.attempted)
}

// Outcome interprets the handshake result. handshakeErr must be nil or an
// authentication failure; other handshake errors belong to the transport.
func (n *Negotiator) Outcome(handshakeErr error) (Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if handshakeErr == nil {
		if n.last < 0 {
			return Result{Candidate: "none", Method: MethodNone, AttemptedCount: len(n.attempted)}, nil
		}
		c := n.candidates[n.last]
		log.Printf("[auth] authenticated user %s with %s", logutil.SanitizeForLog(n.user), logutil.SanitizeForLog(c.String()))
		return Result{Candidate: c.Label, Method: c.Method, AttemptedCount: len(n.attempted)}, nil
	}

	fail := &AuthFailed{AttemptedCount: len(n.attempted)}
	for _, idx := range n.attempted {
		fail.Attempted = append(fail.Attempted, n.candidates[idx].String())
	}
	usable := 0
	skipReason := FailureReason("")
	for _, c := range n.candidates {
		if c.Usable() {
			usable++
			continue
		}
		fail.Skipped = append(fail.Skipped, c.String())
		if skipReason == "" || c.skipReason == ReasonPassphraseRequired {
			skipReason = c.skipReason
		}
	}

	switch {
	case len(n.attempted) > 0:
		fail.Reason = ReasonWrongCredential
	case usable == 0 && skipReason != "":
		fail.Reason = skipReason
	case usable == 0:
		fail.Reason = ReasonNoCandidates
	default:
		fail.Reason = ReasonMethodRejected
	}
	log.Printf("[auth] user %s: %s", logutil.SanitizeForLog(n.user), fail.Error())
	return Result{}, fail
}

// x/crypto/ssh reports exhausted auth methods only as text:
// "ssh: unable to authenticate, attempted methods [...], no supported
// methods remain". TestIsAuthFailure_HandshakeWording pins it.
const (
	unableToAuthenticate = "unable to authenticate"
	noMethodsRemain      = "no supported methods remain"
)

// IsAuthFailure reports whether a handshake error came from user
// authentication rather than the network or key exchange.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, unableToAuthenticate) ||
		strings.Contains(msg, noMethodsRemain)
}

// recordingSigner reports key use back to the negotiator. It implements
// ssh.AlgorithmSigner so RSA keys keep their SHA-2 signature algorithms.
type recordingSigner struct {
	ssh.Signer
	n   *Negotiator
	idx int
}

func (s *recordingSigner) PublicKey() ssh.PublicKey {
	s.n.markAttempt(s.idx, false)
	return s.Signer.PublicKey()
}

func (s *recordingSigner) Sign(rand io.Reader, data []byte) (*ssh.Signature, error) {
	s.n.markAttempt(s.idx, true)
	return s.Signer.Sign(rand, data)
}

func (s *recordingSigner) SignWithAlgorithm(rand io.Reader, data []byte, algorithm string) (*ssh.Signature, error) {
	s.n.markAttempt(s.idx, true)
	if as, ok := s.Signer.(ssh.AlgorithmSigner); ok {
		return as.SignWithAlgorithm(rand, data, algorithm)
	}
	if algorithm != "" && algorithm != s.Signer.PublicKey().Type() {
		return nil, fmt.Errorf("signer does not support algorithm %s", algorithm)
	}
	return s.Signer.Sign(rand, data)
}
