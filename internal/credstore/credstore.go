// Package credstore supplies secret material to the auth negotiator on
// demand. Secrets are never written to disk by this package; the Vault keeps
// them fernet-encrypted in memory and decrypts one only when asked.
package credstore

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/chardonnay/korTTY/internal/crypto"
	"github.com/fernet/fernet-go"
)

var ErrNotFound = errors.New("credential not found")

// Provider resolves a secret reference (as stored on a profile) to its value.
type Provider interface {
	Secret(ref string) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ref string) (string, error)

func (f ProviderFunc) Secret(ref string) (string, error) { return f(ref) }

// Vault is an in-memory Provider whose entries are encrypted with a
// process-local fernet key.
type Vault struct {
	mu      sync.RWMutex
	key     *fernet.Key
	entries map[string]string
}

// NewVault creates a vault using key. A nil key generates a fresh one.
func NewVault(key *fernet.Key) (*Vault, error) {
	if key == nil {
		k, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		key = k
	}
	return &Vault{key: key, entries: make(map[string]string)}, nil
}

// Put stores secret under ref, replacing any previous value.
func (v *Vault) Put(ref, secret string) error {
	if ref == "" {
		return fmt.Errorf("put credential: empty reference")
	}
	tok, err := crypto.Encrypt(v.key, secret)
	if err != nil {
		return fmt.Errorf("put credential %q: %w", ref, err)
	}
	v.mu.Lock()
	v.entries[ref] = tok
	v.mu.Unlock()
	return nil
}

func (v *Vault) Secret(ref string) (string, error) {
	v.mu.RLock()
	tok, ok := v.entries[ref]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	secret, err := crypto.Decrypt(v.key, tok)
	if err != nil {
		return "", fmt.Errorf("read credential %q: %w", ref, err)
	}
	return secret, nil
}

func (v *Vault) Has(ref string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.entries[ref]
	return ok
}

func (v *Vault) Delete(ref string) {
	v.mu.Lock()
	delete(v.entries, ref)
	v.mu.Unlock()
}

// Refs lists stored references in sorted order.
func (v *Vault) Refs() []string {
	v.mu.RLock()
	refs := make([]string, 0, len(v.entries))
	for ref := range v.entries {
		refs = append(refs, ref)
	}
	v.mu.RUnlock()
	sort.Strings(refs)
	return refs
}

// Env resolves references from environment variables named
// <prefix><REF>, with the reference upper-cased and non-alphanumerics
// mapped to underscores.
type Env struct {
	Prefix string
}

func (e Env) Secret(ref string) (string, error) {
	name := e.Prefix + envName(ref)
	if v, ok := os.LookupEnv(name); ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
}

func envName(ref string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(ref) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Chain tries each provider in order and returns the first hit.
type Chain []Provider

func (c Chain) Secret(ref string) (string, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		s, err := p.Secret(ref)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
}
