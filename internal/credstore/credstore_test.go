package credstore

import (
	"errors"
	"strings"
	"testing"
)

func TestVault_PutSecret(t *testing.T) {
	v, err := NewVault(nil)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	if err := v.Put("prod/alice", "hunter2"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := v.Secret("prod/alice")
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("Secret = %q", got)
	}

	v.mu.RLock()
	stored := v.entries["prod/alice"]
	v.mu.RUnlock()
	if strings.Contains(stored, "hunter2") {
		t.Error("vault holds plaintext")
	}
}

func TestVault_MissingAndDelete(t *testing.T) {
	v, _ := NewVault(nil)
	if _, err := v.Secret("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	v.Put("a", "1")
	v.Put("b", "2")
	v.Delete("a")
	if v.Has("a") || !v.Has("b") {
		t.Error("Delete removed the wrong entry")
	}
	if refs := v.Refs(); len(refs) != 1 || refs[0] != "b" {
		t.Errorf("Refs = %v", refs)
	}
	if err := v.Put("", "x"); err == nil {
		t.Error("empty reference should be rejected")
	}
}

func TestEnv_Secret(t *testing.T) {
	t.Setenv("KORTTY_SECRET_PROD_ALICE", "pw")
	e := Env{Prefix: "KORTTY_SECRET_"}
	got, err := e.Secret("prod/alice")
	if err != nil || got != "pw" {
		t.Errorf("Secret = %q, %v", got, err)
	}
	if _, err := e.Secret("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestChain_FirstHitWins(t *testing.T) {
	v, _ := NewVault(nil)
	v.Put("ref", "from-vault")
	c := Chain{nil, v, ProviderFunc(func(string) (string, error) { return "from-func", nil })}

	got, err := c.Secret("ref")
	if err != nil || got != "from-vault" {
		t.Errorf("Secret = %q, %v", got, err)
	}
	got, err = c.Secret("other")
	if err != nil || got != "from-func" {
		t.Errorf("fallback Secret = %q, %v", got, err)
	}

	failing := Chain{ProviderFunc(func(string) (string, error) { return "", errors.New("locked") })}
	if _, err := failing.Secret("x"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("hard errors must stop the chain, got %v", err)
	}
}
