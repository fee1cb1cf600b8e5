package sshtransport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyMismatchError means known_hosts holds a different key for the host.
type HostKeyMismatchError struct {
	Hostname     string
	ReceivedType string
	KnownHosts   string
	Want         []knownhosts.KnownKey
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s: server sent %s key", e.Hostname, e.ReceivedType)
}

// Suggestion returns remediation steps for the user.
func (e *HostKeyMismatchError) Suggestion() string {
	host := e.Hostname
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	var wantTypes []string
	for _, k := range e.Want {
		wantTypes = append(wantTypes, k.Key.Type())
	}
	wantStr := "unknown"
	if len(wantTypes) > 0 {
		wantStr = strings.Join(wantTypes, ", ")
	}
	return fmt.Sprintf("known types: %s, server sent: %s; if the host was reinstalled remove the old entry with: ssh-keygen -R %s -f %s",
		wantStr, e.ReceivedType, host, e.KnownHosts)
}

// UnknownHostError means the host has no known_hosts entry and new keys are
// not accepted automatically.
type UnknownHostError struct {
	Hostname    string
	Fingerprint string
}

func (e *UnknownHostError) Error() string {
	return fmt.Sprintf("host %s is not in known_hosts (key %s)", e.Hostname, e.Fingerprint)
}

// HostKeyPolicy decides whether a server host key is trusted.
type HostKeyPolicy struct {
	KnownHostsPath string
	// Strict enables known_hosts verification. When false any key is
	// accepted.
	Strict bool
	// AcceptNew records keys of unknown hosts instead of refusing them.
	AcceptNew bool
}

// Callback builds the ssh.HostKeyCallback for the policy.
func (p HostKeyPolicy) Callback() (ssh.HostKeyCallback, error) {
	if !p.Strict {
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			log.Printf("[transport] WARNING: host key checking disabled, accepting %s key for %s", key.Type(), hostname)
			return nil
		}, nil
	}
	if p.KnownHostsPath == "" {
		return nil, errors.New("host key policy: known_hosts path is required")
	}

	if _, err := os.Stat(p.KnownHostsPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(p.KnownHostsPath), 0700); err != nil {
			return nil, fmt.Errorf("create known_hosts directory: %w", err)
		}
		if err := os.WriteFile(p.KnownHostsPath, nil, 0600); err != nil {
			return nil, fmt.Errorf("create known_hosts: %w", err)
		}
	}

	check, err := knownhosts.New(p.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}

	var (
		mu       sync.Mutex
		accepted = make(map[string]string)
	)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return &HostKeyMismatchError{
				Hostname:     hostname,
				ReceivedType: key.Type(),
				KnownHosts:   p.KnownHostsPath,
				Want:         keyErr.Want,
			}
		}

		fp := ssh.FingerprintSHA256(key)
		host := knownhosts.Normalize(hostname)

		mu.Lock()
		defer mu.Unlock()
		if prev, ok := accepted[host]; ok {
			if prev == fp {
				return nil
			}
			return &HostKeyMismatchError{Hostname: hostname, ReceivedType: key.Type(), KnownHosts: p.KnownHostsPath}
		}
		if !p.AcceptNew {
			return &UnknownHostError{Hostname: hostname, Fingerprint: fp}
		}
		if err := appendKnownHost(p.KnownHostsPath, host, key); err != nil {
			return fmt.Errorf("record host key: %w", err)
		}
		accepted[host] = fp
		log.Printf("[transport] added %s key %s for %s to %s", key.Type(), fp, host, p.KnownHostsPath)
		return nil
	}, nil
}

func appendKnownHost(path, host string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, knownhosts.Line([]string{host}, key))
	return err
}
