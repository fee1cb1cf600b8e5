// Package profile defines ConnectionProfile, the immutable description of
// where and how to connect, and loads profiles from YAML.
package profile

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CredentialKind names an authentication method a profile may offer.
type CredentialKind string

const (
	CredPassword            CredentialKind = "password"
	CredKeyboardInteractive CredentialKind = "keyboard-interactive"
	CredPublicKey           CredentialKind = "publickey"
	CredAgent               CredentialKind = "agent"
)

// Credential is one authentication candidate. Secrets are never stored on
// the profile; SecretRef and PassphraseRef name entries in the credential
// store.
type Credential struct {
	Kind          CredentialKind `yaml:"kind" json:"kind"`
	Label         string         `yaml:"label,omitempty" json:"label,omitempty"`
	SecretRef     string         `yaml:"secret_ref,omitempty" json:"secret_ref,omitempty"`
	KeyPath       string         `yaml:"key_path,omitempty" json:"key_path,omitempty"`
	PassphraseRef string         `yaml:"passphrase_ref,omitempty" json:"passphrase_ref,omitempty"`
}

// Name returns a label safe for logs and UI prompts.
func (c Credential) Name() string {
	if c.Label != "" {
		return c.Label
	}
	if c.KeyPath != "" {
		return string(c.Kind) + ":" + c.KeyPath
	}
	return string(c.Kind)
}

// TunnelType is the direction of a port forward.
type TunnelType string

const (
	TunnelLocal   TunnelType = "local"
	TunnelRemote  TunnelType = "remote"
	TunnelDynamic TunnelType = "dynamic"
)

type Tunnel struct {
	Enabled     bool       `yaml:"enabled" json:"enabled"`
	Type        TunnelType `yaml:"type" json:"type"`
	LocalHost   string     `yaml:"local_host,omitempty" json:"local_host,omitempty"`
	LocalPort   int        `yaml:"local_port" json:"local_port"`
	RemoteHost  string     `yaml:"remote_host,omitempty" json:"remote_host,omitempty"`
	RemotePort  int        `yaml:"remote_port" json:"remote_port"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
}

// JumpHost is an intermediate SSH server the target is reached through.
type JumpHost struct {
	Host        string       `yaml:"host" json:"host"`
	Port        int          `yaml:"port,omitempty" json:"port,omitempty"`
	Username    string       `yaml:"username" json:"username"`
	Credentials []Credential `yaml:"credentials" json:"credentials"`
}

func (j *JumpHost) Address() string {
	return net.JoinHostPort(j.Host, strconv.Itoa(portOrDefault(j.Port)))
}

// LogFormat selects the terminal log file format.
type LogFormat string

const (
	LogPlain     LogFormat = "plain"
	LogJSON      LogFormat = "json"
	LogXML       LogFormat = "xml"
	LogAsciicast LogFormat = "asciicast"
)

type TerminalLog struct {
	Enabled   bool      `yaml:"enabled" json:"enabled"`
	Format    LogFormat `yaml:"format,omitempty" json:"format,omitempty"`
	Path      string    `yaml:"path,omitempty" json:"path,omitempty"`
	MaxSizeMB int       `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty"`
}

const (
	DefaultPort     = 22
	DefaultTermType = "xterm-256color"
	DefaultCols     = 80
	DefaultRows     = 24
)

// Profile is a ConnectionProfile. Callers treat it as immutable once a
// session has started; the session manager keeps its own Clone.
type Profile struct {
	ID          string       `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string       `yaml:"name" json:"name"`
	Group       string       `yaml:"group,omitempty" json:"group,omitempty"`
	Host        string       `yaml:"host" json:"host"`
	Port        int          `yaml:"port,omitempty" json:"port,omitempty"`
	Username    string       `yaml:"username" json:"username"`
	Credentials []Credential `yaml:"credentials" json:"credentials"`

	TermType string `yaml:"term_type,omitempty" json:"term_type,omitempty"`
	Cols     int    `yaml:"cols,omitempty" json:"cols,omitempty"`
	Rows     int    `yaml:"rows,omitempty" json:"rows,omitempty"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval,omitempty" json:"keepalive_interval,omitempty"`
	RetryCount        int           `yaml:"retry_count,omitempty" json:"retry_count,omitempty"`

	Jump    *JumpHost   `yaml:"jump,omitempty" json:"jump,omitempty"`
	Tunnels []Tunnel    `yaml:"tunnels,omitempty" json:"tunnels,omitempty"`
	Log     TerminalLog `yaml:"log,omitempty" json:"log,omitempty"`
}

// Address returns host:port.
func (p *Profile) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(portOrDefault(p.Port)))
}

// DisplayName returns the profile name, falling back to user@host.
func (p *Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Username + "@" + p.Host
}

// ApplyDefaults fills unset terminal and port fields.
func (p *Profile) ApplyDefaults() {
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.TermType == "" {
		p.TermType = DefaultTermType
	}
	if p.Cols == 0 {
		p.Cols = DefaultCols
	}
	if p.Rows == 0 {
		p.Rows = DefaultRows
	}
	if p.Jump != nil && p.Jump.Port == 0 {
		p.Jump.Port = DefaultPort
	}
}

// Validate reports the first problem that would make the profile unusable.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return errors.New("profile: host is required")
	}
	if strings.TrimSpace(p.Username) == "" {
		return errors.New("profile: username is required")
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("profile: port %d out of range", p.Port)
	}
	if p.Cols < 0 || p.Rows < 0 {
		return fmt.Errorf("profile: negative terminal size %dx%d", p.Cols, p.Rows)
	}
	if len(p.Credentials) == 0 {
		return errors.New("profile: at least one credential is required")
	}
	if err := validateCredentials(p.Credentials); err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	if p.Jump != nil {
		if p.Jump.Host == "" || p.Jump.Username == "" {
			return errors.New("profile: jump host needs host and username")
		}
		if err := validateCredentials(p.Jump.Credentials); err != nil {
			return fmt.Errorf("profile: jump host: %w", err)
		}
	}
	for i, t := range p.Tunnels {
		if !t.Enabled {
			continue
		}
		switch t.Type {
		case TunnelLocal, TunnelRemote:
		case TunnelDynamic:
			return fmt.Errorf("profile: tunnel %d: dynamic forwarding is not supported", i)
		default:
			return fmt.Errorf("profile: tunnel %d: unknown type %q", i, t.Type)
		}
		if t.LocalPort < 0 || t.LocalPort > 65535 || t.RemotePort <= 0 || t.RemotePort > 65535 {
			return fmt.Errorf("profile: tunnel %d: invalid ports %d -> %d", i, t.LocalPort, t.RemotePort)
		}
	}
	return nil
}

func validateCredentials(creds []Credential) error {
	for i, c := range creds {
		switch c.Kind {
		case CredPassword, CredKeyboardInteractive:
			if c.SecretRef == "" {
				return fmt.Errorf("credential %d (%s): secret_ref is required", i, c.Kind)
			}
		case CredPublicKey:
			if c.KeyPath == "" {
				return fmt.Errorf("credential %d: key_path is required", i)
			}
		case CredAgent:
		default:
			return fmt.Errorf("credential %d: unknown kind %q", i, c.Kind)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Credentials = append([]Credential(nil), p.Credentials...)
	c.Tunnels = append([]Tunnel(nil), p.Tunnels...)
	if p.Jump != nil {
		j := *p.Jump
		j.Credentials = append([]Credential(nil), p.Jump.Credentials...)
		c.Jump = &j
	}
	return &c
}

func portOrDefault(port int) int {
	if port == 0 {
		return DefaultPort
	}
	return port
}

// File is the on-disk layout of a profiles file.
type File struct {
	Profiles []*Profile `yaml:"profiles"`
}

// Load reads profiles from a YAML file. Defaults are applied to every entry.
func Load(path string) ([]*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]*Profile, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	seen := make(map[string]bool)
	for i, p := range f.Profiles {
		if p == nil {
			return nil, fmt.Errorf("parse profiles: entry %d is empty", i)
		}
		p.ApplyDefaults()
		if p.Name != "" {
			if seen[p.Name] {
				return nil, fmt.Errorf("parse profiles: duplicate name %q", p.Name)
			}
			seen[p.Name] = true
		}
	}
	return f.Profiles, nil
}

// Find returns the profile with the given name or ID.
func Find(profiles []*Profile, nameOrID string) (*Profile, bool) {
	for _, p := range profiles {
		if p.Name == nameOrID || (p.ID != "" && p.ID == nameOrID) {
			return p, true
		}
	}
	return nil, false
}

// ParseTarget builds a bare profile from "user@host[:port]".
func ParseTarget(target string) (*Profile, error) {
	p := &Profile{}
	if at := strings.LastIndex(target, "@"); at != -1 {
		p.Username = target[:at]
		target = target[at+1:]
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		host = strings.Trim(target, "[]")
	} else {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("parse target: invalid port %q", port)
		}
		p.Port = n
	}
	if host == "" {
		return nil, fmt.Errorf("parse target: missing host in %q", target)
	}
	p.Host = host
	p.Name = target
	return p, nil
}
