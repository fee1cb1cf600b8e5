package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath       string `envconfig:"DATA_PATH" default:"~/.kortty"`
	LogPath        string `envconfig:"LOG_PATH" default:""`
	DatabasePath   string `envconfig:"DATABASE_PATH" default:""`
	ProfilesPath   string `envconfig:"PROFILES_PATH" default:""`
	KnownHostsPath string `envconfig:"KNOWN_HOSTS" default:"~/.ssh/known_hosts"`
	SSHConfigPath  string `envconfig:"SSH_CONFIG" default:"~/.ssh/config"`

	StrictHostKeyChecking bool `envconfig:"STRICT_HOST_KEY_CHECKING" default:"true"`
	AcceptNewHostKeys     bool `envconfig:"ACCEPT_NEW_HOST_KEYS" default:"false"`

	// Connection settings, overridden per profile where the profile sets them
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	ReconnectRetries  int           `envconfig:"RECONNECT_RETRIES" default:"4"`
	AutoReconnect     bool          `envconfig:"AUTO_RECONNECT" default:"false"`

	// Terminal settings
	TermType         string        `envconfig:"TERM_TYPE" default:"xterm-256color"`
	ScrollbackBytes  int           `envconfig:"SCROLLBACK_BYTES" default:"1048576"`
	TerminalLogDir   string        `envconfig:"TERMINAL_LOG_DIR" default:""`
	TerminalLogMaxMB int           `envconfig:"TERMINAL_LOG_MAX_MB" default:"10"`
	IdleTimeout      time.Duration `envconfig:"IDLE_TIMEOUT" default:"0"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	// MonitorAddr enables the local status endpoint when set, e.g. 127.0.0.1:7722.
	MonitorAddr string `envconfig:"MONITOR_ADDR" default:""`

	// VaultKey is a base64 fernet key for the in-memory credential vault.
	// A fresh key is generated per process when empty.
	VaultKey string `envconfig:"VAULT_KEY" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("KORTTY", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg.DataPath = ExpandHome(Cfg.DataPath)
	Cfg.KnownHostsPath = ExpandHome(Cfg.KnownHostsPath)
	Cfg.SSHConfigPath = ExpandHome(Cfg.SSHConfigPath)
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "kortty.log")
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "kortty.db")
	}
	if Cfg.ProfilesPath == "" {
		Cfg.ProfilesPath = filepath.Join(Cfg.DataPath, "profiles.yaml")
	}
	if Cfg.TerminalLogDir == "" {
		Cfg.TerminalLogDir = filepath.Join(Cfg.DataPath, "logs")
	}
}

// ExpandHome replaces a leading "~" with the current user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
