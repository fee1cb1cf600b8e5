package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KORTTY_DATA_PATH", dir)

	Load()

	if Cfg.ConnectTimeout != 15*time.Second {
		t.Errorf("ConnectTimeout = %v, want 15s", Cfg.ConnectTimeout)
	}
	if Cfg.ReconnectRetries != 4 {
		t.Errorf("ReconnectRetries = %d, want 4", Cfg.ReconnectRetries)
	}
	if Cfg.TermType != "xterm-256color" {
		t.Errorf("TermType = %q", Cfg.TermType)
	}
	if Cfg.LogPath != filepath.Join(dir, "kortty.log") {
		t.Errorf("LogPath = %q", Cfg.LogPath)
	}
	if Cfg.DatabasePath != filepath.Join(dir, "kortty.db") {
		t.Errorf("DatabasePath = %q", Cfg.DatabasePath)
	}
	if !Cfg.StrictHostKeyChecking {
		t.Error("StrictHostKeyChecking should default to true")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KORTTY_DATA_PATH", t.TempDir())
	t.Setenv("KORTTY_CONNECT_TIMEOUT", "3s")
	t.Setenv("KORTTY_AUTO_RECONNECT", "true")
	t.Setenv("KORTTY_MONITOR_ADDR", "127.0.0.1:7722")

	Load()

	if Cfg.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout = %v, want 3s", Cfg.ConnectTimeout)
	}
	if !Cfg.AutoReconnect {
		t.Error("AutoReconnect should be true")
	}
	if Cfg.MonitorAddr != "127.0.0.1:7722" {
		t.Errorf("MonitorAddr = %q", Cfg.MonitorAddr)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/.ssh/config"); got != filepath.Join(home, ".ssh/config") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/etc/ssh"); got != "/etc/ssh" {
		t.Errorf("absolute path changed: %q", got)
	}
	if got := ExpandHome("~user/x"); got != "~user/x" {
		t.Errorf("~user form should be left alone: %q", got)
	}
}
