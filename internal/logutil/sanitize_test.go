package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"evil\nINFO fake entry", "evil INFO fake entry"},
		{"tab\there", "tab here"},
		{"bell\x07\x1b[31m", "bell[31m"},
		{"del\x7f", "del"},
		{"ünïcødé", "ünïcødé"},
	}
	for _, tt := range tests {
		if got := SanitizeForLog(tt.in); got != tt.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedact(t *testing.T) {
	if got := Redact(""); got != "" {
		t.Errorf("Redact(\"\") = %q", got)
	}
	if got := Redact("hunter2"); got != "[redacted]" {
		t.Errorf("Redact leaked: %q", got)
	}
}
