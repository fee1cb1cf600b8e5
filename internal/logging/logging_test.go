package logging

import (
	"log"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadTail_ReturnsLastLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "kortty.log")
	InitWithPath(path)
	t.Cleanup(Close)
	FileOnly()

	for i := 0; i < 20; i++ {
		log.Printf("line-%02d", i)
	}

	tail, err := ReadTail(3)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	lines := strings.Split(tail, "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %q", len(lines), tail)
	}
	for i, want := range []string{"line-17", "line-18", "line-19"} {
		if !strings.HasSuffix(lines[i], want) {
			t.Errorf("line %d = %q, want suffix %q", i, lines[i], want)
		}
	}
}

func TestClear_TruncatesFile(t *testing.T) {
	InitWithPath(filepath.Join(t.TempDir(), "kortty.log"))
	t.Cleanup(Close)
	FileOnly()

	log.Print("before clear")
	if err := Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	tail, err := ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if tail != "" {
		t.Errorf("expected empty log after Clear, got %q", tail)
	}
}
