package termbridge

import (
	"bytes"
	"strings"
	"testing"
)

// recorder is an Interpreter that keeps every Feed call.
type recorder struct {
	calls [][]byte
}

func (r *recorder) Feed(p []byte) {
	r.calls = append(r.calls, append([]byte(nil), p...))
}

func (r *recorder) joined() string {
	return string(bytes.Join(r.calls, nil))
}

const corpus = "plain \x1b[31mred\x1b[0m caf\xc3\xa9 \xe6\x97\xa5\xe6\x9c\xac " +
	"\xf0\x9f\x98\x80 \x1b]0;title\x07 \x1b]8;;http://x\x1b\\link\x1b]8;;\x1b\\ " +
	"\x1bP1$r0m\x1b\\ \x1bOP \x1b(B \x1b7\x1b8 \x1b[?1049h\x1b[2J\r\n"

// boundaries returns every offset in s that ends a complete unit.
func boundaries(s []byte) map[int]bool {
	b := map[int]bool{0: true}
	off := 0
	scanUnits(s, nil, func(u []byte) {
		off += len(u)
		b[off] = true
	})
	return b
}

func feedSplit(chunks ...[]byte) *recorder {
	rec := &recorder{}
	asm := NewAssembler(nil)
	for _, c := range chunks {
		if out := asm.Push(c); len(out) > 0 {
			rec.Feed(out)
		}
	}
	if tail := asm.Flush(); len(tail) > 0 {
		rec.Feed(tail)
	}
	return rec
}

func TestAssembler_SplitEscapeSequenceFedOnce(t *testing.T) {
	rec := feedSplit([]byte("\x1b[3"), []byte("1mHello\x1b[0m"))
	if len(rec.calls) != 1 {
		t.Fatalf("got %d calls: %q", len(rec.calls), rec.calls)
	}
	if string(rec.calls[0]) != "\x1b[31mHello\x1b[0m" {
		t.Errorf("call = %q", rec.calls[0])
	}
}

func TestAssembler_CorpusIsOneCompleteRun(t *testing.T) {
	whole := []byte(corpus)
	if n := scanUnits(whole, nil, nil); n != len(whole) {
		t.Fatalf("corpus not complete: stops at %d of %d (%q)", n, len(whole), whole[n:])
	}
}

func TestAssembler_AnySingleSplitPreservesUnits(t *testing.T) {
	whole := []byte(corpus)
	bounds := boundaries(whole)

	for i := 0; i <= len(whole); i++ {
		rec := feedSplit(whole[:i], whole[i:])
		if rec.joined() != corpus {
			t.Fatalf("split at %d: output differs", i)
		}
		off := 0
		for _, c := range rec.calls {
			off += len(c)
			if !bounds[off] {
				t.Fatalf("split at %d: call ends mid-unit at offset %d", i, off)
			}
		}
	}
}

func TestAssembler_AnyDoubleSplitPreservesUnits(t *testing.T) {
	whole := []byte(corpus)
	bounds := boundaries(whole)

	for i := 0; i <= len(whole); i++ {
		for j := i; j <= len(whole); j++ {
			rec := feedSplit(whole[:i], whole[i:j], whole[j:])
			if rec.joined() != corpus {
				t.Fatalf("split at %d,%d: output differs", i, j)
			}
			off := 0
			for _, c := range rec.calls {
				off += len(c)
				if !bounds[off] {
					t.Fatalf("split at %d,%d: call ends mid-unit at %d", i, j, off)
				}
			}
		}
	}
}

func TestAssembler_ByteAtATime(t *testing.T) {
	whole := []byte(corpus)
	var chunks [][]byte
	for i := range whole {
		chunks = append(chunks, whole[i:i+1])
	}
	rec := feedSplit(chunks...)
	if rec.joined() != corpus {
		t.Fatal("output differs")
	}
	bounds := boundaries(whole)
	off := 0
	for _, c := range rec.calls {
		off += len(c)
		if !bounds[off] {
			t.Fatalf("call ends mid-unit at %d", off)
		}
	}
}

func TestAssembler_PendingAndFlush(t *testing.T) {
	asm := NewAssembler(nil)
	tests := []struct {
		in      string
		out     string
		pending int
	}{
		{"ab\x1b", "ab", 1},
		{"]0;ti", "", 6},
		{"tle\x07x\xe2\x82", "\x1b]0;title\x07x", 2},
		{"\xac", "\xe2\x82\xac", 0},
		{"\x1bO", "", 2},
		{"A", "\x1bOA", 0},
	}
	for _, tt := range tests {
		if got := string(asm.Push([]byte(tt.in))); got != tt.out {
			t.Errorf("Push(%q) = %q, want %q", tt.in, got, tt.out)
		}
		if asm.Pending() != tt.pending {
			t.Errorf("after %q Pending = %d, want %d", tt.in, asm.Pending(), tt.pending)
		}
	}

	asm.Push([]byte("\x1b[12"))
	if got := string(asm.Flush()); got != "\x1b[12" {
		t.Errorf("Flush = %q", got)
	}
	if asm.Pending() != 0 || asm.Flush() != nil {
		t.Error("Flush did not clear the tail")
	}
}

func TestAssembler_AbortedSequence(t *testing.T) {
	// ESC inside a CSI aborts it; the next sequence starts at the ESC.
	asm := NewAssembler(nil)
	if got := string(asm.Push([]byte("\x1b[12\x1b[0m"))); got != "\x1b[12\x1b[0m" {
		t.Errorf("Push = %q", got)
	}
}

func TestAssembler_EscInterruptsEscape(t *testing.T) {
	// The second ESC cancels the first and starts the CSI.
	const in = "A\x1b\x1b[31mX"
	whole := []byte(in)
	for i := 0; i <= len(whole); i++ {
		rec := feedSplit(whole[:i], whole[i:])
		if rec.joined() != in {
			t.Fatalf("split at %d: output = %q", i, rec.joined())
		}
		intact := false
		for _, c := range rec.calls {
			if bytes.Contains(c, []byte("\x1b[31m")) {
				intact = true
			}
		}
		if !intact {
			t.Errorf("split at %d: CSI crossed calls %q", i, rec.calls)
		}
	}
}

func TestAssembler_StringCutBeforeTerminator(t *testing.T) {
	asm := NewAssembler(nil)
	if out := asm.Push([]byte("x\x1b]8;;http://x\x1b")); string(out) != "x" {
		t.Fatalf("Push = %q", out)
	}
	if got := string(asm.Push([]byte("\\y"))); got != "\x1b]8;;http://x\x1b\\y" {
		t.Errorf("Push = %q", got)
	}
}

func TestAssembler_InvalidUTF8PassesThrough(t *testing.T) {
	asm := NewAssembler(nil)
	if got := asm.Push([]byte{'a', 0xff, 'b'}); string(got) != "a\xffb" {
		t.Errorf("Push = %q", got)
	}
}

func TestAssembler_OversizedTailReleased(t *testing.T) {
	asm := NewAssembler(nil)
	head := []byte("\x1b]52;c;")
	if out := asm.Push(head); len(out) != 0 {
		t.Fatalf("Push = %q", out)
	}
	body := []byte(strings.Repeat("A", MaxPendingTail))
	out := asm.Push(body)
	if len(out) != len(head)+len(body) {
		t.Errorf("released %d bytes, want %d", len(out), len(head)+len(body))
	}
	if asm.Pending() != 0 {
		t.Errorf("Pending = %d", asm.Pending())
	}
}

func TestModes_TrackedAcrossFrames(t *testing.T) {
	m := &Modes{}
	asm := NewAssembler(m)

	asm.Push([]byte("\x1b[?1"))
	if m.AppCursor() {
		t.Fatal("mode applied before sequence completed")
	}
	asm.Push([]byte("h"))
	if !m.AppCursor() {
		t.Fatal("DECCKM not set")
	}

	asm.Push([]byte("\x1b[?2004;1l"))
	if m.AppCursor() || m.BracketedPaste() {
		t.Error("modes not reset")
	}

	asm.Push([]byte("\x1b[?1;2004h"))
	if !m.AppCursor() || !m.BracketedPaste() {
		t.Error("combined set failed")
	}

	asm.Push([]byte("\x1b[?25l\x1b[1h"))
	if !m.AppCursor() || !m.BracketedPaste() {
		t.Error("unrelated modes changed tracked state")
	}

	asm.Push([]byte("\x1b[>1h\x1b[?1$p"))
	if !m.AppCursor() || !m.BracketedPaste() {
		t.Error("non-DEC private sequences changed tracked state")
	}

	asm.Push([]byte("\x1bc"))
	if m.AppCursor() || m.BracketedPaste() {
		t.Error("RIS did not reset modes")
	}

	asm.Push([]byte("\x1b\x1b[?2004h"))
	if !m.BracketedPaste() {
		t.Error("mode after a cancelled escape not applied")
	}
}
