package termbridge

import (
	"bytes"
	"log"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// MaxPendingTail caps how many bytes of an unfinished unit are held back.
// A longer tail is released as-is.
const MaxPendingTail = 64 * 1024

const esc = 0x1b

// Assembler holds the incomplete tail of the output stream between frames.
// Push returns only whole units: UTF-8 code points, control characters and
// complete escape sequences.
type Assembler struct {
	pending []byte
	modes   *Modes
	parser  *ansi.Parser
}

// NewAssembler returns an assembler that records private mode changes into
// modes. modes may be nil.
func NewAssembler(modes *Modes) *Assembler {
	a := &Assembler{modes: modes}
	if modes != nil {
		a.parser = ansi.NewParser()
	}
	return a
}

// Push appends chunk to the pending tail and returns the longest prefix that
// ends on a unit boundary. The returned slice is owned by the caller.
func (a *Assembler) Push(chunk []byte) []byte {
	buf := make([]byte, 0, len(a.pending)+len(chunk))
	buf = append(buf, a.pending...)
	buf = append(buf, chunk...)

	cut := scanUnits(buf, a.parser, a.observe)
	if len(buf)-cut > MaxPendingTail {
		log.Printf("[bridge] protocol error: unterminated sequence longer than %d bytes, releasing it", MaxPendingTail)
		a.pending = nil
		return buf
	}
	a.pending = append(a.pending[:0], buf[cut:]...)
	return buf[:cut]
}

// Flush returns and clears whatever tail is still pending.
func (a *Assembler) Flush() []byte {
	if len(a.pending) == 0 {
		return nil
	}
	out := append([]byte(nil), a.pending...)
	a.pending = a.pending[:0]
	return out
}

// Pending reports the size of the held tail.
func (a *Assembler) Pending() int { return len(a.pending) }

func (a *Assembler) observe(unit []byte) {
	if a.modes != nil {
		a.modes.observe(unit, a.parser)
	}
}

// scanUnits walks b unit by unit, calling fn for each complete one, and
// returns the offset just past the last complete unit. When p is not nil it
// holds the parsed command and parameters of the unit passed to fn.
func scanUnits(b []byte, p *ansi.Parser, fn func(unit []byte)) int {
	i := 0
	for i < len(b) {
		n := unitLen(b[i:], p)
		if n == 0 {
			break
		}
		if fn != nil {
			fn(b[i : i+n])
		}
		i += n
	}
	return i
}

// unitLen returns the length of the complete unit at the start of b, or 0 if
// b holds only the beginning of one.
func unitLen(b []byte, p *ansi.Parser) int {
	switch c := b[0]; {
	case c >= 0x80 && c < 0xc0:
		// Stray continuation byte. Raw C1 controls mean nothing in UTF-8.
		return 1
	case c >= 0xc0 && !utf8.FullRune(b):
		return 0
	}

	seq, _, n, state := ansi.DecodeSequence(b, ansi.NormalState, p)
	if state != ansi.NormalState {
		return 0
	}
	if n == 0 {
		return 1
	}
	if len(seq) == 2 && seq[0] == esc && (seq[1] == 'N' || seq[1] == 'O') {
		// SS2/SS3 select one following character.
		switch {
		case len(b) < 3:
			return 0
		case b[2] == esc:
			return 2
		}
		return 3
	}
	if n == len(b)-1 && b[n] == esc && unterminatedString(seq) {
		// The ESC may be the first half of ST.
		return 0
	}
	return n
}

// unterminatedString reports whether seq is an OSC, DCS, SOS, PM or APC
// string that was cut short before its terminator.
func unterminatedString(seq []byte) bool {
	if len(seq) < 2 || seq[0] != esc {
		return false
	}
	switch seq[1] {
	case ']', 'P', 'X', '^', '_':
	default:
		return false
	}
	return !bytes.HasSuffix(seq, []byte{0x07}) && !bytes.HasSuffix(seq, []byte{esc, '\\'})
}
