package termbridge

import (
	"sync/atomic"

	"github.com/charmbracelet/x/ansi"
)

// Modes tracks the private terminal modes that change how input is encoded.
// The output side writes them; the input side reads them.
type Modes struct {
	appCursor      atomic.Bool
	bracketedPaste atomic.Bool
}

// AppCursor reports DECCKM (ESC [ ? 1 h): cursor keys send SS3 sequences.
func (m *Modes) AppCursor() bool { return m.appCursor.Load() }

// BracketedPaste reports whether pastes must be wrapped (ESC [ ? 2004 h).
func (m *Modes) BracketedPaste() bool { return m.bracketedPaste.Load() }

// observe applies one complete unit. p holds the command and parameters the
// decoder parsed from it.
func (m *Modes) observe(unit []byte, p *ansi.Parser) {
	if string(unit) == "\x1bc" {
		m.appCursor.Store(false)
		m.bracketedPaste.Store(false)
		return
	}
	if p == nil || len(unit) < 3 || unit[0] != esc || unit[1] != '[' {
		return
	}
	cmd := ansi.Cmd(p.Command())
	if cmd.Prefix() != '?' || cmd.Intermediate() != 0 {
		return
	}
	var set bool
	switch cmd.Final() {
	case 'h':
		set = true
	case 'l':
	default:
		return
	}
	for _, param := range p.Params() {
		switch param.Param(-1) {
		case 1:
			m.appCursor.Store(set)
		case 2004:
			m.bracketedPaste.Store(set)
		}
	}
}
