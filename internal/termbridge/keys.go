package termbridge

import (
	"bytes"
	"strconv"
	"unicode/utf8"
)

// Key identifies a non-text key.
type Key int

const (
	KeyRune Key = iota
	KeyEnter
	KeyTab
	KeyBackspace
	KeyEscape
	KeyUp
	KeyDown
	KeyRight
	KeyLeft
	KeyHome
	KeyEnd
	KeyPageUp
	KeyPageDown
	KeyInsert
	KeyDelete
	KeyF1
	KeyF2
	KeyF3
	KeyF4
	KeyF5
	KeyF6
	KeyF7
	KeyF8
	KeyF9
	KeyF10
	KeyF11
	KeyF12
)

var keyNames = map[Key]string{
	KeyRune: "rune", KeyEnter: "enter", KeyTab: "tab", KeyBackspace: "backspace",
	KeyEscape: "escape", KeyUp: "up", KeyDown: "down", KeyRight: "right",
	KeyLeft: "left", KeyHome: "home", KeyEnd: "end", KeyPageUp: "pageup",
	KeyPageDown: "pagedown", KeyInsert: "insert", KeyDelete: "delete",
	KeyF1: "f1", KeyF2: "f2", KeyF3: "f3", KeyF4: "f4", KeyF5: "f5", KeyF6: "f6",
	KeyF7: "f7", KeyF8: "f8", KeyF9: "f9", KeyF10: "f10", KeyF11: "f11", KeyF12: "f12",
}

func (k Key) String() string {
	if s, ok := keyNames[k]; ok {
		return s
	}
	return "key(" + strconv.Itoa(int(k)) + ")"
}

// ParseKey maps a key name as produced by Key.String back to the key.
func ParseKey(name string) (Key, bool) {
	for k, s := range keyNames {
		if s == name {
			return k, true
		}
	}
	return 0, false
}

// Modifier is a bit set of held modifier keys.
type Modifier uint8

const (
	ModShift Modifier = 1 << iota
	ModAlt
	ModCtrl
)

// xtermParam is the modifier parameter xterm appends to CSI key sequences.
func (m Modifier) xtermParam() int {
	p := 1
	if m&ModShift != 0 {
		p++
	}
	if m&ModAlt != 0 {
		p += 2
	}
	if m&ModCtrl != 0 {
		p += 4
	}
	return p
}

// cursorKeys end in a final byte and switch between CSI and SS3 with DECCKM.
var cursorKeys = map[Key]byte{
	KeyUp:    'A',
	KeyDown:  'B',
	KeyRight: 'C',
	KeyLeft:  'D',
	KeyHome:  'H',
	KeyEnd:   'F',
}

// tildeKeys are sent as CSI n ~.
var tildeKeys = map[Key]int{
	KeyInsert:   2,
	KeyDelete:   3,
	KeyPageUp:   5,
	KeyPageDown: 6,
	KeyF5:       15,
	KeyF6:       17,
	KeyF7:       18,
	KeyF8:       19,
	KeyF9:       20,
	KeyF10:      21,
	KeyF11:      23,
	KeyF12:      24,
}

// pfKeys are F1-F4, sent as SS3 P..S.
var pfKeys = map[Key]byte{
	KeyF1: 'P',
	KeyF2: 'Q',
	KeyF3: 'R',
	KeyF4: 'S',
}

// EncodeKey returns the bytes a VT220/xterm compatible terminal sends for a
// key press. r is only used for KeyRune.
func EncodeKey(k Key, r rune, mods Modifier, m *Modes) []byte {
	appCursor := m != nil && m.AppCursor()

	if final, ok := cursorKeys[k]; ok {
		if mods != 0 {
			return []byte("\x1b[1;" + strconv.Itoa(mods.xtermParam()) + string(final))
		}
		if appCursor {
			return []byte{esc, 'O', final}
		}
		return []byte{esc, '[', final}
	}
	if n, ok := tildeKeys[k]; ok {
		seq := "\x1b[" + strconv.Itoa(n)
		if mods != 0 {
			seq += ";" + strconv.Itoa(mods.xtermParam())
		}
		return []byte(seq + "~")
	}
	if final, ok := pfKeys[k]; ok {
		if mods != 0 {
			return []byte("\x1b[1;" + strconv.Itoa(mods.xtermParam()) + string(final))
		}
		return []byte{esc, 'O', final}
	}

	var out []byte
	switch k {
	case KeyEnter:
		out = []byte{'\r'}
	case KeyTab:
		if mods&ModShift != 0 {
			return []byte("\x1b[Z")
		}
		out = []byte{'\t'}
	case KeyBackspace:
		out = []byte{'\b'}
	case KeyEscape:
		out = []byte{esc}
	case KeyRune:
		if mods&ModCtrl != 0 {
			if c, ok := ctrlByte(r); ok {
				out = []byte{c}
				break
			}
		}
		out = utf8.AppendRune(nil, r)
	default:
		return nil
	}
	if mods&ModAlt != 0 {
		out = append([]byte{esc}, out...)
	}
	return out
}

// ctrlByte maps Ctrl+r to its C0 control code.
func ctrlByte(r rune) (byte, bool) {
	switch {
	case r >= 'a' && r <= 'z':
		return byte(r) & 0x1f, true
	case r >= '@' && r <= '_':
		return byte(r) & 0x1f, true
	case r == ' ':
		return 0, true
	case r == '?':
		return 0x7f, true
	}
	return 0, false
}

var (
	pasteStart = []byte("\x1b[200~")
	pasteEnd   = []byte("\x1b[201~")
)

// EncodePaste normalises line endings to CR and, in bracketed paste mode,
// wraps the text in paste markers. Embedded end markers are removed so the
// pasted text cannot leave paste mode early.
func EncodePaste(text []byte, m *Modes) []byte {
	out := bytes.ReplaceAll(text, []byte("\r\n"), []byte("\r"))
	out = bytes.ReplaceAll(out, []byte("\n"), []byte("\r"))
	if m == nil || !m.BracketedPaste() {
		return out
	}
	out = bytes.ReplaceAll(out, pasteEnd, nil)
	wrapped := make([]byte, 0, len(out)+len(pasteStart)+len(pasteEnd))
	wrapped = append(wrapped, pasteStart...)
	wrapped = append(wrapped, out...)
	return append(wrapped, pasteEnd...)
}
