package termbridge

import (
	"fmt"
	"unicode/utf8"
)

// InputKind says what an InputEvent carries.
type InputKind string

const (
	InputText   InputKind = "text"
	InputPaste  InputKind = "paste"
	InputKey    InputKind = "key"
	InputResize InputKind = "resize"
)

// InputEvent is one unit of user input for a session.
type InputEvent struct {
	SessionID string
	Kind      InputKind
	// Data holds typed bytes for InputText and the clipboard text for
	// InputPaste.
	Data []byte
	Key  Key
	Rune rune
	Mods Modifier
	Cols int
	Rows int
}

// Text is raw typed input, passed through unchanged.
func Text(b []byte) InputEvent {
	return InputEvent{Kind: InputText, Data: append([]byte(nil), b...)}
}

// Paste is clipboard text, wrapped when the remote enabled bracketed paste.
func Paste(s string) InputEvent {
	return InputEvent{Kind: InputPaste, Data: []byte(s)}
}

// Press is a key press with modifiers.
func Press(k Key, mods Modifier) InputEvent {
	return InputEvent{Kind: InputKey, Key: k, Mods: mods}
}

// PressRune is a character key with modifiers, e.g. Ctrl+C.
func PressRune(r rune, mods Modifier) InputEvent {
	return InputEvent{Kind: InputKey, Key: KeyRune, Rune: r, Mods: mods}
}

// Resize is a terminal size change.
func Resize(cols, rows int) InputEvent {
	return InputEvent{Kind: InputResize, Cols: cols, Rows: rows}
}

// Validate rejects events that cannot be encoded.
func (e InputEvent) Validate() error {
	switch e.Kind {
	case InputText, InputPaste:
		return nil
	case InputKey:
		if e.Key == KeyRune && !utf8.ValidRune(e.Rune) {
			return fmt.Errorf("invalid rune %U", e.Rune)
		}
		if _, ok := keyNames[e.Key]; !ok {
			return fmt.Errorf("unknown key %d", e.Key)
		}
		return nil
	case InputResize:
		if e.Cols <= 0 || e.Rows <= 0 {
			return fmt.Errorf("invalid size %dx%d", e.Cols, e.Rows)
		}
		return nil
	default:
		return fmt.Errorf("unknown input kind %q", e.Kind)
	}
}

// Encode returns the bytes the event sends to the remote shell under the
// current modes. Resize events encode to nothing.
func (e InputEvent) Encode(m *Modes) []byte {
	switch e.Kind {
	case InputText:
		return e.Data
	case InputPaste:
		return EncodePaste(e.Data, m)
	case InputKey:
		return EncodeKey(e.Key, e.Rune, e.Mods, m)
	default:
		return nil
	}
}

// InputDiscarded reports input dropped after a write failure.
type InputDiscarded struct {
	Events int
	Bytes  int
}
