package termbridge

import "testing"

func TestEncodeKey(t *testing.T) {
	app := &Modes{}
	app.appCursor.Store(true)

	tests := []struct {
		name  string
		key   Key
		r     rune
		mods  Modifier
		modes *Modes
		want  string
	}{
		{"enter", KeyEnter, 0, 0, nil, "\r"},
		{"tab", KeyTab, 0, 0, nil, "\t"},
		{"shift tab", KeyTab, 0, ModShift, nil, "\x1b[Z"},
		{"backspace", KeyBackspace, 0, 0, nil, "\b"},
		{"escape", KeyEscape, 0, 0, nil, "\x1b"},
		{"up", KeyUp, 0, 0, nil, "\x1b[A"},
		{"down app", KeyDown, 0, 0, app, "\x1bOB"},
		{"right", KeyRight, 0, 0, nil, "\x1b[C"},
		{"left app", KeyLeft, 0, 0, app, "\x1bOD"},
		{"ctrl left", KeyLeft, 0, ModCtrl, app, "\x1b[1;5D"},
		{"shift up", KeyUp, 0, ModShift, nil, "\x1b[1;2A"},
		{"home", KeyHome, 0, 0, nil, "\x1b[H"},
		{"end app", KeyEnd, 0, 0, app, "\x1bOF"},
		{"page up", KeyPageUp, 0, 0, nil, "\x1b[5~"},
		{"page down", KeyPageDown, 0, 0, nil, "\x1b[6~"},
		{"insert", KeyInsert, 0, 0, nil, "\x1b[2~"},
		{"delete", KeyDelete, 0, 0, nil, "\x1b[3~"},
		{"ctrl delete", KeyDelete, 0, ModCtrl, nil, "\x1b[3;5~"},
		{"f1", KeyF1, 0, 0, nil, "\x1bOP"},
		{"f4", KeyF4, 0, 0, nil, "\x1bOS"},
		{"shift f3", KeyF3, 0, ModShift, nil, "\x1b[1;2R"},
		{"f5", KeyF5, 0, 0, nil, "\x1b[15~"},
		{"f6", KeyF6, 0, 0, nil, "\x1b[17~"},
		{"f10", KeyF10, 0, 0, nil, "\x1b[21~"},
		{"f11", KeyF11, 0, 0, nil, "\x1b[23~"},
		{"f12", KeyF12, 0, 0, nil, "\x1b[24~"},
		{"rune", KeyRune, 'x', 0, nil, "x"},
		{"rune utf8", KeyRune, 'ü', 0, nil, "\xc3\xbc"},
		{"ctrl c", KeyRune, 'c', ModCtrl, nil, "\x03"},
		{"ctrl C", KeyRune, 'C', ModCtrl, nil, "\x03"},
		{"ctrl space", KeyRune, ' ', ModCtrl, nil, "\x00"},
		{"ctrl bracket", KeyRune, '[', ModCtrl, nil, "\x1b"},
		{"ctrl backslash", KeyRune, '\\', ModCtrl, nil, "\x1c"},
		{"ctrl question", KeyRune, '?', ModCtrl, nil, "\x7f"},
		{"alt x", KeyRune, 'x', ModAlt, nil, "\x1bx"},
		{"ctrl alt d", KeyRune, 'd', ModCtrl | ModAlt, nil, "\x1b\x04"},
		{"alt enter", KeyEnter, 0, ModAlt, nil, "\x1b\r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(EncodeKey(tt.key, tt.r, tt.mods, tt.modes)); got != tt.want {
				t.Errorf("EncodeKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncodePaste(t *testing.T) {
	plain := &Modes{}
	bracketed := &Modes{}
	bracketed.bracketedPaste.Store(true)

	if got := string(EncodePaste([]byte("a\r\nb\nc"), plain)); got != "a\rb\rc" {
		t.Errorf("plain paste = %q", got)
	}
	if got := string(EncodePaste([]byte("ls\n"), bracketed)); got != "\x1b[200~ls\r\x1b[201~" {
		t.Errorf("bracketed paste = %q", got)
	}
	if got := string(EncodePaste([]byte("x\x1b[201~rm -rf"), bracketed)); got != "\x1b[200~xrm -rf\x1b[201~" {
		t.Errorf("embedded end marker = %q", got)
	}
}

func TestParseKey(t *testing.T) {
	for k := KeyRune; k <= KeyF12; k++ {
		got, ok := ParseKey(k.String())
		if !ok || got != k {
			t.Errorf("ParseKey(%q) = %v, %v", k.String(), got, ok)
		}
	}
	if _, ok := ParseKey("hyper"); ok {
		t.Error("ParseKey accepted an unknown name")
	}
}
