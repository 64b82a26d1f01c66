package dashboard

// Key identifies a decoded keypress.
type Key int

const (
	KeyRune Key = iota
	KeyEnter
	KeyEscape
	KeyBackspace
	KeyTab
	KeyUp
	KeyDown
	KeyRight
	KeyLeft
	KeyCtrlC
	KeyCtrlD
)

// Keypress is one key; Rune is set only for KeyRune.
type Keypress struct {
	Key  Key
	Rune rune
}

// DecodeKeys turns a raw input buffer into keypresses. Cursor keys
// arrive as three-byte CSI sequences; a bare ESC that is not part of
// a sequence decodes as KeyEscape. Unknown control bytes are dropped.
func DecodeKeys(buf []byte) []Keypress {
	var keys []Keypress

	runes := []rune(string(buf))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == 0x1b:
			if i+2 < len(runes) && runes[i+1] == '[' {
				if key, ok := cursorKey(runes[i+2]); ok {
					keys = append(keys, Keypress{Key: key})
					i += 2
					continue
				}
			}
			keys = append(keys, Keypress{Key: KeyEscape})
		case r == '\r' || r == '\n':
			keys = append(keys, Keypress{Key: KeyEnter})
		case r == '\t':
			keys = append(keys, Keypress{Key: KeyTab})
		case r == 0x7f || r == 0x08:
			keys = append(keys, Keypress{Key: KeyBackspace})
		case r == 0x03:
			keys = append(keys, Keypress{Key: KeyCtrlC})
		case r == 0x04:
			keys = append(keys, Keypress{Key: KeyCtrlD})
		case r < 0x20:
			// Unmapped control byte.
		default:
			keys = append(keys, Keypress{Key: KeyRune, Rune: r})
		}
	}

	return keys
}

func cursorKey(r rune) (Key, bool) {
	switch r {
	case 'A':
		return KeyUp, true
	case 'B':
		return KeyDown, true
	case 'C':
		return KeyRight, true
	case 'D':
		return KeyLeft, true
	}
	return 0, false
}
