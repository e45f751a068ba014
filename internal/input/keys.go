package input

// Key is the structured parse of an input packet, when recognizable.
type Key struct {
	Key       string   `json:"key"`
	Modifiers []string `json:"modifiers"`
}

// ParseKey recognizes printable ASCII, C0 controls as Ctrl+letter,
// Escape, Tab, Enter, Backspace, and CSI arrow/home/end sequences.
// Anything else returns nil and the client falls back to raw bytes.
func ParseKey(raw []byte) *Key {
	switch len(raw) {
	case 0:
		return nil
	case 1:
		return parseSingle(raw[0])
	}
	if raw[0] == 0x1b && len(raw) >= 3 && raw[1] == '[' {
		return parseCSI(raw[2:])
	}
	// Multi-byte UTF-8 printable rune.
	if raw[0] >= 0x20 {
		r := []rune(string(raw))
		if len(r) == 1 && r[0] != 0xFFFD {
			return &Key{Key: string(r[0]), Modifiers: []string{}}
		}
	}
	return nil
}

func parseSingle(b byte) *Key {
	switch b {
	case 0x1b:
		return &Key{Key: "escape", Modifiers: []string{}}
	case '\t':
		return &Key{Key: "tab", Modifiers: []string{}}
	case '\r', '\n':
		return &Key{Key: "enter", Modifiers: []string{}}
	case 0x7f, 0x08:
		return &Key{Key: "backspace", Modifiers: []string{}}
	case ' ':
		return &Key{Key: "space", Modifiers: []string{}}
	}
	if b >= 0x01 && b <= 0x1a {
		return &Key{Key: string(rune('a' + b - 1)), Modifiers: []string{"ctrl"}}
	}
	if b >= 0x20 && b < 0x7f {
		return &Key{Key: string(rune(b)), Modifiers: []string{}}
	}
	return nil
}

func parseCSI(rest []byte) *Key {
	if len(rest) == 1 {
		switch rest[0] {
		case 'A':
			return &Key{Key: "up", Modifiers: []string{}}
		case 'B':
			return &Key{Key: "down", Modifiers: []string{}}
		case 'C':
			return &Key{Key: "right", Modifiers: []string{}}
		case 'D':
			return &Key{Key: "left", Modifiers: []string{}}
		case 'H':
			return &Key{Key: "home", Modifiers: []string{}}
		case 'F':
			return &Key{Key: "end", Modifiers: []string{}}
		}
		return nil
	}
	if len(rest) == 2 && rest[1] == '~' {
		switch rest[0] {
		case '1', '7':
			return &Key{Key: "home", Modifiers: []string{}}
		case '4', '8':
			return &Key{Key: "end", Modifiers: []string{}}
		}
	}
	return nil
}
