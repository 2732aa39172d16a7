package inputsync

import "strings"

var namedKeys = map[string]int{
	"HOME":        3,
	"BACK":        4,
	"UP":          19,
	"DOWN":        20,
	"LEFT":        21,
	"RIGHT":       22,
	"VOLUME_UP":   24,
	"VOLUME_DOWN": 25,
	"POWER":       26,
	"TAB":         61,
	"SPACE":       62,
	"ENTER":       66,
	"BACKSPACE":   67,
	"MENU":        82,
	"PAGE_UP":     92,
	"PAGE_DOWN":   93,
	"ESC":         111,
	"DELETE":      112,
}

// KeyCode maps a key to its Android keycode. Single characters are matched
// case-insensitively against digits and letters; longer names against the
// named keys.
func KeyCode(key string) (int, bool) {
	if len(key) == 1 {
		c := strings.ToLower(key)[0]
		switch {
		case c >= '0' && c <= '9':
			return 7 + int(c-'0'), true
		case c >= 'a' && c <= 'z':
			return 29 + int(c-'a'), true
		case c == ' ':
			return namedKeys["SPACE"], true
		}
		return 0, false
	}
	code, ok := namedKeys[strings.ToUpper(strings.TrimSpace(key))]
	return code, ok
}
