package display

import (
	"os"
	"strings"
)

// Icon is a status glyph with an ASCII fallback.
type Icon struct {
	Unicode string
	ASCII   string
}

var (
	IconSuccess = Icon{Unicode: "✓", ASCII: "[OK]"}
	IconWarning = Icon{Unicode: "⚠", ASCII: "[WARN]"}
	IconError   = Icon{Unicode: "✗", ASCII: "[ERROR]"}
	IconInfo    = Icon{Unicode: "ℹ", ASCII: "[INFO]"}
)

// Render picks the glyph for the terminal.
func (i Icon) Render(unicode bool) string {
	if unicode {
		return i.Unicode
	}
	return i.ASCII
}

// UnicodeSupported guesses from the locale. It is only consulted when
// colors are on, so redirected output always gets the ASCII forms.
func UnicodeSupported() bool {
	if os.Getenv("NO_UNICODE") != "" {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		if v := os.Getenv(key); v != "" {
			return v != "C" && v != "POSIX" && strings.Contains(strings.ToUpper(v), "UTF")
		}
	}
	return os.Getenv("TERM") != "dumb"
}
