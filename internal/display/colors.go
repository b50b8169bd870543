package display

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color names the few roles the CLI colors text by.
type Color int

const (
	ColorNone Color = iota
	ColorPrimary
	ColorSuccess
	ColorWarning
	ColorError
	ColorInfo
	ColorMuted
)

// Palette maps roles to terminal colors. A disabled palette returns text unchanged.
type Palette struct {
	enabled bool
	colors  map[Color]*color.Color
}

// NewPalette builds a palette; enabled false yields plain text.
func NewPalette(enabled bool) *Palette {
	p := &Palette{
		enabled: enabled,
		colors: map[Color]*color.Color{
			ColorPrimary: color.New(color.FgHiBlue, color.Bold),
			ColorSuccess: color.New(color.FgHiGreen),
			ColorWarning: color.New(color.FgHiYellow),
			ColorError:   color.New(color.FgHiRed),
			ColorInfo:    color.New(color.FgCyan),
			ColorMuted:   color.New(color.FgWhite, color.Faint),
		},
	}
	// fatih/color consults the global NoColor flag unless told otherwise.
	for _, c := range p.colors {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// Enabled reports whether escape codes are emitted.
func (p *Palette) Enabled() bool { return p != nil && p.enabled }

// Sprint colors text for the given role.
func (p *Palette) Sprint(c Color, text string) string {
	if !p.Enabled() {
		return text
	}
	if fn, ok := p.colors[c]; ok {
		return fn.Sprint(text)
	}
	return text
}

// ColorSupported reports whether w is a color-capable terminal. NO_COLOR,
// TERM=dumb and an ASCII-only termenv profile all turn color off.
func ColorSupported(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return termenv.NewOutput(f).EnvColorProfile() != termenv.Ascii
}
