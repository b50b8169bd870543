// Package display renders CLI output: colored status lines, tables,
// progress bars and JSON or YAML documents.
package display

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Printer writes command results to out and status lines to errOut.
// With json or yaml output only the encoded document goes to out, so the
// result stays machine-readable.
type Printer struct {
	out     io.Writer
	errOut  io.Writer
	format  OutputFormat
	palette *Palette
	unicode bool
	width   int
}

// NewPrinter detects color and width from out. noColor forces plain text.
func NewPrinter(out, errOut io.Writer, format OutputFormat, noColor bool) *Printer {
	colored := !noColor && ColorSupported(out)
	return &Printer{
		out:     out,
		errOut:  errOut,
		format:  format,
		palette: NewPalette(colored),
		unicode: colored && UnicodeSupported(),
		width:   TerminalWidth(out),
	}
}

func (p *Printer) Format() OutputFormat { return p.format }
func (p *Printer) Palette() *Palette    { return p.palette }

// Structured is true for json and yaml output.
func (p *Printer) Structured() bool { return p.format == FormatJSON || p.format == FormatYAML }

func (p *Printer) statusWriter() io.Writer {
	if p.Structured() {
		return p.errOut
	}
	return p.out
}

// Header prints an underlined title. Skipped for structured output.
func (p *Printer) Header(title string) {
	if p.Structured() {
		return
	}
	fmt.Fprintf(p.out, "\n%s\n%s\n", p.palette.Sprint(ColorPrimary, title),
		strings.Repeat("=", utf8.RuneCountInString(title)))
}

func (p *Printer) status(icon Icon, c Color, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(p.statusWriter(), "%s %s\n", p.palette.Sprint(c, icon.Render(p.unicode)), msg)
}

func (p *Printer) Success(format string, args ...any) { p.status(IconSuccess, ColorSuccess, format, args...) }
func (p *Printer) Warning(format string, args ...any) { p.status(IconWarning, ColorWarning, format, args...) }
func (p *Printer) Info(format string, args ...any)    { p.status(IconInfo, ColorInfo, format, args...) }

// Error always goes to errOut.
func (p *Printer) Error(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(p.errOut, "%s %s\n", p.palette.Sprint(ColorError, IconError.Render(p.unicode)), msg)
}

// Table prints rows as a table, or as a list of records for json and yaml.
func (p *Printer) Table(headers []string, rows [][]string) error {
	if p.Structured() {
		return Encode(p.out, p.format, Records(headers, rows))
	}
	t := NewTable(headers...).MaxWidth(p.width).Colors(p.palette)
	for _, row := range rows {
		t.AddRow(row...)
	}
	return t.RenderTo(p.out)
}

// KeyValues prints aligned "key: value" lines.
func (p *Printer) KeyValues(pairs [][2]string) {
	width := 0
	for _, kv := range pairs {
		width = max(width, utf8.RuneCountInString(kv[0]))
	}
	for _, kv := range pairs {
		key := kv[0] + ":" + strings.Repeat(" ", width-utf8.RuneCountInString(kv[0]))
		fmt.Fprintf(p.out, "  %s %s\n", p.palette.Sprint(ColorMuted, key), kv[1])
	}
}

// Value encodes v for structured output, or calls human otherwise.
func (p *Printer) Value(v any, human func()) error {
	if p.Structured() {
		return Encode(p.out, p.format, v)
	}
	human()
	return nil
}

// Progress returns a bar on errOut, redrawn in place when errOut is a terminal.
func (p *Printer) Progress() *ProgressBar {
	return NewProgressBar(p.errOut, TerminalWidth(p.errOut) > 0, p.palette)
}
