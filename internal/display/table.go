package display

import (
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// BorderStyle defines table border characters
type BorderStyle struct {
	Horizontal string
	Vertical   string
	Cross      string
	Corner     string
}

var (
	ASCIIBorder   = BorderStyle{Horizontal: "-", Vertical: "|", Cross: "+", Corner: "+"}
	RoundedBorder = BorderStyle{Horizontal: "─", Vertical: "│", Cross: "┼", Corner: "·"}
	NoBorder      = BorderStyle{}
)

// Table renders rows as aligned columns. Cells wider than the available
// width are truncated with "...".
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	border     BorderStyle
	padding    int
	maxWidth   int
	palette    *Palette
}

// NewTable creates a table with ASCII borders and no width limit.
func NewTable(headers ...string) *Table {
	return &Table{
		headers:    headers,
		alignments: make(map[int]Alignment),
		border:     ASCIIBorder,
		padding:    1,
	}
}

// AddRow adds a row to the table
func (t *Table) AddRow(cells ...string) *Table {
	t.rows = append(t.rows, cells)
	return t
}

// Align sets the alignment for a column.
func (t *Table) Align(column int, a Alignment) *Table {
	t.alignments[column] = a
	return t
}

// Border switches the border characters.
func (t *Table) Border(b BorderStyle) *Table {
	t.border = b
	return t
}

// MaxWidth caps the rendered line width; 0 means unlimited.
func (t *Table) MaxWidth(w int) *Table {
	t.maxWidth = w
	return t
}

// Colors colors the header row.
func (t *Table) Colors(p *Palette) *Table {
	t.palette = p
	return t
}

// Len is the number of data rows.
func (t *Table) Len() int { return len(t.rows) }

// Render returns the formatted table as a string
func (t *Table) Render() string {
	widths := t.columnWidths()
	if len(widths) == 0 {
		return ""
	}
	widths = t.fit(widths)

	var b strings.Builder
	rule := t.rule(widths)
	if rule != "" {
		b.WriteString(rule)
	}
	if len(t.headers) > 0 {
		b.WriteString(t.renderRow(t.headers, widths, true))
		if rule != "" {
			b.WriteString(rule)
		}
	}
	for _, row := range t.rows {
		b.WriteString(t.renderRow(row, widths, false))
	}
	if rule != "" && len(t.rows) > 0 {
		b.WriteString(rule)
	}
	return b.String()
}

// RenderTo renders the table to the specified writer
func (t *Table) RenderTo(w io.Writer) error {
	_, err := io.WriteString(w, t.Render())
	return err
}

func (t *Table) columnWidths() []int {
	n := len(t.headers)
	for _, row := range t.rows {
		if len(row) > n {
			n = len(row)
		}
	}
	widths := make([]int, n)
	measure := func(cells []string) {
		for i, c := range cells {
			if w := utf8.RuneCountInString(c); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.headers)
	for _, row := range t.rows {
		measure(row)
	}
	return widths
}

// fit shrinks the widest columns first until the table fits maxWidth.
func (t *Table) fit(widths []int) []int {
	if t.maxWidth <= 0 {
		return widths
	}
	const minCol = 4
	for t.totalWidth(widths) > t.maxWidth {
		widest := 0
		for i := range widths {
			if widths[i] > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= minCol {
			break
		}
		widths[widest]--
	}
	return widths
}

func (t *Table) totalWidth(widths []int) int {
	total := 0
	for _, w := range widths {
		total += w + 2*t.padding
	}
	if t.border.Vertical != "" {
		total += len(widths) + 1
	}
	return total
}

func (t *Table) rule(widths []int) string {
	if t.border.Horizontal == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(t.border.Corner)
	for i, w := range widths {
		b.WriteString(strings.Repeat(t.border.Horizontal, w+2*t.padding))
		if i < len(widths)-1 {
			b.WriteString(t.border.Cross)
		}
	}
	b.WriteString(t.border.Corner)
	b.WriteString("\n")
	return b.String()
}

func (t *Table) renderRow(row []string, widths []int, header bool) string {
	var b strings.Builder
	b.WriteString(t.border.Vertical)
	pad := strings.Repeat(" ", t.padding)
	for i, w := range widths {
		var cell string
		if i < len(row) {
			cell = truncate(row[i], w)
		}
		gap := strings.Repeat(" ", w-utf8.RuneCountInString(cell))
		if header {
			// Color after measuring so escape codes do not count as width.
			cell = t.palette.Sprint(ColorPrimary, cell)
		}
		b.WriteString(pad)
		if t.alignments[i] == AlignRight {
			b.WriteString(gap + cell)
		} else {
			b.WriteString(cell + gap)
		}
		b.WriteString(pad)
		if t.border.Vertical != "" {
			b.WriteString(t.border.Vertical)
		} else if i < len(widths)-1 {
			b.WriteString(" ")
		}
	}
	return strings.TrimRight(b.String(), " ") + "\n"
}

func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	if width > 3 {
		return string(runes[:width-3]) + "..."
	}
	return string(runes[:width])
}

// TerminalWidth returns the width of w when it is a terminal, else 0.
func TerminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}
