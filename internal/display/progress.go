package display

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// ProgressBar draws a 0-100 percentage. On a terminal it redraws one line
// with \r; otherwise it prints a line whenever the label or value changes.
type ProgressBar struct {
	mu      sync.Mutex
	w       io.Writer
	width   int
	inplace bool
	palette *Palette
	percent int
	label   string
	done    bool
}

// NewProgressBar creates a bar; inplace selects terminal redraws.
func NewProgressBar(w io.Writer, inplace bool, palette *Palette) *ProgressBar {
	return &ProgressBar{w: w, width: 30, inplace: inplace, palette: palette, percent: -1}
}

// Update redraws when something changed. Values are clamped to 0..100.
func (pb *ProgressBar) Update(percent int, label string) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.done {
		return
	}
	percent = min(max(percent, 0), 100)
	if percent == pb.percent && label == pb.label {
		return
	}
	pb.percent, pb.label = percent, label
	pb.renderLocked()
}

// Finish draws the final state and ends the line.
func (pb *ProgressBar) Finish(percent int, label string) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.done {
		return
	}
	pb.percent, pb.label = min(max(percent, 0), 100), label
	pb.renderLocked()
	if pb.inplace {
		fmt.Fprintln(pb.w)
	}
	pb.done = true
}

func (pb *ProgressBar) renderLocked() {
	line := RenderBar(pb.percent, pb.width, pb.palette) + " " + pb.label
	if pb.inplace {
		fmt.Fprintf(pb.w, "\r\033[K%s", line)
	} else {
		fmt.Fprintln(pb.w, line)
	}
}

// RenderBar formats "[#####-----]  50%" at the given inner width.
func RenderBar(percent, width int, palette *Palette) string {
	percent = min(max(percent, 0), 100)
	filled := width * percent / 100
	bar := palette.Sprint(ColorSuccess, strings.Repeat("#", filled)) +
		palette.Sprint(ColorMuted, strings.Repeat("-", width-filled))
	return fmt.Sprintf("[%s] %3d%%", bar, percent)
}
