// Package compose turns PTY output plus the session's overlay and panel
// stores into a single ANSI byte stream for the outer terminal. Frames
// that carry decorations are bracketed with DEC 2026 synchronized-update
// markers so attached terminals paint each flush atomically; a frame with
// no decorations is the PTY bytes unchanged, without markers.
package compose

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehrlich-b/wsh/internal/overlay"
	"github.com/ehrlich-b/wsh/internal/term"
)

const (
	syncBegin  = "\x1b[?2026h"
	syncEnd    = "\x1b[?2026l"
	saveCur    = "\x1b7"
	restoreCur = "\x1b8"
)

// Composer renders decoration frames for one session. It reads shared
// stores and the parser; it owns no state beyond its wiring.
type Composer struct {
	Parser   *term.Parser
	Overlays *overlay.Store
	Panels   *overlay.PanelStore

	// Mode reports the session's agent-facing screen mode; only
	// elements tagged with it are rendered.
	Mode func() overlay.ScreenMode

	// Layout reports the current panel layout.
	Layout func() overlay.Layout

	// Size reports the outer terminal dimensions.
	Size func() (rows, cols int)
}

// Frame forwards one flush of PTY output with decorations painted on
// top. With no visible decorations the PTY bytes pass through untouched,
// keeping the human path bit-exact.
func (c *Composer) Frame(ptyBytes []byte) []byte {
	deco := c.decorations()
	if deco == "" {
		return ptyBytes
	}
	var b strings.Builder
	b.Grow(len(ptyBytes) + len(deco) + 32)
	b.WriteString(syncBegin)
	b.Write(ptyBytes)
	b.WriteString(saveCur)
	b.WriteString(deco)
	b.WriteString(restoreCur)
	b.WriteString(syncEnd)
	return []byte(b.String())
}

// Recompose paints the full screen from parser state plus decorations.
// Safe to substitute for any incremental frame.
func (c *Composer) Recompose(ctx context.Context) ([]byte, error) {
	_, screen, err := c.Parser.Replay(ctx, 0)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(syncBegin)
	b.Write(screen)
	b.WriteString(saveCur)
	b.WriteString(c.decorations())
	b.WriteString(restoreCur)
	b.WriteString(syncEnd)
	return []byte(b.String()), nil
}

// RestoreRect repaints a vacated rectangle from the parser's cell grid,
// then repaints decorations over it. Used after an overlay delete.
func (c *Composer) RestoreRect(ctx context.Context, g overlay.Geometry) ([]byte, error) {
	cells, err := c.Parser.CellsInRect(ctx, g.X, g.Y, g.Width, g.Height)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(syncBegin)
	b.WriteString(saveCur)
	row := g.Y
	if row < 0 {
		row = 0
	}
	for _, line := range cells {
		col := g.X
		if col < 0 {
			col = 0
		}
		fmt.Fprintf(&b, "\x1b[%d;%dH", row+1, col+1)
		for _, cell := range line {
			b.WriteString(cell.Style.SGR())
			b.WriteRune(cell.Char)
		}
		row++
	}
	b.WriteString("\x1b[0m")
	b.WriteString(c.decorations())
	b.WriteString(restoreCur)
	b.WriteString(syncEnd)
	return []byte(b.String()), nil
}

// decorations renders every visible panel (layout order) then every
// visible overlay (z ascending) for the current screen mode.
func (c *Composer) decorations() string {
	rows, cols := c.Size()
	mode := c.Mode()
	var b strings.Builder

	layout := c.Layout()
	for _, p := range layout.Placed {
		if p.Mode != mode {
			continue
		}
		c.renderPanel(&b, p, rows, cols)
	}

	for _, o := range c.Overlays.ListByMode(mode) {
		c.renderOverlay(&b, o, rows, cols)
	}

	if b.Len() > 0 {
		b.WriteString("\x1b[0m")
	}
	return b.String()
}

func (c *Composer) renderPanel(b *strings.Builder, p overlay.PlacedPanel, rows, cols int) {
	bg := term.Style{}
	if p.Background != nil {
		bg.Bg = *p.Background
	}
	// Background fill across the full strip.
	for r := 0; r < p.Height; r++ {
		row := p.StartRow + r
		if row < 0 || row >= rows {
			continue
		}
		fmt.Fprintf(b, "\x1b[%d;1H", row+1)
		b.WriteString(bg.SGR())
		b.WriteString(strings.Repeat(" ", cols))
	}
	flowSpans(b, p.Spans, p.StartRow, 0, cols, p.StartRow, p.StartRow+p.Height, rows, cols, p.Background)
	renderWrites(b, p.Writes, p.StartRow, 0, p.StartRow+p.Height, rows, cols, p.Background)
}

func (c *Composer) renderOverlay(b *strings.Builder, o overlay.Overlay, rows, cols int) {
	if o.Width <= 0 || o.Height <= 0 {
		return
	}
	if o.Background != nil {
		bg := term.Style{Bg: *o.Background}
		for r := 0; r < o.Height; r++ {
			row := o.Y + r
			if row < 0 || row >= rows {
				continue
			}
			startCol, width := clipRun(o.X, o.Width, cols)
			if width <= 0 {
				continue
			}
			fmt.Fprintf(b, "\x1b[%d;%dH", row+1, startCol+1)
			b.WriteString(bg.SGR())
			b.WriteString(strings.Repeat(" ", width))
		}
	}
	flowSpans(b, o.Spans, o.Y, o.X, o.X+o.Width, o.Y, o.Y+o.Height, rows, cols, o.Background)
	renderWrites(b, o.Writes, o.Y, o.X, o.Y+o.Height, rows, cols, o.Background)
}

// clipRun clips a horizontal run [x, x+w) to [0, cols).
func clipRun(x, w, cols int) (start, width int) {
	start = x
	end := x + w
	if start < 0 {
		start = 0
	}
	if end > cols {
		end = cols
	}
	return start, end - start
}

// flowSpans lays spans out from (startRow, startCol), wrapping at
// wrapCol back to startCol, and resetting to startCol on a newline.
// Content outside [minRow,maxRow) or the viewport is clipped silently.
func flowSpans(b *strings.Builder, spans []term.Span, startRow, startCol, wrapCol, minRow, maxRow, rows, cols int, bg *term.Color) {
	row, col := startRow, startCol
	for _, sp := range spans {
		style := sp.Style
		if bg != nil && style.Bg.IsDefault() {
			style.Bg = *bg
		}
		sgr := style.SGR()
		positioned := false
		for _, r := range sp.Text {
			if r == '\n' {
				row++
				col = startCol
				positioned = false
				continue
			}
			if col >= wrapCol {
				row++
				col = startCol
				positioned = false
			}
			if row >= maxRow || row >= rows {
				return
			}
			if row < minRow || row < 0 || col < 0 || col >= cols {
				col++
				positioned = false
				continue
			}
			if !positioned {
				fmt.Fprintf(b, "\x1b[%d;%dH", row+1, col+1)
				b.WriteString(sgr)
				positioned = true
			}
			b.WriteRune(r)
			col++
		}
	}
}

// renderWrites paints region writes at their offsets, clipped to the
// element rows and the viewport. Writes override spans cell for cell.
func renderWrites(b *strings.Builder, writes []overlay.RegionWrite, baseRow, baseCol, maxRow, rows, cols int, bg *term.Color) {
	for _, w := range writes {
		row := baseRow + w.Row
		if row < 0 || row >= maxRow || row >= rows {
			continue
		}
		style := w.Style
		if bg != nil && style.Bg.IsDefault() {
			style.Bg = *bg
		}
		sgr := style.SGR()
		col := baseCol + w.Col
		positioned := false
		for _, r := range w.Text {
			if col < 0 || col >= cols {
				col++
				positioned = false
				continue
			}
			if !positioned {
				fmt.Fprintf(b, "\x1b[%d;%dH", row+1, col+1)
				b.WriteString(sgr)
				positioned = true
			}
			b.WriteRune(r)
			col++
		}
	}
}
