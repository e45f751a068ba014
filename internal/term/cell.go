// Package term maintains terminal state (screen grid, scrollback,
// cursor, modes) from the raw PTY byte stream and serves structured
// queries and events over channels. The emulator state is owned by a
// single goroutine; see parser.go.
package term

import (
	"encoding/json"
	"fmt"
	"image/color"
	"strings"

	"github.com/charmbracelet/x/ansi"
	uv "github.com/charmbracelet/ultraviolet"
)

// ColorKind discriminates the color variants carried by a Style.
type ColorKind uint8

const (
	ColorDefault ColorKind = iota // terminal default fg/bg
	ColorNamed                    // one of the eight base colors
	ColorIndexed                  // 256-color palette index
	ColorRGB                      // 24-bit truecolor
)

// NamedColor is the classic eight-color palette.
type NamedColor uint8

const (
	Black NamedColor = iota
	Red
	Green
	Yellow
	Blue
	Magenta
	Cyan
	White
)

var namedColorNames = [...]string{
	"black", "red", "green", "yellow", "blue", "magenta", "cyan", "white",
}

func (n NamedColor) String() string {
	if int(n) < len(namedColorNames) {
		return namedColorNames[n]
	}
	return "black"
}

// Color is a tagged color variant: default, named, indexed, or RGB.
type Color struct {
	Kind  ColorKind
	Name  NamedColor
	Index uint8
	R     uint8
	G     uint8
	B     uint8
}

// Named builds a named base color.
func Named(n NamedColor) Color { return Color{Kind: ColorNamed, Name: n} }

// Indexed builds a 256-palette color.
func Indexed(i uint8) Color { return Color{Kind: ColorIndexed, Index: i} }

// RGB builds a truecolor value.
func RGB(r, g, b uint8) Color { return Color{Kind: ColorRGB, R: r, G: g, B: b} }

// IsDefault reports whether the color is the terminal default.
func (c Color) IsDefault() bool { return c.Kind == ColorDefault }

// MarshalJSON encodes a color as a name string, a palette index, or an
// {r,g,b} object. Default colors marshal as null.
func (c Color) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ColorNamed:
		return json.Marshal(c.Name.String())
	case ColorIndexed:
		return json.Marshal(int(c.Index))
	case ColorRGB:
		return json.Marshal(map[string]uint8{"r": c.R, "g": c.G, "b": c.B})
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts the same three shapes MarshalJSON produces.
func (c *Color) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*c = Color{}
		return nil
	}
	switch {
	case strings.HasPrefix(s, `"`):
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		for i, n := range namedColorNames {
			if n == name {
				*c = Named(NamedColor(i))
				return nil
			}
		}
		return fmt.Errorf("unknown color name %q", name)
	case strings.HasPrefix(s, "{"):
		var rgb struct {
			R uint8 `json:"r"`
			G uint8 `json:"g"`
			B uint8 `json:"b"`
		}
		if err := json.Unmarshal(data, &rgb); err != nil {
			return err
		}
		*c = RGB(rgb.R, rgb.G, rgb.B)
		return nil
	default:
		var idx int
		if err := json.Unmarshal(data, &idx); err != nil {
			return err
		}
		if idx < 0 || idx > 255 {
			return fmt.Errorf("color index %d out of range", idx)
		}
		*c = Indexed(uint8(idx))
		return nil
	}
}

// Style is the cell attribute set carried by spans and cells.
type Style struct {
	Fg        Color `json:"fg,omitzero"`
	Bg        Color `json:"bg,omitzero"`
	Bold      bool  `json:"bold,omitempty"`
	Italic    bool  `json:"italic,omitempty"`
	Underline bool  `json:"underline,omitempty"`
}

// IsZero reports whether the style is entirely default.
func (s Style) IsZero() bool {
	return s == Style{}
}

// Span is a contiguous run of identically styled characters. ID is
// optional and used for partial updates on overlays and panels.
type Span struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
	Style
}

// Line is an ordered span sequence.
type Line struct {
	Spans []Span `json:"spans"`
}

// Plain returns the line's text with styling stripped.
func (l Line) Plain() string {
	var b strings.Builder
	for _, s := range l.Spans {
		b.WriteString(s.Text)
	}
	return b.String()
}

// Cell is one screen grid position.
type Cell struct {
	Char  rune
	Style Style
}

// Cursor is the parser-reported cursor state.
type Cursor struct {
	Row     int  `json:"row"`
	Col     int  `json:"col"`
	Visible bool `json:"visible"`
}

// colorFromANSI converts an emulator cell color to the tagged variant.
// The emulator reports colors as x/ansi values; anything else collapses
// to RGB via the color.Color interface.
func colorFromANSI(c color.Color) Color {
	if c == nil {
		return Color{}
	}
	switch v := c.(type) {
	case ansi.BasicColor:
		if v < 8 {
			return Named(NamedColor(v))
		}
		return Indexed(uint8(v))
	case ansi.ExtendedColor:
		return Indexed(uint8(v))
	case ansi.TrueColor:
		r, g, b, _ := v.RGBA()
		return RGB(uint8(r>>8), uint8(g>>8), uint8(b>>8))
	}
	r, g, b, a := c.RGBA()
	if a == 0 {
		return Color{}
	}
	return RGB(uint8(r>>8), uint8(g>>8), uint8(b>>8))
}

// styleFromUV converts an emulator cell style.
func styleFromUV(s uv.Style) Style {
	return Style{
		Fg:        colorFromANSI(s.Fg),
		Bg:        colorFromANSI(s.Bg),
		Bold:      s.Attrs&uv.AttrBold != 0,
		Italic:    s.Attrs&uv.AttrItalic != 0,
		Underline: s.Underline != uv.UnderlineStyleNone,
	}
}

// SGR renders the style as a single CSI m sequence, always starting from
// a reset so composition does not inherit earlier attributes.
func (s Style) SGR() string {
	var b strings.Builder
	b.WriteString("\x1b[0")
	if s.Bold {
		b.WriteString(";1")
	}
	if s.Italic {
		b.WriteString(";3")
	}
	if s.Underline {
		b.WriteString(";4")
	}
	writeColorParams(&b, s.Fg, 30, 38)
	writeColorParams(&b, s.Bg, 40, 48)
	b.WriteString("m")
	return b.String()
}

func writeColorParams(b *strings.Builder, c Color, namedBase, extended int) {
	switch c.Kind {
	case ColorNamed:
		fmt.Fprintf(b, ";%d", namedBase+int(c.Name))
	case ColorIndexed:
		fmt.Fprintf(b, ";%d;5;%d", extended, c.Index)
	case ColorRGB:
		fmt.Fprintf(b, ";%d;2;%d;%d;%d", extended, c.R, c.G, c.B)
	}
}
