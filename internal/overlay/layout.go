package overlay

import "sort"

// PlacedPanel is a panel with its allocated first screen row.
type PlacedPanel struct {
	Panel
	StartRow int
}

// Layout is the computed panel arrangement for one terminal size. The
// PTY interior occupies rows [InteriorTop, InteriorTop+InteriorRows).
type Layout struct {
	Placed       []PlacedPanel
	Hidden       []string // panel ids that did not fit
	InteriorTop  int
	InteriorRows int
	Cols         int
}

// Compute allocates panels greedily by (position, descending z) from
// each edge. Panels that cannot fit are reported hidden. The interior
// may reach zero rows.
func Compute(panels []Panel, rows, cols int) Layout {
	byEdge := func(pos PanelPosition) []Panel {
		var out []Panel
		for _, p := range panels {
			if p.Position == pos {
				out = append(out, p)
			}
		}
		// Descending z; creation order breaks ties.
		sort.Slice(out, func(i, j int) bool {
			if out[i].Z != out[j].Z {
				return out[i].Z > out[j].Z
			}
			return out[i].created < out[j].created
		})
		return out
	}

	l := Layout{InteriorTop: 0, InteriorRows: rows, Cols: cols}
	remaining := rows
	top := 0
	bottom := rows

	for _, p := range byEdge(PanelTop) {
		if p.Height > remaining {
			l.Hidden = append(l.Hidden, p.ID)
			continue
		}
		p.Visible = true
		l.Placed = append(l.Placed, PlacedPanel{Panel: p, StartRow: top})
		top += p.Height
		remaining -= p.Height
	}
	for _, p := range byEdge(PanelBottom) {
		if p.Height > remaining {
			l.Hidden = append(l.Hidden, p.ID)
			continue
		}
		p.Visible = true
		bottom -= p.Height
		l.Placed = append(l.Placed, PlacedPanel{Panel: p, StartRow: bottom})
		remaining -= p.Height
	}

	l.InteriorTop = top
	l.InteriorRows = bottom - top
	if l.InteriorRows < 0 {
		l.InteriorRows = 0
	}
	return l
}
