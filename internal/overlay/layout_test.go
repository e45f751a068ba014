package overlay

import "testing"

func panels(store *PanelStore) []Panel { return store.List() }

func TestLayoutTopAndBottom(t *testing.T) {
	s := NewPanelStore()
	s.Create(Panel{Position: PanelTop, Height: 2}, nil, ModeNormal)
	s.Create(Panel{Position: PanelBottom, Height: 3}, nil, ModeNormal)

	l := Compute(panels(s), 24, 80)
	if l.InteriorTop != 2 {
		t.Errorf("interior top = %d, want 2", l.InteriorTop)
	}
	if l.InteriorRows != 24-2-3 {
		t.Errorf("interior rows = %d, want 19", l.InteriorRows)
	}
	if len(l.Placed) != 2 || len(l.Hidden) != 0 {
		t.Errorf("placed=%d hidden=%d", len(l.Placed), len(l.Hidden))
	}
}

func TestLayoutHigherZWinsEdge(t *testing.T) {
	s := NewPanelStore()
	low, _ := s.Create(Panel{Position: PanelTop, Height: 1}, zp(1), ModeNormal)
	high, _ := s.Create(Panel{Position: PanelTop, Height: 1}, zp(9), ModeNormal)

	l := Compute(panels(s), 24, 80)
	if len(l.Placed) != 2 {
		t.Fatalf("placed = %d", len(l.Placed))
	}
	// Higher z allocates first, closest to the edge.
	if l.Placed[0].ID != high || l.Placed[0].StartRow != 0 {
		t.Errorf("first placed = %s at %d, want %s at 0", l.Placed[0].ID, l.Placed[0].StartRow, high)
	}
	if l.Placed[1].ID != low || l.Placed[1].StartRow != 1 {
		t.Errorf("second placed = %s at %d, want %s at 1", l.Placed[1].ID, l.Placed[1].StartRow, low)
	}
}

func TestLayoutOversizedPanelHidden(t *testing.T) {
	s := NewPanelStore()
	fits, _ := s.Create(Panel{Position: PanelTop, Height: 3}, zp(5), ModeNormal)
	huge, _ := s.Create(Panel{Position: PanelBottom, Height: 50}, zp(1), ModeNormal)

	l := Compute(panels(s), 24, 80)
	if len(l.Hidden) != 1 || l.Hidden[0] != huge {
		t.Errorf("hidden = %v, want [%s]", l.Hidden, huge)
	}
	if len(l.Placed) != 1 || l.Placed[0].ID != fits {
		t.Errorf("placed = %v", l.Placed)
	}
}

func TestLayoutInteriorCanReachZero(t *testing.T) {
	s := NewPanelStore()
	s.Create(Panel{Position: PanelTop, Height: 10}, nil, ModeNormal)
	s.Create(Panel{Position: PanelBottom, Height: 14}, nil, ModeNormal)

	l := Compute(panels(s), 24, 80)
	if l.InteriorRows != 0 {
		t.Errorf("interior rows = %d, want 0", l.InteriorRows)
	}
	if len(l.Hidden) != 0 {
		t.Errorf("hidden = %v, want none", l.Hidden)
	}
}

func TestLayoutPanelEqualToRemaining(t *testing.T) {
	s := NewPanelStore()
	s.Create(Panel{Position: PanelBottom, Height: 24}, nil, ModeNormal)

	l := Compute(panels(s), 24, 80)
	if len(l.Placed) != 1 {
		t.Fatalf("panel equal to terminal should fit, hidden=%v", l.Hidden)
	}
	if l.InteriorRows != 0 {
		t.Errorf("interior rows = %d, want 0", l.InteriorRows)
	}
	if l.Placed[0].StartRow != 0 {
		t.Errorf("start row = %d, want 0", l.Placed[0].StartRow)
	}
}

func TestLayoutZTieUsesCreationOrder(t *testing.T) {
	s := NewPanelStore()
	first, _ := s.Create(Panel{Position: PanelTop, Height: 1}, zp(3), ModeNormal)
	second, _ := s.Create(Panel{Position: PanelTop, Height: 1}, zp(3), ModeNormal)

	l := Compute(panels(s), 24, 80)
	if l.Placed[0].ID != first || l.Placed[1].ID != second {
		t.Errorf("tie order = %s,%s, want creation order %s,%s",
			l.Placed[0].ID, l.Placed[1].ID, first, second)
	}
}

func TestLayoutEmpty(t *testing.T) {
	l := Compute(nil, 24, 80)
	if l.InteriorTop != 0 || l.InteriorRows != 24 {
		t.Errorf("empty layout interior = %d+%d, want 0+24", l.InteriorTop, l.InteriorRows)
	}
}
