package overlay

import (
	"strings"
	"testing"

	"github.com/ehrlich-b/wsh/internal/term"
	"github.com/ehrlich-b/wsh/internal/werr"
)

func zp(n int) *int { return &n }

func TestOverlayCreateGet(t *testing.T) {
	s := NewStore()
	bg := term.RGB(30, 30, 30)
	id, err := s.Create(Overlay{
		Geometry:   Geometry{X: 5, Y: 2, Width: 6, Height: 1},
		Background: &bg,
		Spans:      []term.Span{{ID: "msg", Text: "hi"}},
		Focusable:  true,
	}, nil, ModeNormal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(id, "o-") {
		t.Errorf("id = %q, want o- prefix", id)
	}

	o, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.X != 5 || o.Y != 2 || o.Width != 6 || o.Height != 1 {
		t.Errorf("geometry = %+v, want 5,2,6x1", o.Geometry)
	}
	if o.Background == nil || *o.Background != bg {
		t.Errorf("background = %v, want %v", o.Background, bg)
	}
	if len(o.Spans) != 1 || o.Spans[0].Text != "hi" {
		t.Errorf("spans = %+v", o.Spans)
	}
	if o.Mode != ModeNormal {
		t.Errorf("mode = %q, want normal", o.Mode)
	}
	if !o.Focusable {
		t.Error("focusable lost")
	}
}

func TestOverlayZDefaultsAboveMax(t *testing.T) {
	s := NewStore()
	id1, _ := s.Create(Overlay{Geometry: Geometry{Width: 1, Height: 1}}, zp(10), ModeNormal)
	id2, _ := s.Create(Overlay{Geometry: Geometry{Width: 1, Height: 1}}, nil, ModeNormal)

	o1, _ := s.Get(id1)
	o2, _ := s.Get(id2)
	if o2.Z <= o1.Z {
		t.Errorf("new overlay z = %d, want above %d", o2.Z, o1.Z)
	}
}

func TestOverlayExplicitZeroZHonored(t *testing.T) {
	s := NewStore()
	s.Create(Overlay{Geometry: Geometry{Width: 1, Height: 1}}, zp(5), ModeNormal)
	id, _ := s.Create(Overlay{Geometry: Geometry{Width: 1, Height: 1}}, zp(0), ModeNormal)

	// An explicit z of 0 places the overlay at the bottom of the
	// stack; it must round-trip through get unchanged.
	o, _ := s.Get(id)
	if o.Z != 0 {
		t.Errorf("explicit z=0 stored as %d", o.Z)
	}
	list := s.List()
	if list[0].ID != id {
		t.Errorf("z=0 overlay should sort first, got %s", list[0].ID)
	}
}

func TestPanelExplicitZeroZHonored(t *testing.T) {
	s := NewPanelStore()
	s.Create(Panel{Position: PanelTop, Height: 1}, zp(5), ModeNormal)
	id, _ := s.Create(Panel{Position: PanelTop, Height: 1}, zp(0), ModeNormal)
	p, _ := s.Get(id)
	if p.Z != 0 {
		t.Errorf("explicit z=0 stored as %d", p.Z)
	}
}

func TestOverlayListSortedByZ(t *testing.T) {
	s := NewStore()
	top, _ := s.Create(Overlay{Geometry: Geometry{Width: 1, Height: 1}}, zp(5), ModeNormal)
	bottom, _ := s.Create(Overlay{Geometry: Geometry{Width: 1, Height: 1}}, zp(1), ModeNormal)

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("list len = %d", len(list))
	}
	if list[0].ID != bottom || list[1].ID != top {
		t.Errorf("list order = %s,%s, want %s,%s", list[0].ID, list[1].ID, bottom, top)
	}
}

func TestOverlayIDsUnique(t *testing.T) {
	s := NewStore()
	seen := make(map[string]bool)
	for range 100 {
		id, _ := s.Create(Overlay{Geometry: Geometry{Width: 1, Height: 1}}, nil, ModeNormal)
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestOverlayUpdateSpansPartial(t *testing.T) {
	s := NewStore()
	id, _ := s.Create(Overlay{
		Geometry: Geometry{Width: 20, Height: 1},
		Spans: []term.Span{
			{ID: "left", Text: "status"},
			{Text: "fixed"},
		},
	}, nil, ModeNormal)

	bold := term.Style{Bold: true}
	err := s.UpdateSpans(id, []SpanUpdate{{ID: "left", Text: "ok", Style: &bold}})
	if err != nil {
		t.Fatalf("update spans: %v", err)
	}
	o, _ := s.Get(id)
	// Shorter text keeps the old footprint, padded with blanks.
	if o.Spans[0].Text != "ok    " {
		t.Errorf("updated span text = %q, want %q", o.Spans[0].Text, "ok    ")
	}
	if !o.Spans[0].Bold {
		t.Error("updated span should be bold")
	}
	if o.Spans[1].Text != "fixed" {
		t.Errorf("untargeted span changed: %q", o.Spans[1].Text)
	}
}

func TestOverlayUpdateSpansEmptyIsNoop(t *testing.T) {
	s := NewStore()
	id, _ := s.Create(Overlay{
		Geometry: Geometry{Width: 5, Height: 1},
		Spans:    []term.Span{{ID: "a", Text: "abc"}},
	}, nil, ModeNormal)
	before, _ := s.Get(id)
	if err := s.UpdateSpans(id, nil); err != nil {
		t.Fatalf("empty update: %v", err)
	}
	after, _ := s.Get(id)
	if before.Spans[0] != after.Spans[0] {
		t.Errorf("empty update changed span: %+v vs %+v", before.Spans[0], after.Spans[0])
	}
}

func TestOverlayMovePartial(t *testing.T) {
	s := NewStore()
	id, _ := s.Create(Overlay{Geometry: Geometry{X: 1, Y: 2, Width: 3, Height: 4}}, nil, ModeNormal)

	newX := 10
	if err := s.Move(id, GeometryPatch{X: &newX}); err != nil {
		t.Fatalf("move: %v", err)
	}
	o, _ := s.Get(id)
	if o.X != 10 || o.Y != 2 || o.Width != 3 || o.Height != 4 {
		t.Errorf("after move = %+v, want only x changed", o.Geometry)
	}
}

func TestOverlayDeleteReturnsGeometry(t *testing.T) {
	s := NewStore()
	id, _ := s.Create(Overlay{Geometry: Geometry{X: 5, Y: 2, Width: 6, Height: 1}}, nil, ModeNormal)
	geo, err := s.Delete(id)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if geo.X != 5 || geo.Width != 6 {
		t.Errorf("returned geometry = %+v", geo)
	}
	if _, err := s.Get(id); err == nil {
		t.Error("get after delete should fail")
	}
	if len(s.List()) != 0 {
		t.Error("list should be empty after delete")
	}
}

func TestOverlayNotFoundCode(t *testing.T) {
	s := NewStore()
	_, err := s.Get("o-missing")
	if werr.As(err).Code != werr.CodeOverlayNotFound {
		t.Errorf("error code = %q, want overlay_not_found", werr.As(err).Code)
	}
}

func TestOverlayDeleteByMode(t *testing.T) {
	s := NewStore()
	keep, _ := s.Create(Overlay{Geometry: Geometry{Width: 1, Height: 1}}, nil, ModeNormal)
	gone, _ := s.Create(Overlay{Geometry: Geometry{Width: 1, Height: 1}}, nil, ModeAlt)

	ids := s.DeleteByMode(ModeAlt)
	if len(ids) != 1 || ids[0] != gone {
		t.Errorf("deleted ids = %v, want [%s]", ids, gone)
	}
	if _, err := s.Get(keep); err != nil {
		t.Error("normal overlay should survive")
	}
}

func TestOverlayNegativeGeometryRejected(t *testing.T) {
	s := NewStore()
	if _, err := s.Create(Overlay{Geometry: Geometry{X: -1, Width: 1, Height: 1}}, nil, ModeNormal); err == nil {
		t.Error("negative x should be rejected")
	}
}

func TestPanelCreateValidation(t *testing.T) {
	s := NewPanelStore()
	if _, err := s.Create(Panel{Position: PanelTop, Height: 0}, nil, ModeNormal); err == nil {
		t.Error("zero height should be rejected")
	}
	if _, err := s.Create(Panel{Position: "left", Height: 1}, nil, ModeNormal); err == nil {
		t.Error("bad position should be rejected")
	}
	id, err := s.Create(Panel{Position: PanelBottom, Height: 2}, nil, ModeNormal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(id, "p-") {
		t.Errorf("id = %q, want p- prefix", id)
	}
	p, _ := s.Get(id)
	if !p.Visible {
		t.Error("new panel should start visible")
	}
}

func TestPanelFocusClearedHelper(t *testing.T) {
	s := NewPanelStore()
	id, _ := s.Create(Panel{Position: PanelTop, Height: 1, Focusable: true}, nil, ModeNormal)
	if !s.Focusable(id) {
		t.Error("panel should be focusable")
	}
	s.Delete(id)
	if s.Focusable(id) {
		t.Error("deleted panel should not be focusable")
	}
}
