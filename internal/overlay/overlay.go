// Package overlay stores the agent-owned composition elements of a
// session: floating overlays and edge-docked panels. Elements are keyed
// by string id — focus and deletion stay safe by construction because
// nothing holds a pointer into a store.
package overlay

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ehrlich-b/wsh/internal/term"
	"github.com/ehrlich-b/wsh/internal/werr"
)

// ScreenMode tags elements with the screen they belong to. Alt-tagged
// elements are destroyed when the session leaves the alternate screen.
type ScreenMode string

const (
	ModeNormal ScreenMode = "normal"
	ModeAlt    ScreenMode = "alt"
)

// RegionWrite is a styled text run at an offset inside an element's own
// coordinate space. Region writes render after spans and override them
// cell for cell.
type RegionWrite struct {
	Row  int    `json:"row"`
	Col  int    `json:"col"`
	Text string `json:"text"`
	term.Style
}

// Geometry is an overlay's rectangle and layer.
type Geometry struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
	Z      int `json:"z"`
}

// Overlay is a stored floating rectangle.
type Overlay struct {
	ID string `json:"id"`
	Geometry
	Background *term.Color   `json:"background,omitempty"`
	Spans      []term.Span   `json:"spans"`
	Writes     []RegionWrite `json:"writes,omitempty"`
	Focusable  bool          `json:"focusable,omitempty"`
	Mode       ScreenMode    `json:"screen_mode"`

	created uint64
}

// SpanUpdate replaces the text and, when style fields are present, the
// style of the span whose id matches.
type SpanUpdate struct {
	ID    string      `json:"id"`
	Text  string      `json:"text"`
	Style *term.Style `json:"style,omitempty"`
}

// GeometryPatch is a partial move_to update; nil fields keep the current
// value.
type GeometryPatch struct {
	X      *int `json:"x,omitempty"`
	Y      *int `json:"y,omitempty"`
	Z      *int `json:"z,omitempty"`
	Width  *int `json:"width,omitempty"`
	Height *int `json:"height,omitempty"`
}

// Store holds a session's overlays. All operations are safe for
// concurrent use; no lock is held across a channel operation.
type Store struct {
	mu      sync.RWMutex
	items   map[string]*Overlay
	counter uint64
}

// NewStore creates an empty overlay store.
func NewStore() *Store {
	return &Store{items: make(map[string]*Overlay)}
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// Create inserts a new overlay and returns its id. z overrides the
// layer when set; nil places the overlay one layer above the current
// maximum. The Z carried inside o is ignored.
func (s *Store) Create(o Overlay, z *int, mode ScreenMode) (string, error) {
	if o.Width < 0 || o.Height < 0 || o.X < 0 || o.Y < 0 {
		return "", werr.InvalidRequest("overlay geometry must be non-negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o.ID = newID("o")
	o.Mode = mode
	s.counter++
	o.created = s.counter
	if z != nil {
		o.Z = *z
	} else {
		o.Z = s.maxZLocked() + 1
	}
	cp := o
	cp.Spans = cloneSpans(o.Spans)
	cp.Writes = cloneWrites(o.Writes)
	s.items[o.ID] = &cp
	return o.ID, nil
}

func (s *Store) maxZLocked() int {
	max := 0
	for _, o := range s.items {
		if o.Z > max {
			max = o.Z
		}
	}
	return max
}

// Get returns a copy of the overlay.
func (s *Store) Get(id string) (Overlay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.items[id]
	if !ok {
		return Overlay{}, werr.OverlayNotFound(id)
	}
	return o.clone(), nil
}

// List returns all overlays sorted by z ascending, creation order
// breaking ties.
func (s *Store) List() []Overlay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Overlay, 0, len(s.items))
	for _, o := range s.items {
		out = append(out, o.clone())
	}
	sortOverlays(out)
	return out
}

// ListByMode returns overlays tagged with the given screen mode, z
// ascending.
func (s *Store) ListByMode(mode ScreenMode) []Overlay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Overlay
	for _, o := range s.items {
		if o.Mode == mode {
			out = append(out, o.clone())
		}
	}
	sortOverlays(out)
	return out
}

func sortOverlays(out []Overlay) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Z != out[j].Z {
			return out[i].Z < out[j].Z
		}
		return out[i].created < out[j].created
	})
}

// UpdateSpans applies partial span updates by span id. Unmatched updates
// are ignored; spans without ids are untouchable by design. A new text
// shorter than the old keeps the span's footprint — the remainder is
// filled with background-colored padding.
func (s *Store) UpdateSpans(id string, updates []SpanUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.items[id]
	if !ok {
		return werr.OverlayNotFound(id)
	}
	applySpanUpdates(o.Spans, updates)
	return nil
}

func applySpanUpdates(spans []term.Span, updates []SpanUpdate) {
	for _, u := range updates {
		if u.ID == "" {
			continue
		}
		for i := range spans {
			if spans[i].ID != u.ID {
				continue
			}
			oldLen := len([]rune(spans[i].Text))
			newLen := len([]rune(u.Text))
			text := u.Text
			if newLen < oldLen {
				text += strings.Repeat(" ", oldLen-newLen)
			}
			spans[i].Text = text
			if u.Style != nil {
				spans[i].Style = *u.Style
			}
			break
		}
	}
}

// Move applies a partial geometry update.
func (s *Store) Move(id string, patch GeometryPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.items[id]
	if !ok {
		return werr.OverlayNotFound(id)
	}
	if patch.X != nil {
		o.X = *patch.X
	}
	if patch.Y != nil {
		o.Y = *patch.Y
	}
	if patch.Z != nil {
		o.Z = *patch.Z
	}
	if patch.Width != nil {
		o.Width = *patch.Width
	}
	if patch.Height != nil {
		o.Height = *patch.Height
	}
	return nil
}

// SetWrites replaces the overlay's region-write list.
func (s *Store) SetWrites(id string, writes []RegionWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.items[id]
	if !ok {
		return werr.OverlayNotFound(id)
	}
	o.Writes = cloneWrites(writes)
	return nil
}

// Delete removes the overlay, returning its last geometry so the
// composer can repaint the vacated rectangle.
func (s *Store) Delete(id string) (Geometry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.items[id]
	if !ok {
		return Geometry{}, werr.OverlayNotFound(id)
	}
	delete(s.items, id)
	return o.Geometry, nil
}

// Clear removes every overlay.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*Overlay)
}

// DeleteByMode removes overlays tagged with the mode and returns their
// ids.
func (s *Store) DeleteByMode(mode ScreenMode) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, o := range s.items {
		if o.Mode == mode {
			delete(s.items, id)
			ids = append(ids, id)
		}
	}
	return ids
}

// Focusable reports whether the id exists and accepts focus.
func (s *Store) Focusable(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.items[id]
	return ok && o.Focusable
}

func (o *Overlay) clone() Overlay {
	cp := *o
	cp.Spans = cloneSpans(o.Spans)
	cp.Writes = cloneWrites(o.Writes)
	return cp
}

func cloneSpans(in []term.Span) []term.Span {
	if in == nil {
		return nil
	}
	return append([]term.Span(nil), in...)
}

func cloneWrites(in []RegionWrite) []RegionWrite {
	if in == nil {
		return nil
	}
	return append([]RegionWrite(nil), in...)
}
