// Package input routes keystrokes either to the PTY or exclusively to
// subscribers, honoring capture mode, focus, and the Ctrl+\ escape
// hatch. The router is the single writer into the PTY input channel.
package input

import (
	"bytes"
	"sync"

	"github.com/ehrlich-b/wsh/internal/werr"
)

// escapeHatch force-resets capture mode back to passthrough.
const escapeHatch = 0x1c // Ctrl+\

// Mode is the input routing state.
type Mode string

const (
	ModePassthrough Mode = "passthrough"
	ModeCapture     Mode = "capture"
)

// subBuffer is the per-subscriber event channel capacity.
const subBuffer = 128

// Event is one routed input packet as seen by subscribers.
type Event struct {
	Mode   Mode   `json:"mode"`
	Target string `json:"target,omitempty"` // focused element id, capture mode only
	Raw    []byte `json:"raw"`
	Key    *Key   `json:"parsed,omitempty"`
}

// Sub is a bounded input event feed.
type Sub struct {
	C <-chan Event
	c chan Event
	r *Router
}

// Close releases the subscription.
func (s *Sub) Close() {
	s.r.mu.Lock()
	if _, ok := s.r.subs[s]; ok {
		delete(s.r.subs, s)
		close(s.c)
	}
	s.r.mu.Unlock()
}

// Router holds the input mode and focus handle for one session.
type Router struct {
	mu    sync.Mutex
	mode  Mode
	focus string
	subs  map[*Sub]struct{}

	ptyCh chan<- []byte

	// Focusable reports whether an element id exists and accepts focus.
	Focusable func(id string) bool

	// OnModeChange fires after every mode transition, outside the lock.
	OnModeChange func(mode Mode, focus string)
}

// NewRouter creates a router writing PTY-bound bytes into ptyCh.
func NewRouter(ptyCh chan<- []byte) *Router {
	return &Router{
		mode:  ModePassthrough,
		subs:  make(map[*Sub]struct{}),
		ptyCh: ptyCh,
	}
}

// Subscribe registers an input event feed.
func (r *Router) Subscribe() *Sub {
	c := make(chan Event, subBuffer)
	s := &Sub{C: c, c: c, r: r}
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()
	return s
}

// Mode returns the current input mode.
func (r *Router) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Focus returns the focused element id, empty when unfocused.
func (r *Router) Focus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focus
}

// Capture switches to capture mode. Idempotent.
func (r *Router) Capture() {
	r.mu.Lock()
	changed := r.mode != ModeCapture
	r.mode = ModeCapture
	focus := r.focus
	r.mu.Unlock()
	if changed {
		r.notifyMode(ModeCapture, focus)
	}
}

// Release returns to passthrough and clears focus. Idempotent.
func (r *Router) Release() {
	r.mu.Lock()
	changed := r.mode != ModePassthrough || r.focus != ""
	r.mode = ModePassthrough
	r.focus = ""
	r.mu.Unlock()
	if changed {
		r.notifyMode(ModePassthrough, "")
	}
}

// SetFocus binds capture-mode input to a focusable element. Rejected in
// passthrough or for non-focusable targets.
func (r *Router) SetFocus(id string) error {
	r.mu.Lock()
	if r.mode != ModeCapture {
		r.mu.Unlock()
		return werr.New(werr.CodeInvalidRequest, "focus requires capture mode")
	}
	if r.Focusable == nil || !r.Focusable(id) {
		r.mu.Unlock()
		return werr.New(werr.CodeInvalidRequest, "%q is not focusable", id)
	}
	r.focus = id
	r.mu.Unlock()
	r.notifyMode(ModeCapture, id)
	return nil
}

// Unfocus clears the focus handle without leaving capture.
func (r *Router) Unfocus() {
	r.mu.Lock()
	changed := r.focus != ""
	mode := r.mode
	r.focus = ""
	r.mu.Unlock()
	if changed {
		r.notifyMode(mode, "")
	}
}

// ClearFocusIf drops focus when it points at the given id — called when
// the focused element is deleted.
func (r *Router) ClearFocusIf(id string) {
	r.mu.Lock()
	changed := r.focus == id
	mode := r.mode
	if changed {
		r.focus = ""
	}
	r.mu.Unlock()
	if changed {
		r.notifyMode(mode, "")
	}
}

func (r *Router) notifyMode(mode Mode, focus string) {
	if r.OnModeChange != nil {
		r.OnModeChange(mode, focus)
	}
}

// Route processes one input packet from the user TTY or an API caller.
// In passthrough the bytes go to the PTY and to subscribers; in capture
// they go to subscribers only. The escape hatch byte is consumed in
// capture mode and forwarded untouched in passthrough.
func (r *Router) Route(data []byte) error {
	for len(data) > 0 {
		r.mu.Lock()
		mode := r.mode
		r.mu.Unlock()

		if mode == ModePassthrough {
			return r.routePassthrough(data)
		}

		// Capture: everything up to an escape hatch byte goes to
		// subscribers; the hatch itself resets to passthrough and the
		// remainder re-routes under the new mode.
		idx := bytes.IndexByte(data, escapeHatch)
		if idx < 0 {
			r.broadcast(data)
			return nil
		}
		if idx > 0 {
			r.broadcast(data[:idx])
		}
		r.Release()
		data = data[idx+1:]
	}
	return nil
}

func (r *Router) routePassthrough(data []byte) error {
	select {
	case r.ptyCh <- append([]byte(nil), data...):
	default:
		return werr.New(werr.CodeChannelFull, "input channel full")
	}
	r.broadcast(data)
	return nil
}

// broadcast delivers an input event to subscribers, lossy per slow
// subscriber.
func (r *Router) broadcast(data []byte) {
	raw := append([]byte(nil), data...)
	r.mu.Lock()
	ev := Event{
		Mode:   r.mode,
		Target: r.focus,
		Raw:    raw,
		Key:    ParseKey(raw),
	}
	for s := range r.subs {
		select {
		case s.c <- ev:
		default:
		}
	}
	r.mu.Unlock()
}
