package input

import (
	"bytes"
	"testing"

	"github.com/ehrlich-b/wsh/internal/werr"
)

func newTestRouter(focusable ...string) (*Router, chan []byte) {
	ptyCh := make(chan []byte, 16)
	r := NewRouter(ptyCh)
	r.Focusable = func(id string) bool {
		for _, f := range focusable {
			if f == id {
				return true
			}
		}
		return false
	}
	return r, ptyCh
}

func TestPassthroughReachesPTYAndSubscribers(t *testing.T) {
	r, ptyCh := newTestRouter()
	sub := r.Subscribe()
	defer sub.Close()

	if err := r.Route([]byte("a")); err != nil {
		t.Fatalf("route: %v", err)
	}
	select {
	case data := <-ptyCh:
		if !bytes.Equal(data, []byte("a")) {
			t.Errorf("pty got %q, want a", data)
		}
	default:
		t.Fatal("pty channel should have the byte")
	}
	ev := <-sub.C
	if ev.Mode != ModePassthrough || ev.Target != "" {
		t.Errorf("event mode=%q target=%q, want passthrough and empty", ev.Mode, ev.Target)
	}
	if ev.Key == nil || ev.Key.Key != "a" {
		t.Errorf("parsed key = %+v, want a", ev.Key)
	}
}

func TestCaptureBlocksPTY(t *testing.T) {
	r, ptyCh := newTestRouter()
	sub := r.Subscribe()
	defer sub.Close()

	r.Capture()
	if err := r.Route([]byte("x")); err != nil {
		t.Fatalf("route: %v", err)
	}
	select {
	case data := <-ptyCh:
		t.Fatalf("capture mode leaked %q to pty", data)
	default:
	}
	ev := <-sub.C
	if ev.Mode != ModeCapture {
		t.Errorf("event mode = %q, want capture", ev.Mode)
	}
}

func TestCaptureWithFocusTagsTarget(t *testing.T) {
	r, _ := newTestRouter("o-1")
	sub := r.Subscribe()
	defer sub.Close()

	r.Capture()
	if err := r.SetFocus("o-1"); err != nil {
		t.Fatalf("focus: %v", err)
	}
	r.Route([]byte("k"))
	ev := <-sub.C
	if ev.Target != "o-1" {
		t.Errorf("event target = %q, want o-1", ev.Target)
	}
}

func TestFocusRequiresCaptureMode(t *testing.T) {
	r, _ := newTestRouter("o-1")
	err := r.SetFocus("o-1")
	if werr.As(err).Code != werr.CodeInvalidRequest {
		t.Errorf("focus in passthrough: code = %q, want invalid_request", werr.As(err).Code)
	}
}

func TestFocusRequiresFocusable(t *testing.T) {
	r, _ := newTestRouter("o-1")
	r.Capture()
	if err := r.SetFocus("o-2"); err == nil {
		t.Error("focusing a non-focusable id should fail")
	}
}

func TestEscapeHatchInCapture(t *testing.T) {
	r, ptyCh := newTestRouter("o-1")
	sub := r.Subscribe()
	defer sub.Close()

	var modeChanges []Mode
	r.OnModeChange = func(m Mode, _ string) { modeChanges = append(modeChanges, m) }

	r.Capture()
	r.SetFocus("o-1")
	if err := r.Route([]byte{0x1c}); err != nil {
		t.Fatalf("route: %v", err)
	}

	if r.Mode() != ModePassthrough {
		t.Error("escape hatch should reset to passthrough")
	}
	if r.Focus() != "" {
		t.Error("escape hatch should clear focus")
	}
	// The hatch byte never reaches pty or subscribers.
	select {
	case data := <-ptyCh:
		t.Fatalf("hatch byte leaked to pty: %q", data)
	default:
	}
	select {
	case ev := <-sub.C:
		if bytes.Contains(ev.Raw, []byte{0x1c}) {
			t.Fatalf("hatch byte leaked to subscribers: %+v", ev)
		}
	default:
	}
	found := false
	for _, m := range modeChanges {
		if m == ModePassthrough {
			found = true
		}
	}
	if !found {
		t.Error("mode change callback should fire on escape hatch")
	}
}

func TestEscapeHatchForwardedInPassthrough(t *testing.T) {
	r, ptyCh := newTestRouter()
	if err := r.Route([]byte{0x1c}); err != nil {
		t.Fatalf("route: %v", err)
	}
	data := <-ptyCh
	if !bytes.Equal(data, []byte{0x1c}) {
		t.Errorf("passthrough should forward 0x1c unchanged, got %q", data)
	}
}

func TestEscapeHatchSplitsPacket(t *testing.T) {
	r, ptyCh := newTestRouter()
	sub := r.Subscribe()
	defer sub.Close()

	r.Capture()
	// "ab" captured, hatch resets, "cd" flows through passthrough.
	if err := r.Route([]byte{'a', 'b', 0x1c, 'c', 'd'}); err != nil {
		t.Fatalf("route: %v", err)
	}
	ev := <-sub.C
	if string(ev.Raw) != "ab" || ev.Mode != ModeCapture {
		t.Errorf("captured part = %q mode=%q, want ab capture", ev.Raw, ev.Mode)
	}
	data := <-ptyCh
	if string(data) != "cd" {
		t.Errorf("post-hatch bytes = %q, want cd", data)
	}
}

func TestDeleteFocusedClearsFocus(t *testing.T) {
	r, _ := newTestRouter("o-1")
	r.Capture()
	r.SetFocus("o-1")
	r.ClearFocusIf("o-other")
	if r.Focus() != "o-1" {
		t.Error("unrelated clear should not drop focus")
	}
	r.ClearFocusIf("o-1")
	if r.Focus() != "" {
		t.Error("deleting the focused element must clear focus")
	}
	if r.Mode() != ModeCapture {
		t.Error("clearing focus should not leave capture")
	}
}

func TestUnfocusKeepsCapture(t *testing.T) {
	r, _ := newTestRouter("o-1")
	r.Capture()
	r.SetFocus("o-1")
	r.Unfocus()
	if r.Focus() != "" || r.Mode() != ModeCapture {
		t.Errorf("unfocus: focus=%q mode=%q, want empty and capture", r.Focus(), r.Mode())
	}
}

func TestReleaseClearsFocus(t *testing.T) {
	r, _ := newTestRouter("o-1")
	r.Capture()
	r.SetFocus("o-1")
	r.Release()
	if r.Mode() != ModePassthrough || r.Focus() != "" {
		t.Errorf("release: mode=%q focus=%q", r.Mode(), r.Focus())
	}
}

func TestChannelFullReported(t *testing.T) {
	ptyCh := make(chan []byte) // unbuffered and never drained
	r := NewRouter(ptyCh)
	err := r.Route([]byte("x"))
	if werr.As(err).Code != werr.CodeChannelFull {
		t.Errorf("full channel: code = %q, want channel_full", werr.As(err).Code)
	}
}
