package session

import (
	"bytes"
	"context"

	"github.com/ehrlich-b/wsh/internal/overlay"
	"github.com/ehrlich-b/wsh/internal/werr"
)

var (
	altEnterSeq = []byte("\x1b[?1049h")
	altExitSeq  = []byte("\x1b[?1049l")
)

// EnterAlt switches the session to agent-held alternate screen mode.
// Normal-mode overlays and panels stay stored but stop rendering; new
// elements are tagged alt.
func (s *Session) EnterAlt(ctx context.Context) error {
	s.mu.Lock()
	if s.screenMode == overlay.ModeAlt {
		s.mu.Unlock()
		return werr.InvalidRequest("already in alternate screen")
	}
	s.screenMode = overlay.ModeAlt
	s.mu.Unlock()

	// Normal panels vanish from layout; record their visibility.
	for _, p := range s.panels.ListByMode(overlay.ModeNormal) {
		s.panels.SetVisible(p.ID, false)
	}

	s.emitComposed(altEnterSeq)
	return s.relayout(ctx)
}

// ExitAlt destroys every alt-tagged element, restores normal mode, and
// reconciles the outer terminal with the child's own screen mode.
func (s *Session) ExitAlt(ctx context.Context) error {
	s.mu.Lock()
	if s.screenMode != overlay.ModeAlt {
		s.mu.Unlock()
		return werr.InvalidRequest("not in alternate screen")
	}
	s.screenMode = overlay.ModeNormal
	s.altCarry = nil
	s.mu.Unlock()

	for _, id := range s.overlays.DeleteByMode(overlay.ModeAlt) {
		s.router.ClearFocusIf(id)
	}
	for _, id := range s.panels.DeleteByMode(overlay.ModeAlt) {
		s.router.ClearFocusIf(id)
	}

	s.emitComposed(altExitSeq)

	// While the agent held alt mode the child's own toggles were
	// suppressed; bring the outer terminal back in line with the
	// child's current mode before repainting.
	if _, childAlt, _, _, err := s.parser.State(ctx); err == nil && childAlt {
		s.emitComposed(altEnterSeq)
	}

	return s.relayout(ctx)
}

// stripAltToggles removes complete 1049 toggle sequences from data and
// returns any trailing bytes that could be the prefix of a split
// sequence, to be carried into the next chunk.
func stripAltToggles(data []byte) (filtered, carry []byte) {
	data = bytes.ReplaceAll(data, altEnterSeq, nil)
	data = bytes.ReplaceAll(data, altExitSeq, nil)

	// Hold back a trailing partial match so a toggle split across
	// reads is still caught.
	max := len(altEnterSeq) - 1
	if max > len(data) {
		max = len(data)
	}
	for n := max; n > 0; n-- {
		tail := data[len(data)-n:]
		if bytes.HasPrefix(altEnterSeq, tail) || bytes.HasPrefix(altExitSeq, tail) {
			return data[:len(data)-n], append([]byte(nil), tail...)
		}
	}
	return data, nil
}
