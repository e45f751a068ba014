// Package session wires one PTY child to its broker, parser, stores,
// composer, and input router, and coordinates its lifecycle. Every
// subsystem is reached by shared handle; the registry holds the only
// strong reference to the session itself.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ehrlich-b/wsh/internal/broker"
	"github.com/ehrlich-b/wsh/internal/compose"
	"github.com/ehrlich-b/wsh/internal/input"
	"github.com/ehrlich-b/wsh/internal/logger"
	"github.com/ehrlich-b/wsh/internal/overlay"
	"github.com/ehrlich-b/wsh/internal/pty"
	"github.com/ehrlich-b/wsh/internal/term"
	"github.com/ehrlich-b/wsh/internal/werr"
)

// inputBuffer is the PTY-bound input channel depth.
const inputBuffer = 256

// DefaultDebounce is the quiescence window when the caller gives none.
const DefaultDebounce = 500 * time.Millisecond

// Config describes a session to spawn.
type Config struct {
	Command    []string
	Shell      string
	Rows, Cols int
	Env        []string
	Dir        string
	Scrollback int

	// LocalOut receives the composed stream synchronously (local mode
	// stdout). Nil for headless sessions.
	LocalOut io.Writer
}

// Session is one PTY child plus its runtime.
type Session struct {
	pty      *pty.Handle
	parser   *term.Parser
	raw      *broker.Broker // untouched PTY bytes
	composed *broker.Broker // composer output
	router   *input.Router
	overlays *overlay.Store
	panels   *overlay.PanelStore
	composer *compose.Composer

	inputCh chan []byte

	mu         sync.Mutex
	name       string
	rows, cols int
	screenMode overlay.ScreenMode
	clients    int
	lastByte   time.Time
	createdAt  time.Time
	localOut   io.Writer
	layout     overlay.Layout
	altCarry   []byte // partial escape held back by the alt filter
	fatalErr   error
	noticeSubs map[*NoticeSub]struct{}

	done     chan struct{} // shutdown coordinator
	doneOnce sync.Once
}

// Spawn allocates the full per-session runtime and starts its tasks:
// PTY reader, PTY writer, and child monitor.
func Spawn(name string, cfg Config) (*Session, error) {
	h, err := pty.Spawn(pty.SpawnConfig{
		Command: cfg.Command,
		Shell:   cfg.Shell,
		Rows:    cfg.Rows,
		Cols:    cfg.Cols,
		Env:     cfg.Env,
		Dir:     cfg.Dir,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn session %s: %w", name, err)
	}

	rows, cols := h.Size()
	s := &Session{
		pty:        h,
		parser:     term.New(rows, cols, cfg.Scrollback),
		raw:        broker.New(0),
		composed:   broker.New(0),
		overlays:   overlay.NewStore(),
		panels:     overlay.NewPanelStore(),
		inputCh:    make(chan []byte, inputBuffer),
		name:       name,
		rows:       rows,
		cols:       cols,
		screenMode: overlay.ModeNormal,
		lastByte:   time.Now(),
		createdAt:  time.Now(),
		localOut:   cfg.LocalOut,
		done:       make(chan struct{}),
	}
	s.layout = overlay.Compute(nil, rows, cols)

	s.router = input.NewRouter(s.inputCh)
	s.router.Focusable = func(id string) bool {
		return s.overlays.Focusable(id) || s.panels.Focusable(id)
	}
	s.router.OnModeChange = func(mode input.Mode, focus string) {
		logger.Debug("input mode change", "session", s.Name(), "mode", string(mode), "focus", focus)
		s.notify(Notice{Event: "input.mode", Mode: string(mode), Focus: focus})
	}

	s.composer = &compose.Composer{
		Parser:   s.parser,
		Overlays: s.overlays,
		Panels:   s.panels,
		Mode:     s.ScreenMode,
		Layout:   s.currentLayout,
		Size:     s.Size,
	}

	reader, err := h.TakeReader()
	if err != nil {
		h.Close()
		return nil, err
	}
	writer, err := h.TakeWriter()
	if err != nil {
		h.Close()
		return nil, err
	}

	go s.readLoop(reader)
	go s.writeLoop(writer)
	go s.forwardModeEvents()

	return s, nil
}

// forwardModeEvents republishes the child's alternate-screen flips as
// pty_mode_change notices.
func (s *Session) forwardModeEvents() {
	sub := s.parser.Subscribe(term.InterestMode)
	defer sub.Close()
	for {
		select {
		case <-s.done:
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if me, isMode := e.(term.ModeEvent); isMode {
				mode := "normal"
				if me.AlternateActive {
					mode = "alt"
				}
				s.notify(Notice{Event: "pty_mode_change", Mode: mode})
			}
		}
	}
}

// readLoop is the PTY reader task: reads bytes in a blocking loop,
// advances the parser, publishes raw and composed streams, and marks
// activity. Local stdout is written synchronously before the lossy
// publishes so the human path never drops a byte.
func (s *Session) readLoop(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.markActivity()
			s.parser.Feed(chunk)
			frame := s.composer.Frame(s.filterAltToggles(chunk))
			s.emitComposed(frame)
			s.raw.Publish(chunk)
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug("pty read ended", "session", s.Name(), "err", err)
			}
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
	}
}

// writeLoop is the PTY writer task: drains the input channel into the
// PTY write side in submission order.
func (s *Session) writeLoop(w io.Writer) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.inputCh:
			if _, err := w.Write(data); err != nil {
				logger.Warn("pty write failed", "session", s.Name(), "err", err)
				s.setFatal(werr.New(werr.CodeInputSendFailed, "pty write: %v", err))
				return
			}
		}
	}
}

// emitComposed writes the composed stream to local stdout (synchronous)
// and fans it out to attach subscribers.
func (s *Session) emitComposed(frame []byte) {
	if len(frame) == 0 {
		return
	}
	s.mu.Lock()
	out := s.localOut
	s.mu.Unlock()
	if out != nil {
		out.Write(frame)
	}
	s.composed.Publish(frame)
}

// filterAltToggles strips the child's alternate-screen toggles from the
// outer stream while the session holds agent alt mode; the parser still
// sees them in the raw stream. A partial escape at a chunk boundary is
// carried into the next chunk.
func (s *Session) filterAltToggles(chunk []byte) []byte {
	s.mu.Lock()
	agentAlt := s.screenMode == overlay.ModeAlt
	carry := s.altCarry
	s.altCarry = nil
	s.mu.Unlock()

	if !agentAlt && len(carry) == 0 {
		return chunk
	}
	data := append(carry, chunk...)
	if !agentAlt {
		return data
	}
	filtered, rest := stripAltToggles(data)
	s.mu.Lock()
	s.altCarry = rest
	s.mu.Unlock()
	return filtered
}

// ChildDone is closed when the child process exits.
func (s *Session) ChildDone() <-chan struct{} { return s.pty.Done() }

// ExitCode is valid after ChildDone.
func (s *Session) ExitCode() int { return s.pty.ExitCode() }

// Done is closed when the session shuts down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down: cancels tasks, kills the child, stops
// the parser, and closes all fan-outs. Idempotent.
func (s *Session) Close() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.pty.Close()
		s.parser.Close()
		s.raw.Close()
		s.composed.Close()
	})
}

// setFatal records an internal invariant break; the next interaction
// surfaces it and the registry removes the session.
func (s *Session) setFatal(err error) {
	s.mu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.mu.Unlock()
}

// Err returns the fatal session error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// Accessors.

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName is called by the registry during rename.
func (s *Session) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

func (s *Session) Pid() int { return s.pty.Pid() }

func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// Size returns the outer terminal dimensions.
func (s *Session) Size() (rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// ScreenMode returns the agent-held screen mode.
func (s *Session) ScreenMode() overlay.ScreenMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screenMode
}

func (s *Session) currentLayout() overlay.Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// Parser exposes the terminal state queries.
func (s *Session) Parser() *term.Parser { return s.parser }

// Router exposes input routing.
func (s *Session) Router() *input.Router { return s.router }

// Overlays exposes the overlay store. Mutations should go through the
// session wrappers so composition and focus stay consistent.
func (s *Session) Overlays() *overlay.Store { return s.overlays }

// Panels exposes the panel store.
func (s *Session) Panels() *overlay.PanelStore { return s.panels }

// SubscribeRaw attaches to the untouched PTY byte stream.
func (s *Session) SubscribeRaw() *broker.Subscriber { return s.raw.Subscribe() }

// SubscribeComposed attaches to the composed output stream.
func (s *Session) SubscribeComposed() *broker.Subscriber { return s.composed.Subscribe() }

// Attach registers a client; Detach releases it.
func (s *Session) Attach() {
	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
}

func (s *Session) Detach() {
	s.mu.Lock()
	if s.clients > 0 {
		s.clients--
	}
	s.mu.Unlock()
}

// Clients returns the attached subscriber count.
func (s *Session) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

// SetLocalOut installs or clears the synchronous local output writer.
func (s *Session) SetLocalOut(w io.Writer) {
	s.mu.Lock()
	s.localOut = w
	s.mu.Unlock()
}

// Activity.

func (s *Session) markActivity() {
	s.mu.Lock()
	s.lastByte = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last PTY byte.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastByte
}

// Quiescent reports whether no PTY output arrived within the window.
func (s *Session) Quiescent(debounce time.Duration) bool {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return time.Since(s.LastActivity()) >= debounce
}

// WriteInput routes caller bytes through the input router.
func (s *Session) WriteInput(data []byte) error {
	if err := s.Err(); err != nil {
		return err
	}
	return s.router.Route(data)
}

// Resize sets the outer terminal size: recomputes panel layout, resizes
// the PTY interior and parser, and recomposes.
func (s *Session) Resize(ctx context.Context, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return werr.InvalidRequest("size must be positive")
	}
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	s.mu.Unlock()
	return s.relayout(ctx)
}

// relayout recomputes the panel layout from the current screen mode's
// panels, resizes the PTY when the interior changed, and emits a full
// recomposition.
func (s *Session) relayout(ctx context.Context) error {
	s.mu.Lock()
	rows, cols := s.rows, s.cols
	mode := s.screenMode
	prev := s.layout
	s.mu.Unlock()

	l := overlay.Compute(s.panels.ListByMode(mode), rows, cols)
	for _, id := range l.Hidden {
		s.panels.SetVisible(id, false)
	}
	for _, p := range l.Placed {
		s.panels.SetVisible(p.ID, true)
	}

	s.mu.Lock()
	s.layout = l
	s.mu.Unlock()

	if l.InteriorRows != prev.InteriorRows || l.Cols != prev.Cols {
		interior := l.InteriorRows
		if interior < 1 {
			// A zero-row interior is legal for layout; the kernel
			// floor for a PTY is one row.
			interior = 1
		}
		if err := s.pty.Resize(interior, cols); err != nil {
			return fmt.Errorf("resize pty: %w", err)
		}
		if err := s.parser.Resize(ctx, interior, cols); err != nil {
			return err
		}
	}
	return s.recompose(ctx)
}

// recompose emits a full frame to all composed outputs.
func (s *Session) recompose(ctx context.Context) error {
	frame, err := s.composer.Recompose(ctx)
	if err != nil {
		return err
	}
	s.emitComposed(frame)
	return nil
}

// Overlay operations. Each mutation triggers composition.

func (s *Session) CreateOverlay(ctx context.Context, o overlay.Overlay, z *int) (string, error) {
	id, err := s.overlays.Create(o, z, s.ScreenMode())
	if err != nil {
		return "", err
	}
	s.notify(Notice{Event: "overlay", Action: "created", ID: id})
	return id, s.recompose(ctx)
}

func (s *Session) UpdateOverlaySpans(ctx context.Context, id string, updates []overlay.SpanUpdate) error {
	if err := s.overlays.UpdateSpans(id, updates); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}
	return s.recompose(ctx)
}

func (s *Session) MoveOverlay(ctx context.Context, id string, patch overlay.GeometryPatch) error {
	prev, err := s.overlays.Get(id)
	if err != nil {
		return err
	}
	if err := s.overlays.Move(id, patch); err != nil {
		return err
	}
	if frame, err := s.composer.RestoreRect(ctx, prev.Geometry); err == nil {
		s.emitComposed(frame)
		return nil
	}
	return s.recompose(ctx)
}

func (s *Session) WriteOverlayRegion(ctx context.Context, id string, writes []overlay.RegionWrite) error {
	if err := s.overlays.SetWrites(id, writes); err != nil {
		return err
	}
	return s.recompose(ctx)
}

// DeleteOverlay removes the overlay, clears focus if it pointed there,
// and repaints the vacated rectangle from the parser's cells.
func (s *Session) DeleteOverlay(ctx context.Context, id string) error {
	geo, err := s.overlays.Delete(id)
	if err != nil {
		return err
	}
	s.router.ClearFocusIf(id)
	s.notify(Notice{Event: "overlay", Action: "deleted", ID: id})
	frame, err := s.composer.RestoreRect(ctx, geo)
	if err != nil {
		return s.recompose(ctx)
	}
	s.emitComposed(frame)
	return nil
}

// ClearOverlays removes every overlay.
func (s *Session) ClearOverlays(ctx context.Context) error {
	for _, o := range s.overlays.List() {
		s.router.ClearFocusIf(o.ID)
	}
	s.overlays.Clear()
	return s.recompose(ctx)
}

// Panel operations. Every mutation re-runs layout.

func (s *Session) CreatePanel(ctx context.Context, p overlay.Panel, z *int) (string, error) {
	id, err := s.panels.Create(p, z, s.ScreenMode())
	if err != nil {
		return "", err
	}
	s.notify(Notice{Event: "panel", Action: "created", ID: id})
	return id, s.relayout(ctx)
}

func (s *Session) UpdatePanelSpans(ctx context.Context, id string, updates []overlay.SpanUpdate) error {
	if err := s.panels.UpdateSpans(id, updates); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}
	return s.recompose(ctx)
}

func (s *Session) PatchPanel(ctx context.Context, id string, patch overlay.PanelPatch) error {
	if err := s.panels.Patch(id, patch); err != nil {
		return err
	}
	return s.relayout(ctx)
}

func (s *Session) WritePanelRegion(ctx context.Context, id string, writes []overlay.RegionWrite) error {
	if err := s.panels.SetWrites(id, writes); err != nil {
		return err
	}
	return s.recompose(ctx)
}

func (s *Session) DeletePanel(ctx context.Context, id string) error {
	if err := s.panels.Delete(id); err != nil {
		return err
	}
	s.router.ClearFocusIf(id)
	s.notify(Notice{Event: "panel", Action: "deleted", ID: id})
	return s.relayout(ctx)
}

func (s *Session) ClearPanels(ctx context.Context) error {
	for _, p := range s.panels.List() {
		s.router.ClearFocusIf(p.ID)
	}
	s.panels.Clear()
	return s.relayout(ctx)
}
