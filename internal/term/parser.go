package term

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/wsh/internal/werr"
)

// DefaultScrollback is the scrollback line cap when the caller gives none.
const DefaultScrollback = 10000

// diffInterval bounds how often coalesced Diff events go out.
const diffInterval = 50 * time.Millisecond

// subBuffer is the per-subscriber event channel capacity.
const subBuffer = 256

// Screen is the screen() query result.
type Screen struct {
	Epoch  uint64 `json:"epoch"`
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
	Cursor Cursor `json:"cursor"`
	Lines  []Line `json:"lines"`
}

// Scrollback is the scrollback() query result. Offset/limit window into
// the retained lines, oldest first.
type Scrollback struct {
	Epoch  uint64 `json:"epoch"`
	Total  int    `json:"total"`
	Offset int    `json:"offset"`
	Lines  []Line `json:"lines"`
}

// Parser owns the terminal emulator state for one session. Exactly one
// goroutine advances the state; queries and resize travel over a request
// channel and are answered on per-request reply channels, so the
// emulator itself is never locked.
type Parser struct {
	feedCh chan []byte
	reqCh  chan any
	done   chan struct{}

	closeOnce sync.Once

	// subs is the only cross-goroutine state; guarded by mu, never held
	// across a blocking channel operation.
	mu   sync.Mutex
	subs map[*EventSub]struct{}
}

// Requests handled by the owner goroutine.
type screenReq struct{ resp chan Screen }

type scrollbackReq struct {
	offset, limit int
	resp          chan Scrollback
}

type cursorReq struct{ resp chan Cursor }

type resizeReq struct {
	rows, cols int
	resp       chan struct{}
}

type rectReq struct {
	x, y, w, h int
	resp       chan [][]Cell
}

type syncReq struct {
	target *EventSub // nil broadcasts to every subscriber
	resp   chan struct{}
}

type replayReq struct {
	scrollbackLines int // -1 = all, 0 = none
	resp            chan replayPayload
}

type replayPayload struct {
	scrollback []byte
	screen     []byte
}

type stateReq struct{ resp chan parserState }

type parserState struct {
	epoch      uint64
	alternate  bool
	rows, cols int
}

// New starts a parser for a rows×cols terminal. Close releases it.
func New(rows, cols, scrollbackLimit int) *Parser {
	if scrollbackLimit <= 0 {
		scrollbackLimit = DefaultScrollback
	}
	p := &Parser{
		feedCh: make(chan []byte, 256),
		reqCh:  make(chan any),
		done:   make(chan struct{}),
		subs:   make(map[*EventSub]struct{}),
	}
	go p.run(rows, cols, scrollbackLimit)
	return p
}

// Feed hands a chunk of PTY output to the parser. Blocks only if the
// parser is severely behind; returns false after Close.
func (p *Parser) Feed(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.feedCh <- buf:
		return true
	case <-p.done:
		return false
	}
}

// Close stops the owner goroutine and closes all subscriber channels.
func (p *Parser) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Subscribe registers an event feed with the given interest mask.
func (p *Parser) Subscribe(interest Interest) *EventSub {
	c := make(chan Event, subBuffer)
	s := &EventSub{C: c, c: c, interest: interest, parser: p}
	p.mu.Lock()
	p.subs[s] = struct{}{}
	p.mu.Unlock()
	return s
}

func (p *Parser) unsubscribe(s *EventSub) {
	p.mu.Lock()
	if _, ok := p.subs[s]; ok {
		delete(p.subs, s)
		close(s.c)
	}
	p.mu.Unlock()
}

// Screen answers the screen query. Always reflects every byte fed
// before the call.
func (p *Parser) Screen(ctx context.Context) (Screen, error) {
	req := screenReq{resp: make(chan Screen, 1)}
	if err := p.send(ctx, req); err != nil {
		return Screen{}, err
	}
	return recv(ctx, req.resp)
}

// Scrollback answers a windowed scrollback query.
func (p *Parser) Scrollback(ctx context.Context, offset, limit int) (Scrollback, error) {
	req := scrollbackReq{offset: offset, limit: limit, resp: make(chan Scrollback, 1)}
	if err := p.send(ctx, req); err != nil {
		return Scrollback{}, err
	}
	return recv(ctx, req.resp)
}

// Cursor answers the cursor query.
func (p *Parser) Cursor(ctx context.Context) (Cursor, error) {
	req := cursorReq{resp: make(chan Cursor, 1)}
	if err := p.send(ctx, req); err != nil {
		return Cursor{}, err
	}
	return recv(ctx, req.resp)
}

// Resize reshapes the screen and emits Reset(resize) with a new epoch.
func (p *Parser) Resize(ctx context.Context, rows, cols int) error {
	req := resizeReq{rows: rows, cols: cols, resp: make(chan struct{}, 1)}
	if err := p.send(ctx, req); err != nil {
		return err
	}
	_, err := recv(ctx, req.resp)
	return err
}

// CellsInRect returns a copy of the grid cells covered by the rectangle,
// clipped to the screen. Used to repaint vacated overlay rectangles.
func (p *Parser) CellsInRect(ctx context.Context, x, y, w, h int) ([][]Cell, error) {
	req := rectReq{x: x, y: y, w: w, h: h, resp: make(chan [][]Cell, 1)}
	if err := p.send(ctx, req); err != nil {
		return nil, err
	}
	return recv(ctx, req.resp)
}

// RequestSync emits a SyncEvent to the given subscriber (all subscribers
// when nil), for recovery after a discontinuity marker.
func (p *Parser) RequestSync(ctx context.Context, target *EventSub) error {
	req := syncReq{target: target, resp: make(chan struct{}, 1)}
	if err := p.send(ctx, req); err != nil {
		return err
	}
	_, err := recv(ctx, req.resp)
	return err
}

// Replay builds raw ANSI for attach: scrollback lines (capped at
// scrollbackLines, -1 for all) and a grid repaint with cursor restore.
func (p *Parser) Replay(ctx context.Context, scrollbackLines int) (scrollback, screen []byte, err error) {
	req := replayReq{scrollbackLines: scrollbackLines, resp: make(chan replayPayload, 1)}
	if err := p.send(ctx, req); err != nil {
		return nil, nil, err
	}
	pl, err := recv(ctx, req.resp)
	if err != nil {
		return nil, nil, err
	}
	return pl.scrollback, pl.screen, nil
}

// State reports epoch, child alternate-screen flag, and dimensions.
func (p *Parser) State(ctx context.Context) (epoch uint64, alternate bool, rows, cols int, err error) {
	req := stateReq{resp: make(chan parserState, 1)}
	if err := p.send(ctx, req); err != nil {
		return 0, false, 0, 0, err
	}
	st, err := recv(ctx, req.resp)
	if err != nil {
		return 0, false, 0, 0, err
	}
	return st.epoch, st.alternate, st.rows, st.cols, nil
}

func (p *Parser) send(ctx context.Context, req any) error {
	select {
	case p.reqCh <- req:
		return nil
	case <-p.done:
		return werr.New(werr.CodeParserUnavailable, "parser stopped")
	case <-ctx.Done():
		return werr.New(werr.CodeTimeout, "parser query: %v", ctx.Err())
	}
}

func recv[T any](ctx context.Context, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, werr.New(werr.CodeTimeout, "parser reply: %v", ctx.Err())
	}
}

// ownerState is everything the single owner goroutine mutates.
type ownerState struct {
	p   *Parser
	emu *vt.Emulator

	rows, cols int
	epoch      uint64
	seq        uint64

	alternate    bool
	cursorHidden bool

	scrollback      []Line
	scrollbackLimit int
	lineIndex       uint64 // monotonic count of committed lines

	discCarry []byte // partial control sequence at a chunk boundary

	prevRows   []uint64 // per-row content hash for diff detection
	prevCells  [][]Cell // previous grid, for char events
	dirty      map[int]struct{}
	diffLimit  *rate.Limiter
	lastCursor Cursor

	pending []Event // events queued during one feed batch
}

func (p *Parser) run(rows, cols, scrollbackLimit int) {
	st := &ownerState{
		p:               p,
		emu:             vt.NewEmulator(cols, rows),
		rows:            rows,
		cols:            cols,
		epoch:           1,
		scrollbackLimit: scrollbackLimit,
		dirty:           make(map[int]struct{}),
		diffLimit:       rate.NewLimiter(rate.Every(diffInterval), 1),
	}
	st.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			if st.alternate {
				return
			}
			for _, line := range lines {
				st.commitLine(lineFromUV(line))
			}
		},
		ScrollbackClear: func() {
			st.scrollback = st.scrollback[:0]
		},
		AltScreen: func(on bool) {
			if on == st.alternate {
				return
			}
			st.alternate = on
			st.epoch++
			st.queue(ModeEvent{AlternateActive: on})
			reason := ResetAltEnter
			if !on {
				reason = ResetAltExit
			}
			st.queue(ResetEvent{Reason: reason, Epoch: st.epoch})
		},
		CursorVisibility: func(visible bool) {
			st.cursorHidden = !visible
		},
	})
	st.resetPrev()

	defer func() {
		st.emu.Close()
		p.mu.Lock()
		for s := range p.subs {
			delete(p.subs, s)
			close(s.c)
		}
		p.mu.Unlock()
	}()

	for {
		select {
		case <-p.done:
			return
		case data := <-p.feedCh:
			st.feed(data)
			// Drain whatever queued up behind this chunk before
			// computing diffs, so one frame covers the burst.
			for {
				select {
				case more := <-p.feedCh:
					st.feed(more)
					continue
				default:
				}
				break
			}
			st.afterFeed()
			st.flush()
		case req := <-p.reqCh:
			// Apply every chunk already queued before answering, so a
			// query reflects all bytes fed before it was issued.
			fed := false
			for {
				select {
				case more := <-p.feedCh:
					st.feed(more)
					fed = true
					continue
				default:
				}
				break
			}
			if fed {
				st.afterFeed()
				st.flush()
			}
			st.handle(req)
			st.flush()
		}
	}
}

func (st *ownerState) feed(data []byte) {
	st.emu.Write(data)
	// Scan with the previous chunk's partial tail prepended so a
	// control sequence split across reads is still caught; the carry is
	// always a strict prefix, never a complete sequence, so nothing is
	// counted twice.
	scan := data
	if len(st.discCarry) > 0 {
		scan = append(append([]byte(nil), st.discCarry...), data...)
	}
	st.scanDiscontinuities(scan)
	st.discCarry = partialSeqTail(scan)
}

var (
	hardResetSeq       = []byte("\x1bc")
	clearScreenSeq     = []byte("\x1b[2J")
	clearScrollbackSeq = []byte("\x1b[3J")

	discSeqs = [][]byte{hardResetSeq, clearScreenSeq, clearScrollbackSeq}
)

// scanDiscontinuities looks for clear and reset control sequences the
// emulator does not surface through callbacks.
func (st *ownerState) scanDiscontinuities(data []byte) {
	if bytes.Contains(data, hardResetSeq) {
		st.scrollback = st.scrollback[:0]
		st.epoch++
		st.queue(ResetEvent{Reason: ResetHardReset, Epoch: st.epoch})
		return
	}
	if bytes.Contains(data, clearScreenSeq) {
		st.epoch++
		st.queue(ResetEvent{Reason: ResetClearScreen, Epoch: st.epoch})
	}
	if bytes.Contains(data, clearScrollbackSeq) {
		st.epoch++
		st.queue(ResetEvent{Reason: ResetClearScrollback, Epoch: st.epoch})
	}
}

// partialSeqTail returns the trailing bytes of data that form a strict
// prefix of one of the watched sequences, to be carried into the next
// scan.
func partialSeqTail(data []byte) []byte {
	max := len(clearScreenSeq) - 1
	if max > len(data) {
		max = len(data)
	}
	for n := max; n > 0; n-- {
		tail := data[len(data)-n:]
		for _, seq := range discSeqs {
			if n < len(seq) && bytes.HasPrefix(seq, tail) {
				return append([]byte(nil), tail...)
			}
		}
	}
	return nil
}

func (st *ownerState) afterFeed() {
	cur := st.cursor()
	if cur != st.lastCursor {
		st.lastCursor = cur
		st.queue(CursorEvent{Row: cur.Row, Col: cur.Col, Visible: cur.Visible})
	}

	st.collectChanged()
	if len(st.dirty) > 0 && st.diffLimit.Allow() {
		rows := make([]int, 0, len(st.dirty))
		for r := range st.dirty {
			rows = append(rows, r)
		}
		sort.Ints(rows)
		st.dirty = make(map[int]struct{})
		st.queue(DiffEvent{ChangedLines: rows, Screen: st.screen()})
	}
}

// collectChanged rehashes every row, accumulates dirty rows, and emits
// char events for subscribers that want them.
func (st *ownerState) collectChanged() {
	wantChars := st.p.anyInterest(InterestChars)
	for y := 0; y < st.rows; y++ {
		h := st.rowHash(y)
		if h == st.prevRows[y] {
			continue
		}
		st.prevRows[y] = h
		st.dirty[y] = struct{}{}
		if wantChars {
			st.emitCharDiff(y)
		} else {
			st.captureRow(y)
		}
	}
}

func (st *ownerState) emitCharDiff(y int) {
	for x := 0; x < st.cols; x++ {
		c := st.cellAt(x, y)
		if c == st.prevCells[y][x] {
			continue
		}
		st.prevCells[y][x] = c
		st.queue(CharEvent{Row: y, Col: x, Char: string(c.Char), Style: c.Style})
	}
}

func (st *ownerState) captureRow(y int) {
	for x := 0; x < st.cols; x++ {
		st.prevCells[y][x] = st.cellAt(x, y)
	}
}

func (st *ownerState) handle(req any) {
	switch r := req.(type) {
	case screenReq:
		r.resp <- st.screen()
	case scrollbackReq:
		r.resp <- st.scrollbackWindow(r.offset, r.limit)
	case cursorReq:
		r.resp <- st.cursor()
	case resizeReq:
		st.resize(r.rows, r.cols)
		r.resp <- struct{}{}
	case rectReq:
		r.resp <- st.cellsInRect(r.x, r.y, r.w, r.h)
	case syncReq:
		ev := SyncEvent{Screen: st.screen(), Scrollback: append([]Line(nil), st.scrollback...)}
		st.seq++
		ev.Sequence = st.seq
		st.p.deliver(ev, r.target)
		r.resp <- struct{}{}
	case replayReq:
		r.resp <- st.replay(r.scrollbackLines)
	case stateReq:
		r.resp <- parserState{epoch: st.epoch, alternate: st.alternate, rows: st.rows, cols: st.cols}
	}
}

func (st *ownerState) resize(rows, cols int) {
	if rows == st.rows && cols == st.cols {
		return
	}
	st.emu.Resize(cols, rows)
	st.rows, st.cols = rows, cols
	st.epoch++
	st.resetPrev()
	st.queue(ResetEvent{Reason: ResetResize, Epoch: st.epoch})
}

func (st *ownerState) resetPrev() {
	st.prevRows = make([]uint64, st.rows)
	st.prevCells = make([][]Cell, st.rows)
	for y := range st.prevCells {
		st.prevCells[y] = make([]Cell, st.cols)
	}
	st.dirty = make(map[int]struct{})
	for y := 0; y < st.rows; y++ {
		st.prevRows[y] = st.rowHash(y)
		st.captureRow(y)
	}
}

func (st *ownerState) commitLine(l Line) {
	st.scrollback = append(st.scrollback, l)
	if len(st.scrollback) > st.scrollbackLimit {
		st.scrollback = st.scrollback[1:]
	}
	idx := st.lineIndex
	st.lineIndex++
	st.queue(LineEvent{Index: idx, Line: l})
}

func (st *ownerState) queue(e Event) {
	st.pending = append(st.pending, e)
}

// flush assigns sequence numbers and delivers queued events in order.
func (st *ownerState) flush() {
	if len(st.pending) == 0 {
		return
	}
	for _, e := range st.pending {
		st.seq++
		st.p.deliver(withSeq(e, st.seq), nil)
	}
	st.pending = st.pending[:0]
}

func withSeq(e Event, seq uint64) Event {
	switch ev := e.(type) {
	case LineEvent:
		ev.Sequence = seq
		return ev
	case CharEvent:
		ev.Sequence = seq
		return ev
	case CursorEvent:
		ev.Sequence = seq
		return ev
	case ModeEvent:
		ev.Sequence = seq
		return ev
	case ResetEvent:
		ev.Sequence = seq
		return ev
	case SyncEvent:
		ev.Sequence = seq
		return ev
	case DiffEvent:
		ev.Sequence = seq
		return ev
	}
	return e
}

// deliver fans an event out to interested subscribers. Non-blocking: a
// full subscriber just misses the event (its own lag, per the broker
// contract).
func (p *Parser) deliver(e Event, only *EventSub) {
	want := interestFor(e)
	p.mu.Lock()
	for s := range p.subs {
		if only != nil && s != only {
			continue
		}
		if s.interest&want == 0 {
			continue
		}
		select {
		case s.c <- e:
		default:
		}
	}
	p.mu.Unlock()
}

func (p *Parser) anyInterest(i Interest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.subs {
		if s.interest&i != 0 {
			return true
		}
	}
	return false
}

// Snapshot builders — owner goroutine only.

func (st *ownerState) cursor() Cursor {
	pos := st.emu.CursorPosition()
	return Cursor{Row: pos.Y, Col: pos.X, Visible: !st.cursorHidden}
}

func (st *ownerState) cellAt(x, y int) Cell {
	c := st.emu.CellAt(x, y)
	if c == nil || c.Content == "" {
		return Cell{Char: ' '}
	}
	r := []rune(c.Content)[0]
	return Cell{Char: r, Style: styleFromUV(c.Style)}
}

func (st *ownerState) rowHash(y int) uint64 {
	h := fnv.New64a()
	for x := 0; x < st.cols; x++ {
		c := st.cellAt(x, y)
		h.Write([]byte(string(c.Char)))
		if !c.Style.IsZero() {
			h.Write([]byte(c.Style.SGR()))
		}
		h.Write([]byte{0})
	}
	return h.Sum64()
}

func (st *ownerState) rowLine(y int) Line {
	var spans []Span
	var cur *Span
	for x := 0; x < st.cols; x++ {
		c := st.cellAt(x, y)
		if cur != nil && cur.Style == c.Style {
			cur.Text += string(c.Char)
			continue
		}
		spans = append(spans, Span{Text: string(c.Char), Style: c.Style})
		cur = &spans[len(spans)-1]
	}
	// Trim the trailing run of unstyled blanks; clients re-pad to width.
	for len(spans) > 0 {
		last := &spans[len(spans)-1]
		if !last.Style.IsZero() {
			break
		}
		trimmed := strings.TrimRight(last.Text, " ")
		if trimmed != "" {
			last.Text = trimmed
			break
		}
		spans = spans[:len(spans)-1]
	}
	return Line{Spans: spans}
}

func (st *ownerState) screen() Screen {
	lines := make([]Line, st.rows)
	for y := 0; y < st.rows; y++ {
		lines[y] = st.rowLine(y)
	}
	return Screen{
		Epoch:  st.epoch,
		Rows:   st.rows,
		Cols:   st.cols,
		Cursor: st.cursor(),
		Lines:  lines,
	}
}

func (st *ownerState) scrollbackWindow(offset, limit int) Scrollback {
	total := len(st.scrollback)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return Scrollback{
		Epoch:  st.epoch,
		Total:  total,
		Offset: offset,
		Lines:  append([]Line(nil), st.scrollback[offset:end]...),
	}
}

func (st *ownerState) cellsInRect(x, y, w, h int) [][]Cell {
	var out [][]Cell
	for row := y; row < y+h; row++ {
		if row < 0 || row >= st.rows {
			continue
		}
		var cells []Cell
		for col := x; col < x+w; col++ {
			if col < 0 || col >= st.cols {
				continue
			}
			cells = append(cells, st.cellAt(col, row))
		}
		out = append(out, cells)
	}
	return out
}

// replay renders scrollback and grid as raw ANSI for attach, in the
// same shape the outer terminal would have painted live.
func (st *ownerState) replay(scrollbackLines int) replayPayload {
	var sb strings.Builder
	if scrollbackLines != 0 {
		lines := st.scrollback
		if scrollbackLines > 0 && scrollbackLines < len(lines) {
			lines = lines[len(lines)-scrollbackLines:]
		}
		for _, l := range lines {
			sb.WriteString(renderLineANSI(l))
			sb.WriteString("\r\n")
		}
		// Push replayed history into the outer terminal's own
		// scrollback region before the grid repaint.
		if len(lines) > 0 {
			for range st.rows - 1 {
				sb.WriteByte('\n')
			}
		}
	}

	var scr strings.Builder
	scr.WriteString("\x1b[m\x1b[H")
	scr.WriteString(st.emu.Render())
	pos := st.emu.CursorPosition()
	fmt.Fprintf(&scr, "\x1b[%d;%dH", pos.Y+1, pos.X+1)
	if st.cursorHidden {
		scr.WriteString("\x1b[?25l")
	} else {
		scr.WriteString("\x1b[?25h")
	}
	return replayPayload{scrollback: []byte(sb.String()), screen: []byte(scr.String())}
}

func renderLineANSI(l Line) string {
	var b strings.Builder
	for _, s := range l.Spans {
		if s.Style.IsZero() {
			b.WriteString("\x1b[0m")
		} else {
			b.WriteString(s.Style.SGR())
		}
		b.WriteString(s.Text)
	}
	b.WriteString("\x1b[0m")
	return b.String()
}

func lineFromUV(line uv.Line) Line {
	var spans []Span
	var cur *Span
	for _, c := range line {
		ch := c.Content
		if ch == "" {
			ch = " "
		}
		style := styleFromUV(c.Style)
		if cur != nil && cur.Style == style {
			cur.Text += ch
			continue
		}
		spans = append(spans, Span{Text: ch, Style: style})
		cur = &spans[len(spans)-1]
	}
	for len(spans) > 0 {
		last := &spans[len(spans)-1]
		if !last.Style.IsZero() {
			break
		}
		trimmed := strings.TrimRight(last.Text, " ")
		if trimmed != "" {
			last.Text = trimmed
			break
		}
		spans = spans[:len(spans)-1]
	}
	return Line{Spans: spans}
}

