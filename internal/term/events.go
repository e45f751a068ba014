package term

// ResetReason explains a discontinuity. Every Reset carries the epoch
// that became current when the discontinuity happened.
type ResetReason string

const (
	ResetClearScreen     ResetReason = "clear_screen"
	ResetClearScrollback ResetReason = "clear_scrollback"
	ResetHardReset       ResetReason = "hard_reset"
	ResetAltEnter        ResetReason = "alt_enter"
	ResetAltExit         ResetReason = "alt_exit"
	ResetResize          ResetReason = "resize"
)

// Interest selects which event kinds a subscriber receives.
type Interest uint8

const (
	InterestLines Interest = 1 << iota
	InterestChars
	InterestCursor
	InterestMode
	InterestDiffs
	InterestAll = InterestLines | InterestChars | InterestCursor | InterestMode | InterestDiffs
)

// Event is the closed set of parser broadcasts. Concrete types below;
// consumers dispatch with a type switch.
type Event interface {
	Seq() uint64
	Kind() string
}

// LineEvent announces a committed scrollback line.
type LineEvent struct {
	Sequence uint64 `json:"seq"`
	Index    uint64 `json:"index"` // monotonic line number since session start
	Line     Line   `json:"line"`
}

// CharEvent is a fine-grained per-cell update. High volume; delivered
// only to subscribers who asked for chars.
type CharEvent struct {
	Sequence uint64 `json:"seq"`
	Row      int    `json:"row"`
	Col      int    `json:"col"`
	Char     string `json:"char"`
	Style    Style  `json:"style"`
}

// CursorEvent reports cursor movement or visibility change.
type CursorEvent struct {
	Sequence uint64 `json:"seq"`
	Row      int    `json:"row"`
	Col      int    `json:"col"`
	Visible  bool   `json:"visible"`
}

// ModeEvent reports the child toggling the alternate screen.
type ModeEvent struct {
	Sequence        uint64 `json:"seq"`
	AlternateActive bool   `json:"alternate_active"`
}

// ResetEvent reports a discontinuity. Consumers must discard derived
// state and resync.
type ResetEvent struct {
	Sequence uint64      `json:"seq"`
	Reason   ResetReason `json:"reason"`
	Epoch    uint64      `json:"epoch"`
}

// SyncEvent is a full state dump, sent on demand after a subscriber
// discontinuity.
type SyncEvent struct {
	Sequence   uint64 `json:"seq"`
	Screen     Screen `json:"screen"`
	Scrollback []Line `json:"scrollback_lines"`
}

// DiffEvent is a periodic coalesced update of changed screen rows.
type DiffEvent struct {
	Sequence     uint64 `json:"seq"`
	ChangedLines []int  `json:"changed_lines"`
	Screen       Screen `json:"screen"`
}

func (e LineEvent) Seq() uint64   { return e.Sequence }
func (e CharEvent) Seq() uint64   { return e.Sequence }
func (e CursorEvent) Seq() uint64 { return e.Sequence }
func (e ModeEvent) Seq() uint64   { return e.Sequence }
func (e ResetEvent) Seq() uint64  { return e.Sequence }
func (e SyncEvent) Seq() uint64   { return e.Sequence }
func (e DiffEvent) Seq() uint64   { return e.Sequence }

func (LineEvent) Kind() string   { return "line" }
func (CharEvent) Kind() string   { return "char" }
func (CursorEvent) Kind() string { return "cursor" }
func (ModeEvent) Kind() string   { return "mode" }
func (ResetEvent) Kind() string  { return "reset" }
func (SyncEvent) Kind() string   { return "sync" }
func (DiffEvent) Kind() string   { return "diff" }

func interestFor(e Event) Interest {
	switch e.(type) {
	case LineEvent:
		return InterestLines
	case CharEvent:
		return InterestChars
	case CursorEvent:
		return InterestCursor
	case ModeEvent:
		return InterestMode
	case DiffEvent:
		return InterestDiffs
	default:
		// Reset and Sync go to everyone — they gate correctness.
		return InterestAll
	}
}

// EventSub is one subscriber's bounded event feed. Events arrive in seq
// order; a full channel drops the event for this subscriber only.
type EventSub struct {
	C        <-chan Event
	c        chan Event
	interest Interest
	parser   *Parser
}

// Close releases the subscription.
func (s *EventSub) Close() {
	s.parser.unsubscribe(s)
}

// SetInterest replaces the subscriber's interest mask. Effective for
// events emitted after the call.
func (s *EventSub) SetInterest(i Interest) {
	s.parser.mu.Lock()
	s.interest = i
	s.parser.mu.Unlock()
}
