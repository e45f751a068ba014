package session

// Notice is a session-level notification about composition or input
// state: overlay/panel lifecycle and input mode transitions. Parser
// events travel on their own feed; notices cover what the parser cannot
// see.
type Notice struct {
	Event  string `json:"event"`            // "overlay", "panel", "input.mode", "pty_mode_change"
	Action string `json:"action,omitempty"` // "created", "deleted"
	ID     string `json:"id,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Focus  string `json:"focus,omitempty"`
}

// noticeBuffer is the per-subscriber notice channel depth.
const noticeBuffer = 64

// NoticeSub is a bounded notice feed.
type NoticeSub struct {
	C <-chan Notice
	c chan Notice
	s *Session
}

// Close releases the subscription.
func (n *NoticeSub) Close() {
	n.s.mu.Lock()
	if _, ok := n.s.noticeSubs[n]; ok {
		delete(n.s.noticeSubs, n)
		close(n.c)
	}
	n.s.mu.Unlock()
}

// SubscribeNotices registers a notice feed.
func (s *Session) SubscribeNotices() *NoticeSub {
	c := make(chan Notice, noticeBuffer)
	sub := &NoticeSub{C: c, c: c, s: s}
	s.mu.Lock()
	if s.noticeSubs == nil {
		s.noticeSubs = make(map[*NoticeSub]struct{})
	}
	s.noticeSubs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

func (s *Session) notify(n Notice) {
	s.mu.Lock()
	for sub := range s.noticeSubs {
		select {
		case sub.c <- n:
		default:
		}
	}
	s.mu.Unlock()
}
