package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/wsh/internal/input"
	"github.com/ehrlich-b/wsh/internal/session"
	"github.com/ehrlich-b/wsh/internal/term"
	"github.com/ehrlich-b/wsh/internal/werr"
)

// wsWriteTimeout bounds a single WebSocket write.
const wsWriteTimeout = 10 * time.Second

// handleWSRaw is the binary fan-out of raw PTY bytes. Discontinuities
// arrive as a text frame so binary consumers can resync.
func (s *Server) handleWSRaw(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	sess.Attach()
	defer sess.Detach()

	sub := sess.SubscribeRaw()
	if sub == nil {
		conn.Close(websocket.StatusGoingAway, "session closed")
		return
	}
	defer sub.Close()

	ctx := r.Context()

	// Read loop only watches for close; raw input goes through POST
	// /input so capture-mode routing always applies.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			conn.Close(websocket.StatusGoingAway, "session closed")
			return
		case pkt, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			if pkt.Discontinuity {
				msg, _ := json.Marshal(map[string]any{"event": "discontinuity", "missed": pkt.Missed})
				err = conn.Write(wctx, websocket.MessageText, msg)
			} else {
				err = conn.Write(wctx, websocket.MessageBinary, pkt.Data)
			}
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// wsRequest is one client message on the JSON socket: either a method
// call or a subscription update.
type wsRequest struct {
	ID        any             `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	Session   string          `json:"session"`
	Subscribe []string        `json:"subscribe"`
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

func (c *wsConn) reply(ctx context.Context, id any, result any, err error) {
	if err != nil {
		c.send(ctx, map[string]any{"id": id, "error": werr.As(err)})
		return
	}
	if result == nil {
		result = map[string]any{}
	}
	c.send(ctx, map[string]any{"id": id, "result": result})
}

// handleWSJSON is the session-scoped JSON protocol endpoint.
func (s *Server) handleWSJSON(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.serveWSJSON(w, r, sess)
}

// handleWSServer is the server-level JSON endpoint: session management
// methods plus per-session methods addressed by a session field.
func (s *Server) handleWSServer(w http.ResponseWriter, r *http.Request) {
	s.serveWSJSON(w, r, nil)
}

func (s *Server) serveWSJSON(w http.ResponseWriter, r *http.Request, bound *session.Session) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	c := &wsConn{conn: conn}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if bound != nil {
		bound.Attach()
		defer bound.Detach()
	}

	// Subscription pump state: one goroutine per attached feed,
	// restarted when the subscribe set changes.
	var pumpCancel context.CancelFunc
	defer func() {
		if pumpCancel != nil {
			pumpCancel()
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(ctx, map[string]any{"error": werr.InvalidRequest("bad message: %v", err)})
			continue
		}

		if len(req.Subscribe) > 0 {
			target := bound
			if target == nil && req.Session != "" {
				target, err = s.reg.Get(req.Session)
				if err != nil {
					c.send(ctx, map[string]any{"error": werr.As(err)})
					continue
				}
			}
			if target == nil {
				c.send(ctx, map[string]any{"error": werr.InvalidRequest("subscribe requires a session")})
				continue
			}
			if pumpCancel != nil {
				pumpCancel()
			}
			pumpCtx, cancel := context.WithCancel(ctx)
			pumpCancel = cancel
			go s.pumpEvents(pumpCtx, c, target, req.Subscribe)
			c.send(ctx, map[string]any{"subscribed": req.Subscribe})
			continue
		}

		target := bound
		if target == nil && req.Session != "" {
			if t, err := s.reg.Get(req.Session); err == nil {
				target = t
			}
		}
		result, err := s.dispatch(ctx, target, req)
		c.reply(ctx, req.ID, result, err)
	}
}

// subscriptionInterest maps the wire subscription names onto parser
// interest bits. input/overlay/panel ride separate feeds.
func subscriptionInterest(subs []string) (term.Interest, bool, bool) {
	var interest term.Interest
	var wantInput, wantNotices bool
	for _, s := range subs {
		switch s {
		case "lines":
			interest |= term.InterestLines
		case "chars":
			interest |= term.InterestChars
		case "cursor":
			interest |= term.InterestCursor
		case "mode":
			interest |= term.InterestMode
		case "diffs":
			interest |= term.InterestDiffs
		case "input":
			wantInput = true
		case "overlay", "panel":
			wantNotices = true
		case "*":
			interest = term.InterestAll
			wantInput = true
			wantNotices = true
		}
	}
	return interest, wantInput, wantNotices
}

// pumpEvents forwards parser events, input events, and notices for one
// subscription set until the context ends.
func (s *Server) pumpEvents(ctx context.Context, c *wsConn, sess *session.Session, subs []string) {
	interest, wantInput, wantNotices := subscriptionInterest(subs)

	var wg sync.WaitGroup
	if interest != 0 {
		es := sess.Parser().Subscribe(interest)
		defer es.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-es.C:
					if !ok {
						return
					}
					c.send(ctx, wsEvent(e))
				}
			}
		}()
	}
	if wantInput {
		is := sess.Router().Subscribe()
		defer is.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-is.C:
					if !ok {
						return
					}
					c.send(ctx, inputEvent(e))
				}
			}
		}()
	}
	if wantNotices {
		ns := sess.SubscribeNotices()
		defer ns.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case n, ok := <-ns.C:
					if !ok {
						return
					}
					c.send(ctx, n)
				}
			}
		}()
	}
	wg.Wait()
}

// wsEvent wraps a parser event as a pushed object with an event tag,
// flattening the event's own fields alongside it.
func wsEvent(e term.Event) map[string]any {
	out := map[string]any{"event": e.Kind()}
	if data, err := json.Marshal(e); err == nil {
		var fields map[string]any
		if json.Unmarshal(data, &fields) == nil {
			for k, v := range fields {
				out[k] = v
			}
		}
	}
	return out
}

// inputEvent is the wire shape of a routed input packet. Raw bytes go
// out as a number array, not base64, so browser clients can use them
// directly.
func inputEvent(e input.Event) map[string]any {
	raw := make([]int, len(e.Raw))
	for i, b := range e.Raw {
		raw[i] = int(b)
	}
	out := map[string]any{
		"event": "input",
		"mode":  string(e.Mode),
		"raw":   raw,
	}
	if e.Target != "" {
		out["target"] = e.Target
	} else {
		out["target"] = nil
	}
	if e.Key != nil {
		out["parsed"] = e.Key
	} else {
		out["parsed"] = nil
	}
	return out
}
