package transport

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ehrlich-b/wsh/internal/config"
	"github.com/ehrlich-b/wsh/internal/logger"
	"github.com/ehrlich-b/wsh/internal/registry"
	"github.com/ehrlich-b/wsh/internal/session"
	"github.com/ehrlich-b/wsh/internal/werr"
)

// attachTimeout bounds the replay queries issued during attach.
const attachTimeout = 5 * time.Second

const (
	syncBegin = "\x1b[?2026h"
	syncEnd   = "\x1b[?2026l"
)

// Server accepts CLI client connections on the unix control socket.
type Server struct {
	reg        *registry.Registry
	cfg        *config.Config
	socketPath string
}

// NewServer creates the socket server.
func NewServer(reg *registry.Registry, cfg *config.Config) *Server {
	return &Server{reg: reg, cfg: cfg, socketPath: cfg.Socket}
}

// ListenAndServe serves until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up stale socket.
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	os.Chmod(s.socketPath, 0600)
	defer os.Remove(s.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("socket listening", "path", s.socketPath)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Writes interleave from the attach pump and control replies.
	var wmu sync.Mutex
	writeFrame := func(typ uint8, payload []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		return WriteFrame(conn, typ, payload)
	}
	writeJSON := func(typ uint8, v any) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return writeFrame(typ, payload)
	}
	sendErr := func(err error) {
		we := werr.As(err)
		writeJSON(TypeError, ErrorFrame{Code: we.Code, Message: we.Message})
	}

	var attached *session.Session
	var detach context.CancelFunc
	defer func() {
		if detach != nil {
			detach()
		}
		if attached != nil {
			attached.Detach()
		}
	}()

	for {
		typ, payload, err := ReadFrame(conn)
		if err != nil {
			return
		}
		switch typ {
		case TypeCreateSession:
			var req CreateSession
			if err := json.Unmarshal(payload, &req); err != nil {
				sendErr(werr.InvalidRequest("create: %v", err))
				continue
			}
			name, rows, cols, err := s.createSession(req)
			if err != nil {
				sendErr(err)
				continue
			}
			writeJSON(TypeCreateSessionResponse, CreateSessionResponse{Name: name, Rows: rows, Cols: cols})

		case TypeAttachSession:
			var req AttachSession
			if err := json.Unmarshal(payload, &req); err != nil {
				sendErr(werr.InvalidRequest("attach: %v", err))
				continue
			}
			if attached != nil {
				sendErr(werr.InvalidRequest("already attached"))
				continue
			}
			sess, err := s.reg.Get(req.Name)
			if err != nil {
				sendErr(err)
				continue
			}
			if err := s.attach(ctx, sess, req, writeJSON, writeFrame, &detach); err != nil {
				sendErr(err)
				continue
			}
			attached = sess

		case TypeStdinInput:
			if attached == nil {
				sendErr(werr.InvalidRequest("not attached"))
				continue
			}
			if err := attached.WriteInput(payload); err != nil {
				sendErr(err)
			}

		case TypeResize:
			if attached == nil {
				continue
			}
			var req Resize
			if err := json.Unmarshal(payload, &req); err != nil {
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, attachTimeout)
			attached.Resize(rctx, req.Rows, req.Cols)
			cancel()

		case TypeDetach:
			if detach != nil {
				detach()
				detach = nil
			}
			if attached != nil {
				attached.Detach()
				attached = nil
			}

		default:
			sendErr(werr.InvalidRequest("unknown frame type 0x%02x", typ))
		}
	}
}

func (s *Server) createSession(req CreateSession) (name string, rows, cols int, err error) {
	for _, t := range req.Tags {
		if err := registry.ValidateTag(t); err != nil {
			return "", 0, 0, err
		}
	}
	var env []string
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	sess, err := session.Spawn(req.Name, session.Config{
		Command:    req.Command,
		Shell:      s.cfg.Shell,
		Rows:       req.Rows,
		Cols:       req.Cols,
		Env:        env,
		Dir:        req.Cwd,
		Scrollback: s.cfg.Scrollback,
	})
	if err != nil {
		return "", 0, 0, err
	}
	name, err = s.reg.Insert(req.Name, sess)
	if err != nil {
		sess.Close()
		return "", 0, 0, err
	}
	if len(req.Tags) > 0 {
		s.reg.AddTags(name, req.Tags)
	}
	rows, cols = sess.Size()
	return name, rows, cols, nil
}

// attach replays current state bracketed by synchronized-update markers
// and starts the output pump for this connection.
func (s *Server) attach(ctx context.Context, sess *session.Session, req AttachSession,
	writeJSON func(uint8, any) error, writeFrame func(uint8, []byte) error, detach *context.CancelFunc) error {

	rctx, cancel := context.WithTimeout(ctx, attachTimeout)
	defer cancel()

	if req.Rows > 0 && req.Cols > 0 {
		if err := sess.Resize(rctx, req.Rows, req.Cols); err != nil {
			return err
		}
	}

	sbLines := 0
	switch req.Scrollback.Mode {
	case "", "none":
		sbLines = 0
	case "all":
		sbLines = -1
	case "lines":
		sbLines = req.Scrollback.Lines
	default:
		return werr.InvalidRequest("unknown scrollback mode %q", req.Scrollback.Mode)
	}

	// Subscribe before taking the snapshot so no output falls between
	// replay and live stream.
	sub := sess.SubscribeComposed()
	if sub == nil {
		return werr.SessionNotFound(sess.Name())
	}

	scrollback, screen, err := sess.Parser().Replay(rctx, sbLines)
	if err != nil {
		sub.Close()
		return err
	}

	rows, cols := sess.Size()
	resp := AttachSessionResponse{
		Rows:            rows,
		Cols:            cols,
		ScrollbackBytes: bracket(scrollback),
		ScreenBytes:     bracket(screen),
	}
	if err := writeJSON(TypeAttachSessionResponse, resp); err != nil {
		sub.Close()
		return err
	}

	sess.Attach()
	pumpCtx, cancelPump := context.WithCancel(ctx)
	*detach = cancelPump
	go func() {
		defer sub.Close()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case <-sess.Done():
				writeJSON(TypeDetach, DetachInfo{ExitCode: sess.ExitCode()})
				return
			case pkt, ok := <-sub.C:
				if !ok {
					writeJSON(TypeDetach, DetachInfo{ExitCode: sess.ExitCode()})
					return
				}
				if pkt.Discontinuity {
					continue
				}
				if err := writeFrame(TypePtyOutput, pkt.Data); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

// bracket wraps non-empty replay bytes in a synchronized-update frame.
func bracket(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	out := make([]byte, 0, len(data)+len(syncBegin)+len(syncEnd))
	out = append(out, syncBegin...)
	out = append(out, data...)
	out = append(out, syncEnd...)
	return out
}
