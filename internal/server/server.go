// Package server exposes the core API over HTTP and WebSocket. Routing
// uses the standard library mux with method patterns; every route except
// /health passes the bearer-token middleware when the bind address is
// non-loopback.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ehrlich-b/wsh/internal/config"
	"github.com/ehrlich-b/wsh/internal/logger"
	"github.com/ehrlich-b/wsh/internal/overlay"
	"github.com/ehrlich-b/wsh/internal/registry"
	"github.com/ehrlich-b/wsh/internal/session"
	"github.com/ehrlich-b/wsh/internal/term"
	"github.com/ehrlich-b/wsh/internal/werr"
)

// queryTimeout bounds parser queries issued on behalf of HTTP callers.
const queryTimeout = 5 * time.Second

// Server is the HTTP/WS surface over one registry.
type Server struct {
	reg   *registry.Registry
	cfg   *config.Config
	token string
}

// New builds a server. token may be empty for loopback binds.
func New(reg *registry.Registry, cfg *config.Config, token string) *Server {
	return &Server{reg: reg, cfg: cfg, token: token}
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /sessions", s.handleDeleteAllSessions)
	mux.HandleFunc("GET /sessions/{name}", s.handleGetSession)
	mux.HandleFunc("PATCH /sessions/{name}", s.handlePatchSession)
	mux.HandleFunc("DELETE /sessions/{name}", s.handleDeleteSession)

	mux.HandleFunc("POST /sessions/{name}/input", s.handleInput)
	mux.HandleFunc("GET /sessions/{name}/input/mode", s.handleInputMode)
	mux.HandleFunc("POST /sessions/{name}/input/capture", s.handleCapture)
	mux.HandleFunc("POST /sessions/{name}/input/release", s.handleRelease)
	mux.HandleFunc("POST /sessions/{name}/input/focus", s.handleFocus)
	mux.HandleFunc("POST /sessions/{name}/input/unfocus", s.handleUnfocus)

	mux.HandleFunc("GET /sessions/{name}/screen", s.handleScreen)
	mux.HandleFunc("GET /sessions/{name}/scrollback", s.handleScrollback)
	mux.HandleFunc("GET /sessions/{name}/cursor", s.handleCursor)
	mux.HandleFunc("POST /sessions/{name}/resize", s.handleResize)

	mux.HandleFunc("GET /sessions/{name}/quiesce", s.handleQuiesce)
	mux.HandleFunc("GET /quiesce", s.handleQuiesce)

	mux.HandleFunc("POST /sessions/{name}/overlay", s.handleOverlayCreate)
	mux.HandleFunc("GET /sessions/{name}/overlay", s.handleOverlayList)
	mux.HandleFunc("GET /sessions/{name}/overlay/{id}", s.handleOverlayGet)
	mux.HandleFunc("PATCH /sessions/{name}/overlay/{id}", s.handleOverlayMove)
	mux.HandleFunc("DELETE /sessions/{name}/overlay/{id}", s.handleOverlayDelete)
	mux.HandleFunc("POST /sessions/{name}/overlay/{id}/spans", s.handleOverlaySpans)
	mux.HandleFunc("POST /sessions/{name}/overlay/{id}/write", s.handleOverlayWrite)

	mux.HandleFunc("POST /sessions/{name}/panel", s.handlePanelCreate)
	mux.HandleFunc("GET /sessions/{name}/panel", s.handlePanelList)
	mux.HandleFunc("GET /sessions/{name}/panel/{id}", s.handlePanelGet)
	mux.HandleFunc("PATCH /sessions/{name}/panel/{id}", s.handlePanelPatch)
	mux.HandleFunc("DELETE /sessions/{name}/panel/{id}", s.handlePanelDelete)
	mux.HandleFunc("POST /sessions/{name}/panel/{id}/spans", s.handlePanelSpans)
	mux.HandleFunc("POST /sessions/{name}/panel/{id}/write", s.handlePanelWrite)

	mux.HandleFunc("POST /sessions/{name}/screen/alt", s.handleAltEnter)
	mux.HandleFunc("DELETE /sessions/{name}/screen/alt", s.handleAltExit)

	mux.HandleFunc("POST /server/persist", s.handlePersist)

	mux.HandleFunc("GET /sessions/{name}/ws/raw", s.handleWSRaw)
	mux.HandleFunc("GET /sessions/{name}/ws/json", s.handleWSJSON)
	mux.HandleFunc("GET /ws/json", s.handleWSServer)

	return s.authMiddleware(mux)
}

// ListenAndServe serves until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Bind, err)
	}
	srv := &http.Server{Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("http listening", "bind", s.cfg.Bind)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Helpers.

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	we := werr.As(err)
	writeJSON(w, statusFor(we.Code), map[string]*werr.Error{"error": we})
}

func statusFor(code string) int {
	switch code {
	case werr.CodeAuthRequired, werr.CodeAuthInvalid:
		return http.StatusUnauthorized
	case werr.CodeNotFound, werr.CodeSessionNotFound, werr.CodeOverlayNotFound, werr.CodePanelNotFound:
		return http.StatusNotFound
	case werr.CodeInvalidRequest, werr.CodeInvalidTag, werr.CodeInvalidFormat, werr.CodeInvalidInputMode:
		return http.StatusBadRequest
	case werr.CodeSessionExists:
		return http.StatusConflict
	case werr.CodeChannelFull, werr.CodeMaxSessions, werr.CodeInputSendFailed:
		return http.StatusTooManyRequests
	case werr.CodeTimeout:
		return http.StatusRequestTimeout
	case werr.CodeParserUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sessionFor(r *http.Request) (*session.Session, error) {
	return s.reg.Get(r.PathValue("name"))
}

func reqCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), queryTimeout)
}

// Session lifecycle.

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionInfo struct {
	Name         string   `json:"name"`
	Pid          int      `json:"pid"`
	Rows         int      `json:"rows"`
	Cols         int      `json:"cols"`
	Tags         []string `json:"tags"`
	Clients      int      `json:"clients"`
	InputMode    string   `json:"input_mode"`
	Focus        string   `json:"focus,omitempty"`
	ScreenMode   string   `json:"screen_mode"`
	CreatedAt    string   `json:"created_at"`
	LastActivity string   `json:"last_activity"`
}

func (s *Server) describe(name string) (sessionInfo, error) {
	sess, err := s.reg.Get(name)
	if err != nil {
		return sessionInfo{}, err
	}
	tags, _ := s.reg.Tags(name)
	if tags == nil {
		tags = []string{}
	}
	rows, cols := sess.Size()
	return sessionInfo{
		Name:         name,
		Pid:          sess.Pid(),
		Rows:         rows,
		Cols:         cols,
		Tags:         tags,
		Clients:      sess.Clients(),
		InputMode:    string(sess.Router().Mode()),
		Focus:        sess.Router().Focus(),
		ScreenMode:   string(sess.ScreenMode()),
		CreatedAt:    sess.CreatedAt().UTC().Format(time.RFC3339),
		LastActivity: sess.LastActivity().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var names []string
	if tags, ok := r.URL.Query()["tag"]; ok && len(tags) > 0 {
		names = s.reg.SessionsByTags(tags)
	} else {
		names = s.reg.List()
	}
	out := make([]sessionInfo, 0, len(names))
	for _, n := range names {
		if info, err := s.describe(n); err == nil {
			out = append(out, info)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type createSessionRequest struct {
	Name    string            `json:"name"`
	Command []string          `json:"command"`
	Rows    int               `json:"rows"`
	Cols    int               `json:"cols"`
	Cwd     string            `json:"cwd"`
	Env     map[string]string `json:"env"`
	Tags    []string          `json:"tags"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, werr.InvalidRequest("invalid JSON: %v", err))
		return
	}
	for _, t := range req.Tags {
		if err := registry.ValidateTag(t); err != nil {
			writeErr(w, err)
			return
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
		writeErr(w, err)
		return
	}
	name, err := s.reg.Insert(req.Name, sess)
	if err != nil {
		sess.Close()
		writeErr(w, err)
		return
	}
	if len(req.Tags) > 0 {
		if err := s.reg.AddTags(name, req.Tags); err != nil {
			writeErr(w, err)
			return
		}
	}
	info, err := s.describe(name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.describe(r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type patchSessionRequest struct {
	Name       *string  `json:"name"`
	AddTags    []string `json:"add_tags"`
	RemoveTags []string `json:"remove_tags"`
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req patchSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, werr.InvalidRequest("invalid JSON: %v", err))
		return
	}
	if len(req.AddTags) > 0 {
		if err := s.reg.AddTags(name, req.AddTags); err != nil {
			writeErr(w, err)
			return
		}
	}
	if len(req.RemoveTags) > 0 {
		if err := s.reg.RemoveTags(name, req.RemoveTags); err != nil {
			writeErr(w, err)
			return
		}
	}
	if req.Name != nil && *req.Name != name {
		if err := s.reg.Rename(name, *req.Name); err != nil {
			writeErr(w, err)
			return
		}
		name = *req.Name
	}
	info, err := s.describe(name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Remove(r.PathValue("name")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAllSessions(w http.ResponseWriter, r *http.Request) {
	for _, name := range s.reg.List() {
		s.reg.Remove(name)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Input routing.

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	data := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, readErr := r.Body.Read(buf)
		data = append(data, buf[:n]...)
		if readErr != nil {
			break
		}
	}
	if err := sess.WriteInput(data); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInputMode(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"mode":  string(sess.Router().Mode()),
		"focus": sess.Router().Focus(),
	})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	sess.Router().Capture()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	sess.Router().Release()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeErr(w, werr.InvalidRequest("focus requires an id"))
		return
	}
	if err := sess.Router().SetFocus(req.ID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnfocus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	sess.Router().Unfocus()
	w.WriteHeader(http.StatusNoContent)
}

// Screen queries.

func parseFormat(r *http.Request) (string, error) {
	f := r.URL.Query().Get("format")
	switch f {
	case "", "plain":
		return "plain", nil
	case "styled":
		return "styled", nil
	}
	return "", werr.New(werr.CodeInvalidFormat, "unknown format %q", f)
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	format, err := parseFormat(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	screen, err := sess.Parser().Screen(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	if format == "plain" {
		writeJSON(w, http.StatusOK, plainScreen(screen))
		return
	}
	writeJSON(w, http.StatusOK, screen)
}

type plainScreenResponse struct {
	Epoch  uint64      `json:"epoch"`
	Rows   int         `json:"rows"`
	Cols   int         `json:"cols"`
	Cursor term.Cursor `json:"cursor"`
	Lines  []string    `json:"lines"`
}

func plainScreen(sc term.Screen) plainScreenResponse {
	lines := make([]string, len(sc.Lines))
	for i, l := range sc.Lines {
		lines[i] = l.Plain()
	}
	return plainScreenResponse{Epoch: sc.Epoch, Rows: sc.Rows, Cols: sc.Cols, Cursor: sc.Cursor, Lines: lines}
}

func (s *Server) handleScrollback(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	format, err := parseFormat(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ctx, cancel := reqCtx(r)
	defer cancel()
	sb, err := sess.Parser().Scrollback(ctx, offset, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if format == "plain" {
		lines := make([]string, len(sb.Lines))
		for i, l := range sb.Lines {
			lines[i] = l.Plain()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"epoch": sb.Epoch, "total": sb.Total, "offset": sb.Offset, "lines": lines,
		})
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

func (s *Server) handleCursor(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	cur, err := sess.Parser().Cursor(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req struct {
		Rows int `json:"rows"`
		Cols int `json:"cols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, werr.InvalidRequest("invalid JSON: %v", err))
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	if err := sess.Resize(ctx, req.Rows, req.Cols); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Quiescence.

func (s *Server) handleQuiesce(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	debounce := session.DefaultDebounce
	if v := q.Get("timeout_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			writeErr(w, werr.InvalidRequest("invalid timeout_ms"))
			return
		}
		debounce = time.Duration(ms) * time.Millisecond
	}
	maxWait := 30 * time.Second
	if v := q.Get("max_wait_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			writeErr(w, werr.InvalidRequest("invalid max_wait_ms"))
			return
		}
		maxWait = time.Duration(ms) * time.Millisecond
	}
	tag := q.Get("tag")
	if tag != "" {
		if err := registry.ValidateTag(tag); err != nil {
			writeErr(w, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), maxWait)
	defer cancel()

	// Session-scoped quiesce waits on that session alone.
	if name := r.PathValue("name"); name != "" {
		sess, err := s.reg.Get(name)
		if err != nil {
			writeErr(w, err)
			return
		}
		for !sess.Quiescent(debounce) {
			select {
			case <-ctx.Done():
				writeErr(w, werr.New(werr.CodeTimeout, "session %q not quiescent within deadline", name))
				return
			case <-time.After(25 * time.Millisecond):
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": name, "quiescent": true})
		return
	}

	name, err := s.reg.WaitQuiescent(ctx, tag, debounce)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": name, "quiescent": true})
}

// Server lifecycle.

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	s.reg.Persist()
	writeJSON(w, http.StatusOK, map[string]bool{"persistent": true})
}

// Overlay handlers.

type overlayRequest struct {
	X      int  `json:"x"`
	Y      int  `json:"y"`
	Width  int  `json:"width"`
	Height int  `json:"height"`
	// Z is a pointer so an explicit 0 (bottom of the stack) is
	// distinguishable from omitted (defaults to above the maximum).
	Z          *int                  `json:"z"`
	Background *term.Style           `json:"background"`
	Spans      []term.Span           `json:"spans"`
	Writes     []overlay.RegionWrite `json:"writes"`
	Focusable  bool                  `json:"focusable"`
}

func backgroundColor(st *term.Style) *term.Color {
	if st == nil || st.Bg.IsDefault() {
		return nil
	}
	bg := st.Bg
	return &bg
}

func (s *Server) handleOverlayCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req overlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, werr.InvalidRequest("invalid JSON: %v", err))
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	id, err := sess.CreateOverlay(ctx, overlay.Overlay{
		Geometry:   overlay.Geometry{X: req.X, Y: req.Y, Width: req.Width, Height: req.Height},
		Background: backgroundColor(req.Background),
		Spans:      req.Spans,
		Writes:     req.Writes,
		Focusable:  req.Focusable,
	}, req.Z)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleOverlayList(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Overlays().List())
}

func (s *Server) handleOverlayGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	o, err := sess.Overlays().Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleOverlayMove(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var patch overlay.GeometryPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeErr(w, werr.InvalidRequest("invalid JSON: %v", err))
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	if err := sess.MoveOverlay(ctx, r.PathValue("id"), patch); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOverlayDelete(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	if err := sess.DeleteOverlay(ctx, r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOverlaySpans(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req struct {
		Updates []overlay.SpanUpdate `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, werr.InvalidRequest("invalid JSON: %v", err))
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	if err := sess.UpdateOverlaySpans(ctx, r.PathValue("id"), req.Updates); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOverlayWrite(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req struct {
		Writes []overlay.RegionWrite `json:"writes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, werr.InvalidRequest("invalid JSON: %v", err))
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	if err := sess.WriteOverlayRegion(ctx, r.PathValue("id"), req.Writes); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Panel handlers.

type panelRequest struct {
	Position overlay.PanelPosition `json:"position"`
	Height   int                   `json:"height"`
	// Z follows the overlayRequest convention: nil means "above the
	// current maximum", an explicit 0 is honored.
	Z          *int                  `json:"z"`
	Background *term.Style           `json:"background"`
	Spans      []term.Span           `json:"spans"`
	Writes     []overlay.RegionWrite `json:"writes"`
	Focusable  bool                  `json:"focusable"`
}

func (s *Server) handlePanelCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req panelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, werr.InvalidRequest("invalid JSON: %v", err))
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	id, err := sess.CreatePanel(ctx, overlay.Panel{
		Position:   req.Position,
		Height:     req.Height,
		Background: backgroundColor(req.Background),
		Spans:      req.Spans,
		Writes:     req.Writes,
		Focusable:  req.Focusable,
	}, req.Z)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handlePanelList(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Panels().List())
}

func (s *Server) handlePanelGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	p, err := sess.Panels().Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePanelPatch(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var patch overlay.PanelPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeErr(w, werr.InvalidRequest("invalid JSON: %v", err))
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	if err := sess.PatchPanel(ctx, r.PathValue("id"), patch); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePanelDelete(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	if err := sess.DeletePanel(ctx, r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePanelSpans(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req struct {
		Updates []overlay.SpanUpdate `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, werr.InvalidRequest("invalid JSON: %v", err))
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	if err := sess.UpdatePanelSpans(ctx, r.PathValue("id"), req.Updates); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePanelWrite(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req struct {
		Writes []overlay.RegionWrite `json:"writes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, werr.InvalidRequest("invalid JSON: %v", err))
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	if err := sess.WritePanelRegion(ctx, r.PathValue("id"), req.Writes); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Alternate screen.

func (s *Server) handleAltEnter(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	if err := sess.EnterAlt(ctx); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAltExit(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	if err := sess.ExitAlt(ctx); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
