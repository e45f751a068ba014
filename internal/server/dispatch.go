package server

import (
	"context"
	"encoding/json"

	"github.com/ehrlich-b/wsh/internal/overlay"
	"github.com/ehrlich-b/wsh/internal/registry"
	"github.com/ehrlich-b/wsh/internal/session"
	"github.com/ehrlich-b/wsh/internal/term"
	"github.com/ehrlich-b/wsh/internal/werr"
)

// dispatch routes one JSON method call. Session management methods work
// without a target; everything else requires one (the bound session on a
// session-scoped socket, or the request's session field on the server
// socket).
func (s *Server) dispatch(ctx context.Context, target *session.Session, req wsRequest) (any, error) {
	switch req.Method {
	case "create_session":
		return s.wsCreateSession(req.Params)
	case "list_sessions":
		var names []string
		var p struct {
			Tags []string `json:"tags"`
		}
		if len(req.Params) > 0 {
			json.Unmarshal(req.Params, &p)
		}
		if len(p.Tags) > 0 {
			names = s.reg.SessionsByTags(p.Tags)
		} else {
			names = s.reg.List()
		}
		out := make([]sessionInfo, 0, len(names))
		for _, n := range names {
			if info, err := s.describe(n); err == nil {
				out = append(out, info)
			}
		}
		return out, nil
	case "rename_session":
		var p struct {
			From string `json:"from"`
			To   string `json:"to"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, werr.InvalidRequest("rename_session: %v", err)
		}
		return nil, s.reg.Rename(p.From, p.To)
	case "kill_session":
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, werr.InvalidRequest("kill_session: %v", err)
		}
		return nil, s.reg.Remove(p.Name)
	case "add_tags", "remove_tags", "update_tags":
		return s.wsTags(req)
	case "persist":
		s.reg.Persist()
		return map[string]bool{"persistent": true}, nil
	}

	if target == nil {
		return nil, werr.SessionNotFound(req.Session)
	}
	return s.dispatchSession(ctx, target, req)
}

func (s *Server) wsCreateSession(params json.RawMessage) (any, error) {
	var p createSessionRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, werr.InvalidRequest("create_session: %v", err)
		}
	}
	for _, t := range p.Tags {
		if err := registry.ValidateTag(t); err != nil {
			return nil, err
		}
	}
	var env []string
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	sess, err := session.Spawn(p.Name, session.Config{
		Command:    p.Command,
		Shell:      s.cfg.Shell,
		Rows:       p.Rows,
		Cols:       p.Cols,
		Env:        env,
		Dir:        p.Cwd,
		Scrollback: s.cfg.Scrollback,
	})
	if err != nil {
		return nil, err
	}
	name, err := s.reg.Insert(p.Name, sess)
	if err != nil {
		sess.Close()
		return nil, err
	}
	if len(p.Tags) > 0 {
		if err := s.reg.AddTags(name, p.Tags); err != nil {
			return nil, err
		}
	}
	info, err := s.describe(name)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *Server) wsTags(req wsRequest) (any, error) {
	var p struct {
		Name       string   `json:"name"`
		Tags       []string `json:"tags"`
		AddTags    []string `json:"add_tags"`
		RemoveTags []string `json:"remove_tags"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, werr.InvalidRequest("%s: %v", req.Method, err)
	}
	if p.Name == "" {
		p.Name = req.Session
	}
	switch req.Method {
	case "add_tags":
		return nil, s.reg.AddTags(p.Name, p.Tags)
	case "remove_tags":
		return nil, s.reg.RemoveTags(p.Name, p.Tags)
	default: // update_tags
		if err := s.reg.AddTags(p.Name, p.AddTags); err != nil {
			return nil, err
		}
		return nil, s.reg.RemoveTags(p.Name, p.RemoveTags)
	}
}

func (s *Server) dispatchSession(ctx context.Context, sess *session.Session, req wsRequest) (any, error) {
	switch req.Method {
	case "screen":
		var p struct {
			Format string `json:"format"`
		}
		if len(req.Params) > 0 {
			json.Unmarshal(req.Params, &p)
		}
		screen, err := sess.Parser().Screen(ctx)
		if err != nil {
			return nil, err
		}
		if p.Format == "" || p.Format == "plain" {
			return plainScreen(screen), nil
		}
		if p.Format != "styled" {
			return nil, werr.New(werr.CodeInvalidFormat, "unknown format %q", p.Format)
		}
		return screen, nil

	case "scrollback":
		var p struct {
			Offset int `json:"offset"`
			Limit  int `json:"limit"`
		}
		if len(req.Params) > 0 {
			json.Unmarshal(req.Params, &p)
		}
		return sessScrollback(ctx, sess, p.Offset, p.Limit)

	case "cursor":
		return sess.Parser().Cursor(ctx)

	case "resize":
		var p struct {
			Rows int `json:"rows"`
			Cols int `json:"cols"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, werr.InvalidRequest("resize: %v", err)
		}
		return nil, sess.Resize(ctx, p.Rows, p.Cols)

	case "input":
		var p struct {
			Data []byte `json:"data"` // base64 on the wire
			Text string `json:"text"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, werr.InvalidRequest("input: %v", err)
		}
		data := p.Data
		if len(data) == 0 {
			data = []byte(p.Text)
		}
		return nil, sess.WriteInput(data)

	case "input_mode":
		return map[string]string{
			"mode":  string(sess.Router().Mode()),
			"focus": sess.Router().Focus(),
		}, nil

	case "capture":
		sess.Router().Capture()
		return nil, nil
	case "release":
		sess.Router().Release()
		return nil, nil
	case "focus":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			return nil, werr.InvalidRequest("focus requires an id")
		}
		return nil, sess.Router().SetFocus(p.ID)
	case "unfocus":
		sess.Router().Unfocus()
		return nil, nil

	case "sync":
		// Full state dump: the reply itself is the recovery payload.
		screen, err := sess.Parser().Screen(ctx)
		if err != nil {
			return nil, err
		}
		sb, err := sess.Parser().Scrollback(ctx, 0, 0)
		if err != nil {
			return nil, err
		}
		return map[string]any{"screen": screen, "scrollback_lines": sb.Lines}, nil

	case "overlay_create":
		var p overlayRequest
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, werr.InvalidRequest("overlay_create: %v", err)
		}
		id, err := sess.CreateOverlay(ctx, overlay.Overlay{
			Geometry:   overlay.Geometry{X: p.X, Y: p.Y, Width: p.Width, Height: p.Height},
			Background: backgroundColor(p.Background),
			Spans:      p.Spans,
			Writes:     p.Writes,
			Focusable:  p.Focusable,
		}, p.Z)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil

	case "overlay_list":
		return sess.Overlays().List(), nil
	case "overlay_get":
		return sess.Overlays().Get(wsID(req))
	case "overlay_move":
		var p struct {
			ID string `json:"id"`
			overlay.GeometryPatch
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, werr.InvalidRequest("overlay_move: %v", err)
		}
		return nil, sess.MoveOverlay(ctx, p.ID, p.GeometryPatch)
	case "overlay_update_spans":
		var p struct {
			ID      string               `json:"id"`
			Updates []overlay.SpanUpdate `json:"updates"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, werr.InvalidRequest("overlay_update_spans: %v", err)
		}
		return nil, sess.UpdateOverlaySpans(ctx, p.ID, p.Updates)
	case "overlay_write":
		var p struct {
			ID     string                `json:"id"`
			Writes []overlay.RegionWrite `json:"writes"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, werr.InvalidRequest("overlay_write: %v", err)
		}
		return nil, sess.WriteOverlayRegion(ctx, p.ID, p.Writes)
	case "overlay_delete":
		return nil, sess.DeleteOverlay(ctx, wsID(req))

	case "panel_create":
		var p panelRequest
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, werr.InvalidRequest("panel_create: %v", err)
		}
		id, err := sess.CreatePanel(ctx, overlay.Panel{
			Position:   p.Position,
			Height:     p.Height,
			Background: backgroundColor(p.Background),
			Spans:      p.Spans,
			Writes:     p.Writes,
			Focusable:  p.Focusable,
		}, p.Z)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil

	case "panel_list":
		return sess.Panels().List(), nil
	case "panel_get":
		return sess.Panels().Get(wsID(req))
	case "panel_patch":
		var p struct {
			ID string `json:"id"`
			overlay.PanelPatch
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, werr.InvalidRequest("panel_patch: %v", err)
		}
		return nil, sess.PatchPanel(ctx, p.ID, p.PanelPatch)
	case "panel_update_spans":
		var p struct {
			ID      string               `json:"id"`
			Updates []overlay.SpanUpdate `json:"updates"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, werr.InvalidRequest("panel_update_spans: %v", err)
		}
		return nil, sess.UpdatePanelSpans(ctx, p.ID, p.Updates)
	case "panel_write":
		var p struct {
			ID     string                `json:"id"`
			Writes []overlay.RegionWrite `json:"writes"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, werr.InvalidRequest("panel_write: %v", err)
		}
		return nil, sess.WritePanelRegion(ctx, p.ID, p.Writes)
	case "panel_delete":
		return nil, sess.DeletePanel(ctx, wsID(req))

	case "enter_alt_screen":
		return nil, sess.EnterAlt(ctx)
	case "exit_alt_screen":
		return nil, sess.ExitAlt(ctx)
	}

	return nil, werr.InvalidRequest("unknown method %q", req.Method)
}

func sessScrollback(ctx context.Context, sess *session.Session, offset, limit int) (term.Scrollback, error) {
	return sess.Parser().Scrollback(ctx, offset, limit)
}

func wsID(req wsRequest) string {
	var p struct {
		ID string `json:"id"`
	}
	if len(req.Params) > 0 {
		json.Unmarshal(req.Params, &p)
	}
	return p.ID
}
