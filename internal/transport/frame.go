// Package transport implements the binary unix-socket protocol between
// the CLI client and the server. Frames are [type:u8][length:u32 BE]
// [payload]; control frames carry JSON, data frames raw bytes.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame types.
const (
	TypeCreateSession         uint8 = 0x01
	TypeCreateSessionResponse uint8 = 0x02
	TypeAttachSession         uint8 = 0x03
	TypeAttachSessionResponse uint8 = 0x04
	TypeDetach                uint8 = 0x05
	TypeResize                uint8 = 0x06
	TypeError                 uint8 = 0x07

	TypePtyOutput  uint8 = 0x10
	TypeStdinInput uint8 = 0x11
)

// maxFrame bounds a single frame payload (guards a corrupted length).
const maxFrame = 16 * 1024 * 1024

// CreateSession asks the server to spawn a session.
type CreateSession struct {
	Name    string            `json:"name,omitempty"`
	Command []string          `json:"command,omitempty"`
	Rows    int               `json:"rows,omitempty"`
	Cols    int               `json:"cols,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Tags    []string          `json:"tags,omitempty"`
}

// CreateSessionResponse confirms the spawn.
type CreateSessionResponse struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// ScrollbackRequest selects how much history an attach replays:
// "none", "all", or "lines" with a count.
type ScrollbackRequest struct {
	Mode  string `json:"mode"`
	Lines int    `json:"lines,omitempty"`
}

// AttachSession asks to attach to a running session.
type AttachSession struct {
	Name       string            `json:"name"`
	Rows       int               `json:"rows,omitempty"`
	Cols       int               `json:"cols,omitempty"`
	Scrollback ScrollbackRequest `json:"scrollback"`
}

// AttachSessionResponse carries the replay payload. The byte fields are
// raw terminal output, bracketed by synchronized-update markers so the
// client paints atomically.
type AttachSessionResponse struct {
	Rows            int    `json:"rows"`
	Cols            int    `json:"cols"`
	ScrollbackBytes []byte `json:"scrollback_bytes"`
	ScreenBytes     []byte `json:"screen_bytes"`
}

// DetachInfo optionally rides a server-initiated Detach so the client
// can propagate the child's exit code.
type DetachInfo struct {
	ExitCode int `json:"exit_code"`
}

// Resize reports the client terminal size.
type Resize struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// ErrorFrame carries a stable code plus message.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteFrame writes one frame.
func WriteFrame(w io.Writer, typ uint8, payload []byte) error {
	var hdr [5]byte
	hdr[0] = typ
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON marshals v into a control frame.
func WriteJSON(w io.Writer, typ uint8, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, typ, payload)
}

// ReadFrame reads one frame.
func ReadFrame(r io.Reader) (typ uint8, payload []byte, err error) {
	var hdr [5]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	typ = hdr[0]
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxFrame {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	if n > 0 {
		payload = make([]byte, n)
		if _, err = io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return typ, payload, nil
}
