package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/ehrlich-b/wsh/internal/config"
	"github.com/ehrlich-b/wsh/internal/registry"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("some payload")
	if err := WriteFrame(&buf, TypePtyOutput, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	typ, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != TypePtyOutput || !bytes.Equal(got, payload) {
		t.Errorf("round trip = 0x%02x %q", typ, got)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, TypeDetach, nil)
	typ, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != TypeDetach || len(payload) != 0 {
		t.Errorf("empty frame = 0x%02x %q", typ, payload)
	}
}

func TestFrameHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, TypeStdinInput, []byte("ab"))
	raw := buf.Bytes()
	// [type:u8][length:u32 BE][payload]
	want := []byte{TypeStdinInput, 0, 0, 0, 2, 'a', 'b'}
	if !bytes.Equal(raw, want) {
		t.Errorf("wire bytes = %v, want %v", raw, want)
	}
}

func TestFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{TypePtyOutput, 0xff, 0xff, 0xff, 0xff})
	if _, _, err := ReadFrame(&buf); err == nil {
		t.Error("oversized frame length should be rejected")
	}
}

func newSockServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	cfg := &config.Config{Shell: "/bin/sh", Scrollback: 500}
	reg := registry.New(0, false)
	t.Cleanup(reg.Shutdown)
	return NewServer(reg, cfg), reg
}

// dialPipe wires a client connection straight into serveConn.
func dialPipe(t *testing.T, s *Server) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.serveConn(ctx, server)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCreateSessionOverSocket(t *testing.T) {
	s, reg := newSockServer(t)
	conn := dialPipe(t, s)

	if err := WriteJSON(conn, TypeCreateSession, CreateSession{
		Name:    "sock",
		Command: []string{"sleep", "60"},
		Rows:    10,
		Cols:    40,
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, payload, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != TypeCreateSessionResponse {
		t.Fatalf("frame type = 0x%02x, payload %s", typ, payload)
	}
	var resp CreateSessionResponse
	json.Unmarshal(payload, &resp)
	if resp.Name != "sock" || resp.Rows != 10 || resp.Cols != 40 {
		t.Errorf("response = %+v", resp)
	}
	if _, err := reg.Get("sock"); err != nil {
		t.Error("session should be registered")
	}
}

func TestAttachReplaysAndStreams(t *testing.T) {
	s, _ := newSockServer(t)
	conn := dialPipe(t, s)

	WriteJSON(conn, TypeCreateSession, CreateSession{
		Name: "att", Command: []string{"cat"}, Rows: 10, Cols: 40,
	})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, _, err := ReadFrame(conn)
	if err != nil || typ != TypeCreateSessionResponse {
		t.Fatalf("create failed: %v 0x%02x", err, typ)
	}

	WriteJSON(conn, TypeAttachSession, AttachSession{
		Name:       "att",
		Scrollback: ScrollbackRequest{Mode: "none"},
	})
	typ, payload, err := ReadFrame(conn)
	if err != nil || typ != TypeAttachSessionResponse {
		t.Fatalf("attach failed: %v 0x%02x %s", err, typ, payload)
	}
	var resp AttachSessionResponse
	json.Unmarshal(payload, &resp)
	if resp.Rows != 10 || resp.Cols != 40 {
		t.Errorf("attach size = %dx%d", resp.Cols, resp.Rows)
	}
	// Screen replay is bracketed by synchronized-update markers.
	if !bytes.HasPrefix(resp.ScreenBytes, []byte("\x1b[?2026h")) ||
		!bytes.HasSuffix(resp.ScreenBytes, []byte("\x1b[?2026l")) {
		t.Errorf("screen replay not bracketed: %q", resp.ScreenBytes)
	}

	// Stdin flows into the session; the echo comes back as PtyOutput.
	WriteFrame(conn, TypeStdinInput, []byte("marco\n"))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var streamed []byte
	for {
		typ, payload, err := ReadFrame(conn)
		if err != nil {
			t.Fatalf("stream read: %v (got %q so far)", err, streamed)
		}
		if typ == TypePtyOutput {
			streamed = append(streamed, payload...)
			if bytes.Contains(streamed, []byte("marco")) {
				return
			}
		}
	}
}

func TestAttachUnknownSession(t *testing.T) {
	s, _ := newSockServer(t)
	conn := dialPipe(t, s)

	WriteJSON(conn, TypeAttachSession, AttachSession{Name: "nope"})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, payload, err := ReadFrame(conn)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeError {
		t.Fatalf("frame type = 0x%02x, want error", typ)
	}
	var ef ErrorFrame
	json.Unmarshal(payload, &ef)
	if ef.Code != "session_not_found" {
		t.Errorf("code = %q, want session_not_found", ef.Code)
	}
}

func TestStdinWithoutAttachRejected(t *testing.T) {
	s, _ := newSockServer(t)
	conn := dialPipe(t, s)

	WriteFrame(conn, TypeStdinInput, []byte("x"))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, payload, err := ReadFrame(conn)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeError {
		t.Fatalf("frame type = 0x%02x %s, want error", typ, payload)
	}
}

func TestDetachCarriesExitCode(t *testing.T) {
	s, _ := newSockServer(t)
	conn := dialPipe(t, s)

	WriteJSON(conn, TypeCreateSession, CreateSession{
		Name: "ex", Command: []string{"sh", "-c", "exit 7"}, Rows: 5, Cols: 20,
	})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, _, err := ReadFrame(conn)
	if err != nil || typ != TypeCreateSessionResponse {
		t.Fatalf("create: %v 0x%02x", err, typ)
	}

	WriteJSON(conn, TypeAttachSession, AttachSession{Name: "ex"})
	typ, _, err = ReadFrame(conn)
	if err != nil {
		t.Fatal(err)
	}
	if typ == TypeError {
		// Child raced to exit before attach; acceptable.
		return
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		typ, payload, err := ReadFrame(conn)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ == TypeDetach {
			var info DetachInfo
			json.Unmarshal(payload, &info)
			if info.ExitCode != 7 {
				t.Errorf("exit code = %d, want 7", info.ExitCode)
			}
			return
		}
	}
}
