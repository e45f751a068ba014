package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// Client is the CLI side of the unix socket protocol.
type Client struct {
	conn net.Conn
}

// Dial connects to the server's control socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Create spawns a session and returns its assigned name.
func (c *Client) Create(req CreateSession) (CreateSessionResponse, error) {
	var resp CreateSessionResponse
	if err := WriteJSON(c.conn, TypeCreateSession, req); err != nil {
		return resp, err
	}
	typ, payload, err := ReadFrame(c.conn)
	if err != nil {
		return resp, err
	}
	switch typ {
	case TypeCreateSessionResponse:
		return resp, json.Unmarshal(payload, &resp)
	case TypeError:
		return resp, decodeError(payload)
	}
	return resp, fmt.Errorf("unexpected frame 0x%02x", typ)
}

func decodeError(payload []byte) error {
	var ef ErrorFrame
	if err := json.Unmarshal(payload, &ef); err != nil {
		return fmt.Errorf("server error")
	}
	return fmt.Errorf("%s: %s", ef.Code, ef.Message)
}

// Attach attaches to the named session and proxies the local terminal
// until the session ends or stdin closes. Returns the child's exit code
// when the server reported one.
func (c *Client) Attach(name string, scrollback ScrollbackRequest) (int, error) {
	fd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(fd)

	req := AttachSession{Name: name, Scrollback: scrollback}
	if interactive {
		if cols, rows, err := term.GetSize(fd); err == nil {
			req.Rows, req.Cols = rows, cols
		}
	}
	if err := WriteJSON(c.conn, TypeAttachSession, req); err != nil {
		return 1, err
	}

	typ, payload, err := ReadFrame(c.conn)
	if err != nil {
		return 1, err
	}
	switch typ {
	case TypeAttachSessionResponse:
	case TypeError:
		return 1, decodeError(payload)
	default:
		return 1, fmt.Errorf("unexpected frame 0x%02x", typ)
	}
	var resp AttachSessionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return 1, err
	}

	var restore *term.State
	if interactive {
		restore, err = term.MakeRaw(fd)
		if err != nil {
			return 1, fmt.Errorf("set raw mode: %w", err)
		}
		defer func() {
			term.Restore(fd, restore)
			// Leave the terminal in a sane state on abnormal exit.
			os.Stdout.WriteString("\x1b[?25h\x1b[0m\r\n")
		}()
	}

	// Paint the replayed state; both chunks arrive pre-bracketed with
	// synchronized-update markers.
	os.Stdout.Write(resp.ScrollbackBytes)
	os.Stdout.Write(resp.ScreenBytes)

	// Forward terminal resizes.
	if interactive {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGWINCH)
		defer signal.Stop(sigCh)
		go func() {
			for range sigCh {
				if cols, rows, err := term.GetSize(fd); err == nil {
					WriteJSON(c.conn, TypeResize, Resize{Rows: rows, Cols: cols})
				}
			}
		}()
	}

	// Stdin pump.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := WriteFrame(c.conn, TypeStdinInput, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Output pump — runs on this goroutine so cleanup is ordered.
	for {
		typ, payload, err := ReadFrame(c.conn)
		if err != nil {
			return 0, nil // server went away; treat as detach
		}
		switch typ {
		case TypePtyOutput:
			os.Stdout.Write(payload)
		case TypeDetach:
			var info DetachInfo
			if len(payload) > 0 {
				json.Unmarshal(payload, &info)
			}
			return info.ExitCode, nil
		case TypeError:
			return 1, decodeError(payload)
		}
	}
}
