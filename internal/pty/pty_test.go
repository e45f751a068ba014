package pty

import (
	"bytes"
	"testing"
	"time"
)

func TestSpawnEchoAndKill(t *testing.T) {
	h, err := Spawn(SpawnConfig{Command: []string{"cat"}, Rows: 10, Cols: 40})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Close()

	if h.Pid() == 0 {
		t.Error("pid should be set")
	}

	r, err := h.TakeReader()
	if err != nil {
		t.Fatalf("take reader: %v", err)
	}
	w, err := h.TakeWriter()
	if err != nil {
		t.Fatalf("take writer: %v", err)
	}

	// Sides are exclusive.
	if _, err := h.TakeReader(); err == nil {
		t.Error("second TakeReader should fail")
	}
	if _, err := h.TakeWriter(); err == nil {
		t.Error("second TakeWriter should fail")
	}

	if _, err := w.Write([]byte("polo\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 4096)
	var got []byte
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !bytes.Contains(got, []byte("polo")) {
		n, err := r.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	if !bytes.Contains(got, []byte("polo")) {
		t.Fatalf("pty echo missing, got %q", got)
	}

	h.Kill()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("killed child did not exit")
	}
}

func TestResizeIdempotent(t *testing.T) {
	h, err := Spawn(SpawnConfig{Command: []string{"sleep", "60"}, Rows: 10, Cols: 40})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Close()

	if err := h.Resize(20, 90); err != nil {
		t.Fatalf("resize: %v", err)
	}
	// Same size again is a no-op, not an error.
	if err := h.Resize(20, 90); err != nil {
		t.Fatalf("idempotent resize: %v", err)
	}
	rows, cols := h.Size()
	if rows != 20 || cols != 90 {
		t.Errorf("size = %dx%d, want 90x20", cols, rows)
	}
}

func TestExitCode(t *testing.T) {
	h, err := Spawn(SpawnConfig{Command: []string{"sh", "-c", "exit 5"}, Rows: 5, Cols: 20})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Close()
	<-h.Done()
	if code := h.ExitCode(); code != 5 {
		t.Errorf("exit code = %d, want 5", code)
	}
}

func TestShellFallback(t *testing.T) {
	h, err := Spawn(SpawnConfig{Shell: "/bin/sh", Rows: 5, Cols: 20})
	if err != nil {
		t.Fatalf("spawn with shell fallback: %v", err)
	}
	h.Close()
}
