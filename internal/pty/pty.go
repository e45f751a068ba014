// Package pty owns the pseudo-terminal file descriptor and the child
// process spawned on it. The read and write sides are taken exactly once
// each by the session's reader and writer tasks.
package pty

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// killGrace is how long a killed child gets to exit on SIGTERM before
// SIGKILL.
const killGrace = 3 * time.Second

// SpawnConfig describes the child to start.
type SpawnConfig struct {
	// Command is the program plus arguments. Empty falls back to Shell.
	Command []string

	// Shell runs when Command is empty.
	Shell string

	Rows, Cols int

	// Env entries (key=value) appended to the inherited environment.
	Env []string

	// Dir is the child working directory.
	Dir string
}

// Handle is a spawned PTY. Reader and writer fd ownership is exclusive:
// TakeReader/TakeWriter each succeed once.
type Handle struct {
	ptmx *os.File
	cmd  *exec.Cmd

	mu          sync.Mutex
	rows, cols  int
	readerTaken bool
	writerTaken bool
	killed      bool

	done     chan struct{}
	exitCode int
}

// Spawn starts the child on a fresh pseudo-terminal.
func Spawn(cfg SpawnConfig) (*Handle, error) {
	argv := cfg.Command
	if len(argv) == 0 {
		shell := cfg.Shell
		if shell == "" {
			shell = "/bin/sh"
		}
		argv = []string{shell}
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	if !hasEnv(cmd.Env, "TERM") {
		cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	}

	rows, cols := cfg.Rows, cfg.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	h := &Handle{
		ptmx: ptmx,
		cmd:  cmd,
		rows: rows,
		cols: cols,
		done: make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

func hasEnv(env []string, key string) bool {
	prefix := key + "="
	for _, e := range env {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = 1
	}
	h.mu.Lock()
	h.exitCode = code
	h.mu.Unlock()
	close(h.done)
}

// Done is closed when the child exits. ExitCode is valid afterwards.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitCode returns the child's exit code after Done is closed.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Pid returns the child process id.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// TakeReader hands the read side to its single owner.
func (h *Handle) TakeReader() (io.Reader, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readerTaken {
		return nil, fmt.Errorf("pty read side already taken")
	}
	h.readerTaken = true
	return readerSide{h.ptmx}, nil
}

// TakeWriter hands the write side to its single owner.
func (h *Handle) TakeWriter() (io.Writer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writerTaken {
		return nil, fmt.Errorf("pty write side already taken")
	}
	h.writerTaken = true
	return writerSide{h.ptmx}, nil
}

type readerSide struct{ f *os.File }
type writerSide struct{ f *os.File }

func (r readerSide) Read(p []byte) (int, error)  { return r.f.Read(p) }
func (w writerSide) Write(p []byte) (int, error) { return w.f.Write(p) }

// Resize changes the terminal dimensions. Idempotent and safe while the
// reader is blocked in a read.
func (h *Handle) Resize(rows, cols int) error {
	h.mu.Lock()
	if rows == h.rows && cols == h.cols {
		h.mu.Unlock()
		return nil
	}
	h.rows, h.cols = rows, cols
	h.mu.Unlock()
	return pty.Setsize(h.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Size returns the last set dimensions.
func (h *Handle) Size() (rows, cols int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rows, h.cols
}

// Kill signals the child: SIGTERM, then SIGKILL after a grace window if
// it has not exited. Safe to call more than once.
func (h *Handle) Kill() {
	h.mu.Lock()
	if h.killed {
		h.mu.Unlock()
		return
	}
	h.killed = true
	h.mu.Unlock()

	proc := h.cmd.Process
	if proc == nil {
		return
	}
	proc.Signal(unix.SIGTERM)
	go func() {
		select {
		case <-h.done:
		case <-time.After(killGrace):
			proc.Signal(unix.SIGKILL)
		}
	}()
}

// Close kills the child if still running and closes the fd. Last-resort
// cleanup; the reader task observes EOF/EIO and exits.
func (h *Handle) Close() error {
	h.Kill()
	return h.ptmx.Close()
}
