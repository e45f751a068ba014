// Command wsh is a terminal multiplexer whose sessions are queryable
// and composable over HTTP, WebSocket, and a unix control socket. The
// bare command is an implicit client: it starts a server when none is
// running, creates a session, and proxies the local terminal to it.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wsh/internal/config"
	"github.com/ehrlich-b/wsh/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsh: %v\n", err)
		os.Exit(1)
	}

	var (
		bindFlag    string
		tokenFlag   string
		shellFlag   string
		commandFlag string
		interactive bool
		nameFlag    string
		tagFlags    []string
	)

	root := &cobra.Command{
		Use:   "wsh",
		Short: "wsh — terminal sessions with a programmable surface",
		Long:  "Runs a shell on a PTY whose live state is queryable and composable by agents and tools while you use it normally.",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyFlags(cfg, bindFlag, tokenFlag, shellFlag)
			if err := ensureServer(cfg); err != nil {
				return err
			}
			c, err := transport.Dial(cfg.Socket)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer c.Close()

			var command []string
			if commandFlag != "" {
				command = []string{cfg.Shell, "-c", commandFlag}
			} else if interactive {
				command = []string{cfg.Shell, "-i"}
			}
			resp, err := c.Create(transport.CreateSession{
				Name:    nameFlag,
				Command: command,
				Tags:    tagFlags,
			})
			if err != nil {
				return err
			}
			code, err := c.Attach(resp.Name, transport.ScrollbackRequest{Mode: "none"})
			if err != nil {
				return err
			}
			os.Exit(code)
			return nil
		},
	}
	root.Flags().StringVar(&bindFlag, "bind", "", "Server bind address")
	root.Flags().StringVar(&tokenFlag, "token", "", "Auth token for non-loopback binds")
	root.Flags().StringVar(&shellFlag, "shell", "", "Shell to spawn")
	root.Flags().StringVarP(&commandFlag, "command", "c", "", "Run a command instead of a shell")
	root.Flags().BoolVarP(&interactive, "interactive", "i", false, "Force an interactive shell")
	root.Flags().StringVar(&nameFlag, "name", "", "Session name (auto-assigned when empty)")
	root.Flags().StringSliceVar(&tagFlags, "tag", nil, "Tags for the new session")

	root.AddCommand(
		serverCmd(cfg),
		attachCmd(cfg),
		listCmd(cfg),
		killCmd(cfg),
		tagCmd(cfg),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wsh: %v\n", err)
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config, bind, token, shell string) {
	if bind != "" {
		cfg.Bind = bind
	}
	if token != "" {
		cfg.Token = token
	}
	if shell != "" {
		cfg.Shell = shell
	}
}

// ensureServer dials the control socket and, when nothing answers,
// starts an ephemeral server in the background and waits for it.
func ensureServer(cfg *config.Config) error {
	if c, err := transport.Dial(cfg.Socket); err == nil {
		c.Close()
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	args := []string{"server", "--ephemeral"}
	if cfg.Bind != config.DefaultBind {
		args = append(args, "--bind", cfg.Bind)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	go cmd.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := transport.Dial(cfg.Socket); err == nil {
			c.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("server did not start within 5s")
}

func serverCmd(cfg *config.Config) *cobra.Command {
	var (
		bindFlag  string
		tokenFlag string
		sockFlag  string
		ephemeral bool
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the wsh server",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyFlags(cfg, bindFlag, tokenFlag, "")
			if sockFlag != "" {
				cfg.Socket = sockFlag
			}
			return runServer(cfg, ephemeral || cfg.Ephemeral)
		},
	}
	cmd.Flags().StringVar(&bindFlag, "bind", "", "HTTP bind address")
	cmd.Flags().StringVar(&tokenFlag, "token", "", "Auth token for non-loopback binds")
	cmd.Flags().StringVar(&sockFlag, "socket", "", "Unix control socket path")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Exit when the last session is removed")

	cmd.AddCommand(&cobra.Command{
		Use:   "persist",
		Short: "Upgrade a running ephemeral server to persistent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return httpPost(cfg, "/server/persist", nil)
		},
	})
	return cmd
}

func attachCmd(cfg *config.Config) *cobra.Command {
	var scrollback string
	cmd := &cobra.Command{
		Use:   "attach <name>",
		Short: "Attach the local terminal to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := transport.Dial(cfg.Socket)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer c.Close()
			req, err := parseScrollback(scrollback)
			if err != nil {
				return err
			}
			code, err := c.Attach(args[0], req)
			if err != nil {
				return err
			}
			os.Exit(code)
			return nil
		},
	}
	cmd.Flags().StringVar(&scrollback, "scrollback", "0", "Replay scrollback on attach: all, N lines, or 0")
	return cmd
}

func parseScrollback(s string) (transport.ScrollbackRequest, error) {
	switch s {
	case "", "0", "none":
		return transport.ScrollbackRequest{Mode: "none"}, nil
	case "all":
		return transport.ScrollbackRequest{Mode: "all"}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return transport.ScrollbackRequest{}, fmt.Errorf("invalid --scrollback %q", s)
	}
	return transport.ScrollbackRequest{Mode: "lines", Lines: n}, nil
}
