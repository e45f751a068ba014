package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ehrlich-b/wsh/internal/config"
	"github.com/ehrlich-b/wsh/internal/logger"
	"github.com/ehrlich-b/wsh/internal/registry"
	"github.com/ehrlich-b/wsh/internal/server"
	"github.com/ehrlich-b/wsh/internal/transport"
)

// runServer hosts the HTTP surface and the unix control socket until a
// signal arrives, a component fails, or an ephemeral registry empties.
func runServer(cfg *config.Config, ephemeral bool) error {
	if err := logger.Init(cfg.LogLevel, serverLogPath(cfg), false); err != nil {
		return err
	}

	token := cfg.Token
	if !server.LoopbackBind(cfg.Bind) && token == "" {
		generated, err := server.GenerateToken()
		if err != nil {
			return err
		}
		token = generated
		fmt.Fprintf(os.Stderr, "wsh: generated auth token: %s\n", token)
	}

	reg := registry.New(cfg.MaxSessions, ephemeral)

	httpSrv := server.New(reg, cfg, token)
	sockSrv := transport.NewServer(reg, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 2)
	go func() { errCh <- httpSrv.ListenAndServe(ctx) }()
	go func() { errCh <- sockSrv.ListenAndServe(ctx) }()

	logger.Info("wsh server started", "bind", cfg.Bind, "socket", cfg.Socket, "ephemeral", ephemeral)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-reg.ShutdownRequested():
		logger.Info("last session removed, ephemeral server exiting")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			cancel()
			reg.Shutdown()
			return fmt.Errorf("server error: %w", err)
		}
	}
	cancel()
	reg.Shutdown()
	return nil
}

func serverLogPath(cfg *config.Config) string {
	if cfg.LogFile != "" {
		return cfg.LogFile
	}
	return filepath.Join(config.Dir(), "server.log")
}
