package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/omochice/room-chat/internal/config"
	"github.com/omochice/room-chat/internal/server"
)

func main() {
	cfg, help, err := config.LoadServer(".env")
	if err != nil {
		if errors.Is(err, config.ErrHelpWanted) {
			fmt.Println(help)
			return
		}
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	logger := cfg.Log.NewLogger(out)

	srv := server.New(server.Config{
		Addr:      cfg.Web.Addr,
		TCPAddr:   cfg.TCP.Addr,
		NATSURL:   cfg.NATS.URL,
		Heartbeat: cfg.Heartbeat,
		Logger:    logger,
	})
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}
	logger.Info("server started", "addr", srv.Addr(), "tcp", srv.TCPAddr())

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Web.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"chat-server": func(ctx context.Context) error {
				logger.Info("shutting down")
				return srv.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	logger.Info("server stopped", "code", exitCode)
	os.Exit(exitCode)
}
