package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/omochice/room-chat/internal/client"
	"github.com/omochice/room-chat/internal/config"
	"github.com/omochice/room-chat/internal/ui"
)

// defaultLogFile keeps log output off the terminal the UI draws on.
const defaultLogFile = "room-chat.log"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, help, err := config.LoadClient(".env")
	if err != nil {
		if errors.Is(err, config.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("config: %w", err)
	}

	path := cfg.Log.File
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()
	logger := cfg.Log.NewLogger(f)

	stack, err := client.New(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("starting", "api", cfg.API.URL, "endpoint", stack.Endpoint, "broker", cfg.Broker)
	app := ui.New(stack.API, stack.Manager, logger)
	return app.Run()
}
