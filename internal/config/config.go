// Package config loads client and dev server settings from the
// environment, an optional .env file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/joho/godotenv"

	"github.com/omochice/room-chat/internal/transport"
)

// Env var prefixes.
const (
	ClientPrefix = "CHAT"
	ServerPrefix = "CHATSRV"
)

// Broker kinds.
const (
	BrokerStomp = "stomp"
	BrokerNATS  = "nats"
)

// ErrHelpWanted is returned when --help was requested. The help text is
// returned alongside it.
var ErrHelpWanted = conf.ErrHelpWanted

// Log holds logging settings.
type Log struct {
	Level string `conf:"default:info,help:debug, info, warn or error"`
	File  string `conf:"help:log file; empty logs to stderr"`
}

// Client is the chat client configuration.
type Client struct {
	API struct {
		URL string `conf:"default:http://localhost:8080,help:room API base url"`
	}
	WS struct {
		URL string `conf:"help:messaging endpoint; defaults to {API_URL}/chat"`
	}
	Transport string `conf:"default:auto,help:auto, websocket, sockjs or tcp"`
	Broker    string `conf:"default:stomp,help:stomp or nats"`
	NATS      struct {
		URL string `conf:"default:nats://127.0.0.1:4222"`
	}
	HTTP struct {
		Timeout time.Duration `conf:"default:15s"`
	}
	Handshake struct {
		Timeout time.Duration `conf:"default:10s"`
	}
	Heartbeat time.Duration `conf:"default:10s,help:STOMP heart-beat interval; 0 disables"`
	History   struct {
		Size int `conf:"default:50"`
	}
	Log Log
}

// Server is the dev server configuration.
type Server struct {
	Web struct {
		Addr            string        `conf:"default:0.0.0.0:8080"`
		ShutdownTimeout time.Duration `conf:"default:10s"`
	}
	TCP struct {
		Addr string `conf:"help:STOMP over TCP listen address; empty disables"`
	}
	NATS struct {
		URL string `conf:"help:NATS server to bridge; empty disables"`
	}
	Heartbeat time.Duration `conf:"default:10s"`
	Log       Log
}

// LoadClient reads the client configuration. envFile is loaded first when
// it exists.
func LoadClient(envFile string) (Client, string, error) {
	var cfg Client
	help, err := load(ClientPrefix, envFile, &cfg)
	if err != nil {
		return cfg, help, err
	}

	cfg.API.URL = strings.TrimSuffix(cfg.API.URL, "/")
	if cfg.WS.URL == "" {
		cfg.WS.URL = cfg.API.URL + "/chat"
	}
	if _, err := transport.ParseMode(cfg.Transport); err != nil {
		return cfg, "", err
	}
	switch cfg.Broker {
	case BrokerStomp, BrokerNATS:
	default:
		return cfg, "", fmt.Errorf("unknown broker %q", cfg.Broker)
	}
	if cfg.History.Size <= 0 {
		return cfg, "", fmt.Errorf("history size must be positive, got %d", cfg.History.Size)
	}
	if _, err := cfg.Log.SlogLevel(); err != nil {
		return cfg, "", err
	}
	return cfg, "", nil
}

// LoadServer reads the dev server configuration.
func LoadServer(envFile string) (Server, string, error) {
	var cfg Server
	help, err := load(ServerPrefix, envFile, &cfg)
	if err != nil {
		return cfg, help, err
	}
	if _, err := cfg.Log.SlogLevel(); err != nil {
		return cfg, "", err
	}
	return cfg, "", nil
}

func load(prefix, envFile string, cfg any) (string, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	help, err := conf.Parse(prefix, cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			return help, err
		}
		return "", fmt.Errorf("failed to parse config: %w", err)
	}
	return "", nil
}

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	return level, nil
}

// NewLogger builds a text logger writing to w at the configured level.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
