package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tzrikka/xdg"
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/coregx/webserve/server"
	"github.com/coregx/webserve/sysinfo"
	"github.com/coregx/webserve/websocket"
)

const (
	ConfigDirName  = "webserve"
	ConfigFileName = "config.toml"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "webserved",
		Usage:   "HTTP/1.1 server with WebSocket upgrades, static assets, and middleware routes",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action:  run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	path := configFile()

	return []cli.Flag{
		&cli.IntFlag{
			Name:  "port",
			Usage: "TCP port to listen on",
			Value: server.DefaultPort,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WEBSERVE_PORT"),
				toml.TOML("server.port", path),
			),
			Validator: validatePort,
		},
		&cli.StringFlag{
			Name:  "doc-root",
			Usage: "document root for static assets",
			Value: server.DefaultDocRoot,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WEBSERVE_DOC_ROOT"),
				toml.TOML("server.doc_root", path),
			),
		},
		&cli.DurationFlag{
			Name:  "idle-timeout",
			Usage: "drop sessions with no activity for this long",
			Value: server.DefaultIdleTimeout,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WEBSERVE_IDLE_TIMEOUT"),
				toml.TOML("server.idle_timeout", path),
			),
		},
		&cli.DurationFlag{
			Name:  "stats-interval",
			Usage: "how often to broadcast system stats to WebSocket pages",
			Value: 500 * time.Millisecond,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WEBSERVE_STATS_INTERVAL"),
				toml.TOML("server.stats_interval", path),
			),
		},
		&cli.DurationFlag{
			Name:  "ping-interval",
			Usage: "how often to ping WebSocket sessions (0 disables the sweep)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WEBSERVE_PING_INTERVAL"),
				toml.TOML("server.ping_interval", path),
			),
		},
		&cli.StringFlag{
			Name:  "log-file",
			Usage: "also append logs to this file (served at /history.log)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WEBSERVE_LOG_FILE"),
				toml.TOML("server.log_file", path),
			),
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
	}
}

func validatePort(p int) error {
	if p < 0 || p > 65535 {
		return fmt.Errorf("out of range [0-65535]")
	}
	return nil
}

// configFile returns the path to the app's configuration file.
// It also creates an empty file if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, ConfigDirName, ConfigFileName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create config file")
	}
	return altsrc.StringSourcer(path)
}

// initLog builds the process logger: console (pretty or JSON) plus an
// optional log file, which the /history.log route serves back.
func initLog(pretty bool, logPath string) (zerolog.Logger, error) {
	var console io.Writer = os.Stderr
	if pretty {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}

	w := console
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("open log file: %w", err)
		}
		w = zerolog.MultiLevelWriter(console, f)
	}

	return zerolog.New(w).With().Timestamp().Logger(), nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger, err := initLog(cmd.Bool("pretty-log"), cmd.String("log-file"))
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Port:        cmd.Int("port"),
		DocRoot:     cmd.String("doc-root"),
		IdleTimeout: cmd.Duration("idle-timeout"),
		Logger:      &logger,
	})
	if err != nil {
		return err
	}

	registerRoutes(srv, cmd.String("doc-root"), cmd.String("log-file"))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go broadcastStats(ctx, srv, logger, cmd.Duration("stats-interval"))
	if interval := cmd.Duration("ping-interval"); interval > 0 {
		go pingSweep(ctx, srv, interval)
	}

	return srv.Serve(ctx)
}

// broadcastStats pushes a system stats snapshot to the realtime pages on
// a fixed interval.
func broadcastStats(ctx context.Context, srv *server.Server, logger zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats, err := sysinfo.Snapshot()
		if err != nil {
			logger.Warn().Err(err).Msg("stats probe failed")
			continue
		}
		payload, err := stats.JSON()
		if err != nil {
			logger.Warn().Err(err).Msg("stats encoding failed")
			continue
		}
		frame := websocket.TextFrame(string(payload))
		_ = srv.SendAll(frame, "/stats")
		_ = srv.SendAll(frame, "/dynamic")
	}
}

// pingSweep pings every WebSocket session on a fixed interval.
func pingSweep(ctx context.Context, srv *server.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = srv.PingAll()
		}
	}
}
