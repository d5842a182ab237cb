// Command disptrack estimates relative displacement from IMU or GPS samples
// and streams it to WebSocket subscribers.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"disptrack/internal/config"
	"disptrack/internal/logging"
	"disptrack/internal/web"
)

const (
	flagConfig   = "config"
	flagMode     = "mode"
	flagListen   = "listen"
	flagLogLevel = "log-level"
	flagOut      = "out"
	flagDuration = "duration"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "disptrack:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "disptrack",
		Usage: "dead-reckon relative displacement and stream it over WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
				EnvVars: []string{"DISPTRACK_CONFIG"},
			},
			&cli.StringFlag{Name: flagMode, Usage: "tracking mode `imu|gps`, overrides session.mode"},
			&cli.StringFlag{Name: flagListen, Usage: "HTTP/WebSocket `ADDR`, overrides listen"},
			&cli.StringFlag{Name: flagLogLevel, Usage: "`LEVEL`, overrides log.level"},
		},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "track and broadcast (default)",
				Action: runAction,
			},
			{
				Name:  "record",
				Usage: "write the configured sources to a trace file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagOut, Usage: "trace `FILE`", Required: true},
					&cli.DurationFlag{Name: flagDuration, Usage: "stop after this long; 0 records until interrupted"},
				},
				Action: recordAction,
			},
		},
	}
}

// loadConfig reads --config (or the built-in defaults) and applies the
// command-line overrides.
func loadConfig(c *cli.Context) (config.Config, error) {
	var cfg config.Config
	if path := c.String(flagConfig); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		cfg = loaded
	}
	if v := c.String(flagMode); v != "" {
		cfg.Session.Mode = v
	}
	if v := c.String(flagListen); v != "" {
		cfg.Listen = v
	}
	if v := c.String(flagLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.SugaredLogger, *web.LogBuffer, error) {
	logs := web.NewLogBuffer(cfg.Log.BufferLines)
	log, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Extra:  []io.Writer{logs},
	})
	if err != nil {
		return nil, nil, err
	}
	return log, logs, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, logs, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signalContext(c.Context)
	defer cancel()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	log.Infow("disptrack starting", "config", c.String(flagConfig), "imu", cfg.IMU.Source, "gps", cfg.GPS.Source)
	err = newRuntime(cfg, log, logs, clock.New()).run(ctx, ln)
	log.Infow("disptrack stopped")
	return err
}

func recordAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, logs, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signalContext(c.Context)
	defer cancel()
	return newRuntime(cfg, log, logs, clock.New()).record(ctx, c.String(flagOut), c.Duration(flagDuration))
}
