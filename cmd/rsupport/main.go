package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/rsupport/config"
	"github.com/guseggert/rsupport/protocol"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "rsupport",
		Usage: "command remote machines over a NATS bus",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path of the YAML config file. Defaults to the nearest rsupport.yaml above the working directory.",
				EnvVars: []string{"RSUPPORT_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "The NATS server to connect to.",
				EnvVars: []string{"RSUPPORT_NATS_URL"},
			},
			&cli.StringFlag{
				Name:    "subject-prefix",
				Usage:   "The prefix of every subject. Server and clients must use the same one.",
				EnvVars: []string{"RSUPPORT_SUBJECT_PREFIX"},
			},
			&cli.StringFlag{
				Name:    "codec",
				Usage:   "Message encoding. One of [json,cbor].",
				EnvVars: []string{"RSUPPORT_CODEC"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Minimum log level. One of [debug,info,warn,error].",
				EnvVars: []string{"RSUPPORT_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			serverCommand(),
			clientCommand(),
		},
	}
}

// loadConfig reads the config file, if any, and applies the flags that were set on top of it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		path, err = config.Find(wd)
		if err != nil {
			return nil, fmt.Errorf("looking for %s: %w", config.FileName, err)
		}
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet("nats-url") {
		cfg.NATSURL = c.String("nats-url")
	}
	if c.IsSet("subject-prefix") {
		cfg.SubjectPrefix = c.String("subject-prefix")
	}
	if c.IsSet("codec") {
		cfg.Codec = c.String("codec")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("client-id") {
		cfg.ClientID = c.String("client-id")
	}
	if c.IsSet("admin-addr") {
		cfg.Admin.ListenAddr = c.String("admin-addr")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.SugaredLogger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}

// setup is shared by both subcommands.
func setup(c *cli.Context) (*config.Config, protocol.Codec, *zap.SugaredLogger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, nil, err
	}
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, codec, log, nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
