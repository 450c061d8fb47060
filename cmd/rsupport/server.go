package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/guseggert/rsupport/config"
	inet "github.com/guseggert/rsupport/internal/net"
	"github.com/guseggert/rsupport/protocol"
	"github.com/guseggert/rsupport/server"
	"github.com/guseggert/rsupport/transport"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "run the operator console and track connected clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "admin-addr",
				Usage:   "Serve the admin HTTP API and /metrics on this address, e.g. 127.0.0.1:8222.",
				EnvVars: []string{"RSUPPORT_ADMIN_ADDR"},
			},
			&cli.BoolFlag{
				Name:  "headless",
				Usage: "Do not read console commands from stdin.",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, codec, log, err := setup(c)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signalContext(c.Context)
			defer stop()
			return runServer(ctx, cfg, codec, log, c.Bool("headless"))
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, codec protocol.Codec, log *zap.SugaredLogger, headless bool) error {
	natsCfg := transport.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = "rsupport-server"
	bus, err := transport.DialNATS(natsCfg, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	srv, err := server.New(bus,
		server.WithLogger(log),
		server.WithPrefix(cfg.SubjectPrefix),
		server.WithCodec(codec),
		server.WithThresholds(cfg.Thresholds()),
		server.WithSweepInterval(cfg.Heartbeat.SweepInterval),
		server.WithCallTimeout(cfg.CallTimeout),
	)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return srv.Run(gctx) })

	if cfg.Admin.ListenAddr != "" {
		l, _, err := inet.Listen(cfg.Admin.ListenAddr)
		if err != nil {
			cancel()
			return errors.Join(err, group.Wait())
		}
		group.Go(func() error { return srv.ServeAdmin(gctx, l) })
	}

	// The console blocks on stdin, so it is not part of the group: a signal must not wait for a line of input.
	consoleErr := make(chan error, 1)
	if !headless {
		go func() {
			select {
			case <-srv.Ready():
			case <-gctx.Done():
				consoleErr <- nil
				return
			}
			err := server.NewConsole(srv, os.Stdin, os.Stdout).Run(gctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			consoleErr <- err
			// leaving the console stops the server
			cancel()
		}()
	}

	err = group.Wait()
	select {
	case cerr := <-consoleErr:
		err = errors.Join(err, cerr)
	default:
	}
	return err
}
