package main

import (
	"context"
	"fmt"
	"os"

	"github.com/guseggert/rsupport/agent"
	"github.com/guseggert/rsupport/agent/exec"
	"github.com/guseggert/rsupport/config"
	"github.com/guseggert/rsupport/protocol"
	"github.com/guseggert/rsupport/transport"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func clientCommand() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "register with the server and serve its requests on this machine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "client-id",
				Usage:   "The id to register under. Defaults to <username>-<hostname>.",
				EnvVars: []string{"RSUPPORT_CLIENT_ID"},
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
			return runClient(ctx, cfg, codec, log)
		},
	}
}

func clientID(cfg *config.Config) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	hostname, _ := os.Hostname()
	return protocol.DefaultClientID(exec.Username(), hostname)
}

func runClient(ctx context.Context, cfg *config.Config, codec protocol.Codec, log *zap.SugaredLogger) error {
	id := clientID(cfg)

	natsCfg := transport.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = "rsupport-client-" + id
	// The agent owns reconnects so that every new connection registers again.
	natsCfg.MaxReconnects = 0
	natsCfg.NoEcho = true
	dial := func(context.Context) (transport.Bus, error) {
		bus, err := transport.DialNATS(natsCfg, log)
		if err != nil {
			return nil, err
		}
		return bus, nil
	}

	host := &exec.Local{Log: log.Named("exec")}
	a, err := agent.New(id, dial, host,
		agent.WithLogger(log),
		agent.WithPrefix(cfg.SubjectPrefix),
		agent.WithCodec(codec),
		agent.WithHeartbeatInterval(cfg.Heartbeat.Interval),
		agent.WithBackoff(agent.Backoff{Initial: cfg.Backoff.Initial, Max: cfg.Backoff.Max}),
		agent.WithStateHandler(func(s agent.State) {
			log.Infow("client state changed", "ClientID", id, "State", s)
		}),
	)
	if err != nil {
		return fmt.Errorf("building client: %w", err)
	}

	log.Infow("starting client", "ClientID", id, "URL", cfg.NATSURL, "Prefix", cfg.SubjectPrefix)
	err = a.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
