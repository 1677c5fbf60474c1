package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tapcast/broker/internal/config"
	xlog "github.com/tapcast/broker/internal/log"
	"github.com/tapcast/broker/internal/metrics"
	"github.com/tapcast/broker/internal/parser"
	"github.com/tapcast/broker/internal/relay"
	"github.com/tapcast/broker/internal/supervisor"
	"github.com/tapcast/broker/internal/ws"
)

// ServeFlags decouples cobra from runServe for testing.
type ServeFlags struct {
	ConfigPath     string
	ConfigExplicit bool
	Port           int
	Mock           bool
}

func newServeCommand() *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker: supervise the probe and serve the event stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags.ConfigExplicit = cmd.Flags().Changed("config")
			return runServe(cmd.Context(), *flags, nil)
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "config.yaml", "path to config file")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "override server port")
	cmd.Flags().BoolVar(&flags.Mock, "mock", false, "supervise the built-in simulator instead of the probe")
	return cmd
}

func loadConfig(flags ServeFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.ConfigExplicit {
		cfg, err = config.Load(flags.ConfigPath)
	} else {
		cfg, err = config.LoadOrDefault(flags.ConfigPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if flags.Port > 0 {
		cfg.Server.Port = flags.Port
	}
	if flags.Mock {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate own binary for --mock: %w", err)
		}
		cfg.Producer.Path = exe
		cfg.Producer.Args = []string{"simulate"}
		cfg.Producer.Privileged = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runServe blocks until ctx is cancelled or the listener fails. When ready
// is non-nil it receives the bound address once the listener is up.
func runServe(ctx context.Context, flags ServeFlags, ready chan<- string) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	xlog.Configure(xlog.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: cfg.Log.Service,
	})
	logger := xlog.WithComponent("serve")

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}

	g, ctx := errgroup.WithContext(ctx)

	var sinks []ws.Sink
	var statusOpts []ws.ServerOption
	if cfg.Relay.RedisAddr != "" {
		r, err := relay.Dial(ctx, cfg.Relay, xlog.WithComponent("relay"))
		if err != nil {
			logger.Warn().Err(err).Msg("relay disabled")
		} else {
			sinks = append(sinks, r)
			statusOpts = append(statusOpts, ws.WithRelayStatus(func() any { return r.Stats() }))
			g.Go(func() error { return r.Run(ctx) })
		}
	}

	broadcaster := ws.NewBroadcaster(ws.NewRegistry(cfg.Server.MaxClients), ws.ClientOptions{
		QueueSize:    cfg.Server.QueueSize,
		WriteTimeout: cfg.Server.WriteTimeout,
		PingInterval: cfg.Server.PingInterval,
		PongTimeout:  cfg.Server.PongTimeout,
	}, sinks...)

	sup := supervisor.New(cfg.Producer, cfg.Restart,
		parser.New(parser.WithMarkers(cfg.Parser.Markers)), broadcaster)

	statusOpts = append(statusOpts, ws.WithProducerStatus(func() any { return sup.Status() }))
	server := ws.NewServer(cfg.Server, broadcaster, statusOpts...)

	logger.Info().
		Str("addr", ln.Addr().String()).
		Str("stream_path", cfg.Server.StreamPath).
		Str("producer", cfg.Producer.Path).
		Bool("mock", flags.Mock).
		Msg("starting broker")
	if ready != nil {
		ready <- ln.Addr().String()
	}

	g.Go(func() error {
		return ws.Serve(ctx, ln, server, cfg.Server.ShutdownTimeout)
	})
	g.Go(func() error {
		err := sup.Run(ctx)
		if errors.Is(err, supervisor.ErrRestartLimit) {
			logger.Error().Err(err).Msg("producer supervision stopped; still serving")
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		broadcaster.Close()
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("broker stopped")
	return err
}
