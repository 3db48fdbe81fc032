package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pulseboard/pulse/internal/app"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		httpAddr  string
		grpcAddr  string
		storeType string
		enableRPC bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and optionally the gRPC ingest service)",
		Example: `  pulse serve --data-dir /var/lib/pulse
  pulse serve --store postgres --config /etc/pulse/pulse.yaml
  PULSE_CACHE_BACKEND=redis PULSE_REDIS_URL=redis://localhost:6379/0 pulse serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			flags := cmd.Flags()
			if flags.Changed("http-addr") {
				cfg.HTTP.Addr = httpAddr
			}
			if flags.Changed("grpc-addr") {
				cfg.GRPC.Addr = grpcAddr
			}
			if flags.Changed("grpc") {
				cfg.GRPC.Enabled = enableRPC
			}
			if flags.Changed("store") {
				cfg.Store.Type = storeType
			}

			a, err := app.New(cfg, opts.logger)
			if err != nil {
				return err
			}
			if err := a.Start(cmd.Context()); err != nil {
				return err
			}
			if err := a.WaitForShutdown(cmd.Context()); err != nil {
				opts.logger.Warn("shutdown finished with errors", zap.Error(err))
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	f.StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address")
	f.BoolVar(&enableRPC, "grpc", false, "enable the gRPC ingest service")
	f.StringVar(&storeType, "store", "", "event store: memory, sqlite, postgres")
	return cmd
}
