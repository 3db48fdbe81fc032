package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pulseboard/pulse/internal/config"
	"github.com/pulseboard/pulse/internal/logging"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	configFile string
	envFile    string
	dataDir    string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "pulse",
		Short: "Agent telemetry ingestion and metrics aggregation",
		Long: `Pulse ingests telemetry events emitted by AI agents, stores them per
organization and serves dashboard metrics, timeseries and session timelines.

Configuration is read from an optional YAML or JSON file, then PULSE_*
environment variables (optionally from a .env file), then flags.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "path to configuration file (YAML or JSON)")
	pf.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading PULSE_* variables")
	pf.StringVar(&opts.dataDir, "data-dir", "", "base directory for data files")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format: json or console")

	cmd.AddCommand(
		newServeCmd(opts),
		newExportCmd(opts),
		newArchiveCmd(opts),
		newVersionCmd(),
	)
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetVersionTemplate("pulse version {{.Version}}\n")
	return cmd
}

// load resolves configuration and builds the logger.
func (o *globalOptions) load(cmd *cobra.Command) error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", o.envFile, err)
		}
	}

	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	cfg.Telemetry.ServiceVersion = version

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = logger
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// version needs no configuration
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pulse version %s (commit: %s)\n", version, commit)
		},
	}
}
