package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/azargarov/ldgate/internal/config"
	"github.com/azargarov/ldgate/internal/server"
)

var (
	version = "dev"

	configFlag       string
	listenFlag       string
	manageListenFlag string
	logLevelFlag     string
	storageFlag      string

	rootCmd = &cobra.Command{
		Use:           "ldgate",
		Short:         "ldgate - a linked-data resource server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve resources and the management API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("start: %w", err)
			}
			return srv.Run(ctx)
		},
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Validate the configuration and print the resolved values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", cfg)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ldgate",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ldgate version %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "path to an HCL configuration file")
	for _, cmd := range []*cobra.Command{serveCmd, configCmd} {
		cmd.Flags().StringVar(&listenFlag, "listen", "", "address for linked-data requests")
		cmd.Flags().StringVar(&manageListenFlag, "manage-listen", "", "address for the management API")
		cmd.Flags().StringVar(&logLevelFlag, "log-level", "", "debug, info, warn or error")
		cmd.Flags().StringVar(&storageFlag, "storage", "", "path of the SQLite database")
	}
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

// loadConfig reads the file and lets explicitly set flags win.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.Listen = listenFlag
	}
	if flags.Changed("manage-listen") {
		cfg.Server.ManageListen = manageListenFlag
	}
	if flags.Changed("log-level") {
		cfg.Server.LogLevel = logLevelFlag
	}
	if flags.Changed("storage") {
		cfg.Storage.Path = storageFlag
	}
	return cfg, cfg.Validate()
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	var zc zap.Config
	switch format {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("log format %q: want json or console", format)
	}
	zc.Level = lvl
	return zc.Build()
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
