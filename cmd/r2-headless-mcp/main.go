package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zboralski/r2-headless-mcp/internal/config"
)

// Set via ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func buildVersion() string {
	if commit == "none" {
		return version
	}
	return fmt.Sprintf("%s (%s, %s)", version, commit, date)
}

var (
	configPath string
	debug      bool

	cfg    *config.Config
	logger *zap.Logger
)

func newLogger(debug bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if debug {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zc.Build()
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "r2-headless-mcp",
		Short: "Headless radare2 exposed as MCP tools",
		Long: `r2-headless-mcp serves radare2 analysis sessions to MCP clients over
JSON-RPC/HTTP, the MCP streamable transport or stdio.

Run without a subcommand to start the server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err = newLogger(debug || cfg.Debug)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	root.Version = buildVersion()
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $"+config.EnvPath+" or ~/.r2-headless-mcp/config.yaml)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	serve := serveCmd()
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve)
	root.AddCommand(workerCmd())
	root.AddCommand(knowledgeCmd())
	root.AddCommand(cleanupCmd())
	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
