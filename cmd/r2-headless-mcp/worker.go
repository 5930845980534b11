package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zboralski/r2-headless-mcp/internal/engine"
	"github.com/zboralski/r2-headless-mcp/internal/worker"
)

func workerCmd() *cobra.Command {
	var (
		socketPath string
		r2         string
		evals      []string
	)
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve one radare2 session on a Unix socket (started by the worker backend)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if r2 == "" {
				r2 = cfg.Engine.R2Path
			}
			eng := engine.NewPipe(r2, evals, logger)
			return serveWorker(ctx, socketPath, eng)
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", "", "Unix socket path")
	cmd.Flags().StringVar(&r2, "r2", "", "radare2 executable")
	cmd.Flags().StringArrayVar(&evals, "eval", nil, "Extra -e settings for radare2 (repeatable)")
	_ = cmd.MarkFlagRequired("socket")
	return cmd
}

func serveWorker(ctx context.Context, socketPath string, eng engine.Engine) error {
	return worker.Serve(ctx, socketPath, eng, logger.Named("worker"))
}
