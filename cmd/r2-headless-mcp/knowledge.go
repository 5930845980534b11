package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/r2-headless-mcp/internal/knowledge"
	"github.com/zboralski/r2-headless-mcp/internal/shell"
	"github.com/zboralski/r2-headless-mcp/internal/worker"
)

func knowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Inspect saved renames and notes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <binary>",
		Short: "Print the knowledge recorded for a binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			store, err := knowledge.Open(cfg.Knowledge.Dir, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			loaded, err := store.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), loaded.Summary)
			if len(loaded.ReplayCommands) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\nReplayed on open (%d):\n", len(loaded.ReplayCommands))
				for _, c := range loaded.ReplayCommands {
					fmt.Fprintln(cmd.OutOrStdout(), "  "+c)
				}
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path <binary>",
		Short: "Print the knowledge file backing a binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(cfg.Knowledge.Dir, knowledge.KeyFor(path)+".json"))
			return nil
		},
	})
	return cmd
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove root copies, orphan worker sockets and orphan worker processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bridge := shell.New(cfg.Shell.SuPath, cfg.Shell.ScratchDir, logger)
			copies, err := bridge.CleanupCopies()
			if err != nil {
				logger.Warn("cleanup root copies", zap.Error(err))
			}
			sockets := worker.CleanupOrphanSockets(cfg.Engine.SocketDir, logger)
			procs := 0
			if exe, err := os.Executable(); err == nil {
				procs = worker.CleanupOrphanProcesses(exe, logger)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "root copies removed: %d (%s)\nsockets removed: %d\nworkers stopped: %d\n",
				copies, bridge.ScratchDir(), sockets, procs)
			return nil
		},
	}
}
