package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zboralski/r2-headless-mcp/internal/config"
	"github.com/zboralski/r2-headless-mcp/internal/engine"
	"github.com/zboralski/r2-headless-mcp/internal/knowledge"
	"github.com/zboralski/r2-headless-mcp/internal/rpc"
	"github.com/zboralski/r2-headless-mcp/internal/server"
	"github.com/zboralski/r2-headless-mcp/internal/session"
	"github.com/zboralski/r2-headless-mcp/internal/shell"
	"github.com/zboralski/r2-headless-mcp/internal/worker"
)

const shutdownTimeout = 5 * time.Second

var (
	listenAddr string
	transport  string
	backend    string
	r2Path     string
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyServeFlags(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default from config, 0.0.0.0:5050)")
	cmd.Flags().StringVar(&transport, "transport", "", "Transport: http, stdio or streamable")
	cmd.Flags().StringVar(&backend, "backend", "", "Engine backend: pipe or worker")
	cmd.Flags().StringVar(&r2Path, "r2", "", "radare2 executable")
	return cmd
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = listenAddr
	}
	if flags.Changed("transport") {
		cfg.Transport = transport
	}
	if flags.Changed("backend") {
		cfg.Engine.Backend = backend
	}
	if flags.Changed("r2") {
		cfg.Engine.R2Path = r2Path
	}
	if debug {
		cfg.Debug = true
	}
}

// buildEngine returns the configured backend. The worker backend re-executes
// this binary with the worker subcommand, one process per session.
func buildEngine(cfg *config.Config, logger *zap.Logger) (engine.Engine, error) {
	switch cfg.Engine.Backend {
	case "pipe":
		return engine.NewPipe(cfg.Engine.R2Path, cfg.Engine.Evals, logger), nil
	case "worker":
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		worker.CleanupOrphanSockets(cfg.Engine.SocketDir, logger)
		worker.CleanupOrphanProcesses(exe, logger)
		args := []string{"--r2", cfg.Engine.R2Path}
		for _, e := range cfg.Engine.Evals {
			args = append(args, "--eval", e)
		}
		return worker.NewManager(exe, args, cfg.Engine.SocketDir, logger), nil
	default:
		return nil, fmt.Errorf("invalid engine backend: %s", cfg.Engine.Backend)
	}
}

func runServe(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	store, err := knowledge.Open(cfg.Knowledge.Dir, logger)
	if err != nil {
		return fmt.Errorf("open knowledge store: %w", err)
	}
	defer store.Close()

	bridge := shell.New(cfg.Shell.SuPath, cfg.Shell.ScratchDir, logger)
	if n, err := bridge.CleanupCopies(); err != nil {
		logger.Warn("cleanup root copies", zap.String("dir", bridge.ScratchDir()), zap.Error(err))
	} else if n > 0 {
		logger.Info("removed stale root copies", zap.Int("count", n), zap.String("dir", bridge.ScratchDir()))
	}

	registry := session.NewRegistry(eng, logger)
	defer registry.CloseAll()

	tools := server.New(server.Options{
		Engine:    eng,
		Registry:  registry,
		Locks:     session.NewLockPool(cfg.Sessions.LockBuckets),
		Knowledge: store,
		Shell:     bridge,
		Limits:    cfg.Limits,
		Logger:    logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweep(gctx, registry, cfg.GetIdleTimeout(), cfg.GetSweepInterval(), logger)
		return nil
	})

	switch cfg.Transport {
	case "stdio":
		logger.Info("serving MCP on stdio", zap.String("version", version))
		g.Go(func() error {
			defer stop()
			return rpc.ServeStdio(gctx, rpc.NewMCPServer(tools, version, logger))
		})
	default:
		var handler http.Handler = rpc.NewHandler(tools, version, logger)
		if cfg.Transport == "streamable" {
			mux := http.NewServeMux()
			mux.Handle("/mcp", rpc.StreamableHandler(rpc.NewMCPServer(tools, version, logger)))
			mux.Handle("/", handler)
			handler = mux
		}
		srv := &http.Server{
			Addr:              cfg.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving MCP over HTTP",
				zap.String("listen", cfg.Listen),
				zap.String("transport", cfg.Transport),
				zap.String("backend", cfg.Engine.Backend),
				zap.String("version", version))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("shutting down", zap.Int("sessions", registry.Count()))
	return err
}

func sweep(ctx context.Context, registry *session.Registry, idle, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := registry.Sweep(idle); len(removed) > 0 {
				logger.Info("idle sweep", zap.Int("removed", len(removed)), zap.Int("remaining", registry.Count()))
			}
		}
	}
}
