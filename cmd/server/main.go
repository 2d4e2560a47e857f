package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lupppig/snsbus/internal/config"
	"github.com/lupppig/snsbus/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "snsbus-server",
	Short:        "Run the snsbus dispatch service and HTTP API",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		closer, err := logging.Init(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
		if err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFileName, "path to the YAML config file")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	var lis net.Listener
	if a.grpc != nil {
		if lis, err = net.Listen("tcp", cfg.Server.GRPCAddr); err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
	}

	if err := a.dispatch.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize queues: %w", err)
	}
	if err := a.dispatch.Start(ctx); err != nil {
		return err
	}
	if a.forwarder != nil {
		go a.forwarder.Run(ctx)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- a.api.ListenAndServe()
	}()
	if a.grpc != nil {
		go func() {
			if err := a.grpc.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
		go a.grpc.Track(ctx)
	}
	slog.Info("snsbus started", "code", "SYS_STARTUP",
		"addr", cfg.Server.Addr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"store", cfg.Store.Driver,
		"queue", cfg.Queue.Driver,
		"publish_queues", cfg.Queue.NumPublishQueues,
		"endpoint_queues", cfg.Queue.NumEndpointQueues,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	slog.Info("shutting down", "code", "SYS_SHUTDOWN")
	if a.grpc != nil {
		a.grpc.Drain()
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Dispatch.ShutdownTimeout)
	defer cancel()
	if err := a.api.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "code", "SYS_SHUTDOWN", "error", err)
	}
	if err := a.dispatch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("dispatch shutdown incomplete", "code", "SYS_SHUTDOWN", "error", err)
	}
	if a.grpc != nil {
		a.grpc.Stop(shutdownCtx)
	}
	return serveErr
}
