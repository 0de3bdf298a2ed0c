package main

import (
	"context"
	"errors"
	nethttp "net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/http"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, pipeline workers and scheduled sweeps",
	Long: `Start the recalld service.

The service exposes the REST API under /api/v1, Prometheus metrics on
/metrics and health on /health. Pipeline tasks run on the local worker
pool or on Temporal (pipeline.runner). Sync and retention sweeps run on
their cron schedules.

SIGINT or SIGTERM stops the server, drains in-flight pipeline work for up
to server.shutdown_timeout and exits. Interrupted tasks resume on the next
start.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	rt.logger.Info(ctx, "starting recalld",
		zap.String("version", version),
		zap.String("addr", rt.cfg.Server.Addr()),
		zap.String("vectorstore", rt.cfg.VectorStore.Provider),
		zap.String("runner", rt.cfg.Pipeline.Runner))

	app, err := rt.openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Shutdown(); err != nil {
			rt.logger.Error(context.Background(), "service shutdown", zap.Error(err))
		}
	}()

	if err := app.Start(ctx); err != nil {
		return err
	}

	srv, err := http.NewServer(app, rt.logger, &http.Config{Addr: rt.cfg.Server.Addr()})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	rt.logger.Info(context.Background(), "shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	rt.logger.Info(shutdownCtx, "server shutdown complete")
	return nil
}
